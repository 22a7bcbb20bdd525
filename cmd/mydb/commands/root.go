package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// Global flags shared by every subcommand.
var (
	configPath string
	logSpec    string
	actor      string
)

// Root returns the root cobra command with all subcommands attached.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mydb",
		Short: "Provision and look after databases on Docker Swarm",
		Long: "mydb provisions Postgres, MariaDB and MongoDB instances as Docker Swarm services,\n" +
			"backs them up to S3 and keeps their records in a local catalog.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $MYDB_CONFIG or /etc/mydb/mydb.conf)")
	cmd.PersistentFlags().StringVar(&logSpec, "log", "", "Logger levels, e.g. '<root>=DEBUG' (overrides [log] spec)")
	cmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "Name recorded as the actor of changes")

	cmd.AddCommand(initCmd())
	cmd.AddCommand(createCmd())
	cmd.AddCommand(restartCmd())
	cmd.AddCommand(deleteCmd())
	cmd.AddCommand(updateCmd())
	cmd.AddCommand(purgeCmd())
	cmd.AddCommand(backupCmd())
	cmd.AddCommand(restoreCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(backupsCmd())
	cmd.AddCommand(listCmd())
	cmd.AddCommand(containersCmd())
	cmd.AddCommand(stateCmd())
	cmd.AddCommand(logCmd())
	cmd.AddCommand(infoCmd())
	cmd.AddCommand(connectCmd())
	cmd.AddCommand(contactsCmd())
	cmd.AddCommand(servicesCmd())
	cmd.AddCommand(volumesCmd())
	cmd.AddCommand(stopServiceCmd())
	cmd.AddCommand(startServiceCmd())
	cmd.AddCommand(rmServiceCmd())
	cmd.AddCommand(rmVolumeCmd())
	cmd.AddCommand(auditCmd())
	cmd.AddCommand(historyCmd())
	cmd.AddCommand(dbAuditCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(scheduleCmd())
	cmd.AddCommand(loginCmd())
	cmd.AddCommand(versionCmd())

	return cmd
}
