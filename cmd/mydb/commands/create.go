package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/lifecycle"
)

func createCmd() *cobra.Command {
	var req lifecycle.CreateRequest

	cmd := &cobra.Command{
		Use:   "create <engine> <name>",
		Short: "Provision a new database instance",
		Long: "Provision a new Postgres, MariaDB or MongoDB instance. The password of the\n" +
			"database user is printed once and stored nowhere.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Engine = catalog.Engine(args[0])
			req.Name = args[1]
			req.Actor = actor

			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			res, err := a.manager.Create(cmd.Context(), req)
			if res != nil {
				printLog(w, res.Log)
			}
			if err != nil {
				return err
			}

			info := res.Container.Info
			fmt.Fprintf(w, "✓ %s created (%s on port %d)\n\n", info.Name, info.Engine, info.Port)
			fmt.Fprintf(w, "Database:  %s\n", info.DBName)
			fmt.Fprintf(w, "User:      %s\n", info.DBUser)
			fmt.Fprintf(w, "Password:  %s\n\n", res.Password)
			fmt.Fprintln(w, res.Help)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&req.Port, "port", 0, "Published port (default: next free)")
	f.StringVar(&req.DBName, "dbname", "", "Database name (default: instance name)")
	f.StringVar(&req.DBUser, "user", "", "Database user to create")
	f.StringVar(&req.DBUserPass, "password", "", "Password of the database user (default: generated)")
	f.StringVar(&req.Owner, "owner", "", "Owner of the instance")
	f.StringVar(&req.Contact, "contact", "", "Contact e-mail")
	f.StringVar(&req.BackupFreq, "backup-freq", "Daily", "Backup policy: Daily or Weekly")
	f.StringVar(&req.Description, "description", "", "What the instance is for")
	cmd.MarkFlagRequired("user")

	return cmd
}
