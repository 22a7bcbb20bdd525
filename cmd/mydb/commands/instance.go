package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/report"
)

// credentials resolves the database login used to prove ownership,
// prompting for the password when it was not given.
func credentials(ask *asker, user, password string) (string, string) {
	if user == "" {
		user = ask.line("Database user")
	}
	if password == "" {
		password = ask.line("Password")
	}
	return user, password
}

func restartCmd() *cobra.Command {
	var (
		user, password string
		admin          bool
	)

	cmd := &cobra.Command{
		Use:   "restart <name>",
		Short: "Force-restart an instance's service",
		Long: "Force-restart an instance's service. The database user's credentials are\n" +
			"checked against the running instance first unless --admin is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var log *report.Log
			if admin {
				log, err = a.manager.AdminRestart(cmd.Context(), name, actor)
			} else {
				u, p := credentials(newAsker(cmd), user, password)
				log, err = a.manager.Restart(cmd.Context(), name, u, p, actor)
			}
			printLog(cmd.OutOrStdout(), log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s restarted\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Database user")
	cmd.Flags().StringVar(&password, "password", "", "Database password (prompted when empty)")
	cmd.Flags().BoolVar(&admin, "admin", false, "Skip the credential check")

	return cmd
}

func deleteCmd() *cobra.Command {
	var (
		user, password string
		admin          bool
		yes            bool
	)

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an instance with its service, volume and config",
		Long: "Delete an instance. The catalog stops listing it first; the service, volume\n" +
			"and init config are removed after that and any removal that fails is\n" +
			"reported for manual cleanup. Its container record is kept.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ask := newAsker(cmd)

			if !yes && !ask.confirm(fmt.Sprintf("This will delete %s and its data volume. Continue?", name)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}

			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var log *report.Log
			if admin {
				log, err = a.manager.AdminDelete(cmd.Context(), name, actor)
			} else {
				u, p := credentials(ask, user, password)
				log, err = a.manager.Delete(cmd.Context(), name, u, p, actor)
			}
			printLog(cmd.OutOrStdout(), log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s deleted\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Database user")
	cmd.Flags().StringVar(&password, "password", "", "Database password (prompted when empty)")
	cmd.Flags().BoolVar(&admin, "admin", false, "Skip the credential check")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")

	return cmd
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <name> KEY=VALUE...",
		Short: "Change an instance's metadata, e.g. Owner or BackupFreq",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.manager.UpdateInfo(cmd.Context(), args[0], partial, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s updated (owner %s, contact %s, backups %s)\n",
				info.Name, info.Owner, info.Contact, info.BackupFreq)
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge <container-id>",
		Short: "Remove a container record from the catalog for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("container id %q: %w", args[0], err)
			}
			if !yes && !newAsker(cmd).confirm(fmt.Sprintf("Purge container record %d?", id)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}

			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.Purge(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ container %d purged\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <name>",
		Short: "Show how to connect to an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			help, err := a.manager.ConnectionHelp(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), help)
			return nil
		},
	}
}
