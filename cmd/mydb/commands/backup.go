package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/blob"
	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/report"
)

func backupCmd() *cobra.Command {
	var (
		all        bool
		backupType string
	)

	cmd := &cobra.Command{
		Use:   "backup [name]",
		Short: "Back up one instance, or every active instance with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var log *report.Log
			if all {
				log, err = a.manager.BackupAll(cmd.Context(), backupType, actor)
			} else {
				log, err = a.manager.Backup(cmd.Context(), args[0], backupType, actor)
			}
			printLog(cmd.OutOrStdout(), log)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ backup complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Back up every active instance")
	cmd.Flags().StringVar(&backupType, "type", catalog.BackupAdmin, "Backup type recorded in the log: User or Admin")

	return cmd
}

func restoreCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <name> [s3://bucket/key]",
		Short: "Restore an instance from a backup (default: its latest)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var locator string
			if len(args) == 2 {
				locator = args[1]
			}
			if !yes && !newAsker(cmd).confirm(fmt.Sprintf("Restore into %s? Existing data may be overwritten.", name)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}

			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			log, err := a.manager.Restore(cmd.Context(), name, locator, actor)
			printLog(cmd.OutOrStdout(), log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s restored\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func migrateCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "migrate <name>",
		Short: "Rebuild an instance from the previous generation's catalog and its latest backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			log, err := a.manager.Migrate(cmd.Context(), name, port, actor)
			printLog(cmd.OutOrStdout(), log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s migrated\n", name)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Publish on this port instead of the recorded one")
	return cmd
}

func backupsCmd() *cobra.Command {
	var legacy bool

	cmd := &cobra.Command{
		Use:   "backups <name>",
		Short: "List an instance's backup artifacts in the bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			layout := a.layout
			if legacy {
				layout.Prefix = a.cfg.Backup.LegacyPrefix
			}
			objs, err := a.blob.List(cmd.Context(), layout.InstancePrefix(name))
			if err != nil {
				return err
			}
			if len(objs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No backups of %s under %s.\n", name, layout.Locator(layout.InstancePrefix(name)))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BACKUP\tSIZE\tMODIFIED\tLOCATOR")
			for _, o := range objs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					blob.Dir(o.Key), humanize.Bytes(uint64(o.Size)), humanize.Time(o.LastModified), layout.Locator(o.Key))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().BoolVar(&legacy, "legacy", false, "List under the previous generation's prefix")
	return cmd
}
