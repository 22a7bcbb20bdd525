package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/config"
	"github.com/ecairns22/mydb/internal/runner"
	"github.com/ecairns22/mydb/internal/systemd"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage the systemd timers for nightly backups and the backup audit",
	}
	cmd.AddCommand(scheduleInstallCmd())
	cmd.AddCommand(scheduleRemoveCmd())
	cmd.AddCommand(scheduleStatusCmd())
	return cmd
}

func buildScheduler() (*systemd.Manager, []systemd.Job, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	s := cfg.Schedule
	return systemd.New(&runner.OSRunner{}, s.UnitDir, s.Binary, path), systemd.Jobs(s.BackupAt, s.AuditAt), nil
}

func scheduleInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Write and start the timers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, jobs, err := buildScheduler()
			if err != nil {
				return err
			}
			if err := mgr.Install(cmd.Context(), jobs); err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s scheduled at %s\n", job.Name, job.OnCalendar)
			}
			return nil
		},
	}
}

func scheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Stop the timers and remove their units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, jobs, err := buildScheduler()
			if err != nil {
				return err
			}
			if err := mgr.Uninstall(cmd.Context(), jobs); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ schedule removed")
			return nil
		},
	}
}

func scheduleStatusCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the timers run and how their last runs went",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, jobs, err := buildScheduler()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSCHEDULE\tTIMER")
			for _, job := range jobs {
				status := "inactive"
				if mgr.IsActive(cmd.Context(), job.Name) {
					status = "active"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", job.Name, job.OnCalendar, status)
			}
			w.Flush()

			if lines == 0 {
				return nil
			}
			for _, job := range jobs {
				journal, err := mgr.JournalTail(cmd.Context(), job.Name, lines)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %v\n", job.Name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s:\n%s", job.Name, journal)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "Also show this many journal lines of each job's last runs")
	return cmd
}
