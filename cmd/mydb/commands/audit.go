package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/audit"
	"github.com/ecairns22/mydb/internal/health"
)

func auditCmd() *cobra.Command {
	var mail bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check every active instance's backups against its policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := audit.New(store, nil).Report(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			if mail {
				mailer(cfg).Notify(cmd.Context(), "MyDB: backup audit", report)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&mail, "mail", false, "Also mail the report to the admins")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "Show an instance's recent backup log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			out, err := audit.New(store, nil).History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func dbAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "db-audit <name>",
		Short: "Log in to an instance as admin and report its databases, users and settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.manager.Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check that every active instance's port accepts connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			active, err := store.ListActive(cmd.Context())
			if err != nil {
				return err
			}
			targets := make([]health.Target, 0, len(active))
			for _, act := range active {
				targets = append(targets, health.Target{Name: act.Container.Info.Name, Port: act.Container.Info.Port})
			}

			results := health.Sweep(cmd.Context(), cfg.Swarm.ContainerHost, targets, timeout)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPORT\tSTATUS\tLATENCY")
			down := 0
			for _, r := range results {
				status := "up"
				if r.Err != nil {
					status = "DOWN"
					down++
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Name, r.Port, status, r.Latency.Round(time.Millisecond))
			}
			w.Flush()
			if down > 0 {
				return fmt.Errorf("%d of %d instances unreachable on %s", down, len(results), cfg.Swarm.ContainerHost)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Per-instance connect timeout")
	return cmd
}
