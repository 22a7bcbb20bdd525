package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func servicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "Show the swarm services mydb owns with their task state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sw, err := buildSwarm()
			if err != nil {
				return err
			}
			defer sw.Close()

			services, err := sw.ListServices(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tIMAGE\tPORT\tSTATE\tSINCE\tERROR")
			for _, s := range services {
				since := "-"
				if !s.Since.IsZero() {
					since = humanize.Time(s.Since)
				}
				errText := s.Error
				if errText == "" {
					errText = "-"
				}
				fmt.Fprintf(w, "%.12s\t%s\t%s\t%d\t%s\t%s\t%s\n", s.ID, s.Name, s.Image, s.PublishedPort, s.State, since, errText)
			}
			w.Flush()
			return nil
		},
	}
}

func volumesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "volumes",
		Short: "Show the swarm volumes mydb owns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sw, err := buildSwarm()
			if err != nil {
				return err
			}
			defer sw.Close()

			volumes, err := sw.ListVolumes(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDRIVER\tCREATED\tMOUNTPOINT")
			for _, v := range volumes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Name, v.Driver, v.CreatedAt, v.Mountpoint)
			}
			w.Flush()
			return nil
		},
	}
}

func rmServiceCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rm-service <service>",
		Short: "Remove a swarm service directly, leaving the catalog alone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !yes && !newAsker(cmd).confirm(fmt.Sprintf("Remove service %s?", name)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
			sw, err := buildSwarm()
			if err != nil {
				return err
			}
			defer sw.Close()

			if err := sw.RemoveService(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ service %s removed\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func rmVolumeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rm-volume <volume>",
		Short: "Remove a swarm volume directly, leaving the catalog alone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !yes && !newAsker(cmd).confirm(fmt.Sprintf("Remove volume %s and its data?", name)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
			sw, err := buildSwarm()
			if err != nil {
				return err
			}
			defer sw.Close()

			if err := sw.RemoveVolume(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ volume %s removed\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func stopServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-service <service>",
		Short: "Scale a swarm service to zero replicas, keeping its volume and port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sw, err := buildSwarm()
			if err != nil {
				return err
			}
			defer sw.Close()

			if err := sw.StopService(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ service %s stopped\n", args[0])
			return nil
		},
	}
}

func startServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-service <service>",
		Short: "Scale a stopped swarm service back to one replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sw, err := buildSwarm()
			if err != nil {
				return err
			}
			defer sw.Close()

			if err := sw.ScaleService(cmd.Context(), args[0], 1); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ service %s started\n", args[0])
			return nil
		},
	}
}
