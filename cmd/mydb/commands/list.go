package commands

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/catalog"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show active instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			active, err := store.ListActive(cmd.Context())
			if err != nil {
				return err
			}
			if len(active) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No instances. Run 'mydb create <engine> <name>' to get started.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENGINE\tPORT\tSTATE\tOWNER\tBACKUPS\tSINCE")
			for _, act := range active {
				info := act.Container.Info
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					act.Container.ID, info.Name, info.Engine, info.Port, act.State.State,
					info.Owner, info.BackupFreq, humanize.Time(act.State.TS))
			}
			w.Flush()
			return nil
		},
	}
}

func containersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "containers",
		Short: "Show every container ever recorded, deleted ones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.ListContainers(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREATED\tACTIVE")
			for _, c := range all {
				active := "no"
				if c.Active {
					active = "yes"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, c.Name, formatTime(c.CreatedAt), active)
			}
			w.Flush()
			return nil
		},
	}
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the container state table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			states, err := store.ListStates(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "C_ID\tNAME\tSTATE\tLAST STATE\tCHANGED BY\tAT")
			for _, st := range states {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					st.CID, st.Name, st.State, st.LastState, st.ChangedBy, formatTime(st.TS))
			}
			w.Flush()
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log [name]",
		Short: "Show the action log, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			var cid int64
			if len(args) == 1 {
				c, err := store.GetContainerByName(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				cid = c.ID
			}
			entries, err := store.ListLog(cmd.Context(), cid, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tC_ID\tNAME\tACTION\tDESCRIPTION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", formatTime(e.TS), e.CID, e.Name, e.Action, e.Description)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Entries to show (0 for all)")
	return cmd
}

func infoCmd() *cobra.Command {
	var legacy bool

	cmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Print an instance's raw metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if legacy {
				if cfg.Catalog.MigratePath == "" {
					return errors.NotSupportedf("info --legacy without catalog.migrate_path")
				}
				old, err := catalog.Open(cmd.Context(), cfg.Catalog.MigratePath)
				if err != nil {
					return err
				}
				defer old.Close()
				store = old
			}

			raw, err := store.RawInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(raw, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&legacy, "legacy", false, "Read the previous generation's catalog")
	return cmd
}

func contactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contacts",
		Short: "List the contacts of active instances with the instances they own",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := buildCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			active, err := store.ListActive(cmd.Context())
			if err != nil {
				return err
			}
			owned := make(map[string][]string)
			for _, act := range active {
				contact := act.Container.Info.Contact
				if contact == "" {
					contact = "(none)"
				}
				owned[contact] = append(owned[contact], act.Container.Info.Name)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONTACT\tINSTANCES")
			for _, contact := range slices.Sorted(maps.Keys(owned)) {
				fmt.Fprintf(w, "%s\t%s\n", contact, strings.Join(owned[contact], ", "))
			}
			w.Flush()

			var emails []string
			for contact := range owned {
				if strings.Contains(contact, "@") {
					emails = append(emails, contact)
				}
			}
			slices.Sort(emails)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", strings.Join(emails, "; "))
			return nil
		},
	}
}
