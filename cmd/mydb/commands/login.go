package commands

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/directory"
)

func loginCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check directory credentials and show the user's profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Directory.Server == "" {
				return errors.NotSupportedf("login without [directory] server")
			}

			ask := newAsker(cmd)
			if user == "" {
				user = ask.line("Username")
			}
			password := ask.line("Password")

			c := directory.New(cfg.Directory.Server, cfg.Directory.Domain, cfg.Directory.SearchBase)
			status, profile := c.Verify(cmd.Context(), user, password)
			if status != directory.Good {
				return errors.Unauthorizedf("login as %s: %s", user, status)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "✓ %s\n", status)
			fmt.Fprintf(w, "Username:    %s\n", profile.Username)
			fmt.Fprintf(w, "Name:        %s\n", profile.DisplayName)
			fmt.Fprintf(w, "Mail:        %s\n", profile.Mail)
			fmt.Fprintf(w, "Manager:     %s\n", profile.Manager)
			fmt.Fprintf(w, "Department:  %s\n", profile.Department)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Directory username (prompted when empty)")
	return cmd
}
