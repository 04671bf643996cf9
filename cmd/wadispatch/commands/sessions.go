package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"wadispatch/internal/session"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List saved session folders that hold a credential file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			specs, err := session.Discover(cfg.Sessions.Dir, cfg.Sessions.CredentialFile)
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no sessions under %s\n", cfg.Sessions.Dir)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCREDENTIALS")
			for _, s := range specs {
				fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.CredentialPath)
			}
			return tw.Flush()
		},
	}
}

