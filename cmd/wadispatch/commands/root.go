package commands

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"wadispatch/internal/config"
)

var cfgPath string

func Execute() error {
	root := &cobra.Command{
		Use:           "wadispatch",
		Short:         "HTTP-controlled WhatsApp bulk message dispatcher",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real environment variables win.
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json, yaml or toml)")

	root.AddCommand(serveCmd(), sessionsCmd(), pairCmd(), auditCmd())
	return root.Execute()
}

// loadConfig reads the config file, falling back to defaults when missing.
func loadConfig() (*config.Config, error) {
	cfg, _, err := config.NewConfigManager(cfgPath).LoadOrDefault()
	return cfg, err
}
