package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wadispatch/internal/transport/whatsapp"
	logx "wadispatch/pkg/logx"
)

func pairCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair [name]",
		Short: "Link a new device into a session folder by scanning QR codes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
				return fmt.Errorf("invalid session name %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := filepath.Join(cfg.Sessions.Dir, name)
			path := filepath.Join(dir, cfg.Sessions.CredentialFile)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			out := cmd.OutOrStdout()
			log := logx.NewConsole("WARN")
			jid, err := whatsapp.Pair(ctx, dir, path, log, func(code string) {
				fmt.Fprintln(out, "Scan this code from WhatsApp > Linked devices (render it with any QR tool):")
				fmt.Fprintln(out, code)
			})
			if errors.Is(err, whatsapp.ErrAlreadyPaired) {
				fmt.Fprintf(out, "session %s is already paired as %s\n", name, jid)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "paired session %s as %s\n", name, jid)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up pairing after this long")
	return cmd
}
