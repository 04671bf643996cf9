// Package whatsapp opens whatsmeow connections for saved sessions.
package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"

	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

// ErrNotPaired is returned for a credential store that holds no linked device.
var ErrNotPaired = errors.New("session is not paired")

// Config controls the whatsmeow opener.
type Config struct {
	// LibraryLogLevel filters whatsmeow's own logging. Default WARN.
	LibraryLogLevel string
}

// Opener implements transport.Opener on top of whatsmeow + sqlstore.
type Opener struct {
	cfg Config
	log logx.Logger
}

func NewOpener(cfg Config, log logx.Logger) *Opener {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Opener{cfg: cfg, log: log}
}

// storeAddress is the modernc sqlite DSN for a credential file.
func storeAddress(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
}

func openContainer(ctx context.Context, path string, log logx.Logger, min logx.Level) (*sqlstore.Container, error) {
	container, err := sqlstore.New(ctx, "sqlite", storeAddress(path), NewLogger(log, "store", min))
	if err != nil {
		return nil, fmt.Errorf("open credential store %s: %w", path, err)
	}
	return container, nil
}

// Open restores the device stored in spec.CredentialPath and connects it.
// It returns once the connection is up or ctx is done.
func (o *Opener) Open(ctx context.Context, spec transport.SessionSpec, onClose transport.CloseFunc) (transport.Client, error) {
	log := o.log.With(logx.String("session", spec.Name))
	min := logx.ParseLevel(o.cfg.LibraryLogLevel, logx.LevelWarn)

	container, err := openContainer(ctx, spec.CredentialPath, log, min)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device.ID == nil {
		_ = container.Close()
		return nil, ErrNotPaired
	}

	c := &Client{
		name:      spec.Name,
		container: container,
		log:       log,
		onClose:   onClose,
		connected: make(chan struct{}),
	}
	c.cli = whatsmeow.NewClient(device, NewLogger(log, "client", min))
	c.cli.AddEventHandler(c.handleEvent)

	if err := c.cli.Connect(); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := c.waitConnected(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	log.Info("session opened", logx.String("jid", device.ID.String()))
	return c, nil
}
