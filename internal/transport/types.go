package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by clients whose connection is gone for good.
var ErrClosed = errors.New("transport: client closed")

// MessageRef identifies a delivered message.
type MessageRef struct {
	ID        string
	To        string
	Timestamp time.Time
}

// Client is one live protocol connection bound to a saved session.
// Implementations must be safe for concurrent use.
type Client interface {
	// SendText delivers text to a routable address (e.g. "222@s.whatsapp.net").
	SendText(ctx context.Context, to, text string) (MessageRef, error)
	// Connected reports whether the underlying socket is currently up.
	Connected() bool
	Close() error
}

// SessionSpec describes one on-disk credential folder.
type SessionSpec struct {
	Name           string
	Dir            string
	CredentialPath string
}

// CloseFunc is invoked by a client when its connection is closed permanently.
type CloseFunc func(reason string)

// Opener restores persisted credentials for a session and opens a client.
type Opener interface {
	Open(ctx context.Context, spec SessionSpec, onClose CloseFunc) (Client, error)
}
