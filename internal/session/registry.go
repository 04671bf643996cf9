// Package session keeps the live mapping from saved-session name to the
// protocol client opened for it.
package session

import (
	"sort"
	"sync"

	"wadispatch/internal/eventbus"
	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

// Registry is the process-wide session mapping. Lookups are concurrent;
// mutations are serialized by mu.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]transport.Client

	log logx.Logger
	bus eventbus.Bus
}

func NewRegistry(log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Registry{clients: map[string]transport.Client{}, log: log, bus: bus}
}

// Register installs c under name, replacing (but not closing) any previous handle.
func (r *Registry) Register(name string, c transport.Client) {
	r.mu.Lock()
	r.clients[name] = c
	n := len(r.clients)
	r.mu.Unlock()
	r.log.Info("session registered", logx.String("session", name), logx.Int("sessions", n))
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionLoaded, Data: eventbus.SessionEvent{Session: name}})
}

func (r *Registry) Lookup(name string) (transport.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Remove drops name from the mapping. It reports whether an entry existed.
func (r *Registry) Remove(name, reason string) bool {
	return r.take(name, nil, reason)
}

// RemoveIf drops name only while it still maps to c. Close events from an
// old handle must not evict a newer one.
func (r *Registry) RemoveIf(name string, c transport.Client, reason string) bool {
	return r.take(name, c, reason)
}

// take deletes name. A non-nil want must be the registered handle.
func (r *Registry) take(name string, want transport.Client, reason string) bool {
	r.mu.Lock()
	cur, ok := r.clients[name]
	ok = ok && (want == nil || cur == want)
	if ok {
		delete(r.clients, name)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	fields := []logx.Field{logx.String("session", name), logx.String("reason", reason)}
	if reason == reasonShutdown {
		r.log.Info("session removed", fields...)
	} else {
		r.log.Warn("session removed", fields...)
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionRemoved, Data: eventbus.SessionEvent{Session: name, Reason: reason}})
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Names returns the registered session names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

const reasonShutdown = "shutdown"

// CloseAll removes every session and closes its client. It runs after
// loading has finished, so nothing registers concurrently.
func (r *Registry) CloseAll() {
	for _, name := range r.Names() {
		c, ok := r.Lookup(name)
		if !ok || !r.Remove(name, reasonShutdown) {
			continue
		}
		if err := c.Close(); err != nil {
			r.log.Warn("session close failed", logx.String("session", name), logx.Err(err))
		}
	}
}
