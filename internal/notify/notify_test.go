package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/eventbus"
	logx "wadispatch/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
	got   chan string
}

func (c *captureSender) Send(text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	if c.got != nil {
		c.got <- text
	}
	return nil
}

func newTestNotifier(t *testing.T, cfg Config, bus eventbus.Bus) (*Notifier, *captureSender, *int) {
	t.Helper()
	cs := &captureSender{got: make(chan string, 4)}
	builds := 0
	n := &Notifier{bus: bus, log: logx.Nop(), newSender: func(Config) (sender, error) {
		builds++
		return cs, nil
	}}
	if err := n.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return n, cs, &builds
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name string
		ev   eventbus.JobEvent
		want string
	}{
		{
			name: "complete",
			ev:   eventbus.JobEvent{JobID: "j1", Session: "main", Total: 2, Attempted: 2, Sent: 2, TookMS: 1500},
			want: "Dispatch finished\nsession: main\njob: j1\nsent: 2, failed: 0 of 2\ntook: 1.5s",
		},
		{
			name: "failures",
			ev:   eventbus.JobEvent{JobID: "j2", Session: "main", Total: 3, Attempted: 3, Sent: 1, Failed: 2, TookMS: 20},
			want: "Dispatch finished with failures\nsession: main\njob: j2\nsent: 1, failed: 2 of 3\ntook: 20ms",
		},
		{
			name: "stopped",
			ev:   eventbus.JobEvent{JobID: "j3", Session: "alt", Total: 5, Attempted: 2, Sent: 2, Cancelled: true},
			want: "Dispatch stopped\nsession: alt\njob: j3\nsent: 2, failed: 0, skipped: 3 of 5\ntook: 0s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summary(tt.ev); got != tt.want {
				t.Fatalf("Summary =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestDisabledNotify(t *testing.T) {
	n, _, builds := newTestNotifier(t, Config{Enabled: false, Token: "t", ChatID: 1}, eventbus.New())
	if err := n.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify = %v, want ErrDisabled", err)
	}
	if *builds != 0 {
		t.Fatalf("sender built %d times while disabled", *builds)
	}
}

func TestApplyRebuildsOnlyOnTokenChange(t *testing.T) {
	cfg := Config{Enabled: true, Token: "a", ChatID: 1}
	n, _, builds := newTestNotifier(t, cfg, eventbus.New())
	cfg.RatePerSec = 5
	_ = n.Apply(cfg)
	if *builds != 1 {
		t.Fatalf("builds = %d, want 1", *builds)
	}
	cfg.Token = "b"
	_ = n.Apply(cfg)
	if *builds != 2 {
		t.Fatalf("builds = %d, want 2", *builds)
	}
}

func TestRunForwardsFinishedJobs(t *testing.T) {
	bus := eventbus.New()
	n, cs, _ := newTestNotifier(t, Config{Enabled: true, Token: "a", ChatID: 1, RatePerSec: 100}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.DispatchSent, Data: eventbus.DeliveryEvent{JobID: "j"}})
	bus.Publish(eventbus.Event{Type: eventbus.DispatchFinished, Data: eventbus.JobEvent{JobID: "j", Session: "main", Total: 1, Attempted: 1, Sent: 1}})

	select {
	case text := <-cs.got:
		if text != Summary(eventbus.JobEvent{JobID: "j", Session: "main", Total: 1, Attempted: 1, Sent: 1}) {
			t.Fatalf("sent %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("summary not sent")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.texts) != 1 {
		t.Fatalf("sent %d messages, want 1", len(cs.texts))
	}
}
