// Package notify posts a short summary of every finished dispatch job to a
// Telegram chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wadispatch/internal/eventbus"
	logx "wadispatch/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec int
}

func (c Config) usable() bool { return c.Enabled && strings.TrimSpace(c.Token) != "" && c.ChatID != 0 }

// sender delivers one text message.
type sender interface {
	Send(text string) error
}

type telegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
	opt  *tele.SendOptions
}

func newTelegramSender(cfg Config) (sender, error) {
	// Offline skips the getMe round trip; we never poll for updates.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt:  &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true},
	}, nil
}

func (s *telegramSender) Send(text string) error {
	_, err := s.bot.Send(s.chat, text, s.opt)
	return err
}

// Notifier listens on the bus for dispatch.finished and forwards a summary.
// It is safe for concurrent use.
type Notifier struct {
	mu      sync.Mutex
	cfg     Config
	sender  sender
	limiter *rate.Limiter

	bus       eventbus.Bus
	log       logx.Logger
	newSender func(Config) (sender, error)
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	n := &Notifier{bus: bus, log: log.With(logx.String("comp", "notify")), newSender: newTelegramSender}
	if err := n.Apply(cfg); err != nil {
		n.log.Warn("notifier disabled", logx.Err(err))
	}
	return n
}

// Apply swaps the settings. The bot is rebuilt only when the token changes.
func (n *Notifier) Apply(cfg Config) error {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	old := n.cfg
	n.cfg = cfg
	n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	if !cfg.usable() {
		n.sender = nil
		return nil
	}
	if n.sender != nil && old.Token == cfg.Token && old.ChatID == cfg.ChatID && old.ThreadID == cfg.ThreadID {
		return nil
	}
	s, err := n.newSender(cfg)
	if err != nil {
		n.sender = nil
		return fmt.Errorf("telegram: %w", err)
	}
	n.sender = s
	return nil
}

func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sender != nil
}

// Run consumes bus events until ctx is done. Meant for a supervisor.
func (n *Notifier) Run(ctx context.Context) error {
	events, unsubscribe := n.bus.Subscribe(32)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.DispatchFinished {
				continue
			}
			ev, ok := e.Data.(eventbus.JobEvent)
			if !ok {
				continue
			}
			if err := n.Notify(ctx, Summary(ev)); err != nil && !errors.Is(err, ErrDisabled) {
				n.log.Warn("summary not delivered", logx.String("job", ev.JobID), logx.Err(err))
			}
		}
	}
}

// Notify sends text, waiting on the rate limit first.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	s, lim := n.sender, n.limiter
	n.mu.Unlock()
	if s == nil {
		return ErrDisabled
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	return s.Send(text)
}

// Summary renders a finished job.
func Summary(ev eventbus.JobEvent) string {
	var b strings.Builder
	switch {
	case ev.Cancelled:
		b.WriteString("Dispatch stopped")
	case ev.Failed > 0:
		b.WriteString("Dispatch finished with failures")
	default:
		b.WriteString("Dispatch finished")
	}
	fmt.Fprintf(&b, "\nsession: %s\njob: %s\nsent: %d, failed: %d", ev.Session, ev.JobID, ev.Sent, ev.Failed)
	if skipped := ev.Total - ev.Attempted; skipped > 0 {
		fmt.Fprintf(&b, ", skipped: %d", skipped)
	}
	fmt.Fprintf(&b, " of %d\ntook: %s", ev.Total, (time.Duration(ev.TookMS) * time.Millisecond).Round(time.Millisecond))
	return b.String()
}
