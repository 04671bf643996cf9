package uploads

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "wadispatch/pkg/logx"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a usable prune schedule. Empty is
// valid and means "never".
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("prune schedule %q: %w", spec, err)
	}
	return nil
}

// JanitorConfig is the live part of the janitor.
type JanitorConfig struct {
	Schedule  string
	Retention time.Duration
}

// Janitor prunes a Store on a cron schedule.
type Janitor struct {
	store *Store
	log   logx.Logger

	mu      sync.Mutex
	cfg     JanitorConfig
	c       *cron.Cron
	started bool
}

func NewJanitor(store *Store, cfg JanitorConfig, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{store: store, cfg: cfg, log: log.With(logx.String("comp", "uploads.janitor"))}
}

// Start registers the prune job. It is a no-op when the store or the
// schedule is empty.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return nil
	}
	j.started = true
	return j.startLocked()
}

func (j *Janitor) startLocked() error {
	if !j.store.Enabled() || strings.TrimSpace(j.cfg.Schedule) == "" || j.cfg.Retention <= 0 {
		return nil
	}
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(j.cfg.Schedule, j.RunOnce); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	c.Start()
	j.c = c
	j.log.Info("janitor started", logx.String("dir", j.store.Dir()), logx.String("schedule", j.cfg.Schedule), logx.Duration("retention", j.cfg.Retention))
	return nil
}

// Apply swaps schedule and retention. After Start, the cron job is
// re-registered with the new schedule. The old scheduler is drained after
// j.mu is released, since a prune it is running needs j.mu too.
func (j *Janitor) Apply(cfg JanitorConfig) error {
	j.mu.Lock()
	old := j.c
	j.c = nil
	j.cfg = cfg
	var err error
	if j.started {
		err = j.startLocked()
	}
	j.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	return err
}

// RunOnce prunes immediately.
func (j *Janitor) RunOnce() {
	j.mu.Lock()
	retention := j.cfg.Retention
	j.mu.Unlock()

	n, err := j.store.Prune(retention)
	if err != nil {
		j.log.Warn("prune failed", logx.Int("removed", n), logx.Err(err))
		return
	}
	if n > 0 {
		j.log.Info("pruned uploads", logx.Int("removed", n))
	}
}

// Stop waits for a running prune to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.started = false
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
