// Package dispatch sends a batch of messages through one session, one pair
// at a time, and owns the single job slot that guards it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"wadispatch/internal/eventbus"
	"wadispatch/internal/storage"
	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

var (
	ErrAlreadyRunning  = errors.New("dispatch already running")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidStopKey  = errors.New("invalid stop key")
	ErrNotRunning      = errors.New("no dispatch running")
)

// Sessions is the read side of the session registry.
type Sessions interface {
	Lookup(name string) (transport.Client, bool)
	Len() int
	Names() []string
}

// SessionState is one registered session as seen by Status.
type SessionState struct {
	Name      string
	Connected bool
}

// Settings are the live-reloadable dispatch defaults.
type Settings struct {
	DefaultDelay  time.Duration
	MaxRatePerSec int // 0 disables the cap
}

// StartRequest is one accepted /start call.
type StartRequest struct {
	Session    string
	Messages   []string
	Recipients []Recipient
	// Delay between pairs; nil means Settings.DefaultDelay.
	Delay   *time.Duration
	StopKey string
	Remote  string
}

// Status is a point-in-time view of the job slot.
type Status struct {
	Sessions  int
	Clients   []SessionState
	Running   bool
	Stopping  bool
	JobID     string
	Session   string
	Total     int
	Attempted int
	Sent      int
	Failed    int
	StartedAt time.Time
}

// running is the Running{stopKey, cancelToken} state of the slot.
type running struct {
	job       Job
	key       stopKey
	cancel    chan struct{}
	stopping  bool
	progress  Result
	startedAt time.Time
}

// Controller is the single-slot job register. At most one job occupies the
// slot, from Start until its loop has returned (a stopped job keeps the slot
// while it drains its in-flight send).
type Controller struct {
	mu       sync.Mutex
	cur      *running
	settings Settings
	throttle *Throttle

	sessions Sessions
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
}

// NewController builds a controller. store may be nil (auditing disabled).
func NewController(sessions Sessions, settings Settings, store storage.Store, bus eventbus.Bus, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	c := &Controller{sessions: sessions, store: store, bus: bus, log: log, throttle: NewThrottle(0)}
	c.Apply(settings)
	return c
}

// Apply swaps the dispatch defaults. A running job keeps its own delay but
// is held to the new rate cap from its next send, including one it is
// already waiting for.
func (c *Controller) Apply(s Settings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	c.throttle.Set(s.MaxRatePerSec)
}

func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Start claims the slot and runs the job synchronously under ctx.
//
// The running check and the session lookup happen under the same lock that
// installs the job, so two concurrent calls can never both proceed. The slot
// is released on every exit path, including a panicking sender.
func (c *Controller) Start(ctx context.Context, req StartRequest) (res Result, err error) {
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	client, ok := c.sessions.Lookup(req.Session)
	if !ok {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %q", ErrSessionNotFound, req.Session)
	}
	delay := c.settings.DefaultDelay
	if req.Delay != nil {
		delay = *req.Delay
	}
	run := &running{
		job: Job{
			ID:         uuid.NewString(),
			Session:    req.Session,
			Messages:   req.Messages,
			Recipients: req.Recipients,
			Delay:      delay,
		},
		key:       newStopKey(req.StopKey),
		cancel:    make(chan struct{}),
		startedAt: time.Now(),
	}
	c.cur = run
	c.mu.Unlock()

	job := run.job
	log := c.log.With(logx.String("job", job.ID), logx.String("session", job.Session))
	log.Info("dispatch started", logx.Int("pairs", job.Pairs()), logx.Duration("delay", delay), logx.String("remote", req.Remote))
	c.bus.Publish(eventbus.Event{Type: eventbus.DispatchStarted, Data: eventbus.JobEvent{JobID: job.ID, Session: job.Session, Total: job.Pairs()}})
	c.audit(ctx, storage.AuditEntry{Action: "dispatch.start", Session: job.Session, JobID: job.ID, Remote: req.Remote, Total: job.Pairs()})

	defer func() {
		if p := recover(); p != nil {
			log.Error("dispatch panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			c.mu.Lock()
			res = run.progress
			c.mu.Unlock()
			res.Total = job.Pairs()
			res.Took = time.Since(run.startedAt)
			err = fmt.Errorf("dispatch %s: panic: %v", job.ID, p)
		}
		c.release(run)
		c.finished(ctx, log, job, res, err)
	}()

	res = Run(ctx, job, client, run.cancel, RunOptions{
		Log:      log,
		Bus:      c.bus,
		Throttle: c.throttle,
		OnProgress: func(r Result) {
			c.mu.Lock()
			run.progress = r
			c.mu.Unlock()
		},
	})
	return res, nil
}

func (c *Controller) release(run *running) {
	c.mu.Lock()
	if c.cur == run {
		c.cur = nil
	}
	c.mu.Unlock()
}

func (c *Controller) finished(ctx context.Context, log logx.Logger, job Job, res Result, runErr error) {
	ev := eventbus.JobEvent{
		JobID:     job.ID,
		Session:   job.Session,
		Total:     res.Total,
		Attempted: res.Attempted,
		Sent:      res.Sent,
		Failed:    res.Failed,
		Cancelled: res.Cancelled,
		TookMS:    res.Took.Milliseconds(),
	}
	fields := []logx.Field{
		logx.Int("total", res.Total),
		logx.Int("attempted", res.Attempted),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Bool("cancelled", res.Cancelled),
		logx.Duration("took", res.Took),
	}
	switch {
	case runErr != nil:
		log.Error("dispatch aborted", append(fields, logx.Err(runErr))...)
	case res.Failed > 0:
		log.Warn("dispatch finished with failures", fields...)
	default:
		log.Info("dispatch finished", fields...)
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.DispatchFinished, Data: ev})

	e := storage.AuditEntry{
		Action:  "dispatch.finish",
		Session: job.Session,
		JobID:   job.ID,
		Total:   res.Total,
		OK:      res.Sent,
		Fail:    res.Failed,
		TookMS:  res.Took.Milliseconds(),
	}
	if runErr != nil {
		e.Error = runErr.Error()
	} else if res.Cancelled {
		e.Error = "cancelled"
	}
	c.audit(ctx, e)
}

// Stop cancels the running job when key matches the one it was started
// with. A wrong key or an idle slot leaves every piece of state untouched.
func (c *Controller) Stop(key, remote string) error {
	c.mu.Lock()
	run := c.cur
	if run == nil || run.stopping {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if !run.key.matches(key) {
		jobID, sess := run.job.ID, run.job.Session
		c.mu.Unlock()
		c.log.Warn("stop rejected: invalid key", logx.String("job", jobID), logx.String("remote", remote))
		c.audit(context.Background(), storage.AuditEntry{Action: "dispatch.stop_rejected", Session: sess, JobID: jobID, Remote: remote})
		return ErrInvalidStopKey
	}
	run.stopping = true
	close(run.cancel)
	jobID, sess, total := run.job.ID, run.job.Session, run.job.Pairs()
	progress := run.progress
	c.mu.Unlock()

	c.log.Info("dispatch stop requested", logx.String("job", jobID), logx.String("remote", remote))
	c.bus.Publish(eventbus.Event{Type: eventbus.DispatchStopping, Data: eventbus.JobEvent{
		JobID: jobID, Session: sess, Total: total, Attempted: progress.Attempted, Sent: progress.Sent, Failed: progress.Failed, Cancelled: true,
	}})
	c.audit(context.Background(), storage.AuditEntry{Action: "dispatch.stop", Session: sess, JobID: jobID, Remote: remote})
	return nil
}

// Status returns the current slot state.
func (c *Controller) Status() Status {
	st := Status{Sessions: c.sessions.Len()}
	for _, name := range c.sessions.Names() {
		if cl, ok := c.sessions.Lookup(name); ok {
			st.Clients = append(st.Clients, SessionState{Name: name, Connected: cl.Connected()})
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if run := c.cur; run != nil {
		st.Running = !run.stopping
		st.Stopping = run.stopping
		st.JobID = run.job.ID
		st.Session = run.job.Session
		st.Total = run.job.Pairs()
		st.Attempted = run.progress.Attempted
		st.Sent = run.progress.Sent
		st.Failed = run.progress.Failed
		st.StartedAt = run.startedAt
	}
	return st
}

func (c *Controller) audit(ctx context.Context, e storage.AuditEntry) {
	if c.store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.store.AppendAudit(actx, e); err != nil {
		c.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
