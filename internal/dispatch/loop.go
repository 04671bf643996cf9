package dispatch

import (
	"context"
	"time"

	"wadispatch/internal/eventbus"
	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

// Sender is the part of a session client the loop needs.
type Sender interface {
	SendText(ctx context.Context, to, text string) (transport.MessageRef, error)
}

// Job is one dispatch batch.
type Job struct {
	ID         string
	Session    string
	Messages   []string
	Recipients []Recipient
	Delay      time.Duration
}

// Pairs is the number of (message, recipient) pairs the job will process.
func (j Job) Pairs() int { return min(len(j.Messages), len(j.Recipients)) }

// Result summarizes a finished (or cancelled) run.
type Result struct {
	Total     int
	Attempted int
	Sent      int
	Failed    int
	Cancelled bool
	Took      time.Duration
}

// RunOptions carries the loop's optional collaborators.
type RunOptions struct {
	Log logx.Logger
	Bus eventbus.Bus
	// Throttle, if set, is waited on before every send.
	Throttle *Throttle
	// OnProgress is called after every attempt with the running totals.
	OnProgress func(Result)
}

// Run sends job.Messages[i] to job.Recipients[i] for every pair, in order.
//
// cancel is checked before each pair; once it is closed (or ctx is done)
// nothing more is sent and no further delay is waited. A send already in
// flight is never interrupted by cancel: sends run under ctx only.
// Per-pair failures are logged and counted; the loop always moves on.
func Run(ctx context.Context, job Job, s Sender, cancel <-chan struct{}, opt RunOptions) Result {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opt.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}

	start := time.Now()
	res := Result{Total: job.Pairs()}

	for i := 0; i < res.Total; i++ {
		if stopped(ctx, cancel) {
			res.Cancelled = true
			break
		}
		if opt.Throttle != nil {
			if err := opt.Throttle.Wait(ctx, cancel); err != nil {
				res.Cancelled = true
				break
			}
		}

		msg := job.Messages[i]
		rcpt := job.Recipients[i]
		to := rcpt.Address()

		res.Attempted++
		err := rcpt.validate()
		if err == nil {
			_, err = s.SendText(ctx, to, msg)
		}
		if err != nil {
			res.Failed++
			log.Warn("send failed", logx.String("job", job.ID), logx.Int("index", i), logx.String("to", to), logx.Err(err))
			bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Data: eventbus.DeliveryEvent{
				JobID: job.ID, Index: i, To: to, Error: err.Error(),
			}})
		} else {
			res.Sent++
			log.Info("sent", logx.String("job", job.ID), logx.Int("index", i), logx.String("to", to), logx.String("text", msg))
			bus.Publish(eventbus.Event{Type: eventbus.DispatchSent, Data: eventbus.DeliveryEvent{
				JobID: job.ID, Index: i, To: to,
			}})
		}
		if opt.OnProgress != nil {
			opt.OnProgress(res)
		}

		// No delay after the last pair. An interrupted wait is picked up
		// by the check at the top of the next iteration.
		if i+1 < res.Total {
			wait(ctx, cancel, job.Delay)
		}
	}
	res.Took = time.Since(start)
	return res
}

func stopped(ctx context.Context, cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// wait sleeps for d unless cancel or ctx fires first.
func wait(ctx context.Context, cancel <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-cancel:
	case <-ctx.Done():
	}
}
