package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/eventbus"
	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

type sendCall struct {
	to, text string
}

// recordingClient records every send. If gate is set, each send blocks
// until a value arrives on it.
type recordingClient struct {
	mu      sync.Mutex
	calls   []sendCall
	failTo  map[string]error
	gate    chan struct{}
	entered chan struct{}
	panicOn string
}

func (c *recordingClient) SendText(_ context.Context, to, text string) (transport.MessageRef, error) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		<-c.gate
	}
	if to == c.panicOn {
		panic("boom")
	}
	c.mu.Lock()
	c.calls = append(c.calls, sendCall{to: to, text: text})
	c.mu.Unlock()
	if err := c.failTo[to]; err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ID: "m", To: to}, nil
}

func (c *recordingClient) Connected() bool { return true }
func (c *recordingClient) Close() error    { return nil }

func (c *recordingClient) sent() []sendCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sendCall(nil), c.calls...)
}

type mapSessions map[string]transport.Client

func (m mapSessions) Lookup(name string) (transport.Client, bool) {
	c, ok := m[name]
	return c, ok
}
func (m mapSessions) Len() int { return len(m) }

func (m mapSessions) Names() []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func newTestController(c transport.Client) *Controller {
	return NewController(mapSessions{"main": c}, Settings{DefaultDelay: 0}, nil, eventbus.New(), logx.Nop())
}

func dur(d time.Duration) *time.Duration { return &d }

func TestStartSendsEveryPair(t *testing.T) {
	cli := &recordingClient{}
	ctl := newTestController(cli)

	res, err := ctl.Start(context.Background(), StartRequest{
		Session:    "main",
		Messages:   []string{"hi", "bye"},
		Recipients: ParseRecipients([]string{"111,group", "222,user"}),
		Delay:      dur(0),
		StopKey:    "k",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := []sendCall{{"111", "hi"}, {"222@s.whatsapp.net", "bye"}}
	got := cli.sent()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("sends = %+v, want %+v", got, want)
	}
	if res.Total != 2 || res.Sent != 2 || res.Failed != 0 || res.Cancelled {
		t.Fatalf("result = %+v", res)
	}
	if ctl.Status().Running {
		t.Fatal("slot not released")
	}
}

func TestStartProcessesMinPairs(t *testing.T) {
	tests := []struct {
		name       string
		messages   []string
		recipients []string
		want       int
	}{
		{"more messages", []string{"a", "b", "c"}, []string{"1"}, 1},
		{"more recipients", []string{"a"}, []string{"1", "2", "3"}, 1},
		{"empty", nil, []string{"1"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := &recordingClient{}
			res, err := newTestController(cli).Start(context.Background(), StartRequest{
				Session: "main", Messages: tt.messages, Recipients: ParseRecipients(tt.recipients),
			})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if len(cli.sent()) != tt.want || res.Attempted != tt.want {
				t.Fatalf("sent %d (attempted %d), want %d", len(cli.sent()), res.Attempted, tt.want)
			}
		})
	}
}

func TestFailuresDoNotAbortLoop(t *testing.T) {
	cli := &recordingClient{failTo: map[string]error{"1@s.whatsapp.net": errors.New("not on whatsapp")}}
	res, err := newTestController(cli).Start(context.Background(), StartRequest{
		Session:    "main",
		Messages:   []string{"a", "b", "c", "d"},
		Recipients: ParseRecipients([]string{"1", "", "3", "4,group"}),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Attempted != 4 || res.Sent != 2 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	// the empty recipient never reaches the client
	if n := len(cli.sent()); n != 3 {
		t.Fatalf("client saw %d sends, want 3", n)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	cli := &recordingClient{}
	ctl := newTestController(cli)
	_, err := ctl.Start(context.Background(), StartRequest{
		Session: "ghost", Messages: []string{"hi"}, Recipients: ParseRecipients([]string{"1"}),
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if len(cli.sent()) != 0 || ctl.Status().Running {
		t.Fatal("rejected start must not send or occupy the slot")
	}
}

// startBlocked starts a two-pair job whose first send blocks until released.
func startBlocked(t *testing.T, ctl *Controller, cli *recordingClient, key string, delay time.Duration) <-chan Result {
	t.Helper()
	done := make(chan Result, 1)
	go func() {
		res, err := ctl.Start(context.Background(), StartRequest{
			Session:    "main",
			Messages:   []string{"one", "two"},
			Recipients: ParseRecipients([]string{"1", "2"}),
			Delay:      dur(delay),
			StopKey:    key,
		})
		if err != nil {
			t.Errorf("Start: %v", err)
		}
		done <- res
	}()
	select {
	case <-cli.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first send never started")
	}
	return done
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	cli := &recordingClient{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	ctl := newTestController(cli)
	done := startBlocked(t, ctl, cli, "first", 0)

	_, err := ctl.Start(context.Background(), StartRequest{Session: "main", StopKey: "second"})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	// The second request must not have replaced the stop key.
	if err := ctl.Stop("second", ""); !errors.Is(err, ErrInvalidStopKey) {
		t.Fatalf("Stop(second) = %v, want ErrInvalidStopKey", err)
	}
	if err := ctl.Stop("first", ""); err != nil {
		t.Fatalf("Stop(first) = %v", err)
	}
	close(cli.gate)
	<-done
}

func TestStopWithWrongKeyKeepsRunning(t *testing.T) {
	cli := &recordingClient{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	ctl := newTestController(cli)
	done := startBlocked(t, ctl, cli, "right", 0)

	if err := ctl.Stop("wrong", "1.2.3.4"); !errors.Is(err, ErrInvalidStopKey) {
		t.Fatalf("Stop(wrong) = %v", err)
	}
	if !ctl.Status().Running {
		t.Fatal("wrong key must not clear running")
	}
	close(cli.gate)
	res := <-done
	if res.Cancelled || res.Attempted != 2 {
		t.Fatalf("job should have completed: %+v", res)
	}
}

func TestStopMidLoopHaltsBeforeNextPair(t *testing.T) {
	cli := &recordingClient{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	ctl := newTestController(cli)
	// Long delay: the stop must also cut the wait short.
	done := startBlocked(t, ctl, cli, "k", time.Hour)

	if err := ctl.Stop("k", ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st := ctl.Status()
	if st.Running || !st.Stopping {
		t.Fatalf("status after stop = %+v", st)
	}
	// The in-flight send still completes.
	cli.gate <- struct{}{}

	select {
	case res := <-done:
		if !res.Cancelled || res.Attempted != 1 || res.Sent != 1 {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after stop")
	}
	if got := cli.sent(); len(got) != 1 || got[0].to != "1@s.whatsapp.net" {
		t.Fatalf("sends = %+v", got)
	}
	if st := ctl.Status(); st.Running || st.Stopping || st.JobID != "" {
		t.Fatalf("slot not released: %+v", st)
	}
	if err := ctl.Stop("k", ""); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop after finish = %v, want ErrNotRunning", err)
	}
}

func TestStopWhenIdle(t *testing.T) {
	ctl := newTestController(&recordingClient{})
	if err := ctl.Stop("", ""); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop = %v, want ErrNotRunning", err)
	}
	if ctl.Status().Running {
		t.Fatal("idle stop changed state")
	}
}

func TestPanickingSenderReleasesSlot(t *testing.T) {
	cli := &recordingClient{panicOn: "2@s.whatsapp.net"}
	ctl := newTestController(cli)
	res, err := ctl.Start(context.Background(), StartRequest{
		Session: "main", Messages: []string{"a", "b", "c"}, Recipients: ParseRecipients([]string{"1", "2", "3"}),
	})
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if res.Sent != 1 {
		t.Fatalf("partial result = %+v", res)
	}
	if ctl.Status().Running {
		t.Fatal("slot stuck after panic")
	}
	if _, err := ctl.Start(context.Background(), StartRequest{Session: "main"}); err != nil {
		t.Fatalf("slot not reusable: %v", err)
	}
}

func TestDefaultDelayApplies(t *testing.T) {
	cli := &recordingClient{}
	ctl := newTestController(cli)
	ctl.Apply(Settings{DefaultDelay: 30 * time.Millisecond})

	start := time.Now()
	if _, err := ctl.Start(context.Background(), StartRequest{
		Session: "main", Messages: []string{"a", "b", "c"}, Recipients: ParseRecipients([]string{"1", "2", "3"}),
	}); err != nil {
		t.Fatal(err)
	}
	// two gaps between three pairs
	if took := time.Since(start); took < 60*time.Millisecond {
		t.Fatalf("took %v, want >= 60ms", took)
	}
}

func TestShutdownContextCancelsLoop(t *testing.T) {
	cli := &recordingClient{}
	ctl := newTestController(cli)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := ctl.Start(ctx, StartRequest{
		Session: "main", Messages: []string{"a"}, Recipients: ParseRecipients([]string{"1"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled || len(cli.sent()) != 0 {
		t.Fatalf("result = %+v, sends = %d", res, len(cli.sent()))
	}
}

func fourPairs(key string) StartRequest {
	return StartRequest{
		Session:    "main",
		Messages:   []string{"a", "b", "c", "d"},
		Recipients: ParseRecipients([]string{"1", "2", "3", "4"}),
		Delay:      dur(0),
		StopKey:    key,
	}
}

func TestRateCapSpacesSends(t *testing.T) {
	cli := &recordingClient{}
	ctl := newTestController(cli)
	ctl.Apply(Settings{MaxRatePerSec: 20})

	start := time.Now()
	res, err := ctl.Start(context.Background(), fourPairs(""))
	if err != nil {
		t.Fatal(err)
	}
	// burst of one, then three gaps of 50ms
	if took := time.Since(start); took < 140*time.Millisecond {
		t.Fatalf("took %v, want >= 140ms at 20/s", took)
	}
	if res.Sent != 4 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRateCapChangeReachesRunningJob(t *testing.T) {
	cli := &recordingClient{}
	ctl := NewController(mapSessions{"main": cli}, Settings{MaxRatePerSec: 1}, nil, eventbus.New(), logx.Nop())

	go func() {
		time.Sleep(100 * time.Millisecond)
		ctl.Apply(Settings{MaxRatePerSec: 0})
	}()
	start := time.Now()
	res, err := ctl.Start(context.Background(), fourPairs(""))
	if err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took > 900*time.Millisecond {
		t.Fatalf("4 sends took %v after the cap was lifted at 100ms", took)
	}
	if res.Sent != 4 {
		t.Fatalf("result = %+v", res)
	}
}

func TestStopInterruptsRateWait(t *testing.T) {
	cli := &recordingClient{entered: make(chan struct{}, 4)}
	ctl := NewController(mapSessions{"main": cli}, Settings{MaxRatePerSec: 1}, nil, eventbus.New(), logx.Nop())

	done := make(chan Result, 1)
	go func() {
		res, _ := ctl.Start(context.Background(), fourPairs("k"))
		done <- res
	}()
	<-cli.entered
	time.Sleep(50 * time.Millisecond)
	stopAt := time.Now()
	if err := ctl.Stop("k", ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case res := <-done:
		if !res.Cancelled || res.Sent != 1 {
			t.Fatalf("result = %+v", res)
		}
		if waited := time.Since(stopAt); waited > 500*time.Millisecond {
			t.Fatalf("stop observed after %v", waited)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after stop")
	}
}
