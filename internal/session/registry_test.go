package session

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"

	"wadispatch/internal/eventbus"
	"wadispatch/internal/transport"
)

type fakeClient struct {
	name   string
	closed atomic.Bool
}

func (f *fakeClient) SendText(context.Context, string, string) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}
func (f *fakeClient) Connected() bool { return !f.closed.Load() }
func (f *fakeClient) Close() error    { f.closed.Store(true); return nil }

func TestRegistryLookupAndRemove(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := NewRegistry(testLogger(), bus)
	a := &fakeClient{name: "a"}
	r.Register("alpha", a)
	r.Register("beta", &fakeClient{name: "b"})

	if got, ok := r.Lookup("alpha"); !ok || got != a {
		t.Fatalf("Lookup(alpha) = %v, %v", got, ok)
	}
	if r.Len() != 2 || !reflect.DeepEqual(r.Names(), []string{"alpha", "beta"}) {
		t.Fatalf("Len=%d Names=%v", r.Len(), r.Names())
	}
	if !r.Remove("alpha", "logged out") {
		t.Fatal("Remove(alpha) = false")
	}
	if r.Remove("alpha", "again") {
		t.Fatal("second Remove reported an entry")
	}
	if _, ok := r.Lookup("alpha"); ok {
		t.Fatal("alpha still registered")
	}

	var removed int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.SessionRemoved {
			removed++
		}
	}
	if removed != 1 {
		t.Fatalf("session.removed events = %d, want 1", removed)
	}
}

func TestRegistryRemoveIfKeepsNewerHandle(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	old := &fakeClient{name: "old"}
	cur := &fakeClient{name: "new"}
	r.Register("s", old)
	r.Register("s", cur)

	if r.RemoveIf("s", old, "closed") {
		t.Fatal("RemoveIf evicted a newer handle")
	}
	if got, _ := r.Lookup("s"); got != cur {
		t.Fatal("newer handle lost")
	}
	if !r.RemoveIf("s", cur, "closed") {
		t.Fatal("RemoveIf(cur) = false")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := NewRegistry(testLogger(), bus)
	a, b := &fakeClient{}, &fakeClient{}
	r.Register("a", a)
	r.Register("b", b)
	r.CloseAll()
	if r.Len() != 0 || !a.closed.Load() || !b.closed.Load() {
		t.Fatalf("CloseAll left len=%d a=%v b=%v", r.Len(), a.closed.Load(), b.closed.Load())
	}

	var reasons []string
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.SessionRemoved {
			reasons = append(reasons, e.Data.(eventbus.SessionEvent).Reason)
		}
	}
	if !reflect.DeepEqual(reasons, []string{"shutdown", "shutdown"}) {
		t.Fatalf("removal reasons = %v", reasons)
	}
}
