package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

// fakeOpener records the close callbacks it was handed.
type fakeOpener struct {
	mu      sync.Mutex
	fail    map[string]error
	opened  []string
	onClose map[string]transport.CloseFunc
}

func (o *fakeOpener) Open(_ context.Context, spec transport.SessionSpec, onClose transport.CloseFunc) (transport.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[spec.Name]; err != nil {
		return nil, err
	}
	o.opened = append(o.opened, spec.Name)
	if o.onClose == nil {
		o.onClose = map[string]transport.CloseFunc{}
	}
	o.onClose[spec.Name] = onClose
	return &fakeClient{name: spec.Name}, nil
}

func mkSession(t *testing.T, root, name string, withCred bool) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if withCred {
		if err := os.WriteFile(filepath.Join(dir, "session.db"), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscoverSkipsFoldersWithoutCredentials(t *testing.T) {
	root := t.TempDir()
	mkSession(t, root, "b", true)
	mkSession(t, root, "a", true)
	mkSession(t, root, "empty", false)
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	// credential path that is a directory, not a file
	if err := os.MkdirAll(filepath.Join(root, "weird", "session.db"), 0o755); err != nil {
		t.Fatal(err)
	}

	specs, err := Discover(root, "session.db")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(specs) != 2 || specs[0].Name != "a" || specs[1].Name != "b" {
		t.Fatalf("specs = %+v", specs)
	}
	if specs[0].CredentialPath != filepath.Join(root, "a", "session.db") {
		t.Fatalf("credential path = %s", specs[0].CredentialPath)
	}
}

func TestLoadAllExcludesFailedOpens(t *testing.T) {
	root := t.TempDir()
	mkSession(t, root, "good", true)
	mkSession(t, root, "broken", true)
	mkSession(t, root, "nocreds", false)

	op := &fakeOpener{fail: map[string]error{"broken": errors.New("not paired")}}
	reg := NewRegistry(testLogger(), nil)
	n, err := LoadAll(context.Background(), LoaderConfig{Dir: root, CredentialFile: "session.db"}, op, reg, testLogger())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 1 || reg.Len() != 1 {
		t.Fatalf("loaded=%d len=%d, want 1", n, reg.Len())
	}
	if _, ok := reg.Lookup("good"); !ok {
		t.Fatal("good session missing")
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	reg := NewRegistry(testLogger(), nil)
	_, err := LoadAll(context.Background(), LoaderConfig{Dir: filepath.Join(t.TempDir(), "nope"), CredentialFile: "session.db"}, &fakeOpener{}, reg, testLogger())
	if err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestCloseCallbackRemovesSession(t *testing.T) {
	root := t.TempDir()
	mkSession(t, root, "s1", true)
	op := &fakeOpener{}
	reg := NewRegistry(testLogger(), nil)
	if _, err := LoadAll(context.Background(), LoaderConfig{Dir: root, CredentialFile: "session.db"}, op, reg, testLogger()); err != nil {
		t.Fatal(err)
	}

	op.mu.Lock()
	onClose := op.onClose["s1"]
	op.mu.Unlock()
	onClose("logged out")

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after close callback")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
