package whatsapp

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.mau.fi/whatsmeow/types"

	logx "wadispatch/pkg/logx"
)

func TestToJID(t *testing.T) {
	tests := []struct {
		addr    string
		want    types.JID
		wantErr bool
	}{
		{addr: "222@s.whatsapp.net", want: types.NewJID("222", types.DefaultUserServer)},
		{addr: "120363025246125486@g.us", want: types.NewJID("120363025246125486", types.GroupServer)},
		{addr: "120363025246125486", want: types.NewJID("120363025246125486", types.GroupServer)},
		{addr: "", wantErr: true},
		{addr: "@s.whatsapp.net", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := ToJID(tt.addr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ToJID(%q) = %v, want error", tt.addr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToJID(%q): %v", tt.addr, err)
			}
			if got.User != tt.want.User || got.Server != tt.want.Server {
				t.Fatalf("ToJID(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestWALoggerFiltersAndTagsModule(t *testing.T) {
	var buf bytes.Buffer
	wl := NewLogger(logx.NewWriter(&buf, "debug"), "client", logx.LevelInfo).Sub("socket")

	wl.Debugf("noisy %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered, got %q", buf.String())
	}
	wl.Warnf("frame dropped: %s", "timeout")

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["message"] != "frame dropped: timeout" || m["wa"] != "client/socket" || m["level"] != "warn" {
		t.Fatalf("unexpected log line: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "walog.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}
