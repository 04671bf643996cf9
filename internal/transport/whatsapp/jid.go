package whatsapp

import (
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var errEmptyAddress = errors.New("empty address")

// ToJID maps a routable address to a JID. Full addresses ("x@server") are
// parsed as-is; a bare id can only come from a group recipient (individual
// ids always carry the user server), so it is placed on the group server.
func ToJID(addr string) (types.JID, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return types.JID{}, errEmptyAddress
	}
	if !strings.Contains(addr, "@") {
		return types.NewJID(addr, types.GroupServer), nil
	}
	jid, err := types.ParseJID(addr)
	if err != nil {
		return types.JID{}, fmt.Errorf("parse address %q: %w", addr, err)
	}
	if jid.User == "" {
		return types.JID{}, fmt.Errorf("address %q has no user part", addr)
	}
	return jid, nil
}
