package dispatch

import (
	"errors"
	"strings"
)

// UserServer is appended to individual contact ids to form a routable address.
const UserServer = "s.whatsapp.net"

// KindGroup marks a recipient id that is already a group address.
const KindGroup = "group"

var errEmptyRecipient = errors.New("empty recipient id")

// Recipient is one (identifier, kind) pair from the numbers artifact.
type Recipient struct {
	ID   string
	Kind string
}

// ParseRecipient parses an "id,kind" line. Whitespace around both parts is
// trimmed; a missing kind means an individual contact.
func ParseRecipient(line string) Recipient {
	id, kind, _ := strings.Cut(line, ",")
	if i := strings.IndexByte(kind, ','); i >= 0 {
		kind = kind[:i]
	}
	return Recipient{ID: strings.TrimSpace(id), Kind: strings.TrimSpace(kind)}
}

// IsGroup reports whether r routes to a group.
func (r Recipient) IsGroup() bool { return r.Kind == KindGroup }

// Address returns the routable id: group ids verbatim, anything else
// suffixed with "@s.whatsapp.net".
func (r Recipient) Address() string {
	if r.IsGroup() {
		return r.ID
	}
	return r.ID + "@" + UserServer
}

func (r Recipient) validate() error {
	if r.ID == "" {
		return errEmptyRecipient
	}
	return nil
}

// SplitLines splits an uploaded artifact on '\n', dropping one trailing '\r'
// per line. Empty lines are kept so indexes line up between the two files.
func SplitLines(data []byte) []string {
	lines := strings.Split(string(data), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// ParseRecipients parses every line of a numbers artifact.
func ParseRecipients(lines []string) []Recipient {
	out := make([]Recipient, len(lines))
	for i, l := range lines {
		out[i] = ParseRecipient(l)
	}
	return out
}
