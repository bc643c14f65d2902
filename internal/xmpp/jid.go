// Package xmpp provides the structured addressing type used throughout the
// room engine. A JID ("jabber identifier") has the shape
// local@domain/resource; the resource part is optional. Room occupants are
// addressed as room@service-domain/nickname, so the nickname occupies the
// resource slot of the room's own address.
package xmpp

import (
	"fmt"
	"strings"
)

// JID is a parsed local@domain/resource identifier. Local and Domain are
// stored lowercase; Resource keeps its original case because nicknames are
// case-preserving (comparison is done case-insensitively by callers that
// need it).
type JID struct {
	Local    string `json:"local"`
	Domain   string `json:"domain"`
	Resource string `json:"resource,omitempty"`
}

// New builds a JID from its parts, normalizing local and domain to lowercase.
func New(local, domain, resource string) JID {
	return JID{
		Local:    strings.ToLower(strings.TrimSpace(local)),
		Domain:   strings.ToLower(strings.TrimSpace(domain)),
		Resource: strings.TrimSpace(resource),
	}
}

// Parse parses "local@domain/resource". The local part and resource are
// optional ("domain" and "local@domain" are both valid JIDs).
func Parse(s string) (JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return JID{}, fmt.Errorf("jid must not be empty")
	}

	var local, domain, resource string
	rest := s
	if i := strings.Index(rest, "/"); i >= 0 {
		resource = rest[i+1:]
		rest = rest[:i]
		if resource == "" {
			return JID{}, fmt.Errorf("jid %q has an empty resource", s)
		}
	}
	if i := strings.Index(rest, "@"); i >= 0 {
		local = rest[:i]
		domain = rest[i+1:]
		if local == "" {
			return JID{}, fmt.Errorf("jid %q has an empty local part", s)
		}
	} else {
		domain = rest
	}
	if domain == "" {
		return JID{}, fmt.Errorf("jid %q has an empty domain", s)
	}

	return New(local, domain, resource), nil
}

// Bare returns the JID without its resource part.
func (j JID) Bare() JID {
	j.Resource = ""
	return j
}

// IsBare reports whether the JID carries no resource.
func (j JID) IsBare() bool { return j.Resource == "" }

// IsFull reports whether the JID carries a resource.
func (j JID) IsFull() bool { return j.Resource != "" }

// IsZero reports whether the JID is the empty value.
func (j JID) IsZero() bool { return j.Local == "" && j.Domain == "" && j.Resource == "" }

// String renders the canonical local@domain/resource form.
func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// BareString is shorthand for j.Bare().String().
func (j JID) BareString() string { return j.Bare().String() }

// Equal reports whether two JIDs are identical. Local and domain are already
// normalized; resources are compared exactly.
func (j JID) Equal(o JID) bool { return j == o }

// EqualBare reports whether two JIDs share the same bare form.
func (j JID) EqualBare(o JID) bool { return j.Bare() == o.Bare() }
