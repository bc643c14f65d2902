package muc

import (
	"time"
)

// HistoryEntry is one message retained for replay to new occupants.
type HistoryEntry struct {
	Nickname string    `json:"nickname"`
	FromJID  string    `json:"from_jid,omitempty"` // bare sender JID, logged only
	Body     string    `json:"body,omitempty"`
	Subject  string    `json:"subject,omitempty"`
	Stamp    time.Time `json:"stamp"`
}

// HistoryRequest is the history window a joining client may ask for. Zero
// values mean "no limit of that kind"; MaxStanzas < 0 requests no history
// at all.
type HistoryRequest struct {
	MaxStanzas int
	Since      time.Time
}

// roomHistory is the bounded rolling buffer of recent messages plus the last
// subject-setting message. Guarded by the owning room's lock.
type roomHistory struct {
	maxMessages int
	maxAge      time.Duration
	entries     []HistoryEntry
	subject     *HistoryEntry
}

func newRoomHistory(maxMessages int, maxAge time.Duration) *roomHistory {
	if maxMessages <= 0 {
		maxMessages = defaultHistorySize
	}
	return &roomHistory{maxMessages: maxMessages, maxAge: maxAge}
}

// defaultHistorySize bounds history when no capacity is configured.
const defaultHistorySize = 25

// add appends one message, trimming by count and age.
func (h *roomHistory) add(e HistoryEntry) {
	if e.Subject != "" {
		s := e
		h.subject = &s
		return
	}
	h.entries = append(h.entries, e)
	h.trim(time.Now())
}

func (h *roomHistory) trim(now time.Time) {
	if len(h.entries) > h.maxMessages {
		h.entries = h.entries[len(h.entries)-h.maxMessages:]
	}
	if h.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-h.maxAge)
	i := 0
	for i < len(h.entries) && h.entries[i].Stamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.entries = h.entries[i:]
	}
}

// replay returns the entries satisfying a joiner's history request, oldest
// first.
func (h *roomHistory) replay(req HistoryRequest) []HistoryEntry {
	if req.MaxStanzas < 0 {
		return nil
	}
	out := h.entries
	if !req.Since.IsZero() {
		i := 0
		for i < len(out) && !out[i].Stamp.After(req.Since) {
			i++
		}
		out = out[i:]
	}
	if req.MaxStanzas > 0 && len(out) > req.MaxStanzas {
		out = out[len(out)-req.MaxStanzas:]
	}
	if len(out) == 0 {
		return nil
	}
	cp := make([]HistoryEntry, len(out))
	copy(cp, out)
	return cp
}

// lastSubject returns the most recent subject-setting entry, if any.
func (h *roomHistory) lastSubject() (HistoryEntry, bool) {
	if h.subject == nil {
		return HistoryEntry{}, false
	}
	return *h.subject, true
}

// load seeds the buffer from persisted rows, oldest first.
func (h *roomHistory) load(rows []HistoryEntry) {
	for _, e := range rows {
		h.add(e)
	}
}

func (h *roomHistory) size() int { return len(h.entries) }
