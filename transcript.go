package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mucd/internal/muc"
)

const transcriptsDir = "transcripts"

// Transcriber mirrors room traffic into per-room plain-text transcript
// files, rotated daily. It implements muc.EventBus so it can sit between
// the room service and the cluster bus: events are written locally, then
// forwarded unchanged. Only events originated on this node are captured.
type Transcriber struct {
	mu     sync.Mutex
	dir    string
	next   muc.EventBus
	files  map[string]*transcriptFile // room name → open file
	closed bool
	lines  uint64
}

type transcriptFile struct {
	day string // 2006-01-02
	f   *os.File
}

// NewTranscriber creates the transcript directory under dataDir. next may
// be nil for standalone nodes.
func NewTranscriber(dataDir string, next muc.EventBus) (*Transcriber, error) {
	dir := filepath.Join(dataDir, transcriptsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcripts dir: %w", err)
	}
	return &Transcriber{
		dir:   dir,
		next:  next,
		files: make(map[string]*transcriptFile),
	}, nil
}

// Publish writes the event's transcript line and forwards the event.
func (tr *Transcriber) Publish(ev muc.Event) error {
	if line := formatTranscriptLine(ev); line != "" {
		tr.append(ev.Room, ev.Stamp, line)
	}
	if tr.next != nil {
		return tr.next.Publish(ev)
	}
	return nil
}

func (tr *Transcriber) append(room string, stamp time.Time, line string) {
	if stamp.IsZero() {
		stamp = time.Now()
	}
	stamp = stamp.UTC()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return
	}

	day := stamp.Format("2006-01-02")
	tf, ok := tr.files[room]
	if !ok || tf.day != day {
		if ok {
			tf.f.Close()
		}
		path := filepath.Join(tr.dir, fmt.Sprintf("%s_%s.log", room, day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("[transcript] room %s: open %s: %v", room, path, err)
			return
		}
		tf = &transcriptFile{day: day, f: f}
		tr.files[room] = tf
	}

	if _, err := fmt.Fprintf(tf.f, "[%s] %s\n", stamp.Format("15:04:05"), line); err != nil {
		log.Printf("[transcript] room %s: write error: %v", room, err)
		return
	}
	tr.lines++
}

// formatTranscriptLine renders one event as a transcript line, or "" for
// event types that carry no conversational content.
func formatTranscriptLine(ev muc.Event) string {
	switch ev.Type {
	case muc.EventMessage:
		if ev.Message == nil || ev.Message.Body == "" {
			return ""
		}
		return fmt.Sprintf("<%s> %s", ev.Nickname, ev.Message.Body)
	case muc.EventJoin:
		return fmt.Sprintf("* %s joined", ev.Nickname)
	case muc.EventLeave:
		return fmt.Sprintf("* %s left", ev.Nickname)
	case muc.EventNickname:
		return fmt.Sprintf("* %s is now known as %s", ev.Nickname, ev.NewNickname)
	case muc.EventSubject:
		return fmt.Sprintf("* %s set the subject to %q", ev.Nickname, ev.Subject)
	case muc.EventDestroy:
		if ev.Reason != "" {
			return fmt.Sprintf("* room destroyed (%s)", ev.Reason)
		}
		return "* room destroyed"
	default:
		return ""
	}
}

// Close flushes and closes every open transcript file. Safe to call once;
// later Publish calls still forward but stop writing.
func (tr *Transcriber) Close() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return
	}
	tr.closed = true
	for room, tf := range tr.files {
		if err := tf.f.Close(); err != nil {
			log.Printf("[transcript] room %s: close error: %v", room, err)
		}
	}
	log.Printf("[transcript] stopped, %d lines written", tr.lines)
}
