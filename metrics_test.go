package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"mucd/internal/muc"
	"mucd/internal/xmpp"
	"mucd/store"
)

func newMetricsService(t *testing.T) *muc.Service {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return muc.NewService(muc.ServiceConfig{
		Subdomain: "conference",
		Domain:    "example.org",
		NodeID:    "node-1",
	}, nil, st)
}

func TestRunMetricsLogsWhenActive(t *testing.T) {
	svc := newMetricsService(t)

	owner, err := xmpp.Parse("alice@example.org/desktop")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	room, err := svc.CreateRoom("garden", owner)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := room.Join("Alice", "", muc.HistoryRequest{MaxStanzas: -1}, owner, muc.Presence{}, nil); err != nil {
		t.Fatalf("Join: %v", err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, svc, 50*time.Millisecond)
		close(done)
	}()

	// Wait for at least one tick.
	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done // wait for goroutine to exit before reading buf

	output := buf.String()
	if !strings.Contains(output, "[metrics]") {
		t.Errorf("expected metrics log output, got: %q", output)
	}
	if !strings.Contains(output, "occupants=1") {
		t.Errorf("expected occupants=1 in output, got: %q", output)
	}
}

func TestRunMetricsSilentWhenIdle(t *testing.T) {
	svc := newMetricsService(t)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, svc, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	if strings.Contains(buf.String(), "[metrics]") {
		t.Errorf("expected no output for idle service, got: %q", buf.String())
	}
}

func TestRunMetricsStopsOnCancel(t *testing.T) {
	svc := newMetricsService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, svc, 50*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunMetrics did not stop after cancel")
	}
}
