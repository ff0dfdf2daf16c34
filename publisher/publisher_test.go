package publisher

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/daqfabric/internal/clock"
	"github.com/nishisan-dev/daqfabric/reactor"
	"github.com/nishisan-dev/daqfabric/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPublisher(t *testing.T, now time.Time) *Publisher {
	t.Helper()
	p := &Publisher{
		name:        "daq0",
		pid:         "4242",
		clock:       clock.Fixed{T: now},
		log:         discardLogger(),
		status:      "unset",
		statusColor: "white",
		interval:    15 * time.Second,
	}
	rx, err := reactor.New(p)
	if err != nil {
		t.Fatalf("creating reactor: %v", err)
	}
	p.rx = rx
	t.Cleanup(func() { rx.Close() })

	ln := stream.New()
	if _, err := ln.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("listening: %v", err)
	}
	if err := rx.AddListener(ln); err != nil {
		t.Fatalf("registering listener: %v", err)
	}
	p.listener = ln

	agg := stream.New()
	agg.Dial("203.0.113.5", 9999) // TEST-NET-3: never completes, fine for these tests
	if err := rx.AddConnection(agg); err != nil {
		t.Fatalf("registering aggregator stream: %v", err)
	}
	p.aggregator = agg

	return p
}

func TestPublisher_Pack_AddsEnvelopeFields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := newTestPublisher(t, now)

	data, err := p.Pack(map[string]any{"reading": 42})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal packed payload: %v", err)
	}
	if got["event"] != "data" {
		t.Errorf("event = %v, want %q", got["event"], "data")
	}
	if got["systime"] != "2026-01-02:03:04:05:000000" {
		t.Errorf("systime = %v, want fixed-width UTC stamp", got["systime"])
	}
	source, ok := got["source"].([]any)
	if !ok || len(source) != 2 || source[0] != "daq0" || source[1] != "4242" {
		t.Errorf("source = %v, want [daq0 4242]", got["source"])
	}
	if got["reading"].(float64) != 42 {
		t.Errorf("reading = %v, want 42", got["reading"])
	}
}

func TestPublisher_Pulse_StampsLastPulseTime(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := newTestPublisher(t, now)

	if !p.lastPulse.IsZero() {
		t.Fatalf("expected lastPulse to start zero")
	}
	if err := p.Pulse(); err != nil {
		t.Fatalf("Pulse: %v", err)
	}
	if !p.lastPulse.Equal(now) {
		t.Errorf("lastPulse = %v, want %v", p.lastPulse, now)
	}
}

func TestPublisher_OnRecv_InboxBoundedRing(t *testing.T) {
	p := newTestPublisher(t, time.Now())
	s := stream.New()

	var payloads [][]byte
	for i := 0; i < inboxCapacity+5; i++ {
		payloads = append(payloads, []byte("x"))
	}
	p.OnRecv(nil, s, payloads)

	if len(p.inbox) != inboxCapacity {
		t.Fatalf("expected inbox capped at %d, got %d", inboxCapacity, len(p.inbox))
	}
}

func TestPublisher_Inbox_DrainsAndResets(t *testing.T) {
	p := newTestPublisher(t, time.Now())
	p.inbox = [][]byte{[]byte("a"), []byte("b")}

	got := p.Inbox()
	if len(got) != 2 {
		t.Fatalf("expected 2 drained entries, got %d", len(got))
	}
	if len(p.Inbox()) != 0 {
		t.Errorf("expected inbox to reset after drain")
	}
}

func TestPublisher_OnAccept_AlwaysAccepts(t *testing.T) {
	p := newTestPublisher(t, time.Now())
	if !p.OnAccept(nil, p.listener, stream.New()) {
		t.Errorf("expected Publisher to accept direct subscriber connections")
	}
}
