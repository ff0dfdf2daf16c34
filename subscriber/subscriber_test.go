package subscriber

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/daqfabric/directory"
	"github.com/nishisan-dev/daqfabric/internal/clock"
	"github.com/nishisan-dev/daqfabric/reactor"
	"github.com/nishisan-dev/daqfabric/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSubscriber(t *testing.T) *Subscriber {
	t.Helper()
	sub := &Subscriber{
		peers: make(map[peerLocation]*stream.Stream),
		clock: clock.System{},
		log:   discardLogger(),
	}
	rx, err := reactor.New(sub)
	if err != nil {
		t.Fatalf("creating reactor: %v", err)
	}
	sub.rx = rx
	t.Cleanup(func() { rx.Close() })
	return sub
}

func TestSubscriber_OnRecv_DataAppendedAndRingBounded(t *testing.T) {
	sub := newTestSubscriber(t)
	s := stream.New()

	var payloads [][]byte
	for i := 0; i < dataCapacity+10; i++ {
		payloads = append(payloads, []byte(`{"event":"data","value":1}`))
	}
	sub.OnRecv(nil, s, payloads)

	if len(sub.dataBuf) != dataCapacity {
		t.Fatalf("expected data buffer capped at %d, got %d", dataCapacity, len(sub.dataBuf))
	}
}

func TestSubscriber_OnRecv_MalformedPayloadDropped(t *testing.T) {
	sub := newTestSubscriber(t)
	s := stream.New()

	sub.OnRecv(nil, s, [][]byte{[]byte("not json")})

	if len(sub.dataBuf) != 0 {
		t.Errorf("expected malformed payload to produce no data frame")
	}
}

func TestSubscriber_RegisterSnapshot_AdoptsAndDrops(t *testing.T) {
	sub := newTestSubscriber(t)

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	first := directory.New(now)
	first.AddEntry(directory.Entry{Name: "daq0", Addr: "203.0.113.5", Port: 9001, SysTime: now})
	first.AddEntry(directory.Entry{Name: "daq1", Addr: "203.0.113.6", Port: 9002, SysTime: now})

	payload, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	sub.OnRecv(nil, sub.aggregatorStreamForTest(), [][]byte{payload})

	if len(sub.peers) != 2 {
		t.Fatalf("expected 2 connected peers after first snapshot, got %d", len(sub.peers))
	}

	second := directory.New(now)
	second.AddEntry(directory.Entry{Name: "daq1", Addr: "203.0.113.6", Port: 9002, SysTime: now})
	payload2, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal second snapshot: %v", err)
	}
	sub.OnRecv(nil, sub.aggregatorStreamForTest(), [][]byte{payload2})

	if len(sub.peers) != 1 {
		t.Fatalf("expected daq0 to be dropped, peers = %v", sub.peers)
	}
	if _, ok := sub.peers[peerLocation{Addr: "203.0.113.6", Port: 9002}]; !ok {
		t.Errorf("expected daq1's location to remain connected")
	}
}

func TestSubscriber_RegisterSnapshot_SameNameNewLocationRedials(t *testing.T) {
	sub := newTestSubscriber(t)

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	first := directory.New(now)
	first.AddEntry(directory.Entry{Name: "daq0", Addr: "203.0.113.5", Port: 9001, SysTime: now})

	payload, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	sub.OnRecv(nil, sub.aggregatorStreamForTest(), [][]byte{payload})

	oldLoc := peerLocation{Addr: "203.0.113.5", Port: 9001}
	if _, ok := sub.peers[oldLoc]; !ok {
		t.Fatalf("expected a Stream at daq0's original location")
	}

	// daq0 restarts under the same name but a new ephemeral port.
	second := directory.New(now)
	second.AddEntry(directory.Entry{Name: "daq0", Addr: "203.0.113.5", Port: 9444, SysTime: now})
	payload2, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal second snapshot: %v", err)
	}
	sub.OnRecv(nil, sub.aggregatorStreamForTest(), [][]byte{payload2})

	if len(sub.peers) != 1 {
		t.Fatalf("expected exactly one connected peer after the move, peers = %v", sub.peers)
	}
	if _, ok := sub.peers[oldLoc]; ok {
		t.Errorf("expected the stale (addr,port) Stream to be dropped")
	}
	newLoc := peerLocation{Addr: "203.0.113.5", Port: 9444}
	if _, ok := sub.peers[newLoc]; !ok {
		t.Errorf("expected a fresh Stream dialed to daq0's new location")
	}
}

// aggregatorStreamForTest stands in for the aggregator connection; OnRecv
// doesn't special-case the sender for snapshot/data events (only OnClose
// does), so any *stream.Stream value works here.
func (sub *Subscriber) aggregatorStreamForTest() *stream.Stream {
	return stream.New()
}

func TestSubscriber_Message_UnknownPublisherReturnsFalse(t *testing.T) {
	sub := newTestSubscriber(t)
	if sub.Message("ghost", []byte("hi")) {
		t.Errorf("expected Message to report false with no snapshot registered")
	}
}

func TestSubscriber_Data_DrainsAndResets(t *testing.T) {
	sub := newTestSubscriber(t)
	sub.dataBuf = [][]byte{[]byte("a"), []byte("b")}

	got := sub.Data()
	if len(got) != 2 {
		t.Fatalf("expected 2 drained frames, got %d", len(got))
	}
	if len(sub.Data()) != 0 {
		t.Errorf("expected data buffer to reset after drain")
	}
}
