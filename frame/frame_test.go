package frame

import (
	"bytes"
	"testing"
)

func TestEncode(t *testing.T) {
	got := Encode([]byte("hello"))
	want := "5:hello,"
	if string(got) != want {
		t.Errorf("Encode(%q) = %q, want %q", "hello", got, want)
	}
}

func TestEncodeEmpty(t *testing.T) {
	got := Encode(nil)
	want := "0:,"
	if string(got) != want {
		t.Errorf("Encode(nil) = %q, want %q", got, want)
	}
}

func TestEncodePreservesArbitraryBytes(t *testing.T) {
	payload := []byte("a,b:c\n1:2,3")
	got := Encode(payload)
	dec := NewDecoder()
	events, err := dec.Feed(got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || !events[0].IsPayload() {
		t.Fatalf("expected single payload event, got %+v", events)
	}
	if !bytes.Equal(events[0].Payload, payload) {
		t.Errorf("round-trip mismatch: got %q, want %q", events[0].Payload, payload)
	}
}

func TestEncodeSegments(t *testing.T) {
	payload := make([]byte, ChunkThreshold)
	segs := EncodeSegments(payload)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	var joined []byte
	for _, s := range segs {
		joined = append(joined, s...)
	}
	dec := NewDecoder()
	events, err := dec.Feed(joined)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || !events[0].IsPayload() {
		t.Fatalf("expected single payload event, got %+v", events)
	}
	if !bytes.Equal(events[0].Payload, payload) {
		t.Errorf("segment round-trip mismatch")
	}
}
