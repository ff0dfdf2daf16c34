package stream

import (
	"bytes"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestStream_ListenConnectAcceptRoundTrip(t *testing.T) {
	srv := New()
	addr, err := srv.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	if addr.Port == 0 {
		t.Fatalf("expected an ephemeral port to be assigned")
	}

	cli := New()
	if err := cli.Dial("127.0.0.1", addr.Port); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	// Drive the connect to completion: in non-blocking mode it may need a
	// moment even on loopback.
	waitFor(t, func() bool {
		if cli.Status() == StatusConnected {
			return true
		}
		if cli.InProgress() {
			cli.FinishConnect()
		}
		return cli.Status() == StatusConnected
	})

	var accepted *Stream
	waitFor(t, func() bool {
		c, err := srv.Accept()
		if err == nil {
			accepted = c
			return true
		}
		return false
	})
	defer accepted.Close()

	cli.Queue([]byte("hello"))
	if _, err := cli.SendAll(true); err != nil {
		t.Fatalf("SendAll: %v", err)
	}

	waitFor(t, func() bool {
		accepted.RecvAll()
		return len(accepted.Get()) > 0 || len(accepted.inPayloads) > 0
	})
	got := accepted.Get()
	if len(got) == 0 {
		t.Fatalf("expected a payload, got none")
	}
	if !bytes.Equal(got[0], []byte("hello")) {
		t.Errorf("payload = %q, want %q", got[0], "hello")
	}
}

func TestStream_QueueFIFOOrdering(t *testing.T) {
	srv := New()
	addr, err := srv.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	cli := New()
	if err := cli.Dial("127.0.0.1", addr.Port); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()
	waitFor(t, func() bool {
		if cli.InProgress() {
			cli.FinishConnect()
		}
		return cli.Status() == StatusConnected
	})

	var accepted *Stream
	waitFor(t, func() bool {
		c, err := srv.Accept()
		if err == nil {
			accepted = c
			return true
		}
		return false
	})
	defer accepted.Close()

	// Queue multiple messages; the send queue must preserve arrival order
	// (unlike the original Python stream.sendall()'s deque[-1] LIFO bug).
	cli.Queue([]byte("first"))
	cli.Queue([]byte("second"))
	cli.Queue([]byte("third"))
	if _, err := cli.SendAll(true); err != nil {
		t.Fatalf("SendAll: %v", err)
	}

	waitFor(t, func() bool {
		accepted.RecvAll()
		return len(accepted.inPayloads) >= 3
	})
	got := accepted.Get()
	if len(got) != 3 {
		t.Fatalf("expected 3 payloads, got %d", len(got))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("payload %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s := New()
	if _, err := s.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s.Close()
	s.Close() // must not panic
	if s.Status() != StatusClosed {
		t.Errorf("expected closed status, got %v", s.Status())
	}
}

func TestStream_RedialWithoutDialFails(t *testing.T) {
	s := New()
	if err := s.Redial(); err == nil {
		t.Fatalf("expected Redial with no stored remote to fail")
	}
}
