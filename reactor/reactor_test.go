//go:build linux

package reactor

import (
	"bytes"
	"testing"
	"time"

	"github.com/nishisan-dev/daqfabric/stream"
)

type recordingHandler struct {
	accepted [][]byte
	recv     map[*stream.Stream][][]byte
	closed   []*stream.Stream
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{recv: make(map[*stream.Stream][][]byte)}
}

func (h *recordingHandler) OnAccept(r *Reactor, listener, accepted *stream.Stream) bool {
	return true
}

func (h *recordingHandler) OnRecv(r *Reactor, s *stream.Stream, payloads [][]byte) {
	h.recv[s] = append(h.recv[s], payloads...)
}

func (h *recordingHandler) OnClose(r *Reactor, s *stream.Stream) {
	h.closed = append(h.closed, s)
}

func TestReactor_AcceptAndRecv(t *testing.T) {
	h := newRecordingHandler()
	rx, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rx.Close()

	ln := stream.New()
	addr, err := ln.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := rx.AddListener(ln); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	cli := stream.New()
	if err := cli.Dial("127.0.0.1", addr.Port); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cli.InProgress() {
			cli.FinishConnect()
		}
		if err := rx.Serve(50 * time.Millisecond); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		if cli.Status() == stream.StatusConnected {
			break
		}
	}
	if cli.Status() != stream.StatusConnected {
		t.Fatalf("client never connected")
	}

	cli.Queue([]byte("ping"))
	if _, err := cli.SendAll(true); err != nil {
		t.Fatalf("SendAll: %v", err)
	}

	var got [][]byte
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := rx.Serve(50 * time.Millisecond); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		for _, payloads := range h.recv {
			got = append(got, payloads...)
		}
		if len(got) > 0 {
			break
		}
	}
	if len(got) != 1 || !bytes.Equal(got[0], []byte("ping")) {
		t.Fatalf("expected to receive %q, got %+v", "ping", got)
	}
}

// greetingHandler queues a reply on every accepted Stream before returning,
// exercising register()'s HasPending branch: the reply must reach the peer
// without any read event occurring first.
type greetingHandler struct {
	recordingHandler
}

func (h *greetingHandler) OnAccept(r *Reactor, listener, accepted *stream.Stream) bool {
	accepted.Queue([]byte("hello"))
	return true
}

func TestReactor_OnAcceptQueuedReplyFlushesWithoutReadEvent(t *testing.T) {
	h := &greetingHandler{recordingHandler: *newRecordingHandler()}
	rx, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rx.Close()

	ln := stream.New()
	addr, err := ln.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := rx.AddListener(ln); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	cli := stream.New()
	if err := cli.Dial("127.0.0.1", addr.Port); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cli.InProgress() {
			cli.FinishConnect()
		}
		if err := rx.Serve(50 * time.Millisecond); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		if err := cli.RecvAll(); err != nil {
			t.Fatalf("RecvAll: %v", err)
		}
		if payloads := cli.Get(); len(payloads) > 0 {
			if !bytes.Equal(payloads[0], []byte("hello")) {
				t.Fatalf("expected %q, got %q", "hello", payloads[0])
			}
			return
		}
	}
	t.Fatalf("never received the accept-time greeting")
}

func TestReactor_Send_UnregisteredStreamNoops(t *testing.T) {
	h := newRecordingHandler()
	rx, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rx.Close()

	rx.Send(stream.New(), []byte("ignored")) // must not panic
}

func TestReactor_RemoveClosesStream(t *testing.T) {
	h := newRecordingHandler()
	rx, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rx.Close()

	s := stream.New()
	if _, err := s.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := rx.AddListener(s); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	rx.Remove(s)
	if !s.IsClosed() {
		t.Errorf("expected stream to be closed after Remove")
	}
}
