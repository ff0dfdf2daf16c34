// Package stream implements daqfabric's per-connection state machine: one
// non-blocking TCP socket, its inbound decoder, and its outbound queues.
// Streams are multiplexed by a reactor.Reactor (see the reactor package);
// nothing here multiplexes sockets itself.
package stream

import (
	"errors"
	"fmt"

	"github.com/nishisan-dev/daqfabric/frame"
)

// Role identifies how a Stream's socket was created.
type Role int

const (
	RoleListen Role = iota
	RoleConnect
	RoleAccept
)

func (r Role) String() string {
	switch r {
	case RoleListen:
		return "listen"
	case RoleConnect:
		return "connect"
	case RoleAccept:
		return "accept"
	default:
		return "unknown"
	}
}

// Status is a Stream's current lifecycle state.
type Status int

const (
	StatusDetached Status = iota
	StatusListening
	StatusConnected
	StatusAccepted
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDetached:
		return "detached"
	case StatusListening:
		return "listening"
	case StatusConnected:
		return "connected"
	case StatusAccepted:
		return "accepted"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrBindFailed wraps the underlying socket error when Listen fails.
var ErrBindFailed = errors.New("stream: bind failed")

// listenBacklog is the TCP backlog used by Listen.
const listenBacklog = 16

// retrySendLimit bounds how many short-write retries SendAll performs in a
// single call, so one congested peer cannot starve the reactor's other
// Streams within a tick.
const retrySendLimit = 4

// recvChunk is the read buffer size used by RecvAll per non-blocking read.
const recvChunk = 65536

// Stream wraps one non-blocking TCP socket. Create one with New, which
// returns a detached Stream ready for Listen or Dial; the zero value has no
// Decoder and an fd of 0, and is not usable.
type Stream struct {
	fd     int
	role   Role
	status Status

	host   Addr
	remote Addr

	dec        *frame.Decoder
	inPayloads [][]byte // decoded payloads awaiting a Get() call, in arrival order
	inDiscards int      // bytes discarded by the decoder since the last Get()

	outPending [][]byte // queued for send, in order
	outUnacked [][]byte // synced to outPending on each SendAll unless opted out

	lastErr error
}

// New creates a detached Stream with its own Decoder. opts configure the
// Decoder (see frame.Option).
func New(opts ...frame.Option) *Stream {
	return &Stream{
		fd:     -1,
		status: StatusDetached,
		dec:    frame.NewDecoder(opts...),
	}
}

func (s *Stream) Role() Role         { return s.role }
func (s *Stream) Status() Status     { return s.status }
func (s *Stream) Host() Addr         { return s.host }
func (s *Stream) Remote() Addr       { return s.remote }
func (s *Stream) LastError() error   { return s.lastErr }
func (s *Stream) FD() int            { return s.fd }
func (s *Stream) HasPending() bool   { return len(s.outPending) > 0 }
func (s *Stream) IsClosed() bool     { return s.status == StatusClosed }

// Listen binds and listens on addr:port, auto-selecting a local address
// and/or an ephemeral port when either is unspecified (empty / zero).
func (s *Stream) Listen(addr string, port int) (Addr, error) {
	s.role = RoleListen

	ip, err := resolveListenIP(addr)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	fd, err := newSocketFd()
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	if err := bindListen(fd, ip, port, listenBacklog); err != nil {
		closeFd(fd)
		return Addr{}, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	boundAddr, boundPort, err := getsockname(fd)
	if err != nil {
		closeFd(fd)
		return Addr{}, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	s.fd = fd
	s.host = Addr{Addr: boundAddr, Port: boundPort}
	s.status = StatusListening
	return s.host, nil
}

func resolveListenIP(addr string) ([4]byte, error) {
	if addr != "" {
		return resolveIPv4(addr)
	}
	if ip, err := autoLocalIPv4(); err == nil {
		return ip, nil
	}
	var any [4]byte
	return any, nil
}

// Dial starts a non-blocking connect to addr:port and stores the
// destination for future Redial calls. It returns without waiting for the
// connect to complete; a pending connect is finished by FinishConnect once
// the socket reports writable, and no connect timeout is applied.
func (s *Stream) Dial(addr string, port int) error {
	s.remote = Addr{Addr: addr, Port: port}
	return s.dialStored()
}

// Redial retries the previously stored remote location: a connect with
// no new address re-tries wherever this Stream last dialed.
func (s *Stream) Redial() error {
	if !s.remote.IsSet() {
		return fmt.Errorf("stream: redial with no stored remote location")
	}
	return s.dialStored()
}

func (s *Stream) dialStored() error {
	s.role = RoleConnect

	ip, err := resolveIPv4(s.remote.Addr)
	if err != nil {
		s.lastErr = err
		s.status = StatusClosed
		return err
	}

	fd, err := newSocketFd()
	if err != nil {
		s.lastErr = err
		s.status = StatusClosed
		return err
	}

	immediate, err := connectNonblocking(fd, ip, s.remote.Port)
	if err != nil {
		closeFd(fd)
		s.lastErr = err
		s.status = StatusClosed
		return err
	}

	s.fd = fd
	s.lastErr = nil
	if immediate {
		s.status = StatusConnected
	} else {
		// Connect is in progress; the reactor polls for writability and
		// calls FinishConnect once the socket reports ready. A Stream
		// redialed after a close returns to detached until then.
		s.status = StatusDetached
	}
	return nil
}

// InProgress reports whether a non-blocking connect is still pending
// completion (the reactor watches such Streams for writability).
func (s *Stream) InProgress() bool {
	return s.role == RoleConnect && s.status == StatusDetached && s.fd >= 0
}

// FinishConnect is called by the reactor once a connecting Stream's fd
// reports writable, to learn whether the connection actually succeeded.
func (s *Stream) FinishConnect() error {
	if err := socketError(s.fd); err != nil {
		s.lastErr = err
		s.status = StatusClosed
		closeFd(s.fd)
		s.fd = -1
		return err
	}
	s.status = StatusConnected
	return nil
}

// Accept spawns a new accepted Stream from a listening Stream. Only valid
// when Role() == RoleListen.
func (s *Stream) Accept() (*Stream, error) {
	if s.role != RoleListen {
		return nil, fmt.Errorf("stream: Accept called on non-listen Stream")
	}
	nfd, ip, port, err := acceptNonblocking(s.fd)
	if err != nil {
		return nil, err
	}
	child := New()
	child.fd = nfd
	child.role = RoleAccept
	child.status = StatusAccepted
	child.remote = Addr{Addr: ip, Port: port}
	return child, nil
}

// Queue encodes payload as a frame and appends its wire segments to both
// the pending-send and unacknowledged-send queues.
func (s *Stream) Queue(payload []byte) {
	var segs [][]byte
	if len(payload) >= frame.ChunkThreshold {
		segs = frame.EncodeSegments(payload)
	} else {
		segs = [][]byte{frame.Encode(payload)}
	}
	s.outPending = append(s.outPending, segs...)
	s.outUnacked = append(s.outUnacked, segs...)
}

// SendAll drains the pending-send queue with non-blocking writes,
// tolerating short writes by rewriting the head segment's residual bytes.
// It stops on an empty queue, would-block, or peer-closed (which
// transitions status to StatusClosed). Unless syncUnacked is false, the
// unacknowledged-send queue is resynchronized to whatever remains pending.
func (s *Stream) SendAll(syncUnacked bool) (int, error) {
	var total int
	retries := retrySendLimit

	for len(s.outPending) > 0 {
		if retries <= 0 {
			break
		}
		head := s.outPending[0]
		n, err := writeFd(s.fd, head)
		if n > 0 {
			total += n
		}
		if err != nil {
			if wouldBlock(err) {
				break
			}
			s.lastErr = err
			s.status = StatusClosed
			break
		}
		if n == len(head) {
			s.outPending = s.outPending[1:]
			continue
		}
		// Short write: keep the unsent suffix at the head of the queue.
		s.outPending[0] = head[n:]
		retries--
		if n == 0 {
			break
		}
	}

	if syncUnacked {
		s.outUnacked = append([][]byte(nil), s.outPending...)
	}
	return total, s.lastErr
}

// RecvAll loops non-blocking reads into the inbound decoder until the
// socket would block, the peer closes (zero-byte read, which transitions
// status to StatusClosed), or a hard error occurs.
func (s *Stream) RecvAll() error {
	buf := make([]byte, recvChunk)
	for {
		n, err := readFd(s.fd, buf)
		if err != nil {
			if wouldBlock(err) {
				return nil
			}
			s.lastErr = err
			s.status = StatusClosed
			return err
		}
		if n == 0 {
			s.status = StatusClosed
			return nil
		}
		events, decErr := s.dec.Feed(buf[:n])
		for _, e := range events {
			if e.IsPayload() {
				s.inPayloads = append(s.inPayloads, e.Payload)
			} else {
				s.inDiscards += e.Discarded
			}
		}
		if decErr != nil {
			s.lastErr = decErr
			s.status = StatusClosed
			return decErr
		}
	}
}

// Get drains decoded payloads accumulated since the last call, in arrival
// order.
func (s *Stream) Get() [][]byte {
	out := s.inPayloads
	s.inPayloads = nil
	return out
}

// Discarded reports and resets the count of non-conforming bytes the
// decoder has dropped since the last call.
func (s *Stream) Discarded() int {
	n := s.inDiscards
	s.inDiscards = 0
	return n
}

// Close releases the socket and transitions to StatusClosed. Close is
// idempotent.
func (s *Stream) Close() {
	if s.status == StatusClosed && s.fd < 0 {
		return
	}
	if s.fd >= 0 {
		closeFd(s.fd)
		s.fd = -1
	}
	s.status = StatusClosed
}
