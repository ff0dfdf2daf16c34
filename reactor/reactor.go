//go:build linux

// Package reactor implements daqfabric's single-threaded cooperative event
// loop: one epoll instance driving a set of stream.Stream values through
// accept, read-ready, write-ready and close events. Every socket is
// serviced from the same goroutine on every tick; concurrency comes from
// multiplexing readiness, not from spawning a handler per connection.
package reactor

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/daqfabric/stream"
)

// Handler receives reactor lifecycle callbacks. Implementations must not
// block: every call happens inline on the reactor's single goroutine.
type Handler interface {
	// OnAccept is invoked after a listening Stream accepts a new
	// connection. The returned bool decides whether the accepted Stream
	// is kept and registered for further events (false closes it
	// immediately, e.g. to enforce a connection cap).
	OnAccept(r *Reactor, listener *stream.Stream, accepted *stream.Stream) bool
	// OnRecv is invoked once per tick for a Stream that produced one or
	// more decoded payloads since the last call, in arrival order.
	OnRecv(r *Reactor, s *stream.Stream, payloads [][]byte)
	// OnClose is invoked once when a Stream transitions to closed,
	// whether by peer hangup or a socket error. Remove does not invoke it.
	OnClose(r *Reactor, s *stream.Stream)
}

// entry pairs a Stream with the epoll registration bookkeeping the
// reactor needs to drive it.
type entry struct {
	s          *stream.Stream
	fd         int
	connector  bool // true for connect-role Streams eligible for retry
	retryAfter time.Time
}

// Reactor owns an epoll instance and every Stream registered with it.
// A Reactor is not safe for concurrent use; it is meant to be driven by
// exactly one goroutine calling Serve in a loop.
type Reactor struct {
	epfd    int
	handler Handler
	logger  *slog.Logger

	byFD map[int]*entry

	// retryList holds connect-role Streams whose connect failed or whose
	// peer closed, re-queued for a future connect attempt rather than
	// dropped.
	retryList    []*entry
	retryBackoff time.Duration
}

// Option configures a Reactor at construction time.
type Option func(*Reactor)

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reactor) { r.logger = l }
}

// WithRetryBackoff sets the delay before a retry-list Stream's next
// connect attempt. Default is 2 seconds.
func WithRetryBackoff(d time.Duration) Option {
	return func(r *Reactor) { r.retryBackoff = d }
}

// New creates a Reactor backed by a fresh epoll instance.
func New(h Handler, opts ...Option) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	r := &Reactor{
		epfd:         epfd,
		handler:      h,
		logger:       slog.Default(),
		byFD:         make(map[int]*entry),
		retryBackoff: 2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the epoll instance. It does not close registered Streams;
// callers are expected to close them explicitly via Remove or Stream.Close.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// AddListener registers a listening Stream for accept readiness.
func (r *Reactor) AddListener(s *stream.Stream) error {
	return r.register(s, false)
}

// AddConnection registers a connected or accepted Stream for read/write
// readiness. Connect-role Streams that haven't finished connecting are
// watched for writability until FinishConnect succeeds.
func (r *Reactor) AddConnection(s *stream.Stream) error {
	return r.register(s, s.Role() == stream.RoleConnect)
}

func (r *Reactor) register(s *stream.Stream, connector bool) error {
	fd := s.FD()
	e := &entry{s: s, fd: fd, connector: connector}
	ev := unix.EpollEvent{Fd: int32(fd)}
	switch {
	case s.InProgress():
		ev.Events = unix.EPOLLOUT
	case s.HasPending():
		// A Handler may have queued output (e.g. OnAccept pushing an
		// immediate snapshot) before this Stream is registered; watch for
		// writability right away instead of waiting for the next read event
		// to trigger a flush.
		ev.Events = unix.EPOLLIN | unix.EPOLLOUT
	default:
		ev.Events = unix.EPOLLIN
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}
	r.byFD[fd] = e
	return nil
}

// Remove deregisters a Stream, taking it off the retry list as well, and
// closes it.
func (r *Reactor) Remove(s *stream.Stream) {
	fd := s.FD()
	if fd >= 0 {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(r.byFD, fd)
	}
	for i, e := range r.retryList {
		if e.s == s {
			r.retryList = append(r.retryList[:i], r.retryList[i+1:]...)
			break
		}
	}
	s.Close()
}

// Broadcast queues payload on every currently-registered non-listening
// Stream and attempts an immediate send.
func (r *Reactor) Broadcast(payload []byte) {
	for _, e := range r.byFD {
		if e.s.Role() == stream.RoleListen {
			continue
		}
		e.s.Queue(payload)
		r.flush(e)
	}
}

// Send queues payload on a single registered Stream and attempts an
// immediate send — the single-Stream counterpart to Broadcast, for
// Handlers that reply to one peer (e.g. the aggregator pushing a
// snapshot to the connection that requested it).
func (r *Reactor) Send(s *stream.Stream, payload []byte) {
	e, ok := r.byFD[s.FD()]
	if !ok {
		return
	}
	s.Queue(payload)
	r.flush(e)
}

const maxEpollEvents = 64

// Serve runs one reactor tick: first attempts any due retry-list
// connects, then polls for readiness up to timeout, then dispatches
// accept/read/write/close events. Serve returns after one pass; callers
// loop it: poll, dispatch, repeat.
func (r *Reactor) Serve(timeout time.Duration) error {
	r.drainRetryList()

	events := make([]unix.EpollEvent, maxEpollEvents)
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(r.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		e, ok := r.byFD[fd]
		if !ok {
			continue
		}
		r.dispatch(e, events[i].Events)
	}
	return nil
}

func (r *Reactor) dispatch(e *entry, mask uint32) {
	s := e.s

	if s.Role() == stream.RoleListen {
		if mask&unix.EPOLLIN != 0 {
			r.acceptAll(e)
		}
		return
	}

	if s.InProgress() {
		if mask&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if err := s.FinishConnect(); err != nil {
				r.logger.Warn("connect failed", "remote", s.Remote().String(), "error", err)
				r.closeAndRetry(e)
				return
			}
			r.rearmForReadWrite(e)
		}
		return
	}

	if mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.RecvAll() // pull any final bytes before treating the fd as dead
		r.closeAndRetry(e)
		return
	}

	if mask&unix.EPOLLIN != 0 {
		s.RecvAll()
		if s.IsClosed() {
			r.closeAndRetry(e)
			return
		}
		if payloads := s.Get(); len(payloads) > 0 {
			r.handler.OnRecv(r, s, payloads)
		}
	}

	if mask&unix.EPOLLOUT != 0 {
		r.flush(e)
	}
}

func (r *Reactor) acceptAll(e *entry) {
	for {
		child, err := e.s.Accept()
		if err != nil {
			return // EAGAIN or a transient accept error; stop for this tick
		}
		if !r.handler.OnAccept(r, e.s, child) {
			child.Close()
			continue
		}
		if err := r.AddConnection(child); err != nil {
			r.logger.Error("registering accepted connection", "error", err)
			child.Close()
		}
	}
}

func (r *Reactor) flush(e *entry) {
	if _, err := e.s.SendAll(true); err != nil {
		r.closeAndRetry(e)
		return
	}
	if e.s.HasPending() {
		r.setEvents(e.fd, unix.EPOLLIN|unix.EPOLLOUT)
	} else {
		r.setEvents(e.fd, unix.EPOLLIN)
	}
}

func (r *Reactor) rearmForReadWrite(e *entry) {
	mask := uint32(unix.EPOLLIN)
	if e.s.HasPending() {
		mask |= unix.EPOLLOUT
	}
	r.setEvents(e.fd, mask)
}

func (r *Reactor) setEvents(fd int, mask uint32) {
	ev := unix.EpollEvent{Fd: int32(fd), Events: mask}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (r *Reactor) closeAndRetry(e *entry) {
	wasConnector := e.connector
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
	delete(r.byFD, e.fd)
	e.s.Close()
	r.handler.OnClose(r, e.s)

	if wasConnector {
		e.fd = -1
		e.retryAfter = time.Now().Add(r.retryBackoff)
		r.retryList = append(r.retryList, e)
	}
}

func (r *Reactor) drainRetryList() {
	if len(r.retryList) == 0 {
		return
	}
	now := time.Now()
	var remaining []*entry
	for _, e := range r.retryList {
		if now.Before(e.retryAfter) {
			remaining = append(remaining, e)
			continue
		}
		if err := e.s.Redial(); err != nil {
			r.logger.Debug("redial failed, re-queueing", "remote", e.s.Remote().String(), "error", err)
			e.retryAfter = now.Add(r.retryBackoff)
			remaining = append(remaining, e)
			continue
		}
		if err := r.register(e.s, true); err != nil {
			r.logger.Error("re-registering redialed stream", "error", err)
			continue
		}
	}
	r.retryList = remaining
}
