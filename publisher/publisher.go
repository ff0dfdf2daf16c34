// Package publisher implements daqfabric's Publisher role: a low-rate data
// source that heartbeats its liveness to the aggregator and broadcasts
// data frames to whichever peers (aggregator, direct subscribers) are
// attached to its reactor.
package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/daqfabric/directory"
	"github.com/nishisan-dev/daqfabric/internal/clock"
	"github.com/nishisan-dev/daqfabric/internal/config"
	"github.com/nishisan-dev/daqfabric/reactor"
	"github.com/nishisan-dev/daqfabric/stream"
)

// inboxCapacity is the bounded ring size for received payloads: 128,
// discard oldest on overflow.
const inboxCapacity = 128

// Publisher is a connect-role peer of the aggregator that also listens on
// an ephemeral port for direct subscriber connections.
type Publisher struct {
	name string
	pid  string

	clock clock.Clock
	log   *slog.Logger

	rx         *reactor.Reactor
	aggregator *stream.Stream
	listener   *stream.Stream

	inbox [][]byte

	status      string
	statusColor string

	lastPulse time.Time
	interval  time.Duration

	limiter *rate.Limiter
}

// New constructs a Publisher, opening a connect-role Stream to the
// aggregator and a listen-role Stream on an ephemeral port, then emitting
// one immediate heartbeat.
func New(cfg *config.PublisherConfig, pidProvider clock.PIDProvider, clk clock.Clock, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		name:        cfg.Name,
		pid:         pidProvider.PID(),
		clock:       clk,
		log:         logger,
		status:      "unset",
		statusColor: "white",
		interval:    cfg.Heartbeat.Interval,
	}

	rx, err := reactor.New(p, reactor.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("publisher: creating reactor: %w", err)
	}
	p.rx = rx

	agg := stream.New()
	if err := agg.Dial(cfg.Aggregator.Address, cfg.Aggregator.Port); err != nil {
		return nil, fmt.Errorf("publisher: dialing aggregator: %w", err)
	}
	if err := rx.AddConnection(agg); err != nil {
		return nil, fmt.Errorf("publisher: registering aggregator connection: %w", err)
	}
	p.aggregator = agg

	ln := stream.New()
	if _, err := ln.Listen("", 0); err != nil {
		return nil, fmt.Errorf("publisher: listening: %w", err)
	}
	if err := rx.AddListener(ln); err != nil {
		return nil, fmt.Errorf("publisher: registering listener: %w", err)
	}
	p.listener = ln

	if cfg.Throttle.Enabled {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Throttle.MessagesPerSecond), cfg.Throttle.Burst)
	}

	if err := p.Pulse(); err != nil {
		return nil, fmt.Errorf("publisher: initial pulse: %w", err)
	}

	return p, nil
}

// SetStatus updates the display status and color surfaced in pulses.
func (p *Publisher) SetStatus(status, color string) {
	p.status = status
	p.statusColor = color
}

// Pack augments d with event="data", source=(name, pid) and the current
// systime, then JSON-encodes it.
func (p *Publisher) Pack(d map[string]any) ([]byte, error) {
	out := make(map[string]any, len(d)+3)
	for k, v := range d {
		out[k] = v
	}
	out["event"] = "data"
	out["source"] = []any{p.name, p.pid}
	out["systime"] = formatSysTime(p.clock.Now())
	return json.Marshal(out)
}

// Queue broadcasts payload to every peer attached to this Publisher's
// reactor (aggregator and any direct subscribers), honoring the optional
// throttle.
func (p *Publisher) Queue(payload []byte) {
	if p.limiter != nil && !p.limiter.Allow() {
		p.log.Debug("publisher: throttled outbound message", "name", p.name)
		return
	}
	p.rx.Broadcast(payload)
}

// Pulse constructs an Entry for this Publisher's listening address, queues
// its serialization to every peer, and stamps the last-pulse time.
func (p *Publisher) Pulse() error {
	host := p.listener.Host()
	entry := directory.Entry{
		Name:        p.name,
		PID:         p.pid,
		Addr:        host.Addr,
		Port:        host.Port,
		SysTime:     p.clock.Now(),
		Status:      p.status,
		StatusColor: p.statusColor,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("publisher: marshaling pulse: %w", err)
	}
	p.rx.Broadcast(data)
	p.lastPulse = p.clock.Now()
	return nil
}

// Inbox returns and clears the payloads received since the last call.
func (p *Publisher) Inbox() [][]byte {
	out := p.inbox
	p.inbox = nil
	return out
}

// Serve emits a heartbeat if the interval has elapsed, then runs one
// reactor tick.
func (p *Publisher) Serve(timeout time.Duration) error {
	if p.clock.Now().Sub(p.lastPulse) > p.interval {
		if err := p.Pulse(); err != nil {
			return err
		}
	}
	return p.rx.Serve(timeout)
}

// Close removes the aggregator and listener Streams and releases the
// reactor. Streams accepted from direct subscribers are not closed.
func (p *Publisher) Close() {
	p.rx.Remove(p.aggregator)
	p.rx.Remove(p.listener)
	p.rx.Close()
}

// OnAccept implements reactor.Handler: subscribers may connect directly to
// a Publisher's listener, and are always accepted.
func (p *Publisher) OnAccept(r *reactor.Reactor, listener, accepted *stream.Stream) bool {
	return true
}

// OnRecv implements reactor.Handler: every received payload is appended to
// the bounded inbox, discarding the oldest entries on overflow.
func (p *Publisher) OnRecv(r *reactor.Reactor, s *stream.Stream, payloads [][]byte) {
	p.inbox = append(p.inbox, payloads...)
	if over := len(p.inbox) - inboxCapacity; over > 0 {
		p.inbox = p.inbox[over:]
	}
}

// OnClose implements reactor.Handler.
func (p *Publisher) OnClose(r *reactor.Reactor, s *stream.Stream) {
	if s == p.aggregator {
		p.log.Warn("publisher: lost aggregator connection, will retry", "name", p.name)
	}
}

func formatSysTime(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d-%02d:%02d:%02d:%02d:%06d",
		u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond()/1000)
}
