// Package subscriber implements daqfabric's Subscriber role: a peer that
// tracks the aggregator's liveness directory and attaches directly to
// whichever publishers it names, rather than routing data through the
// aggregator itself.
package subscriber

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/daqfabric/directory"
	"github.com/nishisan-dev/daqfabric/internal/clock"
	"github.com/nishisan-dev/daqfabric/internal/config"
	"github.com/nishisan-dev/daqfabric/reactor"
	"github.com/nishisan-dev/daqfabric/stream"
)

// dataCapacity is the bounded ring size for received data frames: 512,
// discard oldest on overflow.
const dataCapacity = 512

// peerLocation identifies a connect-role Stream by the network location it
// was dialed to, mirroring directory.Snapshot's at-most-one-per-(addr,port)
// keying. Reconciling by location (rather than by publisher name) means a
// publisher that restarts on a new port is redialed instead of leaving the
// Subscriber talking to a dead socket at its old address.
type peerLocation struct {
	Addr string
	Port int
}

func locationOf(e directory.Entry) peerLocation {
	return peerLocation{Addr: e.Addr, Port: e.Port}
}

// Subscriber is a connect-role peer of the aggregator that additionally
// connects directly to every publisher named in the aggregator's Snapshot.
type Subscriber struct {
	rx         *reactor.Reactor
	aggregator *stream.Stream
	aggAddr    config.AggregatorAddr

	snapshot *directory.Snapshot
	peers    map[peerLocation]*stream.Stream

	dataBuf [][]byte

	clock clock.Clock
	log   *slog.Logger
}

// New constructs a Subscriber and opens its connect-role Stream to the
// aggregator.
func New(cfg *config.SubscriberConfig, clk clock.Clock, logger *slog.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sub := &Subscriber{
		aggAddr: cfg.Aggregator,
		peers:   make(map[peerLocation]*stream.Stream),
		clock:   clk,
		log:     logger,
	}

	rx, err := reactor.New(sub, reactor.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("subscriber: creating reactor: %w", err)
	}
	sub.rx = rx

	agg := stream.New()
	if err := agg.Dial(cfg.Aggregator.Address, cfg.Aggregator.Port); err != nil {
		return nil, fmt.Errorf("subscriber: dialing aggregator: %w", err)
	}
	if err := rx.AddConnection(agg); err != nil {
		return nil, fmt.Errorf("subscriber: registering aggregator connection: %w", err)
	}
	sub.aggregator = agg

	return sub, nil
}

// Close tears down the reactor and every Stream registered with it.
func (sub *Subscriber) Close() {
	for _, p := range sub.peers {
		sub.rx.Remove(p)
	}
	sub.rx.Remove(sub.aggregator)
	sub.rx.Close()
}

// RequestSnapshot enqueues a request_snapshot message to the aggregator.
func (sub *Subscriber) RequestSnapshot() {
	data, err := json.Marshal(map[string]string{"event": "request_snapshot"})
	if err != nil {
		sub.log.Error("subscriber: marshaling snapshot request", "error", err)
		return
	}
	sub.rx.Send(sub.aggregator, data)
}

// Data returns and clears the data frames received since the last call.
func (sub *Subscriber) Data() [][]byte {
	out := sub.dataBuf
	sub.dataBuf = nil
	return out
}

// Snapshot returns the most recently registered Snapshot, or nil before
// the first one arrives.
func (sub *Subscriber) Snapshot() *directory.Snapshot {
	return sub.snapshot
}

// Serve requests a fresh snapshot, then runs one reactor tick. A
// Subscriber re-requests on every serve cycle rather than caching across
// an interval, since the protocol is already low-rate.
func (sub *Subscriber) Serve(timeout time.Duration) error {
	sub.RequestSnapshot()
	return sub.rx.Serve(timeout)
}

// Message queues payload on the Stream directly connected to the named
// publisher, reporting whether one is currently known and connected.
func (sub *Subscriber) Message(name string, payload []byte) bool {
	if sub.snapshot == nil {
		return false
	}
	entry, ok := sub.snapshot.Names()[name]
	if !ok {
		return false
	}
	p, ok := sub.peers[locationOf(entry)]
	if !ok {
		return false
	}
	sub.rx.Send(p, payload)
	return true
}

// OnAccept implements reactor.Handler. A Subscriber never listens, so this
// is never called; it exists only to satisfy the interface.
func (sub *Subscriber) OnAccept(r *reactor.Reactor, listener, accepted *stream.Stream) bool {
	return false
}

// OnRecv implements reactor.Handler: a "snapshot" payload (only expected
// from the aggregator connection) replaces the tracked Snapshot and
// reconciles direct publisher connections; a "data" payload is appended to
// the bounded data buffer.
func (sub *Subscriber) OnRecv(r *reactor.Reactor, s *stream.Stream, payloads [][]byte) {
	for _, payload := range payloads {
		var env struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			sub.log.Debug("subscriber: dropping malformed payload", "error", err)
			continue
		}
		switch env.Event {
		case "snapshot":
			var snap directory.Snapshot
			if err := json.Unmarshal(payload, &snap); err != nil {
				sub.log.Debug("subscriber: dropping malformed snapshot", "error", err)
				continue
			}
			sub.registerSnapshot(&snap)
		case "data":
			sub.dataBuf = append(sub.dataBuf, payload)
			if over := len(sub.dataBuf) - dataCapacity; over > 0 {
				sub.dataBuf = sub.dataBuf[over:]
			}
		default:
			sub.log.Debug("subscriber: ignoring unrecognized event", "event", env.Event)
		}
	}
}

// OnClose implements reactor.Handler: losing the aggregator connection is
// only logged (the reactor's own retry-list handles the reconnect, and
// Serve's per-tick RequestSnapshot reaches it once it is back); losing a direct publisher
// connection just drops it from peers; the reactor's retry-list will
// reconnect it, and the next snapshot reconciliation re-adopts it once
// Redial succeeds.
func (sub *Subscriber) OnClose(r *reactor.Reactor, s *stream.Stream) {
	if s == sub.aggregator {
		sub.log.Warn("subscriber: lost aggregator connection, will retry")
		return
	}
	for loc, p := range sub.peers {
		if p == s {
			delete(sub.peers, loc)
			return
		}
	}
}

// registerSnapshot adopts snap as the current Snapshot, opening a
// connect-role Stream for every (addr, port) it names that isn't already
// connected, and dropping Streams for locations no longer present. A
// publisher that reappears under the same name but a different (addr,port)
// — e.g. restarted on a new ephemeral port — is treated as a new location:
// the stale Stream is dropped and a fresh one dialed, rather than being kept
// around because its name still matches.
func (sub *Subscriber) registerSnapshot(snap *directory.Snapshot) {
	sub.snapshot = snap

	wanted := make(map[peerLocation]directory.Entry, len(snap.Entries))
	for _, entry := range snap.Locations() {
		wanted[locationOf(entry)] = entry
	}

	for loc, p := range sub.peers {
		if _, ok := wanted[loc]; !ok {
			sub.rx.Remove(p)
			delete(sub.peers, loc)
		}
	}

	for loc, entry := range wanted {
		if _, ok := sub.peers[loc]; ok {
			continue
		}
		p := stream.New()
		if err := p.Dial(entry.Addr, entry.Port); err != nil {
			sub.log.Warn("subscriber: dialing publisher", "name", entry.Name, "addr", entry.Addr, "port", entry.Port, "error", err)
			continue
		}
		if err := sub.rx.AddConnection(p); err != nil {
			sub.log.Error("subscriber: registering publisher connection", "name", entry.Name, "error", err)
			continue
		}
		sub.peers[loc] = p
	}
}
