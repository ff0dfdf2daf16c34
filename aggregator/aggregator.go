// Package aggregator implements daqfabric's Aggregator role: the single
// broker that accepts publisher and subscriber connections, maintains the
// liveness directory, and persists every data frame to a durable,
// size-rotated append log.
package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/nishisan-dev/daqfabric/directory"
	"github.com/nishisan-dev/daqfabric/frame"
	"github.com/nishisan-dev/daqfabric/internal/clock"
	"github.com/nishisan-dev/daqfabric/internal/config"
	"github.com/nishisan-dev/daqfabric/reactor"
	"github.com/nishisan-dev/daqfabric/stream"
)

// pgzipThreshold is the archive size above which rotation uses parallel
// gzip (pgzip) instead of the single-threaded compress/gzip.
const pgzipThreshold = 16 * 1024 * 1024

// Aggregator is the broker's reactor.Handler: every method here runs on
// the single reactor goroutine except the archive compression goroutine
// spawned by rotate, which only ever touches an already-renamed file, not
// any state the reactor thread reads.
type Aggregator struct {
	rx       *reactor.Reactor
	listener *stream.Stream

	snapshot    *directory.Snapshot
	snapshotDue map[*stream.Stream]bool

	logDir            string
	rotationThreshold int64
	compressArchives  bool
	tabularEnabled    bool

	dataBuf    [][]byte
	tabularBuf map[string][][]byte

	housekeeping    *cron.Cron
	housekeepingDue chan struct{}

	clock clock.Clock
	log   *slog.Logger
}

// New constructs an Aggregator bound to cfg.ListenAddress(), with its
// housekeeping cron job registered but not yet started.
func New(cfg *config.AggregatorConfig, clk clock.Clock, logger *slog.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Log.Directory, 0755); err != nil {
		return nil, fmt.Errorf("aggregator: preparing log directory: %w", err)
	}

	a := &Aggregator{
		snapshot:          directory.New(clk.Now()),
		snapshotDue:       make(map[*stream.Stream]bool),
		logDir:            cfg.Log.Directory,
		rotationThreshold: cfg.Log.RotationThresholdRaw,
		compressArchives:  cfg.Log.CompressArchives,
		tabularEnabled:    cfg.Log.TabularSideFiles,
		tabularBuf:        make(map[string][][]byte),
		housekeepingDue:   make(chan struct{}, 1),
		clock:             clk,
		log:               logger,
	}

	rx, err := reactor.New(a, reactor.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("aggregator: creating reactor: %w", err)
	}
	a.rx = rx

	ln := stream.New()
	if _, err := ln.Listen(cfg.Bind.Address, cfg.Bind.Port); err != nil {
		return nil, fmt.Errorf("aggregator: listening on %s: %w", cfg.ListenAddress(), err)
	}
	if err := rx.AddListener(ln); err != nil {
		return nil, fmt.Errorf("aggregator: registering listener: %w", err)
	}
	a.listener = ln

	c := cron.New()
	if _, err := c.AddFunc(cfg.Housekeeping.Schedule, func() {
		select {
		case a.housekeepingDue <- struct{}{}:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("aggregator: scheduling housekeeping %q: %w", cfg.Housekeeping.Schedule, err)
	}
	a.housekeeping = c

	a.logDiskFree("startup")
	return a, nil
}

// Start begins the housekeeping cron schedule. Call once before the first
// Serve.
func (a *Aggregator) Start() {
	a.housekeeping.Start()
}

// Close stops housekeeping and tears down the reactor and its Streams.
func (a *Aggregator) Close() {
	ctx := a.housekeeping.Stop()
	<-ctx.Done()
	a.rx.Remove(a.listener)
	a.rx.Close()
}

// ListenAddr reports the address this Aggregator's listener is bound to.
func (a *Aggregator) ListenAddr() stream.Addr {
	return a.listener.Host()
}

// Serve runs any housekeeping due since the last tick, appends buffered
// data to the durable log, then runs one reactor tick.
func (a *Aggregator) Serve(timeout time.Duration) error {
	select {
	case <-a.housekeepingDue:
		a.runHousekeeping()
	default:
	}
	if err := a.Log(); err != nil {
		a.log.Error("aggregator: appending durable log", "error", err)
	}
	return a.rx.Serve(timeout)
}

func (a *Aggregator) runHousekeeping() {
	a.snapshot.PurgeOlderThan(a.clock.Now(), config.HeartbeatWindow)
	a.logDiskFree("housekeeping")
}

// OnAccept implements reactor.Handler: a newly-accepted peer (publisher or
// subscriber) immediately receives the current Snapshot.
func (a *Aggregator) OnAccept(r *reactor.Reactor, listener, accepted *stream.Stream) bool {
	data, err := json.Marshal(a.snapshot)
	if err != nil {
		a.log.Error("aggregator: marshaling initial snapshot", "error", err)
		return true
	}
	accepted.Queue(data)
	return true
}

// OnRecv implements reactor.Handler: dispatches each decoded payload by its
// "event" field, dropping anything that fails to parse.
func (a *Aggregator) OnRecv(r *reactor.Reactor, s *stream.Stream, payloads [][]byte) {
	for _, payload := range payloads {
		var env struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			a.log.Debug("aggregator: dropping malformed payload", "error", err)
			continue
		}
		switch env.Event {
		case "data":
			a.dataBuf = append(a.dataBuf, payload)
			if a.tabularEnabled {
				a.bufferTabular(payload)
			}
		case "request_snapshot":
			a.snapshotDue[s] = true
		case "pulse":
			var entry directory.Entry
			if err := json.Unmarshal(payload, &entry); err != nil {
				a.log.Debug("aggregator: dropping malformed pulse", "error", err)
				continue
			}
			// The publisher's own idea of its address may be stale or
			// unset (NAT, misconfiguration); the peer's observed remote
			// address is authoritative.
			entry.Addr = s.Remote().Addr
			a.snapshot.AddEntry(entry)
		default:
			a.log.Debug("aggregator: ignoring unrecognized event", "event", env.Event)
		}
	}

	a.snapshot.PurgeOlderThan(a.clock.Now(), config.HeartbeatWindow)

	if a.snapshotDue[s] {
		delete(a.snapshotDue, s)
		data, err := json.Marshal(a.snapshot)
		if err != nil {
			a.log.Error("aggregator: marshaling requested snapshot", "error", err)
			return
		}
		if r != nil {
			r.Send(s, data)
		}
	}
}

// OnClose implements reactor.Handler: a disconnected peer simply stops
// receiving snapshots; its directory Entry (if any) ages out naturally via
// PurgeOlderThan rather than being removed immediately: liveness is
// purge-by-age, not purge-on-disconnect.
func (a *Aggregator) OnClose(r *reactor.Reactor, s *stream.Stream) {
	delete(a.snapshotDue, s)
}

func (a *Aggregator) bufferTabular(payload []byte) {
	var env struct {
		Source []string `json:"source"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || len(env.Source) == 0 {
		return
	}
	name := env.Source[0]
	a.tabularBuf[name] = append(a.tabularBuf[name], payload)
}

// Log appends every buffered data frame, re-framed via frame.Encode, to
// incrementalLogPath, rotating first if the append would exceed the
// configured threshold.
func (a *Aggregator) Log() error {
	if len(a.dataBuf) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, d := range a.dataBuf {
		buf.Write(frame.Encode(d))
	}
	a.dataBuf = nil

	path := a.incrementalLogPath()
	if info, err := os.Stat(path); err == nil && info.Size()+int64(buf.Len()) > a.rotationThreshold {
		if err := a.rotate(path); err != nil {
			return fmt.Errorf("rotating: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing: %w", err)
	}
	return nil
}

func (a *Aggregator) incrementalLogPath() string {
	return filepath.Join(a.logDir, "incremental.log")
}

// rotate renames the current log to a timestamped archive, never
// deleting it, optionally compresses the archive on a background
// goroutine, and flushes the tabular side buffer if tabular side-files
// are enabled.
func (a *Aggregator) rotate(path string) error {
	stamp := a.clock.Now().UTC().Format("20060102T150405")
	archive := filepath.Join(a.logDir, fmt.Sprintf("incremental-%s.log", stamp))
	if err := os.Rename(path, archive); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		return nil // nothing to rotate yet
	}

	a.logDiskFree("rotation")

	if a.compressArchives {
		go a.compressArchive(archive)
	}
	if a.tabularEnabled {
		a.flushTabular(stamp)
	}
	return nil
}

// compressArchive gzip-compresses path in place and removes the
// uncompressed original. It runs off the reactor goroutine and only
// touches the archive file, never shared Aggregator state.
func (a *Aggregator) compressArchive(path string) {
	info, err := os.Stat(path)
	if err != nil {
		a.log.Error("aggregator: stat archive before compression", "path", path, "error", err)
		return
	}

	src, err := os.Open(path)
	if err != nil {
		a.log.Error("aggregator: opening archive for compression", "path", path, "error", err)
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		a.log.Error("aggregator: creating compressed archive", "path", path, "error", err)
		return
	}

	var writeErr error
	if info.Size() > pgzipThreshold {
		zw := pgzip.NewWriter(dst)
		_, writeErr = io.Copy(zw, src)
		if closeErr := zw.Close(); writeErr == nil {
			writeErr = closeErr
		}
	} else {
		zw := gzip.NewWriter(dst)
		_, writeErr = io.Copy(zw, src)
		if closeErr := zw.Close(); writeErr == nil {
			writeErr = closeErr
		}
	}
	if closeErr := dst.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		a.log.Error("aggregator: compressing archive", "path", path, "error", writeErr)
		os.Remove(path + ".gz")
		return
	}
	if err := os.Remove(path); err != nil {
		a.log.Warn("aggregator: removing uncompressed archive", "path", path, "error", err)
	}
}

func (a *Aggregator) flushTabular(stamp string) {
	for name, lines := range a.tabularBuf {
		path := filepath.Join(a.logDir, fmt.Sprintf("%s_%s.log", name, stamp))
		var buf bytes.Buffer
		for _, l := range lines {
			buf.Write(l)
			buf.WriteByte('\n')
		}
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			a.log.Error("aggregator: writing tabular side file", "path", path, "error", err)
		}
	}
	a.tabularBuf = make(map[string][][]byte)
}

func (a *Aggregator) logDiskFree(reason string) {
	usage, err := disk.Usage(a.logDir)
	if err != nil {
		a.log.Warn("aggregator: reading disk usage", "path", a.logDir, "error", err)
		return
	}
	a.log.Info("disk usage", "reason", reason, "free_bytes", usage.Free, "used_percent", usage.UsedPercent)
}
