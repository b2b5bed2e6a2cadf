// Package output contains the modules writing event streams to files and sockets.
//
// Every output is split in two halves. On the pipeline goroutine, Run copies the packets it is
// handed and pushes them into a ring buffer without blocking (unless configured to keep every
// packet). On a dedicated writer goroutine, the containers are taken from the ring, merged into a
// single stream whose packets never go back in time, serialized and written in chunks.
//
// An output binds itself to the source of the first packet it sees and rejects packets of any
// other source for the rest of its life.
package output

import (
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/module"
	"github.com/evflow/evflow/utils"
)

// ErrSourceMismatch is logged for packets coming from another source than the bound one.
var ErrSourceMismatch = errors.New("packet from unexpected source")

// Configuration keys common to all outputs.
const (
	ValidOnlyKey          = "validOnly"
	KeepPacketsKey        = "keepPackets"
	BufferSizeKey         = "bufferSize"
	BufferIntervalKey     = "bufferInterval"
	TransferBufferSizeKey = "transferBufferSize"
)

// Defaults of the common configuration.
const (
	DefaultBufferSize         = 8192
	DefaultBufferInterval     = 10000
	DefaultTransferBufferSize = 128
)

// Config is the configuration shared by all outputs.
type Config struct {
	ValidOnly   bool `json:"validOnly"`
	KeepPackets bool `json:"keepPackets"`
	// BufferSize is the number of bytes collected before writing.
	BufferSize int `json:"bufferSize"`
	// BufferInterval is the longest time, in microseconds, data stays buffered.
	BufferInterval int `json:"bufferInterval"`
	// TransferBufferSize is the capacity, in containers, of the ring between pipeline and writer.
	// Changes apply on the next start.
	TransferBufferSize int `json:"transferBufferSize"`
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if cfg.BufferSize <= 0 {
		return errors.Errorf("%s must be positive, got %d", BufferSizeKey, cfg.BufferSize)
	}
	if cfg.BufferInterval <= 0 {
		return errors.Errorf("%s must be positive, got %d", BufferIntervalKey, cfg.BufferInterval)
	}
	if cfg.TransferBufferSize <= 0 {
		return errors.Errorf("%s must be positive, got %d", TransferBufferSizeKey, cfg.TransferBufferSize)
	}
	return nil
}

func (cfg *Config) limits() *limits {
	return &limits{size: cfg.BufferSize, interval: time.Duration(cfg.BufferInterval) * time.Microsecond}
}

// Stats counts what an output did. It is safe to read from any goroutine.
type Stats struct {
	PacketsAccepted   atomic.Uint64
	PacketsRejected   atomic.Uint64
	ContainersDropped atomic.Uint64
	PacketsOutOfOrder atomic.Uint64
	PacketsWritten    atomic.Uint64
	BytesWritten      atomic.Uint64
	WriteErrors       atomic.Uint64
}

// Common is the part shared by all outputs. Concrete outputs embed it and call Start from their
// Init with the sink they opened; Run, Config, Reset and Exit are provided by Common.
type Common struct {
	cfg    Config
	source event.SourceID
	bound  bool

	ring    *Ring[item]
	writer  *writer
	sink    Sink
	workers utils.StoppableWorkers
	stats   *Stats

	mismatchLimiter *rate.Limiter
	dropLimiter     *rate.Limiter
}

// SetConfigDefaults writes the default common configuration into node where missing.
func SetConfigDefaults(node *config.Node) error {
	return errors.Wrap(multierr.Combine(
		node.PutBoolIfAbsent(ValidOnlyKey, false),
		node.PutBoolIfAbsent(KeepPacketsKey, false),
		node.PutIntIfAbsent(BufferSizeKey, DefaultBufferSize),
		node.PutIntIfAbsent(BufferIntervalKey, DefaultBufferInterval),
		node.PutIntIfAbsent(TransferBufferSizeKey, DefaultTransferBufferSize),
	), "setting output defaults")
}

// Start reads the common configuration and starts the writer goroutine on sink. The sink is
// closed if Start fails, and by Exit otherwise.
func (c *Common) Start(inst *module.Instance, sink Sink) error {
	if err := SetConfigDefaults(inst.Node); err != nil {
		inst.Logger.Warnw("keeping existing configuration", "error", err)
	}
	if err := inst.Node.Decode(&c.cfg); err != nil {
		return multierr.Combine(errors.Wrap(err, "reading output configuration"), sink.Close())
	}
	if err := c.cfg.Validate(); err != nil {
		return multierr.Combine(err, sink.Close())
	}

	c.sink = sink
	c.stats = &Stats{}
	c.ring = NewRing[item](c.cfg.TransferBufferSize)
	lim := c.cfg.limits()
	c.writer = newWriter(c.ring, newByteBuffer(inst.Clock, sink, lim.size, lim.interval), lim, c.stats, inst.Logger)
	c.workers = utils.NewStoppableWorkers(c.writer.run)
	c.mismatchLimiter = rate.NewLimiter(rate.Every(time.Second), 1)
	c.dropLimiter = rate.NewLimiter(rate.Every(time.Second), 1)
	inst.Logger.Infow("output started",
		"validOnly", c.cfg.ValidOnly, "keepPackets", c.cfg.KeepPackets,
		"bufferSize", c.cfg.BufferSize, "bufferInterval", c.cfg.BufferInterval,
		"transferBufferSize", c.cfg.TransferBufferSize)
	return nil
}

// Run copies the packets of in and hands them to the writer.
func (c *Common) Run(inst *module.Instance, in *event.Container) {
	packets := lo.Filter(in.Packets(), func(p *event.Packet, _ int) bool { return !p.Empty() })
	if len(packets) == 0 {
		return
	}
	if !c.bound {
		c.source = packets[0].Source
		c.bound = true
		inst.Logger.Infow("output bound to source", "source", c.source)
	}

	out := event.NewContainer()
	for _, p := range packets {
		if p.Source != c.source {
			c.stats.PacketsRejected.Inc()
			if c.mismatchLimiter.Allow() {
				inst.Logger.Errorw("dropping packet", "error", ErrSourceMismatch,
					"type", p.Type, "source", p.Source, "expectedSource", c.source,
					"rejectedSoFar", c.stats.PacketsRejected.Load())
			}
			continue
		}
		if cp := p.Copy(c.cfg.ValidOnly); cp != nil {
			out.Add(cp)
		}
	}
	if out.Len() == 0 {
		return
	}
	if c.push(inst, item{container: out}) {
		c.stats.PacketsAccepted.Add(uint64(out.Len()))
	}
}

func (c *Common) push(inst *module.Instance, it item) bool {
	if c.ring.Put(it) {
		return true
	}
	if c.cfg.KeepPackets || it.reset {
		for !c.ring.Put(it) {
			if !goutils.SelectContextOrWait(c.workers.Context(), writerIdleWait) {
				return false
			}
		}
		return true
	}
	c.stats.ContainersDropped.Inc()
	if c.dropLimiter.Allow() {
		inst.Logger.Warnw("transfer buffer full, dropping data",
			"capacity", c.ring.Cap(), "droppedSoFar", c.stats.ContainersDropped.Load())
	}
	return false
}

// Config applies configuration changes. Invalid values are logged and the previous value is kept.
func (c *Common) Config(inst *module.Instance, changes []config.Change) {
	var next Config
	if err := inst.Node.Decode(&next); err != nil {
		inst.Logger.Errorw("ignoring configuration change", "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		inst.Logger.Errorw("ignoring invalid configuration", "error", err)
		restoreInvalid(inst, &c.cfg, &next)
		if err := next.Validate(); err != nil {
			return
		}
	}
	if next.TransferBufferSize != c.cfg.TransferBufferSize {
		inst.Logger.Infow("transfer buffer size applies on restart", "size", next.TransferBufferSize)
		next.TransferBufferSize = c.cfg.TransferBufferSize
	}
	if next.BufferSize != c.cfg.BufferSize || next.BufferInterval != c.cfg.BufferInterval {
		c.writer.setLimits(next.limits())
	}
	c.cfg = next
	inst.Logger.Debugw("configuration updated", "changes", len(changes))
}

// restoreInvalid puts the current value back for every invalid numeric setting.
func restoreInvalid(inst *module.Instance, cur, next *Config) {
	restore := func(key string, curVal int, nextVal *int) {
		if *nextVal > 0 {
			return
		}
		*nextVal = curVal
		if err := inst.Node.PutInt(key, int32(curVal)); err != nil {
			inst.Logger.Warnw("failed to restore setting", "key", key, "error", err)
		}
	}
	restore(BufferSizeKey, cur.BufferSize, &next.BufferSize)
	restore(BufferIntervalKey, cur.BufferInterval, &next.BufferInterval)
	restore(TransferBufferSizeKey, cur.TransferBufferSize, &next.TransferBufferSize)
}

// Reset flushes everything pending when the bound source restarted its timestamps.
func (c *Common) Reset(inst *module.Instance, source event.SourceID) {
	if !c.bound || source != c.source {
		return
	}
	inst.Logger.Infow("source reset", "source", source)
	c.push(inst, item{reset: true})
}

// Exit stops the writer, which writes out everything pending, and closes the sink.
func (c *Common) Exit(inst *module.Instance) {
	c.workers.Stop()
	if err := c.sink.Close(); err != nil {
		inst.Logger.Warnw("failed to close output", "error", err)
	}
	inst.Logger.Infow("output stopped",
		"packetsWritten", c.stats.PacketsWritten.Load(), "written", units.HumanSize(float64(c.stats.BytesWritten.Load())),
		"containersDropped", c.stats.ContainersDropped.Load(), "packetsRejected", c.stats.PacketsRejected.Load(),
		"packetsOutOfOrder", c.stats.PacketsOutOfOrder.Load())
}

// Stats returns the counters of the output.
func (c *Common) Stats() *Stats {
	return c.stats
}

// Source returns the bound source.
func (c *Common) Source() (event.SourceID, bool) {
	return c.source, c.bound
}
