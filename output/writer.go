package output

import (
	"context"
	"time"

	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/logging"
)

// writerIdleWait is how long the writer sleeps when the ring is empty.
const writerIdleWait = time.Millisecond

// item is what travels from the pipeline to the writer. A reset item carries no container and
// marks the point in the stream where the source restarted its timestamps.
type item struct {
	container *event.Container
	reset     bool
}

type limits struct {
	size     int
	interval time.Duration
}

// writer is the consumer side of an output. It runs on its own goroutine, ordering the
// containers it takes from the ring and writing them through the byte buffer.
type writer struct {
	ring   *Ring[item]
	order  orderer
	buffer *byteBuffer
	logger logging.Logger
	stats  *Stats

	limits        atomic.Pointer[limits]
	appliedLimits *limits

	dropLimiter  *rate.Limiter
	errorLimiter *rate.Limiter
}

func newWriter(ring *Ring[item], buffer *byteBuffer, lim *limits, stats *Stats, logger logging.Logger) *writer {
	w := &writer{
		ring:          ring,
		buffer:        buffer,
		logger:        logger,
		stats:         stats,
		appliedLimits: lim,
		dropLimiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		errorLimiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	w.limits.Store(lim)
	w.order.write = w.writePacket
	w.order.dropped = w.outOfOrder
	return w
}

// setLimits hands new buffer thresholds to the writer goroutine.
func (w *writer) setLimits(lim *limits) {
	w.limits.Store(lim)
}

func (w *writer) run(ctx context.Context) {
	for {
		it, ok := w.ring.Get()
		if ok {
			w.handle(it)
			continue
		}
		w.applyLimits()
		w.check(w.buffer.flushIfDue())
		if !goutils.SelectContextOrWait(ctx, writerIdleWait) {
			break
		}
	}

	// The producer stopped before cancelling us, whatever is left in the ring is final.
	for it, ok := w.ring.Get(); ok; it, ok = w.ring.Get() {
		w.handle(it)
	}
	w.order.flush()
	w.check(w.buffer.flush())
	w.stats.BytesWritten.Store(w.buffer.written)
}

func (w *writer) handle(it item) {
	if it.reset {
		w.logger.Debug("source timestamps reset, flushing")
		w.order.restart()
		w.check(w.buffer.flush())
		return
	}
	w.order.push(it.container)
}

func (w *writer) applyLimits() {
	lim := w.limits.Load()
	if lim == w.appliedLimits {
		return
	}
	w.appliedLimits = lim
	w.check(w.buffer.setLimits(lim.size, lim.interval))
	w.logger.Debugw("buffer limits changed", "size", lim.size, "interval", lim.interval)
}

func (w *writer) writePacket(p *event.Packet) {
	w.check(w.buffer.writePacket(p))
	w.stats.PacketsWritten.Inc()
	w.stats.BytesWritten.Store(w.buffer.written)
}

func (w *writer) outOfOrder(p *event.Packet, highWater int64) {
	w.stats.PacketsOutOfOrder.Inc()
	if w.dropLimiter.Allow() {
		w.logger.Errorw("dropping packet older than data already written",
			"type", p.Type, "firstTimestamp", p.FirstTimestamp(), "writtenUpTo", highWater,
			"droppedSoFar", w.stats.PacketsOutOfOrder.Load())
	}
}

func (w *writer) check(err error) {
	if err == nil {
		return
	}
	w.stats.WriteErrors.Inc()
	if w.errorLimiter.Allow() {
		w.logger.Errorw("failed to write output", "error", err, "errorsSoFar", w.stats.WriteErrors.Load())
	}
}
