package output

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/evflow/evflow/event"
)

// byteBuffer serializes packets and hands the bytes to a sink in chunks. A chunk is written once
// it reaches maxSize bytes or once maxInterval passed since the previous write, whichever comes
// first.
type byteBuffer struct {
	clock clock.Clock
	sink  Sink

	buf         []byte
	maxSize     int
	maxInterval time.Duration
	lastFlush   time.Time

	started bool
	written uint64
}

func newByteBuffer(clk clock.Clock, sink Sink, maxSize int, maxInterval time.Duration) *byteBuffer {
	return &byteBuffer{
		clock:       clk,
		sink:        sink,
		buf:         make([]byte, 0, maxSize),
		maxSize:     maxSize,
		maxInterval: maxInterval,
		lastFlush:   clk.Now(),
	}
}

// writePacket serializes p, flushing if a threshold was reached. The first packet starts the
// stream on the sink with p's source.
func (b *byteBuffer) writePacket(p *event.Packet) error {
	if !b.started {
		if err := b.sink.Start(StreamHeader{Version: StreamVersion, Format: FormatRaw, Source: p.Source}); err != nil {
			return errors.Wrap(err, "starting stream")
		}
		b.started = true
	}
	b.buf = AppendPacket(b.buf, p)
	if len(b.buf) >= b.maxSize {
		return b.flush()
	}
	return b.flushIfDue()
}

// flushIfDue flushes if maxInterval passed since the last flush.
func (b *byteBuffer) flushIfDue() error {
	if b.clock.Since(b.lastFlush) < b.maxInterval {
		return nil
	}
	return b.flush()
}

// flush writes out everything buffered. On error the buffered bytes are discarded.
func (b *byteBuffer) flush() error {
	b.lastFlush = b.clock.Now()
	if len(b.buf) == 0 {
		return nil
	}
	n, err := b.sink.Write(b.buf)
	b.written += uint64(n)
	b.buf = b.buf[:0]
	return errors.Wrap(err, "writing to sink")
}

// setLimits flushes and applies new thresholds.
func (b *byteBuffer) setLimits(maxSize int, maxInterval time.Duration) error {
	err := b.flush()
	b.maxSize = maxSize
	b.maxInterval = maxInterval
	if cap(b.buf) < maxSize {
		b.buf = make([]byte, 0, maxSize)
	}
	return err
}

// buffered returns the number of bytes waiting to be written.
func (b *byteBuffer) buffered() int {
	return len(b.buf)
}
