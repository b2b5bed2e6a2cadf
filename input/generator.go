package input

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/mainloop"
	"github.com/evflow/evflow/module"
	"github.com/evflow/evflow/utils"
)

// Generator configuration keys.
const (
	EventsPerSecondKey = "eventsPerSecond"
	BatchIntervalKey   = "batchInterval"
	SeedKey            = "seed"
)

// Generator defaults.
const (
	DefaultEventsPerSecond = 100000
	DefaultBatchInterval   = 1000
	generatorQueueSize     = 64
)

// GeneratorConfig is the configuration of a Generator.
type GeneratorConfig struct {
	EventsPerSecond int `json:"eventsPerSecond"`
	// BatchInterval is the time, in microseconds, between two batches of events.
	BatchInterval int   `json:"batchInterval"`
	Seed          int64 `json:"seed"`
}

// Generator is a synthetic source of polarity events spread uniformly over the configured
// geometry. A background worker produces one batch per interval and announces it to the
// pipeline, which then ticks to consume it. The first batch is preceded by a timestamp reset
// event, as a freshly started camera does.
type Generator struct {
	cfg      GeneratorConfig
	geometry Geometry
	clock    clock.Clock

	batches chan *event.Packet
	workers utils.StoppableWorkers
	ml      *mainloop.Mainloop
	dropped atomic.Uint64
	limiter *rate.Limiter

	sentReset bool
	generated uint64
}

// Init reads the configuration and publishes the geometry of the source. Generation starts on
// the first tick, once the pipeline is known.
func (g *Generator) Init(inst *module.Instance) error {
	if err := inst.Node.PutIntIfAbsent(EventsPerSecondKey, DefaultEventsPerSecond); err != nil {
		inst.Logger.Warnw("keeping existing event rate", "error", err)
	}
	if err := inst.Node.PutIntIfAbsent(BatchIntervalKey, DefaultBatchInterval); err != nil {
		inst.Logger.Warnw("keeping existing batch interval", "error", err)
	}
	if err := inst.Node.PutLongIfAbsent(SeedKey, 1); err != nil {
		inst.Logger.Warnw("keeping existing seed", "error", err)
	}
	if err := inst.Node.Decode(&g.cfg); err != nil {
		return errors.Wrap(err, "reading generator configuration")
	}
	if g.cfg.EventsPerSecond <= 0 || g.cfg.BatchInterval <= 0 {
		return errors.Errorf("%s and %s must be positive, got %d and %d",
			EventsPerSecondKey, BatchIntervalKey, g.cfg.EventsPerSecond, g.cfg.BatchInterval)
	}
	geometry, err := readGeometry(inst)
	if err != nil {
		return err
	}
	g.geometry = geometry
	if err := publishGeometry(inst, geometry); err != nil {
		inst.Logger.Warnw("downstream modules will not know the geometry", "error", err)
	}
	g.clock = inst.Clock
	g.batches = make(chan *event.Packet, generatorQueueSize)
	g.limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	return nil
}

// Run starts the worker on the first tick and moves the batches produced since the last tick
// into the container.
func (g *Generator) Run(inst *module.Instance, tick *mainloop.Tick) {
	if g.workers == nil {
		g.ml = tick.Mainloop
		ticker := g.clock.Ticker(g.interval())
		start := g.clock.Now()
		g.workers = utils.NewStoppableWorkers(func(ctx context.Context) { g.generate(ctx, inst, ticker, start) })
		inst.Logger.Infow("generating events",
			"eventsPerSecond", g.cfg.EventsPerSecond, "batchInterval", g.cfg.BatchInterval,
			"sizeX", g.geometry.SizeX, "sizeY", g.geometry.SizeY)
	}
	if !g.sentReset {
		reset := event.NewPacket(event.Special, inst.ID, event.SpecialSize, 1)
		//nolint:errcheck
		reset.Append(0, true, []byte{event.SpecialTimestampReset})
		tick.Container.Add(reset)
		g.sentReset = true
	}
	for {
		select {
		case p := <-g.batches:
			g.ml.DataAvailableDecrease()
			tick.Container.Add(p)
		default:
			return
		}
	}
}

func (g *Generator) interval() time.Duration {
	return time.Duration(g.cfg.BatchInterval) * time.Microsecond
}

func (g *Generator) generate(ctx context.Context, inst *module.Instance, ticker *clock.Ticker, start time.Time) {
	defer ticker.Stop()
	interval := g.interval()
	perBatch := max(1, int(int64(g.cfg.EventsPerSecond)*int64(interval)/int64(time.Second)))
	rng := rand.New(rand.NewSource(g.cfg.Seed))

	var lastTs int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Events of a batch are spread evenly over the interval that just ended.
		end := g.clock.Since(start).Microseconds()
		begin := max(lastTs, end-interval.Microseconds())
		p := event.NewPacket(event.Polarity, inst.ID, event.PolaritySize, perBatch)
		for i := 0; i < perBatch; i++ {
			ts := begin + (end-begin)*int64(i+1)/int64(perBatch)
			x := uint16(rng.Intn(g.geometry.SizeX))
			y := uint16(rng.Intn(g.geometry.SizeY))
			//nolint:errcheck
			p.Append(ts, true, event.PolarityData(x, y, rng.Intn(2) == 1))
		}
		lastTs = end

		// Announced before it is queued so the count never lags behind the queue.
		g.ml.DataAvailableIncrease()
		select {
		case g.batches <- p:
			g.generated += uint64(perBatch)
		default:
			g.ml.DataAvailableDecrease()
			g.dropped.Inc()
			if g.limiter.Allow() {
				inst.Logger.Warnw("pipeline too slow, dropping generated events", "droppedBatches", g.dropped.Load())
			}
		}
	}
}

// Exit stops the worker and gives back the data announced but not consumed.
func (g *Generator) Exit(inst *module.Instance) {
	if g.workers == nil {
		return
	}
	g.workers.Stop()
	for {
		select {
		case <-g.batches:
			g.ml.DataAvailableDecrease()
		default:
			inst.Logger.Infow("generator stopped", "events", g.generated, "droppedBatches", g.dropped.Load())
			return
		}
	}
}
