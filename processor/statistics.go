// Package processor contains modules that look at, or transform, the data of a tick between the
// inputs and the outputs.
package processor

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/input"
	"github.com/evflow/evflow/mainloop"
	"github.com/evflow/evflow/module"
)

// Statistics configuration keys.
const (
	ReportIntervalKey = "reportInterval"
	DivisionFactorKey = "divisionFactor"
)

// Statistics defaults.
const (
	DefaultReportInterval = 1000
	DefaultDivisionFactor = 1
)

// StatsNode is the child node, relative to the module node, holding the last report.
const StatsNode = "stats/"

// Report leaves published under StatsNode.
const (
	TotalRateKey = "totalEventsPerSecond"
	ValidRateKey = "validEventsPerSecond"
	ReportsKey   = "reports"
)

const historySize = 20

// StatisticsConfig is the configuration of a Statistics module.
type StatisticsConfig struct {
	// ReportInterval is the time, in milliseconds, between two reports.
	ReportInterval int `json:"reportInterval"`
	// DivisionFactor scales the reported rates down, e.g. 1000 for kilo-events per second.
	DivisionFactor int `json:"divisionFactor"`
}

// Validate checks that both settings are positive.
func (cfg StatisticsConfig) Validate() error {
	var err error
	if cfg.ReportInterval <= 0 {
		err = multierr.Append(err, errors.Errorf("%s must be positive, got %d", ReportIntervalKey, cfg.ReportInterval))
	}
	if cfg.DivisionFactor <= 0 {
		err = multierr.Append(err, errors.Errorf("%s must be positive, got %d", DivisionFactorKey, cfg.DivisionFactor))
	}
	return err
}

// Rate is one report: events per second over the last interval, divided by the division factor.
type Rate struct {
	Total int64
	Valid int64
}

// Statistics counts the events flowing through the pipeline and periodically reports their rate.
type Statistics struct {
	cfg   StatisticsConfig
	clock clock.Clock

	total, valid uint64
	since        time.Time
	history      []Rate
	reports      int64
	described    map[event.SourceID]struct{}
}

// Init reads the configuration and starts the first interval.
func (s *Statistics) Init(inst *module.Instance) error {
	if err := multierr.Combine(
		inst.Node.PutIntIfAbsent(ReportIntervalKey, DefaultReportInterval),
		inst.Node.PutIntIfAbsent(DivisionFactorKey, DefaultDivisionFactor),
	); err != nil {
		inst.Logger.Warnw("keeping existing statistics settings", "error", err)
	}
	if err := inst.Node.Decode(&s.cfg); err != nil {
		return errors.Wrap(err, "reading statistics configuration")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.described = make(map[event.SourceID]struct{})
	s.clock = inst.Clock
	s.since = s.clock.Now()
	return nil
}

// Config applies a new report interval or division factor. Invalid values are put back.
func (s *Statistics) Config(inst *module.Instance, _ []config.Change) {
	var next StatisticsConfig
	if err := inst.Node.Decode(&next); err != nil {
		inst.Logger.Errorw("ignoring configuration change", "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		inst.Logger.Errorw("ignoring invalid configuration", "error", err)
		//nolint:errcheck
		inst.Node.PutInt(ReportIntervalKey, int32(s.cfg.ReportInterval))
		//nolint:errcheck
		inst.Node.PutInt(DivisionFactorKey, int32(s.cfg.DivisionFactor))
		return
	}
	s.cfg = next
}

// Run counts the events of the tick and reports once the interval elapsed.
func (s *Statistics) Run(inst *module.Instance, tick *mainloop.Tick) {
	for _, p := range tick.Container.Packets() {
		if p != nil {
			s.describe(inst, tick.Mainloop, p.Source)
		}
	}
	total, valid := tick.Container.EventCount()
	s.total += uint64(total)
	s.valid += uint64(valid)

	now := s.clock.Now()
	elapsed := now.Sub(s.since)
	if elapsed < time.Duration(s.cfg.ReportInterval)*time.Millisecond {
		return
	}
	s.report(inst, elapsed)
	s.total, s.valid = 0, 0
	s.since = now
}

// describe logs the geometry of a source the first time its data is seen.
func (s *Statistics) describe(inst *module.Instance, ml *mainloop.Mainloop, source event.SourceID) {
	if _, ok := s.described[source]; ok {
		return
	}
	s.described[source] = struct{}{}
	if geometry, ok := input.ReadGeometry(ml, source); ok {
		inst.Logger.Infow("new source", "source", source, "sizeX", geometry.SizeX, "sizeY", geometry.SizeY)
		return
	}
	inst.Logger.Infow("new source without geometry", "source", source)
}

func (s *Statistics) report(inst *module.Instance, elapsed time.Duration) {
	perSecond := func(n uint64) int64 {
		return int64(float64(n) / elapsed.Seconds() / float64(s.cfg.DivisionFactor))
	}
	rate := Rate{Total: perSecond(s.total), Valid: perSecond(s.valid)}
	if len(s.history) == historySize {
		s.history = append(s.history[:0], s.history[1:]...)
	}
	s.history = append(s.history, rate)
	s.reports++

	lowest, highest, avg := summarize(s.history)
	inst.Logger.Infow("event rate",
		"total", rate.Total, "valid", rate.Valid,
		"minValid", lowest, "maxValid", highest, "avgValid", avg,
		"divisionFactor", s.cfg.DivisionFactor)

	node := inst.Node.Child(StatsNode)
	if err := multierr.Combine(
		node.PutLong(TotalRateKey, rate.Total),
		node.PutLong(ValidRateKey, rate.Valid),
		node.PutLong(ReportsKey, s.reports),
	); err != nil {
		inst.Logger.Warnw("failed to publish statistics", "error", err)
	}
}

// summarize returns the lowest, highest and average valid rate of the window.
func summarize(history []Rate) (lowest, highest, avg int64) {
	valid := make(stats.Float64Data, 0, len(history))
	for _, r := range history {
		valid = append(valid, float64(r.Valid))
	}
	minimum, err := valid.Min()
	if err != nil {
		return 0, 0, 0
	}
	maximum, _ := valid.Max()
	mean, _ := valid.Mean()
	return int64(minimum), int64(maximum), int64(mean)
}

// Reset drops the counts of the current interval and the history.
func (s *Statistics) Reset(inst *module.Instance, source event.SourceID) {
	inst.Logger.Debugw("statistics reset", "source", source)
	s.total, s.valid = 0, 0
	s.history = s.history[:0]
	s.since = s.clock.Now()
}

// History returns the last reports, oldest first.
func (s *Statistics) History() []Rate {
	return append([]Rate(nil), s.history...)
}
