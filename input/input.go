// Package input contains the modules producing event streams.
//
// An input fills the container of the tick it is dispatched with. Every packet it produces
// carries the input's own module id as source, which is how later modules, outputs in
// particular, tell the streams of a pipeline apart. Inputs describe their data in the
// "sourceInfo/" child of their node.
package input

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/mainloop"
	"github.com/evflow/evflow/module"
)

// Source info keys.
const (
	SizeXKey = "dvsSizeX"
	SizeYKey = "dvsSizeY"
)

// Default sensor geometry.
const (
	DefaultSizeX = 240
	DefaultSizeY = 180
)

// Geometry is the pixel array size of a source.
type Geometry struct {
	SizeX int `json:"dvsSizeX"`
	SizeY int `json:"dvsSizeY"`
}

// readGeometry reads the configured geometry, filling in defaults.
func readGeometry(inst *module.Instance) (Geometry, error) {
	if err := multierr.Combine(
		inst.Node.PutIntIfAbsent(SizeXKey, DefaultSizeX),
		inst.Node.PutIntIfAbsent(SizeYKey, DefaultSizeY),
	); err != nil {
		inst.Logger.Warnw("keeping existing geometry", "error", err)
	}
	var geometry Geometry
	if err := inst.Node.Decode(&geometry); err != nil {
		return geometry, errors.Wrap(err, "reading geometry")
	}
	if geometry.SizeX <= 0 || geometry.SizeY <= 0 || geometry.SizeX > 1<<16 || geometry.SizeY > 1<<16 {
		return geometry, errors.Errorf("invalid geometry %dx%d", geometry.SizeX, geometry.SizeY)
	}
	return geometry, nil
}

// publishGeometry describes the source's data for downstream modules.
func publishGeometry(inst *module.Instance, geometry Geometry) error {
	info := inst.Node.Child(mainloop.SourceInfoNode)
	return errors.Wrap(multierr.Combine(
		info.PutInt(SizeXKey, int32(geometry.SizeX)),
		info.PutInt(SizeYKey, int32(geometry.SizeY)),
	), "publishing source info")
}

// ReadGeometry returns the geometry a source published, if it did.
func ReadGeometry(ml *mainloop.Mainloop, source event.SourceID) (Geometry, bool) {
	info := ml.SourceInfo(source)
	if info == nil || !info.Has(SizeXKey) || !info.Has(SizeYKey) {
		return Geometry{}, false
	}
	return Geometry{SizeX: int(info.GetInt(SizeXKey)), SizeY: int(info.GetInt(SizeYKey))}, true
}
