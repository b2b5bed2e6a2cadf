// Package event defines the batches of time-stamped events that flow between modules.
//
// A Packet is a homogeneous batch: every event in it has the same type, comes from the same
// source and carries a payload of the same size. A Container groups the packets one source
// produced in one mainloop tick.
package event

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// TypeID identifies the kind of events stored in a packet. Ties between packets with equal first
// timestamps are broken by TypeID when ordering output.
type TypeID int16

// The known event types.
const (
	Special TypeID = iota
	Polarity
	Frame
	IMU6
	IMU9
	Sample
	Ear
	Config
	Point1D
	Point2D
	Point3D
	Point4D
)

var typeNames = [...]string{
	Special:  "SPECIAL",
	Polarity: "POLARITY",
	Frame:    "FRAME",
	IMU6:     "IMU6",
	IMU9:     "IMU9",
	Sample:   "SAMPLE",
	Ear:      "EAR",
	Config:   "CONFIG",
	Point1D:  "POINT1D",
	Point2D:  "POINT2D",
	Point3D:  "POINT3D",
	Point4D:  "POINT4D",
}

func (t TypeID) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("TYPE_%d", int(t))
}

// SourceID identifies the module that produced a packet.
type SourceID int16

// Event is one time-stamped record. Timestamp is in microseconds. Data holds the type specific
// payload and is exactly Packet.EventSize bytes long.
type Event struct {
	Timestamp int64
	Valid     bool
	Data      []byte
}

// ErrPayloadSize is returned when an event payload does not match the packet's event size.
var ErrPayloadSize = errors.New("event payload size mismatch")

// PolaritySize is the payload size of a polarity event.
const PolaritySize = 5

// PolarityData encodes a polarity event payload: x, y (little-endian uint16) and the polarity bit.
func PolarityData(x, y uint16, on bool) []byte {
	data := make([]byte, PolaritySize)
	binary.LittleEndian.PutUint16(data[0:], x)
	binary.LittleEndian.PutUint16(data[2:], y)
	if on {
		data[4] = 1
	}
	return data
}

// ParsePolarity decodes a payload written by PolarityData.
func ParsePolarity(data []byte) (x, y uint16, on bool, err error) {
	if len(data) != PolaritySize {
		return 0, 0, false, errors.Wrapf(ErrPayloadSize, "polarity payload has %d bytes", len(data))
	}
	return binary.LittleEndian.Uint16(data[0:]), binary.LittleEndian.Uint16(data[2:]), data[4] != 0, nil
}

// SpecialSize is the payload size of a special event.
const SpecialSize = 1

// Special event kinds carried in the single payload byte.
const (
	SpecialTimestampReset byte = iota
	SpecialTimestampWrap
)
