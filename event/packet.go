package event

import (
	"github.com/pkg/errors"
)

// ErrTimestampOrder is returned when appending an event older than the last one of the packet.
var ErrTimestampOrder = errors.New("event timestamps must be non-decreasing")

// Packet is a batch of events of one type from one source. Events are appended by the producing
// module; once the packet is handed to other modules it must not be modified.
type Packet struct {
	Type      TypeID
	Source    SourceID
	EventSize int

	events     []Event
	validCount int
}

// NewPacket returns an empty packet with room for capacity events.
func NewPacket(typ TypeID, source SourceID, eventSize, capacity int) *Packet {
	return &Packet{
		Type:      typ,
		Source:    source,
		EventSize: eventSize,
		events:    make([]Event, 0, capacity),
	}
}

// Append adds one event. The payload is referenced, not copied.
func (p *Packet) Append(timestamp int64, valid bool, data []byte) error {
	if len(data) != p.EventSize {
		return errors.Wrapf(ErrPayloadSize, "%s packet expects %d bytes, got %d", p.Type, p.EventSize, len(data))
	}
	if n := len(p.events); n > 0 && timestamp < p.events[n-1].Timestamp {
		return errors.Wrapf(ErrTimestampOrder, "%d after %d", timestamp, p.events[n-1].Timestamp)
	}
	p.events = append(p.events, Event{Timestamp: timestamp, Valid: valid, Data: data})
	if valid {
		p.validCount++
	}
	return nil
}

// Len returns the number of events, valid or not.
func (p *Packet) Len() int {
	return len(p.events)
}

// ValidCount returns the number of valid events.
func (p *Packet) ValidCount() int {
	return p.validCount
}

// Empty reports whether the packet holds no events.
func (p *Packet) Empty() bool {
	return p == nil || len(p.events) == 0
}

// Event returns the i-th event.
func (p *Packet) Event(i int) Event {
	return p.events[i]
}

// Events returns the events of the packet. The slice must not be modified.
func (p *Packet) Events() []Event {
	return p.events
}

// FirstTimestamp returns the timestamp of the first event, or 0 for an empty packet.
func (p *Packet) FirstTimestamp() int64 {
	if len(p.events) == 0 {
		return 0
	}
	return p.events[0].Timestamp
}

// LastTimestamp returns the timestamp of the last event, or 0 for an empty packet.
func (p *Packet) LastTimestamp() int64 {
	if len(p.events) == 0 {
		return 0
	}
	return p.events[len(p.events)-1].Timestamp
}

// Copy returns a packet with the same header holding either all events or only the valid ones.
// Payload bytes are copied so the result does not share memory with p. Returns nil when validOnly
// is set and p has no valid event.
func (p *Packet) Copy(validOnly bool) *Packet {
	n := len(p.events)
	if validOnly {
		n = p.validCount
	}
	if n == 0 {
		return nil
	}

	cp := NewPacket(p.Type, p.Source, p.EventSize, n)
	payload := make([]byte, n*p.EventSize)
	for _, ev := range p.events {
		if validOnly && !ev.Valid {
			continue
		}
		data := payload[:p.EventSize:p.EventSize]
		payload = payload[p.EventSize:]
		copy(data, ev.Data)
		cp.events = append(cp.events, Event{Timestamp: ev.Timestamp, Valid: ev.Valid, Data: data})
		if ev.Valid {
			cp.validCount++
		}
	}
	return cp
}
