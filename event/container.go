package event

// Container is an ordered set of packets produced together. Slots may be nil once their packet
// has been consumed.
type Container struct {
	packets []*Packet
}

// NewContainer returns a container holding the given packets.
func NewContainer(packets ...*Packet) *Container {
	return &Container{packets: packets}
}

// Add appends a packet.
func (c *Container) Add(p *Packet) {
	c.packets = append(c.packets, p)
}

// Len returns the number of slots, including nil ones.
func (c *Container) Len() int {
	if c == nil {
		return 0
	}
	return len(c.packets)
}

// Get returns the packet in slot i, which may be nil.
func (c *Container) Get(i int) *Packet {
	return c.packets[i]
}

// Set replaces the packet in slot i. Setting nil marks the slot as consumed.
func (c *Container) Set(i int, p *Packet) {
	c.packets[i] = p
}

// Packets returns the slots of the container.
func (c *Container) Packets() []*Packet {
	if c == nil {
		return nil
	}
	return c.packets
}

// FindByType returns the first non-nil packet of the given type.
func (c *Container) FindByType(typ TypeID) *Packet {
	for _, p := range c.Packets() {
		if p != nil && p.Type == typ {
			return p
		}
	}
	return nil
}

// EventCount returns the total and valid number of events over all packets.
func (c *Container) EventCount() (total, valid int) {
	for _, p := range c.Packets() {
		if p != nil {
			total += p.Len()
			valid += p.ValidCount()
		}
	}
	return total, valid
}

// TimestampRange returns the lowest first timestamp and the highest last timestamp over all
// non-empty packets. ok is false if there is none.
func (c *Container) TimestampRange() (lowest, highest int64, ok bool) {
	for _, p := range c.Packets() {
		if p.Empty() {
			continue
		}
		if !ok || p.FirstTimestamp() < lowest {
			lowest = p.FirstTimestamp()
		}
		if !ok || p.LastTimestamp() > highest {
			highest = p.LastTimestamp()
		}
		ok = true
	}
	return lowest, highest, ok
}
