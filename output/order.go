package output

import (
	"slices"
	"sort"

	"github.com/evflow/evflow/event"
)

// packetKey is the order in which packets are written: by first timestamp, then by type.
type packetKey struct {
	ts  int64
	typ event.TypeID
}

func keyOf(p *event.Packet) packetKey {
	return packetKey{ts: p.FirstTimestamp(), typ: p.Type}
}

func (k packetKey) less(o packetKey) bool {
	return k.ts < o.ts || (k.ts == o.ts && k.typ < o.typ)
}

func packetLess(a, b *event.Packet) bool {
	return keyOf(a).less(keyOf(b))
}

// orderer turns a sequence of containers whose time ranges may overlap into one ordered
// sequence of packets. It keeps the most recent container back so that packets of the next one
// can still be merged in front of its tail.
type orderer struct {
	write func(*event.Packet)
	// dropped is called with packets older than what was already written.
	dropped func(p *event.Packet, highWater int64)

	last      []*event.Packet
	highWater packetKey
	wrote     bool
}

// push adds the non-nil packets of a container. Packets that can no longer be ordered are handed
// to dropped, every other packet reaches write eventually, in non-decreasing key order.
func (o *orderer) push(c *event.Container) {
	current := make([]*event.Packet, 0, c.Len())
	for _, p := range c.Packets() {
		if !p.Empty() {
			current = append(current, p)
		}
	}
	sort.SliceStable(current, func(i, j int) bool { return packetLess(current[i], current[j]) })

	if o.wrote {
		first := sort.Search(len(current), func(i int) bool { return !keyOf(current[i]).less(o.highWater) })
		for _, p := range current[:first] {
			o.dropped(p, o.highWater.ts)
		}
		current = current[first:]
	}
	if len(current) == 0 {
		return
	}
	if len(o.last) == 0 {
		o.last = current
		return
	}

	// Everything in current ordered before the end of last is merged with last now. The rest
	// may still be overtaken by the next container and is kept back.
	lastMax := keyOf(o.last[len(o.last)-1])
	split := sort.Search(len(current), func(i int) bool { return !keyOf(current[i]).less(lastMax) })
	for p := range Merge(slices.Values(o.last), slices.Values(current[:split]), packetLess) {
		o.emit(p)
	}
	clear(o.last)
	o.last = current[split:]
}

// flush writes every packet kept back.
func (o *orderer) flush() {
	for _, p := range o.last {
		o.emit(p)
	}
	clear(o.last)
	o.last = nil
}

// restart flushes and forgets the high-water mark, for sources whose timestamps were reset.
func (o *orderer) restart() {
	o.flush()
	o.wrote = false
	o.highWater = packetKey{}
}

func (o *orderer) emit(p *event.Packet) {
	o.highWater = keyOf(p)
	o.wrote = true
	o.write(p)
}

// pending returns the number of packets kept back.
func (o *orderer) pending() int {
	return len(o.last)
}
