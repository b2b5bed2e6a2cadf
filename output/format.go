package output

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/evflow/evflow/event"
)

// The stream format. All integers are little-endian.
//
// A stream starts with a stream header:
//
//	magic    uint64  0x1D378BC90B9A6658
//	sequence int64   datagram counter for message based sinks, 0 otherwise
//	version  int8
//	format   int8
//	source   int16   id of the module whose data follows
//
// It is followed by packets, each made of a packet header and its events:
//
//	type       int16
//	source     int16
//	eventSize  int32   payload bytes per event
//	count      int32
//	valid      int32
//	firstTs    int64
//	lastTs     int64
//
//	count times:
//	  info      uint32  bit 0: valid
//	  timestamp int64
//	  payload   [eventSize]byte
//
// Packets appear in non-decreasing (firstTs, type) order.
const (
	StreamMagic        = uint64(0x1D378BC90B9A6658)
	StreamVersion      = int8(1)
	StreamHeaderSize   = 20
	PacketHeaderSize   = 28
	RecordHeaderSize   = 12
	MaxUDPDatagramSize = 1472
)

// Stream formats.
const (
	FormatRaw int8 = iota
)

// ErrBadMagic is returned when a stream does not start with StreamMagic.
var ErrBadMagic = errors.New("not an event stream")

// StreamHeader starts every stream and every datagram.
type StreamHeader struct {
	Sequence int64
	Version  int8
	Format   int8
	Source   event.SourceID
}

// AppendBinary appends the encoded header to dst.
func (h StreamHeader) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, StreamMagic)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.Sequence))
	dst = append(dst, byte(h.Version), byte(h.Format))
	return binary.LittleEndian.AppendUint16(dst, uint16(h.Source))
}

// ReadStreamHeader reads and validates a stream header.
func ReadStreamHeader(r io.Reader) (StreamHeader, error) {
	var buf [StreamHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return StreamHeader{}, errors.Wrap(err, "reading stream header")
	}
	if magic := binary.LittleEndian.Uint64(buf[0:]); magic != StreamMagic {
		return StreamHeader{}, errors.Wrapf(ErrBadMagic, "magic %#x", magic)
	}
	return StreamHeader{
		Sequence: int64(binary.LittleEndian.Uint64(buf[8:])),
		Version:  int8(buf[16]),
		Format:   int8(buf[17]),
		Source:   event.SourceID(int16(binary.LittleEndian.Uint16(buf[18:]))),
	}, nil
}

// EncodedSize returns the number of bytes AppendPacket writes for p.
func EncodedSize(p *event.Packet) int {
	return PacketHeaderSize + p.Len()*(RecordHeaderSize+p.EventSize)
}

// AppendPacket appends the encoded packet to dst.
func AppendPacket(dst []byte, p *event.Packet) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.Type))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.Source))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(p.EventSize))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(p.Len()))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(p.ValidCount()))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(p.FirstTimestamp()))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(p.LastTimestamp()))
	for _, ev := range p.Events() {
		var info uint32
		if ev.Valid {
			info |= 1
		}
		dst = binary.LittleEndian.AppendUint32(dst, info)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(ev.Timestamp))
		dst = append(dst, ev.Data...)
	}
	return dst
}

// Bounds ReadPacket checks a packet header against. Memory is only reserved as events arrive, in
// blocks of at most payloadBlockSize bytes.
const (
	maxEventsPerPacket = 1 << 24
	maxEventSize       = 1 << 16
	payloadBlockSize   = 64 << 10
	initialEventSlots  = 1024
)

// ErrCorruptPacket is returned for packet headers announcing impossible sizes.
var ErrCorruptPacket = errors.New("corrupt packet header")

// ReadPacket reads one packet. It returns io.EOF if the stream ended cleanly before the packet.
func ReadPacket(r io.Reader) (*event.Packet, error) {
	var hdr [PacketHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading packet header")
	}
	typ := event.TypeID(int16(binary.LittleEndian.Uint16(hdr[0:])))
	source := event.SourceID(int16(binary.LittleEndian.Uint16(hdr[2:])))
	eventSize := int(int32(binary.LittleEndian.Uint32(hdr[4:])))
	count := int(int32(binary.LittleEndian.Uint32(hdr[8:])))
	valid := int(int32(binary.LittleEndian.Uint32(hdr[12:])))
	if eventSize < 0 || eventSize > maxEventSize || count < 0 || count > maxEventsPerPacket || valid < 0 || valid > count {
		return nil, errors.Wrapf(ErrCorruptPacket, "%s: size %d count %d valid %d", typ, eventSize, count, valid)
	}

	p := event.NewPacket(typ, source, eventSize, min(count, initialEventSlots))
	var (
		payload []byte
		rec     [RecordHeaderSize]byte
	)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, errors.Wrapf(noEOF(err), "reading event %d of %s packet", i, typ)
		}
		if len(payload) < eventSize {
			payload = make([]byte, max(eventSize, min((count-i)*eventSize, payloadBlockSize)))
		}
		data := payload[:eventSize:eventSize]
		payload = payload[eventSize:]
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, errors.Wrapf(noEOF(err), "reading event %d of %s packet", i, typ)
		}
		info := binary.LittleEndian.Uint32(rec[0:])
		ts := int64(binary.LittleEndian.Uint64(rec[4:]))
		if err := p.Append(ts, info&1 != 0, data); err != nil {
			return nil, errors.Wrapf(err, "event %d of %s packet", i, typ)
		}
	}
	if p.ValidCount() != valid {
		return nil, errors.Errorf("%s packet announces %d valid events, holds %d", typ, valid, p.ValidCount())
	}
	return p, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
