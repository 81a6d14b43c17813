package protocol

import (
	"errors"
	"fmt"
)

// DefaultPort is used for both broadcast discovery and unicast device traffic.
const DefaultPort = 56700

// HeaderSize is the length of frame, frame address and protocol header.
const HeaderSize = 36

const (
	protocolNumber  = 1024
	addressableBit  = 1 << 12
	taggedBit       = 1 << 13
	resRequiredFlag = 1 << 0
	ackRequiredFlag = 1 << 1
)

var (
	// ErrShortPacket is returned when a datagram is shorter than its header or payload.
	ErrShortPacket = errors.New("protocol: packet too short")

	// ErrBadProtocol is returned when the header does not carry protocol number 1024.
	ErrBadProtocol = errors.New("protocol: unsupported protocol number")

	// ErrUnknownType is returned for message types this package does not model.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Header carries the addressing and delivery fields shared by every message.
type Header struct {
	Size        uint16
	Tagged      bool
	Source      uint32
	Target      MACAddress
	AckRequired bool
	ResRequired bool
	Sequence    uint8
	Type        Type
}

func (h Header) appendTo(w *writer) {
	w.u16(h.Size)
	bits := uint16(protocolNumber | addressableBit)
	if h.Tagged {
		bits |= taggedBit
	}
	w.u16(bits)
	w.u32(h.Source)

	w.fixed(h.Target[:], 8)
	w.zero(6)
	var flags uint8
	if h.ResRequired {
		flags |= resRequiredFlag
	}
	if h.AckRequired {
		flags |= ackRequiredFlag
	}
	w.u8(flags)
	w.u8(h.Sequence)

	w.zero(8)
	w.u16(uint16(h.Type))
	w.zero(2)
}

func readHeader(r *reader) (Header, error) {
	var h Header
	h.Size = r.u16()
	bits := r.u16()
	h.Source = r.u32()
	copy(h.Target[:], r.take(8))
	r.skip(6)
	flags := r.u8()
	h.Sequence = r.u8()
	r.skip(8)
	h.Type = Type(r.u16())
	r.skip(2)
	if r.err != nil {
		return h, r.err
	}
	if bits&0x0FFF != protocolNumber {
		return h, fmt.Errorf("%w: %d", ErrBadProtocol, bits&0x0FFF)
	}
	h.Tagged = bits&taggedBit != 0
	h.ResRequired = flags&resRequiredFlag != 0
	h.AckRequired = flags&ackRequiredFlag != 0
	return h, nil
}

// Packet is one decoded protocol message: the header plus its typed payload.
type Packet struct {
	Header
	Payload Message
}

// NewPacket wraps a payload with a header of the matching type.
// Addressing, sequence and source are filled in by the transport.
func NewPacket(m Message) *Packet {
	return &Packet{
		Header:  Header{Type: m.Type()},
		Payload: m,
	}
}

// MarshalBinary encodes the packet. Size and Type are derived from the payload
// and Tagged is set for broadcast targets.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if p.Payload == nil {
		return nil, errors.New("protocol: packet has no payload")
	}
	var body writer
	p.Payload.appendTo(&body)

	h := p.Header
	h.Type = p.Payload.Type()
	h.Size = uint16(HeaderSize + len(body.b))
	h.Tagged = h.Target.IsBroadcast()

	w := writer{b: make([]byte, 0, int(h.Size))}
	h.appendTo(&w)
	w.b = append(w.b, body.b...)
	return w.b, nil
}

// Decode parses one datagram into a packet. Trailing bytes beyond the
// declared size are ignored.
func Decode(data []byte) (*Packet, error) {
	r := &reader{b: data}
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if int(h.Size) < HeaderSize || int(h.Size) > len(data) {
		return nil, fmt.Errorf("%w: declared size %d, have %d", ErrShortPacket, h.Size, len(data))
	}

	m, err := newMessage(h.Type)
	if err != nil {
		return nil, err
	}
	pr := &reader{b: data[HeaderSize:h.Size]}
	m.readFrom(pr)
	if pr.err != nil {
		return nil, fmt.Errorf("decoding %s: %w", h.Type, pr.err)
	}
	return &Packet{Header: h, Payload: m}, nil
}
