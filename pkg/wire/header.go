package wire

// Header is the common header present on every edge-facing message
// (spec.md §4.1).
type Header struct {
	Version   uint8 // 4 bits on the wire; must equal ProtocolVersion
	TTL       uint8 // 4 bits on the wire, 0-15
	PC        PacketCode
	Flags     Flag
	Community Community
}

// MarshalBinary encodes the common header. Version and TTL share one byte:
// the high nibble is version, the low nibble is TTL.
func (h Header) MarshalBinary() []byte {
	w := &writer{}
	w.u8((h.Version << 4) | (h.TTL & 0x0F))
	w.u8(uint8(h.PC))
	w.u16(uint16(h.Flags))
	w.community(h.Community)
	return w.buf
}

// DecodeHeader reads the fixed-size common header from the front of buf and
// returns it along with the remaining body bytes.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	c := newCursor(buf)
	vt, err := c.u8()
	if err != nil {
		return Header{}, nil, err
	}
	pcByte, err := c.u8()
	if err != nil {
		return Header{}, nil, err
	}
	flagsRaw, err := c.u16()
	if err != nil {
		return Header{}, nil, err
	}
	comm, err := c.community()
	if err != nil {
		return Header{}, nil, err
	}
	h := Header{
		Version: vt >> 4,
		TTL:     vt & 0x0F,
		PC:      PacketCode(pcByte),
		Flags:   Flag(flagsRaw),
		Community: comm,
	}
	return h, buf[c.idx:], nil
}
