// Package wire implements the edge-facing and supernode-to-supernode wire
// formats: a fixed common header, four edge message bodies, and the SNM
// (REQ/INFO/ADV) coordination messages. All multi-byte integers are
// network byte order; decoding never reads past the declared remaining
// length of the buffer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Sizes fixed by the wire contract (spec.md §4.1, §3).
const (
	MACSize       = 6
	CommunitySize = 16
	CookieSize    = 4
	AuthTokenSize = 4

	// HeaderSize is the size of the common edge-facing header:
	// 1 byte version/ttl, 1 byte packet code, 2 bytes flags, 16 bytes community.
	HeaderSize = 1 + 1 + 2 + CommunitySize

	// MaxDatagram bounds every encoded message (spec.md §5, §6).
	MaxDatagram = 2048

	// MaxBackupSupernodes caps num_sn's byte width (spec.md §9).
	MaxBackupSupernodes = 255

	// ProtocolVersion is the only version this supernode accepts.
	ProtocolVersion = 2
)

// PacketCode identifies the edge-facing message kind (spec.md §4.1).
type PacketCode uint8

const (
	PCPing              PacketCode = 0
	PCRegister          PacketCode = 1
	PCDeregister        PacketCode = 2
	PCPacket            PacketCode = 3
	PCRegisterAck       PacketCode = 4
	PCRegisterSuper     PacketCode = 5
	PCRegisterSuperAck  PacketCode = 6
	PCRegisterSuperNak  PacketCode = 7
	PCFederation        PacketCode = 8
)

func (pc PacketCode) String() string {
	switch pc {
	case PCPing:
		return "PING"
	case PCRegister:
		return "REGISTER"
	case PCDeregister:
		return "DEREGISTER"
	case PCPacket:
		return "PACKET"
	case PCRegisterAck:
		return "REGISTER_ACK"
	case PCRegisterSuper:
		return "REGISTER_SUPER"
	case PCRegisterSuperAck:
		return "REGISTER_SUPER_ACK"
	case PCRegisterSuperNak:
		return "REGISTER_SUPER_NAK"
	case PCFederation:
		return "FEDERATION"
	default:
		return fmt.Sprintf("PacketCode(%d)", uint8(pc))
	}
}

// Flag bits carried in the common header (spec.md §4.1).
type Flag uint16

const (
	FlagFromSupernode Flag = 1 << 0
	FlagSocket        Flag = 1 << 1
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// DecodeError marks malformed input: a truncated body (a cursor read that
// would run past the declared remaining length), a bad MAC length, a bad
// socket family tag or address, or an over-long community name
// (spec.md §7). The protocol version is not checked here; the dispatcher
// rejects a wrong version itself.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "wire: decode: " + e.Reason }

func decodeErr(reason string) error { return &DecodeError{Reason: reason} }

// MAC is an opaque 6-byte Ethernet address.
type MAC [MACSize]byte

func MACFromBytes(b []byte) (MAC, error) {
	var m MAC
	if len(b) != MACSize {
		return m, decodeErr("bad mac length")
	}
	copy(m[:], b)
	return m, nil
}

func MACFromHardwareAddr(hw net.HardwareAddr) (MAC, error) {
	return MACFromBytes([]byte(hw))
}

func (m MAC) HardwareAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, MACSize)
	copy(hw, m[:])
	return hw
}

func (m MAC) String() string { return m.HardwareAddr().String() }

func (m MAC) IsZero() bool {
	for _, b := range m {
		if b != 0 {
			return false
		}
	}
	return true
}

// IsMultiBroadcast reports whether m is a broadcast or multicast Ethernet
// destination: the all-ones address, or any address whose first octet has
// its low (I/G) bit set (spec.md §4.4).
func (m MAC) IsMultiBroadcast() bool {
	if m[0]&0x01 != 0 {
		return true
	}
	for _, b := range m {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// Community is a fixed-width, NUL-padded 16-byte community name, compared
// by full width (spec.md §3).
type Community [CommunitySize]byte

func CommunityFromString(name string) (Community, error) {
	var c Community
	if len(name) > CommunitySize {
		return c, decodeErr("community name too long")
	}
	copy(c[:], name)
	return c, nil
}

func (c Community) String() string {
	n := CommunitySize
	for n > 0 && c[n-1] == 0 {
		n--
	}
	return string(c[:n])
}

// IsEmpty reports whether the community name, once NUL-trimmed, is empty.
func (c Community) IsEmpty() bool { return c.String() == "" }

// Cookie is an opaque 4-byte echo value (spec.md §3); never validated.
type Cookie uint32

// Sock is a tagged union of an IPv4 or IPv6 address plus a UDP port. Ports
// are kept in host byte order in memory and converted exactly once at the
// wire boundary (spec.md §3, §9).
type Sock struct {
	IP   netip.Addr
	Port uint16
}

func SockFromUDPAddr(a *net.UDPAddr) Sock {
	ip := a.IP
	var addr netip.Addr
	if v4 := ip.To4(); v4 != nil {
		addr, _ = netip.AddrFromSlice(v4)
	} else {
		addr, _ = netip.AddrFromSlice(ip.To16())
	}
	return Sock{IP: addr, Port: uint16(a.Port)}
}

func (s Sock) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(s.IP.AsSlice()), Port: int(s.Port)}
}

func (s Sock) String() string {
	if !s.IP.IsValid() {
		return "<invalid>"
	}
	return s.UDPAddr().String()
}

func (s Sock) Equal(o Sock) bool { return s.IP == o.IP && s.Port == o.Port }

const (
	sockTagV4 = 4
	sockTagV6 = 6
)

// cursor is a running decode position over a fixed buffer; rem never goes
// negative (spec.md §4.1).
type cursor struct {
	buf []byte
	idx int
}

func newCursor(buf []byte) *cursor { return &cursor{buf: buf} }

func (c *cursor) remaining() int { return len(c.buf) - c.idx }

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, decodeErr("truncated message")
	}
	b := c.buf[c.idx : c.idx+n]
	c.idx += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) mac() (MAC, error) {
	b, err := c.take(MACSize)
	if err != nil {
		return MAC{}, err
	}
	return MACFromBytes(b)
}

func (c *cursor) community() (Community, error) {
	b, err := c.take(CommunitySize)
	if err != nil {
		return Community{}, err
	}
	var comm Community
	copy(comm[:], b)
	return comm, nil
}

func (c *cursor) sock() (Sock, error) {
	tag, err := c.u8()
	if err != nil {
		return Sock{}, err
	}
	var addrLen int
	switch tag {
	case sockTagV4:
		addrLen = 4
	case sockTagV6:
		addrLen = 16
	default:
		return Sock{}, decodeErr("bad sock family tag")
	}
	addrBytes, err := c.take(addrLen)
	if err != nil {
		return Sock{}, err
	}
	port, err := c.u16()
	if err != nil {
		return Sock{}, err
	}
	addr, ok := netip.AddrFromSlice(addrBytes)
	if !ok {
		return Sock{}, decodeErr("bad sock address")
	}
	return Sock{IP: addr, Port: port}, nil
}

func (c *cursor) rest() []byte {
	b := c.buf[c.idx:]
	c.idx = len(c.buf)
	return b
}

// writer accumulates an encoded message; each method mirrors a cursor
// method so every field has one obvious inverse.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) mac(m MAC)             { w.buf = append(w.buf, m[:]...) }
func (w *writer) community(c Community) { w.buf = append(w.buf, c[:]...) }
func (w *writer) bytes(b []byte)        { w.buf = append(w.buf, b...) }

func (w *writer) sock(s Sock) error {
	if s.IP.Is4() {
		w.u8(sockTagV4)
		b := s.IP.As4()
		w.bytes(b[:])
	} else if s.IP.Is6() {
		w.u8(sockTagV6)
		b := s.IP.As16()
		w.bytes(b[:])
	} else {
		return errors.New("wire: encode: invalid sock address")
	}
	w.u16(s.Port)
	return nil
}
