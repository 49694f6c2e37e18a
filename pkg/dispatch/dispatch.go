// Package dispatch implements the EdgeDispatcher: parsing and acting on
// edge-facing UDP datagrams (spec.md §4.4).
package dispatch

import (
	"net"
	"time"

	"n2n-go/pkg/forward"
	"n2n-go/pkg/log"
	"n2n-go/pkg/registry"
	"n2n-go/pkg/stats"
	"n2n-go/pkg/wire"
)

// RegLifetime is the constant REGISTER_SUPER_ACK lifetime in seconds,
// governing the edge's re-registration cadence (spec.md §4.4).
const RegLifetime = 120

// DefaultTTL is the TTL a freshly synthesized packet (e.g. an ACK) starts
// with. It is unrelated to the TTL-decrement rule applied to forwarded
// copies (spec.md §4.4, §8 invariant 2).
const DefaultTTL = 15

// FederationHook lets the coordinator (when enabled) contribute a backup
// supernode list to REGISTER_SUPER_ACK (spec.md §4.6). A nil hook means
// the coordinator feature is disabled (spec.md §9).
type FederationHook interface {
	BackupSupernodesFor(community wire.Community) []wire.Sock
}

// Dispatcher parses and acts on edge-facing datagrams.
type Dispatcher struct {
	Conn        forward.Sender
	Forward     *forward.Engine
	Registry    *registry.Registry
	Stats       *stats.Stats
	Federation  FederationHook
	Now         func() time.Time
}

func New(conn forward.Sender, fwd *forward.Engine, reg *registry.Registry, st *stats.Stats) *Dispatcher {
	return &Dispatcher{Conn: conn, Forward: fwd, Registry: reg, Stats: st, Now: time.Now}
}

// Handle processes one datagram received from addr on the edge socket
// (spec.md §4.4).
func (d *Dispatcher) Handle(packet []byte, addr *net.UDPAddr) {
	hdr, body, err := wire.DecodeHeader(packet)
	if err != nil {
		log.Printf("dispatch: decode header from %v: %v", addr, err)
		d.Stats.MarkError()
		return
	}
	if hdr.Version != wire.ProtocolVersion {
		log.Printf("dispatch: unexpected protocol version %d from %v", hdr.Version, addr)
		d.Stats.MarkError()
		return
	}
	if hdr.TTL < 1 {
		log.Debug().Msgf("dispatch: dropping expired-TTL packet from %v", addr)
		return
	}
	hdr.TTL--

	switch hdr.PC {
	case wire.PCPacket:
		d.handlePacket(hdr, body, addr)
	case wire.PCRegister:
		d.handleRegister(hdr, body, addr)
	case wire.PCRegisterAck:
		log.Debug().Msgf("dispatch: ignoring REGISTER_ACK from %v (never routed through supernode)", addr)
	case wire.PCRegisterSuper:
		d.handleRegisterSuper(hdr, body, addr)
	case wire.PCPing, wire.PCDeregister, wire.PCFederation:
		log.Debug().Msgf("dispatch: unhandled packet code %v from %v", hdr.PC, addr)
	default:
		log.Printf("dispatch: unknown packet code %d from %v", uint8(hdr.PC), addr)
		d.Stats.MarkError()
	}
}

// rewriteIfEdgeOriginated applies the socket-rewrite rule (spec.md §4.4,
// §8 invariant 7) to the header: a datagram that did not arrive
// FROM_SUPERNODE gets its flags replaced by SOCKET|FROM_SUPERNODE; one that
// already carries FROM_SUPERNODE keeps its header unmodified. The caller
// stamps the sender's observed socket into the body.
func rewriteIfEdgeOriginated(hdr wire.Header, addr *net.UDPAddr) wire.Header {
	if hdr.Flags.Has(wire.FlagFromSupernode) {
		return hdr
	}
	hdr.Flags = wire.FlagSocket | wire.FlagFromSupernode
	return hdr
}

func (d *Dispatcher) handlePacket(hdr wire.Header, body []byte, addr *net.UDPAddr) {
	pkt, err := wire.DecodePacket(body, hdr.Flags)
	if err != nil {
		log.Printf("dispatch: decode PACKET from %v: %v", addr, err)
		d.Stats.MarkError()
		return
	}

	outHdr := rewriteIfEdgeOriginated(hdr, addr)
	if outHdr.Flags.Has(wire.FlagSocket) && !hdr.Flags.Has(wire.FlagFromSupernode) {
		pkt.HasSock = true
		pkt.Sock = wire.SockFromUDPAddr(addr)
	}

	encoded, err := encodePacket(outHdr, pkt)
	if err != nil {
		log.Printf("dispatch: re-encode PACKET: %v", err)
		d.Stats.MarkError()
		return
	}

	if pkt.DstMAC.IsMultiBroadcast() {
		d.Forward.Broadcast(hdr.Community, pkt.SrcMAC, encoded)
		return
	}
	d.Forward.TryForward(pkt.DstMAC, encoded)
}

func (d *Dispatcher) handleRegister(hdr wire.Header, body []byte, addr *net.UDPAddr) {
	reg, err := wire.DecodeRegister(body, hdr.Flags)
	if err != nil {
		log.Printf("dispatch: decode REGISTER from %v: %v", addr, err)
		d.Stats.MarkError()
		return
	}
	if reg.DstMAC.IsMultiBroadcast() {
		log.Debug().Msgf("dispatch: dropping REGISTER to multicast/broadcast destination from %v", addr)
		return
	}

	outHdr := rewriteIfEdgeOriginated(hdr, addr)
	if outHdr.Flags.Has(wire.FlagSocket) && !hdr.Flags.Has(wire.FlagFromSupernode) {
		reg.HasSock = true
		reg.Sock = wire.SockFromUDPAddr(addr)
	}

	encoded, err := encodeRegister(outHdr, reg)
	if err != nil {
		log.Printf("dispatch: re-encode REGISTER: %v", err)
		d.Stats.MarkError()
		return
	}
	d.Forward.TryForward(reg.DstMAC, encoded)
}

func (d *Dispatcher) handleRegisterSuper(hdr wire.Header, body []byte, addr *net.UDPAddr) {
	regSuper, err := wire.DecodeRegisterSuper(body)
	if err != nil {
		log.Printf("dispatch: decode REGISTER_SUPER from %v: %v", addr, err)
		d.Stats.MarkError()
		return
	}

	if hdr.Community.IsEmpty() {
		log.Printf("dispatch: REGISTER_SUPER from %v with empty community name; NAK", addr)
		d.Stats.MarkRegisterSuperNak()
		return
	}

	now := d.Now()
	sock := wire.SockFromUDPAddr(addr)
	d.Registry.Upsert(hdr.Community, regSuper.EdgeMAC, sock, now)
	d.Stats.MarkRegisterSuper(now)

	ack := wire.RegisterSuperAck{
		Cookie:   regSuper.Cookie,
		EdgeMAC:  regSuper.EdgeMAC,
		Lifetime: RegLifetime,
		Sock:     sock,
	}
	if d.Federation != nil {
		ack.BackupSupernodes = d.Federation.BackupSupernodesFor(hdr.Community)
	}

	ackBody, err := ack.MarshalBinary()
	if err != nil {
		log.Printf("dispatch: encode REGISTER_SUPER_ACK: %v", err)
		d.Stats.MarkError()
		return
	}
	ackHdr := wire.Header{
		Version:   wire.ProtocolVersion,
		TTL:       DefaultTTL,
		PC:        wire.PCRegisterSuperAck,
		Flags:     wire.FlagFromSupernode,
		Community: hdr.Community,
	}
	datagram := append(ackHdr.MarshalBinary(), ackBody...)
	if _, err := d.Conn.WriteToUDP(datagram, addr); err != nil {
		log.Printf("dispatch: send REGISTER_SUPER_ACK to %v: %v", addr, err)
		d.Stats.MarkError()
	}
}

func encodePacket(hdr wire.Header, pkt wire.Packet) ([]byte, error) {
	body, err := pkt.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(hdr.MarshalBinary(), body...), nil
}

func encodeRegister(hdr wire.Header, reg wire.Register) ([]byte, error) {
	body, err := reg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(hdr.MarshalBinary(), body...), nil
}
