package dispatch

import (
	"net"
	"testing"
	"time"

	"n2n-go/pkg/forward"
	"n2n-go/pkg/registry"
	"n2n-go/pkg/stats"
	"n2n-go/pkg/wire"
)

type fakeSender struct {
	sent []sendCall
}

type sendCall struct {
	payload []byte
	addr    *net.UDPAddr
}

func (f *fakeSender) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, sendCall{payload: cp, addr: addr})
	return len(b), nil
}

func mustMAC(t *testing.T, s string) wire.MAC {
	t.Helper()
	hw, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}
	m, _ := wire.MACFromHardwareAddr(hw)
	return m
}

func mustCommunity(t *testing.T, s string) wire.Community {
	t.Helper()
	c, _ := wire.CommunityFromString(s)
	return c
}

func mustAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return addr
}

func newTestDispatcher() (*Dispatcher, *fakeSender, *registry.Registry, *stats.Stats) {
	sender := &fakeSender{}
	reg := registry.New()
	st := stats.New()
	fwd := forward.New(sender, reg, st)
	d := New(sender, fwd, reg, st)
	d.Now = func() time.Time { return time.Unix(1000, 0) }
	return d, sender, reg, st
}

func registerSuperDatagram(t *testing.T, community string, mac wire.MAC, cookie wire.Cookie) []byte {
	t.Helper()
	hdr := wire.Header{Version: wire.ProtocolVersion, TTL: 15, PC: wire.PCRegisterSuper, Community: mustCommunity(t, community)}
	body := wire.RegisterSuper{Cookie: cookie, EdgeMAC: mac}.MarshalBinary()
	return append(hdr.MarshalBinary(), body...)
}

// S1 — single edge registration.
func TestS1SingleEdgeRegistration(t *testing.T) {
	d, sender, reg, st := newTestDispatcher()
	from := mustAddr(t, "10.0.0.1:40000")
	mac := mustMAC(t, "01:02:03:04:05:06")

	d.Handle(registerSuperDatagram(t, "acme", mac, 0xDEADBEEF), from)

	if reg.Size() != 1 {
		t.Fatalf("expected registry size 1, got %d", reg.Size())
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one ACK sent, got %d", len(sender.sent))
	}
	if sender.sent[0].addr.String() != "10.0.0.1:40000" {
		t.Fatalf("ACK sent to wrong address: %v", sender.sent[0].addr)
	}

	hdr, body, err := wire.DecodeHeader(sender.sent[0].payload)
	if err != nil {
		t.Fatalf("decode ack header: %v", err)
	}
	if hdr.PC != wire.PCRegisterSuperAck {
		t.Fatalf("expected REGISTER_SUPER_ACK, got %v", hdr.PC)
	}
	ack, err := wire.DecodeRegisterSuperAck(body)
	if err != nil {
		t.Fatalf("decode ack body: %v", err)
	}
	if ack.Cookie != 0xDEADBEEF {
		t.Fatalf("cookie mismatch: got %x", ack.Cookie)
	}
	if ack.EdgeMAC != mac {
		t.Fatalf("edgeMac mismatch: got %v", ack.EdgeMAC)
	}
	if ack.Lifetime != RegLifetime {
		t.Fatalf("expected lifetime %d, got %d", RegLifetime, ack.Lifetime)
	}
	if ack.Sock.String() != "10.0.0.1:40000" {
		t.Fatalf("ack sock mismatch: %v", ack.Sock)
	}
	if len(ack.BackupSupernodes) != 0 {
		t.Fatalf("expected num_sn=0 without coordinator, got %d", len(ack.BackupSupernodes))
	}
	if st.RegSuper.Load() != 1 {
		t.Fatalf("expected reg_super counter 1, got %d", st.RegSuper.Load())
	}
}

// S2 — two edges, unicast PACKET with socket-rewrite rule.
func TestS2TwoEdgesUnicastRewrite(t *testing.T) {
	d, sender, _, _ := newTestDispatcher()
	a := mustMAC(t, "aa:aa:aa:aa:aa:aa")
	b := mustMAC(t, "bb:bb:bb:bb:bb:bb")
	addrA := mustAddr(t, "10.0.0.1:40000")
	addrB := mustAddr(t, "10.0.0.2:40000")

	d.Handle(registerSuperDatagram(t, "acme", a, 1), addrA)
	d.Handle(registerSuperDatagram(t, "acme", b, 2), addrB)
	sender.sent = nil // discard the two ACKs; we only care about the PACKET forward below

	comm := mustCommunity(t, "acme")
	hdr := wire.Header{Version: wire.ProtocolVersion, TTL: 15, PC: wire.PCPacket, Community: comm}
	body, err := wire.Packet{SrcMAC: a, DstMAC: b, Payload: []byte("hi")}.MarshalBinary()
	if err != nil {
		t.Fatalf("encode packet: %v", err)
	}
	datagram := append(hdr.MarshalBinary(), body...)

	d.Handle(datagram, addrA)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one sendto, got %d", len(sender.sent))
	}
	if sender.sent[0].addr.String() != "10.0.0.2:40000" {
		t.Fatalf("expected forward to B, got %v", sender.sent[0].addr)
	}

	outHdr, outBody, err := wire.DecodeHeader(sender.sent[0].payload)
	if err != nil {
		t.Fatalf("decode forwarded header: %v", err)
	}
	if !outHdr.Flags.Has(wire.FlagFromSupernode) || !outHdr.Flags.Has(wire.FlagSocket) {
		t.Fatalf("expected FROM_SUPERNODE|SOCKET flags, got %v", outHdr.Flags)
	}
	outPkt, err := wire.DecodePacket(outBody, outHdr.Flags)
	if err != nil {
		t.Fatalf("decode forwarded packet: %v", err)
	}
	if outPkt.SrcMAC != a || outPkt.DstMAC != b {
		t.Fatalf("mac mismatch: src=%v dst=%v", outPkt.SrcMAC, outPkt.DstMAC)
	}
	if outPkt.Sock.String() != "10.0.0.1:40000" {
		t.Fatalf("expected stamped sender sock 10.0.0.1:40000, got %v", outPkt.Sock)
	}
	if string(outPkt.Payload) != "hi" {
		t.Fatalf("payload mismatch: %q", outPkt.Payload)
	}
	if outHdr.TTL != 14 {
		t.Fatalf("expected TTL decremented to 14, got %d", outHdr.TTL)
	}
}

// S3 — broadcast fan-out with suppression and community scoping.
func TestS3BroadcastFanOut(t *testing.T) {
	d, sender, _, _ := newTestDispatcher()
	a := mustMAC(t, "aa:aa:aa:aa:aa:aa")
	b := mustMAC(t, "bb:bb:bb:bb:bb:bb")
	c := mustMAC(t, "cc:cc:cc:cc:cc:cc")
	dd := mustMAC(t, "dd:dd:dd:dd:dd:dd")

	d.Handle(registerSuperDatagram(t, "acme", a, 1), mustAddr(t, "10.0.0.1:1"))
	d.Handle(registerSuperDatagram(t, "acme", b, 2), mustAddr(t, "10.0.0.2:1"))
	d.Handle(registerSuperDatagram(t, "acme", c, 3), mustAddr(t, "10.0.0.3:1"))
	d.Handle(registerSuperDatagram(t, "other", dd, 4), mustAddr(t, "10.0.0.4:1"))
	sender.sent = nil

	comm := mustCommunity(t, "acme")
	hdr := wire.Header{Version: wire.ProtocolVersion, TTL: 15, PC: wire.PCPacket, Community: comm}
	broadcastMAC, _ := wire.MACFromHardwareAddr(net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	body, err := wire.Packet{SrcMAC: a, DstMAC: broadcastMAC, Payload: []byte("bc")}.MarshalBinary()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d.Handle(append(hdr.MarshalBinary(), body...), mustAddr(t, "10.0.0.1:1"))

	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 broadcast sends, got %d", len(sender.sent))
	}
	got := map[string]bool{}
	for _, call := range sender.sent {
		got[call.addr.String()] = true
	}
	if got["10.0.0.1:1"] || got["10.0.0.4:1"] {
		t.Fatalf("broadcast escaped suppression/scoping: %v", got)
	}
}

// S4 — unknown unicast destination is a silent drop.
func TestS4UnknownUnicastDrop(t *testing.T) {
	d, sender, _, st := newTestDispatcher()
	a := mustMAC(t, "aa:aa:aa:aa:aa:aa")
	unknown := mustMAC(t, "cc:cc:cc:cc:cc:cc")
	d.Handle(registerSuperDatagram(t, "acme", a, 1), mustAddr(t, "10.0.0.1:1"))
	sender.sent = nil

	comm := mustCommunity(t, "acme")
	hdr := wire.Header{Version: wire.ProtocolVersion, TTL: 15, PC: wire.PCPacket, Community: comm}
	body, _ := wire.Packet{SrcMAC: a, DstMAC: unknown, Payload: []byte("x")}.MarshalBinary()
	d.Handle(append(hdr.MarshalBinary(), body...), mustAddr(t, "10.0.0.1:1"))

	if len(sender.sent) != 0 {
		t.Fatalf("expected zero sendtos for unknown unicast, got %d", len(sender.sent))
	}
	if st.Fwd.Load() != 0 || st.Errors.Load() != 0 {
		t.Fatalf("expected counters unchanged, fwd=%d errors=%d", st.Fwd.Load(), st.Errors.Load())
	}
}

// S5 — TTL expiry produces no output and no counter changes.
func TestS5TTLExpiry(t *testing.T) {
	d, sender, _, st := newTestDispatcher()
	comm := mustCommunity(t, "acme")
	a := mustMAC(t, "aa:aa:aa:aa:aa:aa")
	b := mustMAC(t, "bb:bb:bb:bb:bb:bb")
	hdr := wire.Header{Version: wire.ProtocolVersion, TTL: 0, PC: wire.PCPacket, Community: comm}
	body, _ := wire.Packet{SrcMAC: a, DstMAC: b, Payload: []byte("x")}.MarshalBinary()

	d.Handle(append(hdr.MarshalBinary(), body...), mustAddr(t, "10.0.0.1:1"))

	if len(sender.sent) != 0 {
		t.Fatalf("expected no output for ttl=0, got %d sends", len(sender.sent))
	}
	if st.Errors.Load() != 0 || st.Fwd.Load() != 0 || st.Broadcast.Load() != 0 {
		t.Fatal("expected no counter changes on TTL expiry")
	}
}

func TestRegisterSuperEmptyCommunityIsNaked(t *testing.T) {
	d, sender, reg, st := newTestDispatcher()
	mac := mustMAC(t, "aa:aa:aa:aa:aa:aa")
	hdr := wire.Header{Version: wire.ProtocolVersion, TTL: 15, PC: wire.PCRegisterSuper}
	body := wire.RegisterSuper{Cookie: 1, EdgeMAC: mac}.MarshalBinary()

	d.Handle(append(hdr.MarshalBinary(), body...), mustAddr(t, "10.0.0.1:1"))

	if len(sender.sent) != 0 {
		t.Fatalf("expected no ACK sent for empty community, got %d", len(sender.sent))
	}
	if reg.Size() != 0 {
		t.Fatal("expected no registry mutation for NAK'd registration")
	}
	if st.RegSuperNak.Load() != 1 {
		t.Fatalf("expected reg_super_nak incremented, got %d", st.RegSuperNak.Load())
	}
}
