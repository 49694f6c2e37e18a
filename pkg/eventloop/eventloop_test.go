package eventloop

import (
	"net"
	"sync"
	"testing"
	"time"

	"n2n-go/pkg/dispatch"
	"n2n-go/pkg/forward"
	"n2n-go/pkg/mgmt"
	"n2n-go/pkg/registry"
	"n2n-go/pkg/stats"
	"n2n-go/pkg/wire"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return conn
}

func TestLoopDispatchesEdgeDatagram(t *testing.T) {
	edgeConn := listenLoopback(t)
	defer edgeConn.Close()
	mgmtConn := listenLoopback(t)
	defer mgmtConn.Close()

	reg := registry.New()
	st := stats.New()
	fwd := forward.New(edgeConn, reg, st)
	disp := dispatch.New(edgeConn, fwd, reg, st)
	mgmtEndpoint := mgmt.New(reg, st)

	loop, err := New(edgeConn, disp, mgmtConn, mgmtEndpoint, reg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	defer func() {
		loop.Stop()
		wg.Wait()
	}()

	client, err := net.DialUDP("udp", nil, edgeConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	mac, _ := wire.MACFromBytes([]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})
	comm, _ := wire.CommunityFromString("acme")
	hdr := wire.Header{Version: wire.ProtocolVersion, TTL: 15, PC: wire.PCRegisterSuper, Community: comm}
	body := wire.RegisterSuper{Cookie: 42, EdgeMAC: mac}.MarshalBinary()
	if _, err := client.Write(append(hdr.MarshalBinary(), body...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Size() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Size() != 1 {
		t.Fatalf("expected registry populated by the event loop, size=%d", reg.Size())
	}
}
