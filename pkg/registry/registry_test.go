package registry

import (
	"net"
	"testing"
	"time"

	"n2n-go/pkg/wire"
)

func mustMAC(t *testing.T, s string) wire.MAC {
	t.Helper()
	hw, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}
	m, err := wire.MACFromHardwareAddr(hw)
	if err != nil {
		t.Fatalf("MACFromHardwareAddr: %v", err)
	}
	return m
}

func mustCommunity(t *testing.T, s string) wire.Community {
	t.Helper()
	c, err := wire.CommunityFromString(s)
	if err != nil {
		t.Fatalf("CommunityFromString: %v", err)
	}
	return c
}

func sock(t *testing.T, s string) wire.Sock {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return wire.SockFromUDPAddr(addr)
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	r := New()
	mac := mustMAC(t, "aa:aa:aa:aa:aa:aa")
	comm := mustCommunity(t, "acme")
	t0 := time.Unix(1000, 0)

	rec := r.Upsert(comm, mac, sock(t, "10.0.0.1:40000"), t0)
	if rec.Sock.String() != "10.0.0.1:40000" {
		t.Fatalf("unexpected sock: %v", rec.Sock)
	}
	if r.Size() != 1 {
		t.Fatalf("expected size 1, got %d", r.Size())
	}

	t1 := t0.Add(time.Second)
	rec2 := r.Upsert(comm, mac, sock(t, "10.0.0.1:40001"), t1)
	if rec2.Sock.String() != "10.0.0.1:40001" {
		t.Fatalf("expected socket overwritten, got %v", rec2.Sock)
	}
	if !rec2.LastSeen.Equal(t1) {
		t.Fatalf("expected LastSeen updated to %v, got %v", t1, rec2.LastSeen)
	}
	if r.Size() != 1 {
		t.Fatalf("idempotent registration should not allocate a new record; size=%d", r.Size())
	}
}

func TestFindByMACUnknown(t *testing.T) {
	r := New()
	_, ok := r.FindByMAC(mustMAC(t, "cc:cc:cc:cc:cc:cc"))
	if ok {
		t.Fatal("expected unknown MAC lookup to miss")
	}
}

func TestPurgeDropsStaleRecords(t *testing.T) {
	r := New()
	comm := mustCommunity(t, "acme")
	macA := mustMAC(t, "aa:aa:aa:aa:aa:aa")
	t0 := time.Unix(0, 0)
	r.Upsert(comm, macA, sock(t, "10.0.0.1:1"), t0)

	now := t0.Add(61 * time.Second)
	dropped := r.Purge(now, 60*time.Second)
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	if r.Size() != 0 {
		t.Fatalf("expected registry empty after purge, got size %d", r.Size())
	}
}

func TestPurgeZeroThresholdRemovesEverything(t *testing.T) {
	r := New()
	comm := mustCommunity(t, "acme")
	now := time.Unix(5000, 0)
	r.Upsert(comm, mustMAC(t, "aa:aa:aa:aa:aa:aa"), sock(t, "10.0.0.1:1"), now)
	r.Upsert(comm, mustMAC(t, "bb:bb:bb:bb:bb:bb"), sock(t, "10.0.0.2:1"), now)

	dropped := r.Purge(now, 0)
	if dropped != 2 || r.Size() != 0 {
		t.Fatalf("expected full purge, dropped=%d size=%d", dropped, r.Size())
	}
}

func TestInCommunityFiltersByCommunity(t *testing.T) {
	r := New()
	acme := mustCommunity(t, "acme")
	other := mustCommunity(t, "other")
	now := time.Unix(1, 0)
	r.Upsert(acme, mustMAC(t, "aa:aa:aa:aa:aa:aa"), sock(t, "10.0.0.1:1"), now)
	r.Upsert(acme, mustMAC(t, "bb:bb:bb:bb:bb:bb"), sock(t, "10.0.0.2:1"), now)
	r.Upsert(other, mustMAC(t, "cc:cc:cc:cc:cc:cc"), sock(t, "10.0.0.3:1"), now)

	recs := r.InCommunity(acme)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records in acme, got %d", len(recs))
	}
}
