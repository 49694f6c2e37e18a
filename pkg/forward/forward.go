// Package forward implements the ForwardingEngine: unicast lookup-and-send
// plus community broadcast with source suppression (spec.md §4.3).
package forward

import (
	"net"
	"time"

	"n2n-go/pkg/log"
	"n2n-go/pkg/registry"
	"n2n-go/pkg/stats"
	"n2n-go/pkg/wire"
)

// Sender is the minimal socket capability the engine needs; satisfied by
// *net.UDPConn. Abstracted so tests can substitute a recording fake.
type Sender interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Engine forwards and broadcasts edge-facing datagrams using the shared
// EdgeRegistry and Stats owned by the supernode process.
type Engine struct {
	Conn     Sender
	Registry *registry.Registry
	Stats    *stats.Stats
}

func New(conn Sender, reg *registry.Registry, st *stats.Stats) *Engine {
	return &Engine{Conn: conn, Registry: reg, Stats: st}
}

// TryForward looks up dstMAC in the registry and, if found, sends packet
// to its socket. An unknown MAC is a silent drop, not an error (spec.md
// §4.3, §7). Returns true if a send was attempted.
func (e *Engine) TryForward(dstMAC wire.MAC, packet []byte) bool {
	rec, ok := e.Registry.FindByMAC(dstMAC)
	if !ok {
		return false
	}
	if _, err := e.Conn.WriteToUDP(packet, rec.Sock.UDPAddr()); err != nil {
		log.Printf("forward: unicast send to %s failed: %v", rec.Sock, err)
		e.Stats.MarkError()
		return true
	}
	e.Stats.MarkForwarded(time.Now())
	return true
}

// Broadcast sends packet to every edge in community except srcMAC. Each
// successful send increments Broadcast; each failure increments Errors,
// and does not abort the fan-out (spec.md §4.3, §7, §8 invariants 3-4).
func (e *Engine) Broadcast(community wire.Community, srcMAC wire.MAC, packet []byte) int {
	sent := 0
	for _, rec := range e.Registry.InCommunity(community) {
		if rec.MAC == srcMAC {
			continue
		}
		if _, err := e.Conn.WriteToUDP(packet, rec.Sock.UDPAddr()); err != nil {
			log.Printf("forward: broadcast send to %s failed: %v", rec.Sock, err)
			e.Stats.MarkError()
			continue
		}
		e.Stats.MarkBroadcast()
		sent++
	}
	return sent
}
