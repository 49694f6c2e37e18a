// Package mgmt implements MgmtEndpoint: a loopback UDP status query
// responder (spec.md §4.5). Unlike the daemon's Unix-socket command
// console, this is a stateless single-datagram request/response protocol:
// any datagram received triggers the same plain-text status block.
package mgmt

import (
	"fmt"
	"net"
	"strings"
	"time"

	"n2n-go/pkg/log"
	"n2n-go/pkg/registry"
	"n2n-go/pkg/stats"
)

// DefaultPort is the fixed loopback port the endpoint binds to by default.
const DefaultPort = 5645

// Endpoint answers status queries on a loopback UDP socket.
type Endpoint struct {
	Registry *registry.Registry
	Stats    *stats.Stats
	Now      func() time.Time
}

func New(reg *registry.Registry, st *stats.Stats) *Endpoint {
	return &Endpoint{Registry: reg, Stats: st, Now: time.Now}
}

// Bind opens the loopback socket. Callers drive reads themselves (via the
// event loop) and pass each datagram's source address to Handle.
func Bind(port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("mgmt: bind %s: %w", addr, err)
	}
	return conn, nil
}

// Handle ignores the datagram's contents; any receipt triggers the status
// block (spec.md §4.5).
func (e *Endpoint) Handle(conn *net.UDPConn, addr *net.UDPAddr) {
	resp := e.render()
	if _, err := conn.WriteToUDP([]byte(resp), addr); err != nil {
		log.Printf("mgmt: write response to %v: %v", addr, err)
		e.Stats.MarkError()
	}
}

func (e *Endpoint) render() string {
	now := e.Now()
	st := e.Stats

	var b strings.Builder
	fmt.Fprintln(&b, "----------------")
	fmt.Fprintf(&b, "uptime    %d\n", int64(st.Uptime(now).Seconds()))
	fmt.Fprintf(&b, "edges     %d\n", e.Registry.Size())
	fmt.Fprintf(&b, "errors    %d\n", st.Errors.Load())
	fmt.Fprintf(&b, "reg_sup   %d\n", st.RegSuper.Load())
	fmt.Fprintf(&b, "reg_nak   %d\n", st.RegSuperNak.Load())
	fmt.Fprintf(&b, "fwd       %d\n", st.Fwd.Load())
	fmt.Fprintf(&b, "broadcast %d\n", st.Broadcast.Load())
	fmt.Fprintf(&b, "last fwd  %d sec ago\n", int64(st.LastForwardedAgo(now).Seconds()))
	fmt.Fprintf(&b, "last reg  %d sec ago\n", int64(st.LastRegisterSuperAgo(now).Seconds()))
	return b.String()
}
