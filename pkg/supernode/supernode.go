// Package supernode wires the wire/registry/forward/dispatch/mgmt/
// coordinator/eventloop components into the running process spec.md
// describes end to end (spec.md §2-§7).
package supernode

import (
	"fmt"
	"net"
	"os"
	"time"

	"n2n-go/pkg/coordinator"
	"n2n-go/pkg/dispatch"
	"n2n-go/pkg/eventloop"
	"n2n-go/pkg/forward"
	"n2n-go/pkg/log"
	"n2n-go/pkg/mgmt"
	"n2n-go/pkg/registry"
	"n2n-go/pkg/stats"
	"n2n-go/pkg/wire"
)

// Supernode owns every socket and in-memory table for one running process.
type Supernode struct {
	Config *Config

	Registry   *registry.Registry
	Stats      *stats.Stats
	Forward    *forward.Engine
	Dispatch   *dispatch.Dispatcher
	Mgmt       *mgmt.Endpoint
	Coord      *coordinator.Coordinator
	Loop       *eventloop.Loop

	edgeConn *net.UDPConn
	mgmtConn *net.UDPConn
	snmConn  *net.UDPConn
}

// New binds all sockets and wires the components described across
// spec.md §4, returning a Supernode ready for Run.
func New(cfg *Config) (*Supernode, error) {
	s := &Supernode{Config: cfg}

	edgeAddr := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.EdgePort}
	edgeConn, err := net.ListenUDP("udp", edgeAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEdgeSocketInit, err)
	}
	s.edgeConn = edgeConn

	mgmtConn, err := mgmt.Bind(cfg.MgmtPort)
	if err != nil {
		edgeConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrMgmtSocketInit, err)
	}
	s.mgmtConn = mgmtConn

	s.Registry = registry.New()
	s.Stats = stats.New()
	s.Forward = forward.New(edgeConn, s.Registry, s.Stats)
	s.Dispatch = dispatch.New(edgeConn, s.Forward, s.Registry, s.Stats)
	s.Mgmt = mgmt.New(s.Registry, s.Stats)

	var snmHandler func(body []byte, from *net.UDPAddr)
	if cfg.CoordinatorEnabled {
		snmAddr := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.SNMPort}
		snmConn, err := net.ListenUDP("udp", snmAddr)
		if err != nil {
			edgeConn.Close()
			mgmtConn.Close()
			return nil, fmt.Errorf("%w: %v", ErrSNMSocketInit, err)
		}
		s.snmConn = snmConn

		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			edgeConn.Close()
			mgmtConn.Close()
			snmConn.Close()
			return nil, fmt.Errorf("%w: %v", ErrStateDirInit, err)
		}

		self := wire.SockFromUDPAddr(&net.UDPAddr{IP: net.IPv4zero, Port: cfg.SNMPort})
		store := coordinator.NewStore(cfg.StateDir, cfg.SNMPort)
		s.Coord = coordinator.New(self, snmConn, store)
		s.Dispatch.Federation = s.Coord
		snmHandler = s.handleSNM
	}

	loop, err := eventloop.New(edgeConn, s.Dispatch, mgmtConn, s.Mgmt, s.Registry, s.snmConn, s.Coord, snmHandler)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Loop = loop

	return s, nil
}

// Start performs the coordinator's startup handshake (spec.md §4.6 "On
// startup") when the coordinator feature is enabled; it is a no-op
// otherwise.
func (s *Supernode) Start() error {
	if s.Coord == nil {
		return nil
	}
	seeds := make([]wire.Sock, 0, len(s.Config.SeedPeers))
	for _, raw := range s.Config.SeedPeers {
		addr, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			return fmt.Errorf("supernode: parse seed peer %q: %w", raw, err)
		}
		seeds = append(seeds, wire.SockFromUDPAddr(addr))
	}
	return s.Coord.Start(seeds)
}

// Run drives the event loop until Close is called from another goroutine.
func (s *Supernode) Run() error {
	log.Printf("supernode: listening for edges on %s, management on %s", s.edgeConn.LocalAddr(), s.mgmtConn.LocalAddr())
	return s.Loop.Run()
}

// Close stops the event loop, performs a final purge sweep (SUPPLEMENTED
// FEATURES #6), and releases all sockets.
func (s *Supernode) Close() {
	if s.Loop != nil {
		s.Loop.Stop()
	}
	if s.Registry != nil {
		s.Registry.Purge(time.Now(), 0)
	}
	if s.edgeConn != nil {
		s.edgeConn.Close()
	}
	if s.mgmtConn != nil {
		s.mgmtConn.Close()
	}
	if s.snmConn != nil {
		s.snmConn.Close()
	}
}

// handleSNM decodes and routes one SNM datagram to the coordinator
// (spec.md §4.6). A NotReady state mismatch is logged and dropped, per
// spec.md §7's error taxonomy.
func (s *Supernode) handleSNM(body []byte, from *net.UDPAddr) {
	hdr, rest, err := wire.DecodeSNMHeader(body)
	if err != nil {
		log.Printf("supernode: decode SNM header from %v: %v", from, err)
		s.Stats.MarkError()
		return
	}
	fromSock := wire.SockFromUDPAddr(from)

	switch hdr.Type {
	case wire.SNMReqList:
		if s.Coord.State != coordinator.StateReady {
			log.Debug().Msgf("supernode: SNM REQ from %v while not READY; dropping", from)
			return
		}
		req, err := wire.DecodeSNMReq(rest, hdr.Flags)
		if err != nil {
			log.Printf("supernode: decode SNM REQ from %v: %v", from, err)
			s.Stats.MarkError()
			return
		}
		s.Stats.SnmReq.Add(1)
		s.Coord.HandleReq(hdr, req, fromSock)
	case wire.SNMRspList:
		if s.Coord.State == coordinator.StateReady {
			log.Debug().Msgf("supernode: SNM INFO from %v while READY; dropping", from)
			return
		}
		info, err := wire.DecodeSNMInfo(rest)
		if err != nil {
			log.Printf("supernode: decode SNM INFO from %v: %v", from, err)
			s.Stats.MarkError()
			return
		}
		s.Stats.SnmInfo.Add(1)
		s.Coord.HandleInfo(info)
	case wire.SNMAdv:
		adv, err := wire.DecodeSNMAdv(rest)
		if err != nil {
			log.Printf("supernode: decode SNM ADV from %v: %v", from, err)
			s.Stats.MarkError()
			return
		}
		s.Stats.SnmAdv.Add(1)
		s.Coord.HandleAdv(hdr, adv, fromSock)
	default:
		log.Printf("supernode: unknown SNM type %d from %v", uint8(hdr.Type), from)
		s.Stats.MarkError()
	}
}
