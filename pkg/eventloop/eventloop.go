// Package eventloop implements EventLoop: the single-threaded,
// readiness-polling dispatch loop over the edge/mgmt/SNM sockets
// (spec.md §4.7, §5).
package eventloop

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"n2n-go/pkg/coordinator"
	"n2n-go/pkg/dispatch"
	"n2n-go/pkg/mgmt"
	"n2n-go/pkg/registry"
)

// RecvBufferSize is the single reused receive buffer size (spec.md §5
// "Buffer discipline"); no forwarded datagram may exceed it.
const RecvBufferSize = 2048

// PollTimeout is the readiness-wait timeout; it exists to run purge and
// discovery maintenance even under no traffic (spec.md §4.7, §5).
const PollTimeout = 10 * time.Second

// PurgeThreshold is how long an edge registration may go unrefreshed before
// the sweep drops it. spec.md leaves the exact value to the implementation;
// this matches the reference's reg_lifetime-derived default of roughly
// three missed re-registrations.
const PurgeThreshold = 3 * dispatch.RegLifetime * time.Second

// socket pairs one bound UDP connection with the raw file descriptor Poll
// needs and the handler that processes a single received datagram.
type socket struct {
	name string
	conn *net.UDPConn
	fd   int
	recv func(buf []byte, from *net.UDPAddr)
}

// Loop drives the edge, management and (if enabled) SNM sockets from one
// goroutine (spec.md §5 "Scheduling model").
type Loop struct {
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator

	sockets []socket
	done    chan struct{}
	now     func() time.Time
}

// New builds a Loop over the edge and management sockets, adding the SNM
// socket and coordinator wiring only when coord is non-nil (spec.md §4.7
// "2 (or 3, if coordinator is enabled)").
func New(
	edgeConn *net.UDPConn,
	edgeDispatch *dispatch.Dispatcher,
	mgmtConn *net.UDPConn,
	mgmtEndpoint *mgmt.Endpoint,
	reg *registry.Registry,
	snmConn *net.UDPConn,
	coord *coordinator.Coordinator,
	snmHandler func(body []byte, from *net.UDPAddr),
) (*Loop, error) {
	l := &Loop{Registry: reg, Coordinator: coord, done: make(chan struct{}), now: time.Now}

	edgeFD, err := fdOf(edgeConn)
	if err != nil {
		return nil, err
	}
	l.sockets = append(l.sockets, socket{
		name: "edge",
		conn: edgeConn,
		fd:   edgeFD,
		recv: func(buf []byte, from *net.UDPAddr) { edgeDispatch.Handle(buf, from) },
	})

	mgmtFD, err := fdOf(mgmtConn)
	if err != nil {
		return nil, err
	}
	l.sockets = append(l.sockets, socket{
		name: "mgmt",
		conn: mgmtConn,
		fd:   mgmtFD,
		recv: func(_ []byte, from *net.UDPAddr) { mgmtEndpoint.Handle(mgmtConn, from) },
	})

	if coord != nil && snmConn != nil {
		snmFD, err := fdOf(snmConn)
		if err != nil {
			return nil, err
		}
		l.sockets = append(l.sockets, socket{
			name: "snm",
			conn: snmConn,
			fd:   snmFD,
			recv: func(buf []byte, from *net.UDPAddr) { snmHandler(buf, from) },
		})
	}

	return l, nil
}

// fdOf extracts the underlying file descriptor of a UDP connection via its
// syscall.RawConn, without detaching the socket from the Go runtime's own
// netpoller (SyscallConn's Control callback is read-only by contract).
func fdOf(conn *net.UDPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(descriptor uintptr) { fd = int(descriptor) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// Stop signals Run to return after its current iteration.
func (l *Loop) Stop() { close(l.done) }

// Run polls all sockets and dispatches received datagrams until Stop is
// called or a fatal receive error occurs (spec.md §4.7).
func (l *Loop) Run() error {
	buf := make([]byte, RecvBufferSize)
	pollFDs := make([]unix.PollFd, len(l.sockets))
	for i, s := range l.sockets {
		pollFDs[i].Fd = int32(s.fd)
		pollFDs[i].Events = unix.POLLIN | unix.POLLERR | unix.POLLHUP
	}

	for {
		select {
		case <-l.done:
			return nil
		default:
		}

		for i := range pollFDs {
			pollFDs[i].Revents = 0
		}
		n, err := unix.Poll(pollFDs, int(PollTimeout.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		if n > 0 {
			for i, pfd := range pollFDs {
				if pfd.Revents == 0 {
					continue
				}
				s := l.sockets[i]
				if pfd.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
					return fmt.Errorf("eventloop: %s socket error condition (revents=%#x)", s.name, pfd.Revents)
				}
				if pfd.Revents&unix.POLLIN == 0 {
					continue
				}
				read, from, readErr := s.conn.ReadFromUDP(buf)
				if readErr != nil {
					return fmt.Errorf("eventloop: %s socket receive error: %w", s.name, readErr)
				}
				s.recv(buf[:read], from)
			}
		}

		now := l.now()
		l.Registry.Purge(now, PurgeThreshold)
		if l.Coordinator != nil && l.Coordinator.State != coordinator.StateReady {
			l.Coordinator.DiscoveryTick(now)
		}
	}
}
