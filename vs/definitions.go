// Package vs implements the virtual-server collaborator surface named in
// spec §6: the service/destination registry and scheduler this module's
// connection-scheduling entry point (C6) consults, and the application
// helper registry (C8) connections bind to. Both are out-of-scope
// collaborators from the core data plane's point of view (spec §1) — this
// package supplies reference implementations so the demo binary and tests
// have something concrete to drive, grounded on the teacher's
// tcp/listener.go accept/bind idiom and tcp/control.go locking style.
package vs

import (
	"net/netip"
	"sync/atomic"

	"github.com/packetforge/tcpxlat/tcp"
)

// Verdict is the outcome of a connection-schedule attempt (C6).
type Verdict uint8

const (
	// VerdictAccept means a connection was created (or already existed)
	// and the caller should proceed to translate the packet.
	VerdictAccept Verdict = iota
	// VerdictDrop means the packet must be dropped without mutating any
	// connection state (overload, stray segment, malformed admission).
	VerdictDrop
	// VerdictHandled means the SYN-proxy's ack-receive hook consumed the
	// packet itself (step 2 of a proxied 3-way handshake) and the caller
	// should not run the normal scheduling path at all.
	VerdictHandled
)

// Destination is a real server backing a [Service]. ActiveConns and
// InactiveConns are the per-destination counters [tcp.Transition] adjusts
// via IncActive/DecActive as a connection crosses the ESTABLISHED boundary
// (spec §3 invariant 4, §5 "atomic increment/decrement").
type Destination struct {
	Addr netip.Addr
	Port uint16

	activeConns   atomic.Int64
	inactiveConns atomic.Int64
}

// IncActive atomically increments the active-connection counter.
func (d *Destination) IncActive() { d.activeConns.Add(1) }

// DecActive atomically decrements the active-connection counter and
// increments the inactive one, mirroring the "exactly one active/inactive
// counter pair" adjustment spec invariant 4 describes.
func (d *Destination) DecActive() {
	d.activeConns.Add(-1)
	d.inactiveConns.Add(1)
}

// ActiveConns and InactiveConns report the current counter values.
func (d *Destination) ActiveConns() int64   { return d.activeConns.Load() }
func (d *Destination) InactiveConns() int64 { return d.inactiveConns.Load() }

// Scheduler picks a real server for a new connection to svc, the
// out-of-scope "service/destination registry and scheduler (backend
// selection policy)" collaborator named in spec §1, §6.
type Scheduler interface {
	Schedule(svc *Service, clientAddr netip.Addr, clientPort uint16) (*Destination, error)
}

// NoBackendPolicy decides what verdict to return when a [Scheduler] could
// not produce a destination (spec §4.6 "no-backend policy").
type NoBackendPolicy func(svc *Service) Verdict

// Service is the registry's record of one virtual service: the externally
// visible (vaddr, vport) pair this module's translators rewrite toward, its
// scheduler, and its admission policies.
type Service struct {
	VAddr netip.Addr
	VPort uint16
	Mark  uint32

	Mode tcp.ConnFlags // FlagMASQ or FlagFULLNAT

	Scheduler       Scheduler
	NoBackendPolicy NoBackendPolicy
	// Overloaded reports whether the service should refuse new
	// connections right now (spec §4.6 "overload check").
	Overloaded func() bool
	// LocalAddrFunc supplies the balancer's local (laddr, lport) identity
	// toward the backend for full-NAT services; unused for classic NAT.
	LocalAddrFunc func() (netip.Addr, uint16)

	Destinations []*Destination
}

func defaultNoBackendPolicy(*Service) Verdict { return VerdictDrop }
