package vs

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/packetforge/tcpxlat/tcp"
)

// Registry is the service/destination lookup table C6 consults on every
// first-SYN packet: by (mark, proto — this registry is TCP-only so proto
// is implicit, daddr, dport) for a specific service, and by VIP alone for
// the "stray segment" drop check (spec §4.6, §6). Guarded by a single
// mutex, matching the table-wide lock style of the app registry (C8) and
// the teacher's Listener.mu.
type Registry struct {
	mu      sync.RWMutex
	byTuple map[serviceKey]*Service
	vipOnly map[netip.Addr]struct{}

	// log is nullable, matching the tcp package's connLogger idiom: absent
	// by default, attached by the framework when admission decisions need
	// to be traced.
	log *slog.Logger
}

// SetLogger attaches l so ConnSchedule logs every drop decision (overload,
// no matching service, stray segment to a known VIP) at slog.LevelDebug.
func (r *Registry) SetLogger(l *slog.Logger) { r.log = l }

func (r *Registry) debug(msg string, args ...any) {
	if r.log != nil {
		r.log.Debug(msg, args...)
	}
}

type serviceKey struct {
	mark  uint32
	vaddr netip.Addr
	vport uint16
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		byTuple: make(map[serviceKey]*Service),
		vipOnly: make(map[netip.Addr]struct{}),
	}
}

// AddService registers svc under (mark, vaddr, vport) and records vaddr as
// a known VIP for the stray-segment check. Replaces any existing service
// at the same key.
func (r *Registry) AddService(mark uint32, svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTuple[serviceKey{mark, svc.VAddr, svc.VPort}] = svc
	r.vipOnly[svc.VAddr] = struct{}{}
}

// RemoveService unregisters the service at (mark, vaddr, vport).
func (r *Registry) RemoveService(mark uint32, vaddr netip.Addr, vport uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTuple, serviceKey{mark, vaddr, vport})
}

// Lookup finds the service matching (mark, daddr, dport), the collaborator
// named in spec §6 "lookup by (mark, proto, daddr, dport)".
func (r *Registry) Lookup(mark uint32, vaddr netip.Addr, vport uint16) *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTuple[serviceKey{mark, vaddr, vport}]
}

// IsKnownVIP reports whether addr is the virtual address of any registered
// service, regardless of port — the "lookup by VIP only" collaborator.
func (r *Registry) IsKnownVIP(addr netip.Addr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.vipOnly[addr]
	return ok
}

// AckRcvHook is the SYN-proxy collaborator run before ConnSchedule's normal
// SYN branch; see [Registry.ConnSchedule].
type AckRcvHook func(seg *tcp.Segment) (handled bool, cp *tcp.Conn)

// ConnSchedule implements conn_schedule (C6, spec §4.6): on the first SYN
// of a flow matching a known service, apply the overload check, invoke the
// scheduler, and build a connection; on a non-SYN packet to a known VIP
// with no matching service, apply the drop-stray policy. ackRcv, if
// non-nil, runs first and may itself complete a proxied handshake.
func (r *Registry) ConnSchedule(cfg *tcp.Config, seg tcp.Segment, mark uint32, clientAddr netip.Addr, clientPort uint16, vaddr netip.Addr, vport uint16, ackRcv AckRcvHook) (Verdict, *tcp.Conn) {
	if ackRcv != nil {
		if handled, cp := ackRcv(&seg); handled {
			return VerdictHandled, cp
		}
	}

	isFirstSYN := seg.Flags == tcp.FlagSYN
	svc := r.Lookup(mark, vaddr, vport)

	if isFirstSYN {
		if svc == nil {
			r.debug("no matching service for SYN", slog.String("vaddr", vaddr.String()), slog.Uint64("vport", uint64(vport)))
			return VerdictDrop, nil
		}
		if svc.Overloaded != nil && svc.Overloaded() {
			r.debug("service overloaded, dropping SYN", slog.String("vaddr", vaddr.String()), slog.Uint64("vport", uint64(vport)))
			return VerdictDrop, nil
		}
		dst, err := svc.Scheduler.Schedule(svc, clientAddr, clientPort)
		if err != nil || dst == nil {
			r.debug("scheduler produced no destination", slog.String("vaddr", vaddr.String()), slog.Uint64("vport", uint64(vport)))
			policy := svc.NoBackendPolicy
			if policy == nil {
				policy = defaultNoBackendPolicy
			}
			return policy(svc), nil
		}
		cp := newConn(svc, dst, clientAddr, clientPort)
		return VerdictAccept, cp
	}

	dropStray := cfg != nil && cfg.DropStrayToVIP
	if svc == nil && dropStray && r.IsKnownVIP(vaddr) {
		r.debug("stray segment to VIP without service", slog.String("vaddr", vaddr.String()))
		return VerdictDrop, nil
	}
	return VerdictAccept, nil
}

// newConn builds the data-model subset of a connection this module owns
// (spec §3) from a scheduled service/destination pair. Addresses beyond
// these (conntrack table membership, timers) are the framework's concern.
func newConn(svc *Service, dst *Destination, clientAddr netip.Addr, clientPort uint16) *tcp.Conn {
	cp := &tcp.Conn{
		CAddr: clientAddr,
		CPort: clientPort,
		VAddr: svc.VAddr,
		VPort: svc.VPort,
		DAddr: dst.Addr,
		DPort: dst.Port,
		Flags: svc.Mode | tcp.FlagNoOutput,
	}
	if svc.Mode.Has(tcp.FlagFULLNAT) && svc.LocalAddrFunc != nil {
		cp.LAddr, cp.LPort = svc.LocalAddrFunc()
	}
	return cp
}
