package tcp

import (
	"net/netip"
	"sync"
)

// ConnFlags are the per-connection mode bits.
type ConnFlags uint16

const (
	// FlagMASQ marks a classic-NAT (masquerade/DR-return) connection: only
	// the destination is rewritten on ingress, the source on egress.
	FlagMASQ ConnFlags = 1 << iota
	// FlagFULLNAT marks a full-NAT connection: both source and destination
	// are rewritten in both directions.
	FlagFULLNAT
	// FlagNoOutput is set while no egress packet has been seen yet; it
	// downgrades the state machine's INPUT offset to INPUT_ONLY.
	FlagNoOutput
	// FlagInactive mirrors state != ESTABLISHED for destination-bound
	// connections, so a destination's active-connection counter stays in
	// sync with the state machine.
	FlagInactive
	// FlagCIPInserted marks that the client-address option has already
	// been injected for this connection; monotonic once set.
	FlagCIPInserted
)

func (f ConnFlags) Has(bit ConnFlags) bool { return f&bit != 0 }

// FNATSeq is the full-NAT sequence-translation context.
type FNATSeq struct {
	// InitSeq is the locally chosen ISN toward the backend.
	InitSeq Value
	// Delta = InitSeq - observed client ISN; fixed for the connection's
	// lifetime after the first SYN, or after a sanctioned reuse re-init.
	Delta Size
	// FDataSeq is client_ISN + 1, the sequence number of the first data byte.
	FDataSeq Value
}

// StoredAck is the ack_skb single-slot queue: at most one packet is held
// at a time, used to seed RST sequence numbers while still in SYN_SENT.
type StoredAck struct {
	Valid bool
	Seg   Segment
}

// SynProxy is the external collaborator that answers client SYNs with
// cookies and completes the handshake to the backend on the proxy's
// behalf. Out of scope to implement here; this module only calls it.
type SynProxy interface {
	// AckRcv runs before the scheduler's SYN branch on every inbound ACK;
	// it may itself complete a proxied handshake and produce a connection,
	// in which case it reports handled=true and the scheduler returns a
	// "handled" verdict without invoking the normal path.
	AckRcv(cp *Conn, seg *Segment) (handled bool)
	// SNATHandler adjusts ack_seq/SACK on the backend-to-client path in
	// full-NAT. Returns false ("ack-storm" signal) to abort the packet.
	SNATHandler(cp *Conn, seg *Segment, opts []byte) (ok bool)
	// DNATHandler adjusts ack_seq/SACK on the client-to-backend path.
	DNATHandler(cp *Conn, seg *Segment, opts []byte) (ok bool)
}

// AppHelper is the external application-layer collaborator (e.g. an FTP
// helper) bound to a connection by the app registry. Out of scope to
// implement; this module only invokes it.
type AppHelper interface {
	// PktIn runs on the client-to-backend path before mangling; returning
	// false aborts the packet.
	PktIn(cp *Conn, pkt []byte) (ok bool)
	// PktOut runs on the backend-to-client path before mangling.
	PktOut(cp *Conn, pkt []byte) (ok bool)
}

// Conn is the subset of a balancer connection record this module owns and
// mutates. The surrounding framework is responsible for its
// allocation, hash-table membership, and expiry scheduling; this type only
// carries the fields the data plane reads and writes.
type Conn struct {
	// Addresses: client, virtual, local (full-NAT only), destination/real-server.
	CAddr, VAddr, LAddr, DAddr netip.Addr
	CPort, VPort, LPort, DPort uint16

	Flags ConnFlags

	State, OldState State

	// Timeout is the idle timeout in ticks assigned by the state machine
	// from the active timeout table; the framework rearms the connection
	// timer from this value after each transition.
	Timeout uint32

	FNAT FNATSeq

	// SynProxySeq is opaque to this module; it's threaded through purely so
	// a bound SynProxy can read/write its own state via the interface calls.
	SynProxySeq any

	// RSAckSeq, RSEndSeq are the last in-order ack/seq+len seen from the
	// backend, used to seed RST synthesis.
	RSAckSeq, RSEndSeq Value

	AckSkb StoredAck

	mu sync.Mutex

	SynProxy SynProxy
	App      AppHelper

	log *connLogger
}

// Lock acquires the connection's mutex. State transitions, timeout
// assignment, and listen-mode entry must hold it.
func (cp *Conn) Lock() { cp.mu.Lock() }

// Unlock releases the connection's mutex.
func (cp *Conn) Unlock() { cp.mu.Unlock() }

// IsIPv4 reports whether the connection's addresses are IPv4.
func (cp *Conn) IsIPv4() bool { return cp.VAddr.Is4() }
