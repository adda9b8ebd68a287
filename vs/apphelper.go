package vs

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/packetforge/tcpxlat/tcp"
)

// ErrAppExists is returned by RegisterApp when a helper is already bound to
// the requested port (spec §7 "duplicate app registration: return
// 'already exists'; caller handles").
var ErrAppExists = errors.New("vs: application helper already registered for port")

// appTableSize is the bucket count of the fixed-size app-registry hash
// table (spec §4.8); collisions on the port fold chain off each bucket.
const appTableSize = 256

// AppHelper is the out-of-scope application-layer collaborator (e.g. an
// FTP helper) an app-registry entry wraps, extending [tcp.AppHelper] with
// the one-time init hook spec §4.8 calls out ("optionally invoke the
// helper's init callback").
type AppHelper interface {
	tcp.AppHelper
	Init(cp *tcp.Conn) error
}

type appEntry struct {
	port   uint16
	helper AppHelper
	refs   atomic.Int64
	next   *appEntry
}

// AppRegistry is the fixed-size hash table of application helpers keyed by
// a fold of the virtual port (C8, spec §4.8). A single table-wide mutex
// guards registration, unregistration, and bind lookups (spec §5).
type AppRegistry struct {
	mu      sync.Mutex
	buckets [appTableSize]*appEntry
}

// foldPort hashes vport into a bucket index by XOR-folding its two bytes,
// per spec §4.8 "a fold of virtual port (bits XOR)".
func foldPort(port uint16) uint8 {
	return uint8(port>>8) ^ uint8(port)
}

// RegisterApp binds helper to vport. It fails with [ErrAppExists] if a
// helper is already registered for that port.
func (r *AppRegistry) RegisterApp(vport uint16, helper AppHelper) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := foldPort(vport)
	for e := r.buckets[idx]; e != nil; e = e.next {
		if e.port == vport {
			return ErrAppExists
		}
	}
	r.buckets[idx] = &appEntry{port: vport, helper: helper, next: r.buckets[idx]}
	return nil
}

// UnregisterApp removes the helper bound to vport, if any; a no-op if none is registered.
func (r *AppRegistry) UnregisterApp(vport uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := foldPort(vport)
	var prev *appEntry
	for e := r.buckets[idx]; e != nil; e = e.next {
		if e.port == vport {
			if prev == nil {
				r.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// BindApp implements app_conn_bind (spec §4.8, §6): on NAT-only connections
// (not full-NAT), looks up vport, and on a match acquires a usage
// reference, stores the helper on cp, and runs its Init callback.
func (r *AppRegistry) BindApp(cp *tcp.Conn, vport uint16) error {
	if cp.Flags.Has(tcp.FlagFULLNAT) {
		return nil
	}
	r.mu.Lock()
	var entry *appEntry
	for e := r.buckets[foldPort(vport)]; e != nil; e = e.next {
		if e.port == vport {
			entry = e
			break
		}
	}
	r.mu.Unlock()
	if entry == nil {
		return nil
	}
	entry.refs.Add(1)
	cp.App = entry.helper
	if entry.helper != nil {
		return entry.helper.Init(cp)
	}
	return nil
}
