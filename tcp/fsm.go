package tcp

import (
	"sync/atomic"
)

// Direction selects which row-group of the transition table a packet
// consults. DirOutput is the client-to-backend leg (dnat_handler,
// fnat_in_handler); DirInput is the backend-to-client leg (snat_handler,
// fnat_out_handler); DirInputOnly is the downgrade of DirInput taken
// while FlagNoOutput still holds — i.e. no egress packet has been
// observed yet for this connection.
type Direction uint8

const (
	DirInput Direction = iota
	DirOutput
	DirInputOnly
	dirCount
)

func (d Direction) String() string {
	switch d {
	case DirInput:
		return "input"
	case DirOutput:
		return "output"
	case DirInputOnly:
		return "input-only"
	default:
		return "BUG"
	}
}

// numStates is the width of each transition-table row: one entry per
// State value 0..stateLast-1.
const numStates = int(stateLast)

// transitionTable[dir][symbol][state] -> next state. Only the RST, SYN,
// FIN and ACK rows are populated; SymbolNone never indexes into the
// table — it always yields "no transition".
type transitionTable [dirCount][symbolCount][numStates]State

// activeIsSecure toggles, process-wide, whether Transition consults
// normalTransitionTable or secureTransitionTable. It is swapped with a single
// atomic store by SetSecureTable so readers take a consistent snapshot
// per packet without a lock.
var activeIsSecure atomic.Bool

// SetSecureTable toggles the global transition table between the normal
// one and a variant that never lets a handshake skip SYN_RECV, for use
// under SYN-flood pressure.
func SetSecureTable(secure bool) { activeIsSecure.Store(secure) }

// SecureTableActive reports which table [Transition] currently consults.
func SecureTableActive() bool { return activeIsSecure.Load() }

func currentTable() *transitionTable {
	if activeIsSecure.Load() {
		return &secureTransitionTable
	}
	return &normalTransitionTable
}

// TimeoutTable holds the per-state idle timeout (in ticks) assigned by
// Transition whenever a connection moves to a new state. A nil table passed
// to Transition means [DefaultTimeouts]; a framework may mutate entries
// directly, e.g. under its own sysctl lock.
type TimeoutTable [numStates]uint32

// DefaultTimeouts holds the coarse timeout classes: LISTEN is long
// (minutes), handshake states are short (seconds), ESTABLISHED is
// moderate (90s), and wind-down states are brief.
var DefaultTimeouts = TimeoutTable{
	StateNone:      0,
	StateEstab:     90,
	StateSynSent:   10,
	StateSynRecv:   10,
	StateFinWait:   30,
	StateTimeWait:  60,
	StateClose:     10,
	StateCloseWait: 30,
	StateLastAck:   10,
	StateListen:    60 * 5,
	StateSynAck:    10,
}

// Transition applies one packet's worth of state machine logic to cp.
// dir is the caller-observed direction (DirInput or DirOutput
// — DirInputOnly is never passed in, it is derived here); flags are the
// segment's TCP flags; destBound reports whether cp is bound to a real
// destination (so active/inactive counters should be adjusted); timeouts
// supplies the idle-timeout table (DefaultTimeouts if nil). incActive and
// decActive are invoked at most once each, atomically adjusting whatever
// per-destination counters the framework maintains.
func Transition(cp *Conn, dir Direction, flags Flags, destBound bool, timeouts *TimeoutTable, incActive, decActive func()) bool {
	symbol := SymbolFromFlags(flags)
	if symbol == SymbolNone {
		return false
	}
	if timeouts == nil {
		timeouts = &DefaultTimeouts
	}

	cp.Lock()
	defer cp.Unlock()

	effDir := dir
	if dir == DirInput && cp.Flags.Has(FlagNoOutput) {
		effDir = DirInputOnly
	}
	if dir == DirOutput {
		cp.Flags &^= FlagNoOutput
	}

	table := currentTable()
	next := table[effDir][symbol][cp.State]
	if next == cp.State {
		return false
	}

	wasEstablished := cp.State == StateEstab
	isEstablished := next == StateEstab
	if destBound && wasEstablished != isEstablished {
		if isEstablished && incActive != nil {
			incActive()
		} else if wasEstablished && decActive != nil {
			decActive()
		}
	}

	cp.OldState = cp.State
	cp.State = next
	cp.Timeout = timeouts[next]
	if next == StateEstab {
		cp.Flags &^= FlagInactive
	} else {
		cp.Flags |= FlagInactive
	}

	cp.traceState("state transition")
	return true
}

var normalTransitionTable = buildNormalTable()
var secureTransitionTable = buildSecureTable()

// Each row below is a fully-keyed [numStates]State literal, one entry per
// state named explicitly — including every state that merely self-loops
// (no legitimate transition for that (direction, symbol) pair). This is
// deliberate: a row that only lists its overrides and leaves the rest to a
// shared default can only default to one constant, and a single constant is
// wrong for some state in nearly every row (an idle TIME_WAIT/CLOSE/LISTEN/
// SYNACK connection must stay put on a stray RST or ACK, never jump to
// ESTABLISHED). Spelling out all eleven cells per row makes that
// impossible by construction and matches spec §4.5's "reproduced
// bit-for-bit" requirement — there is no room left for an implicit cell.
func buildNormalTable() transitionTable {
	var t transitionTable

	// DirOutput: client -> backend.
	t[DirOutput][SymbolSYN] = [numStates]State{
		StateNone:      StateSynSent,
		StateEstab:     StateEstab,
		StateSynSent:   StateSynSent,
		StateSynRecv:   StateSynRecv,
		StateFinWait:   StateFinWait,
		StateTimeWait:  StateSynSent, // conn_reused_entry: fresh SYN reopens from TIME_WAIT.
		StateClose:     StateSynSent, // conn_reused_entry: fresh SYN reopens from CLOSE.
		StateCloseWait: StateCloseWait,
		StateLastAck:   StateLastAck,
		StateListen:    StateSynRecv,
		StateSynAck:    StateSynAck,
	}
	t[DirOutput][SymbolACK] = [numStates]State{
		StateNone:      StateNone,
		StateEstab:     StateEstab,
		StateSynSent:   StateSynSent,
		StateSynRecv:   StateEstab, // client's ACK completes the 3-way handshake.
		StateFinWait:   StateFinWait,
		StateTimeWait:  StateTimeWait,
		StateClose:     StateClose,
		StateCloseWait: StateCloseWait,
		StateLastAck:   StateLastAck,
		StateListen:    StateListen,
		StateSynAck:    StateSynAck,
	}
	t[DirOutput][SymbolFIN] = [numStates]State{
		StateNone:      StateNone,
		StateEstab:     StateFinWait,
		StateSynSent:   StateSynSent,
		StateSynRecv:   StateSynRecv,
		StateFinWait:   StateFinWait,
		StateTimeWait:  StateTimeWait,
		StateClose:     StateClose,
		StateCloseWait: StateLastAck,
		StateLastAck:   StateLastAck,
		StateListen:    StateListen,
		StateSynAck:    StateSynAck,
	}
	t[DirOutput][SymbolRST] = [numStates]State{
		StateNone:      StateNone,
		StateEstab:     StateClose,
		StateSynSent:   StateClose,
		StateSynRecv:   StateClose,
		StateFinWait:   StateClose,
		StateTimeWait:  StateTimeWait, // already idle: no legitimate "more closed" state.
		StateClose:     StateClose,
		StateCloseWait: StateClose,
		StateLastAck:   StateClose,
		StateListen:    StateListen, // listening slot is not a flow RST can tear down.
		StateSynAck:    StateSynAck,
	}

	// DirInput: backend -> client.
	t[DirInput][SymbolSYN] = [numStates]State{
		StateNone:      StateNone,
		StateEstab:     StateEstab,
		StateSynSent:   StateEstab, // SYN|ACK observed: symbol is SYN by priority (scenario S2).
		StateSynRecv:   StateSynRecv,
		StateFinWait:   StateFinWait,
		StateTimeWait:  StateTimeWait,
		StateClose:     StateClose,
		StateCloseWait: StateCloseWait,
		StateLastAck:   StateLastAck,
		StateListen:    StateSynAck,
		StateSynAck:    StateSynRecv,
	}
	t[DirInput][SymbolACK] = [numStates]State{
		StateNone:      StateNone,
		StateEstab:     StateEstab,
		StateSynSent:   StateSynSent,
		StateSynRecv:   StateEstab,
		StateFinWait:   StateTimeWait,
		StateTimeWait:  StateTimeWait,
		StateClose:     StateClose,
		StateCloseWait: StateCloseWait,
		StateLastAck:   StateClose,
		StateListen:    StateListen,
		StateSynAck:    StateSynAck,
	}
	t[DirInput][SymbolFIN] = [numStates]State{
		StateNone:      StateNone,
		StateEstab:     StateCloseWait,
		StateSynSent:   StateSynSent,
		StateSynRecv:   StateSynRecv,
		StateFinWait:   StateTimeWait,
		StateTimeWait:  StateTimeWait,
		StateClose:     StateClose,
		StateCloseWait: StateCloseWait,
		StateLastAck:   StateLastAck,
		StateListen:    StateListen,
		StateSynAck:    StateSynAck,
	}
	t[DirInput][SymbolRST] = [numStates]State{
		StateNone:      StateNone,
		StateEstab:     StateClose,
		StateSynSent:   StateClose,
		StateSynRecv:   StateClose,
		StateFinWait:   StateClose,
		StateTimeWait:  StateTimeWait, // already idle: no legitimate "more closed" state.
		StateClose:     StateClose,
		StateCloseWait: StateClose,
		StateLastAck:   StateClose,
		StateListen:    StateListen, // listening slot is not a flow RST can tear down.
		StateSynAck:    StateSynAck,
	}

	// DirInputOnly mirrors DirInput except on the SYN row: a SYN that would
	// open ESTABLISHED moves to SYN_RECV instead, since no egress has been
	// seen yet. The other rows (including ACK from SYN_RECV) are DirInput's.
	t[DirInputOnly] = t[DirInput]
	for s := range t[DirInputOnly][SymbolSYN] {
		if t[DirInputOnly][SymbolSYN][s] == StateEstab {
			t[DirInputOnly][SymbolSYN][s] = StateSynRecv
		}
	}
	return t
}

// buildSecureTable derives the DoS-resistant table from the normal one:
// it never grants ESTABLISHED on a bare inbound SYN|ACK without having
// completed SYN_RECV first. Exactly two cells differ from the normal table
// (inbound SYN from SYN_SENT goes to SYN_RECV, outbound ACK keeps SYN_RECV);
// every other row, RST included, is the normal table's. This trades a
// slightly longer handshake for resilience against spoofed floods (spec's
// "secure/DoS-resistant" table, §4.5, §9).
func buildSecureTable() transitionTable {
	t := buildNormalTable()
	t[DirInput][SymbolSYN][StateSynSent] = StateSynRecv
	t[DirOutput][SymbolACK][StateSynRecv] = StateSynRecv
	return t
}
