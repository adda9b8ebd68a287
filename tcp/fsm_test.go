package tcp

import "testing"

func TestTransition_FirstSYNOpensSynSent(t *testing.T) {
	cp := &Conn{}
	ok := Transition(cp, DirOutput, FlagSYN, true, nil, nil, nil)
	if !ok {
		t.Fatal("expected a transition")
	}
	if cp.State != StateSynSent {
		t.Errorf("state = %v, want SYN_SENT", cp.State)
	}
	if cp.Timeout != DefaultTimeouts[StateSynSent] {
		t.Errorf("timeout = %d, want %d", cp.Timeout, DefaultTimeouts[StateSynSent])
	}
}

func TestTransition_SynAckEstablishes(t *testing.T) {
	cp := &Conn{State: StateSynSent}
	if ok := Transition(cp, DirInput, FlagSYN|FlagACK, true, nil, nil, nil); !ok {
		t.Fatal("SYN|ACK transition rejected")
	}
	if cp.State != StateEstab {
		t.Errorf("state after SYN|ACK = %v, want ESTABLISHED (S2)", cp.State)
	}
}

func TestTransition_NoOutputDowngradesToInputOnly(t *testing.T) {
	// A connection that has never emitted an OUTPUT packet must not jump
	// straight to ESTABLISHED on an inbound SYN|ACK alone.
	cp := &Conn{State: StateSynSent, Flags: FlagNoOutput}
	if ok := Transition(cp, DirInput, FlagSYN|FlagACK, true, nil, nil, nil); !ok {
		t.Fatal("transition rejected")
	}
	if cp.State != StateSynRecv {
		t.Errorf("state = %v, want SYN_RECV (input-only downgrade)", cp.State)
	}
}

func TestTransition_RSTClosesEstablished(t *testing.T) {
	cp := &Conn{State: StateEstab}
	if ok := Transition(cp, DirInput, FlagRST, true, nil, nil, nil); !ok {
		t.Fatal("RST transition rejected")
	}
	if cp.State != StateClose {
		t.Errorf("state = %v, want CLOSE", cp.State)
	}
	if !cp.Flags.Has(FlagInactive) {
		t.Error("FlagInactive not set after leaving ESTABLISHED")
	}
}

func TestTransition_SelfLoopReturnsFalse(t *testing.T) {
	cp := &Conn{State: StateEstab}
	if ok := Transition(cp, DirInput, FlagACK, true, nil, nil, nil); ok {
		t.Error("expected no transition for ACK while already ESTABLISHED")
	}
}

func TestTransition_NoSymbolReturnsFalse(t *testing.T) {
	cp := &Conn{State: StateEstab}
	if ok := Transition(cp, DirInput, 0, true, nil, nil, nil); ok {
		t.Error("expected no transition for a segment with no recognized flag")
	}
}

func TestTransition_ActiveCountersFireOnEstablishBoundary(t *testing.T) {
	var inc, dec int
	cp := &Conn{State: StateSynRecv}
	Transition(cp, DirOutput, FlagACK, true, nil, func() { inc++ }, func() { dec++ })
	if inc != 1 || dec != 0 {
		t.Errorf("inc=%d dec=%d, want 1,0 on entering ESTABLISHED", inc, dec)
	}
	Transition(cp, DirInput, FlagRST, true, nil, func() { inc++ }, func() { dec++ })
	if inc != 1 || dec != 1 {
		t.Errorf("inc=%d dec=%d, want 1,1 on leaving ESTABLISHED", inc, dec)
	}
}

func TestSecureTable_NeverSkipsSynRecv(t *testing.T) {
	SetSecureTable(true)
	defer SetSecureTable(false)
	if !SecureTableActive() {
		t.Fatal("SecureTableActive = false after SetSecureTable(true)")
	}
	cp := &Conn{State: StateSynSent}
	Transition(cp, DirInput, FlagSYN|FlagACK, true, nil, nil, nil)
	if cp.State != StateSynRecv {
		t.Errorf("secure table state = %v, want SYN_RECV (no DoS-prone shortcut)", cp.State)
	}
}

// allStates lists every non-sentinel [State] value in declaration order,
// used to drive the exhaustive transition-table tests below.
var allStates = []State{
	StateNone, StateEstab, StateSynSent, StateSynRecv, StateFinWait,
	StateTimeWait, StateClose, StateCloseWait, StateLastAck, StateListen,
	StateSynAck,
}

// TestTransition_NormalTable_EveryCell pins down the full normal transition
// table cell by cell (direction x symbol x state), so a future edit that
// silently reintroduces a collapsed per-row default (the defect this test
// guards against: every unlisted cell in a row resolving to the same
// constant instead of the state's own self-loop) is caught immediately
// instead of only on the two literal spec scenarios S1/S2.
func TestTransition_NormalTable_EveryCell(t *testing.T) {
	type cell struct {
		dir   Direction
		flags Flags
		state State
		want  State
	}
	cells := []cell{
		// DirOutput / SYN.
		{DirOutput, FlagSYN, StateNone, StateSynSent},
		{DirOutput, FlagSYN, StateEstab, StateEstab},
		{DirOutput, FlagSYN, StateSynSent, StateSynSent},
		{DirOutput, FlagSYN, StateSynRecv, StateSynRecv},
		{DirOutput, FlagSYN, StateFinWait, StateFinWait},
		{DirOutput, FlagSYN, StateTimeWait, StateSynSent},
		{DirOutput, FlagSYN, StateClose, StateSynSent},
		{DirOutput, FlagSYN, StateCloseWait, StateCloseWait},
		{DirOutput, FlagSYN, StateLastAck, StateLastAck},
		{DirOutput, FlagSYN, StateListen, StateSynRecv},
		{DirOutput, FlagSYN, StateSynAck, StateSynAck},

		// DirOutput / ACK.
		{DirOutput, FlagACK, StateNone, StateNone},
		{DirOutput, FlagACK, StateEstab, StateEstab},
		{DirOutput, FlagACK, StateSynSent, StateSynSent},
		{DirOutput, FlagACK, StateSynRecv, StateEstab},
		{DirOutput, FlagACK, StateFinWait, StateFinWait},
		{DirOutput, FlagACK, StateTimeWait, StateTimeWait},
		{DirOutput, FlagACK, StateClose, StateClose},
		{DirOutput, FlagACK, StateCloseWait, StateCloseWait},
		{DirOutput, FlagACK, StateLastAck, StateLastAck},
		{DirOutput, FlagACK, StateListen, StateListen},
		{DirOutput, FlagACK, StateSynAck, StateSynAck},

		// DirOutput / FIN.
		{DirOutput, FlagFIN, StateNone, StateNone},
		{DirOutput, FlagFIN, StateEstab, StateFinWait},
		{DirOutput, FlagFIN, StateSynSent, StateSynSent},
		{DirOutput, FlagFIN, StateSynRecv, StateSynRecv},
		{DirOutput, FlagFIN, StateFinWait, StateFinWait},
		{DirOutput, FlagFIN, StateTimeWait, StateTimeWait},
		{DirOutput, FlagFIN, StateClose, StateClose},
		{DirOutput, FlagFIN, StateCloseWait, StateLastAck},
		{DirOutput, FlagFIN, StateLastAck, StateLastAck},
		{DirOutput, FlagFIN, StateListen, StateListen},
		{DirOutput, FlagFIN, StateSynAck, StateSynAck},

		// DirOutput / RST.
		{DirOutput, FlagRST, StateNone, StateNone},
		{DirOutput, FlagRST, StateEstab, StateClose},
		{DirOutput, FlagRST, StateSynSent, StateClose},
		{DirOutput, FlagRST, StateSynRecv, StateClose},
		{DirOutput, FlagRST, StateFinWait, StateClose},
		{DirOutput, FlagRST, StateTimeWait, StateTimeWait},
		{DirOutput, FlagRST, StateClose, StateClose},
		{DirOutput, FlagRST, StateCloseWait, StateClose},
		{DirOutput, FlagRST, StateLastAck, StateClose},
		{DirOutput, FlagRST, StateListen, StateListen},
		{DirOutput, FlagRST, StateSynAck, StateSynAck},

		// DirInput / SYN.
		{DirInput, FlagSYN, StateNone, StateNone},
		{DirInput, FlagSYN, StateEstab, StateEstab},
		{DirInput, FlagSYN, StateSynSent, StateEstab}, // S2: SYN|ACK observed.
		{DirInput, FlagSYN, StateSynRecv, StateSynRecv},
		{DirInput, FlagSYN, StateFinWait, StateFinWait},
		{DirInput, FlagSYN, StateTimeWait, StateTimeWait},
		{DirInput, FlagSYN, StateClose, StateClose},
		{DirInput, FlagSYN, StateCloseWait, StateCloseWait},
		{DirInput, FlagSYN, StateLastAck, StateLastAck},
		{DirInput, FlagSYN, StateListen, StateSynAck},
		{DirInput, FlagSYN, StateSynAck, StateSynRecv},

		// DirInput / ACK.
		{DirInput, FlagACK, StateNone, StateNone},
		{DirInput, FlagACK, StateEstab, StateEstab},
		{DirInput, FlagACK, StateSynSent, StateSynSent},
		{DirInput, FlagACK, StateSynRecv, StateEstab},
		{DirInput, FlagACK, StateFinWait, StateTimeWait},
		{DirInput, FlagACK, StateTimeWait, StateTimeWait},
		{DirInput, FlagACK, StateClose, StateClose},
		{DirInput, FlagACK, StateCloseWait, StateCloseWait},
		{DirInput, FlagACK, StateLastAck, StateClose},
		{DirInput, FlagACK, StateListen, StateListen},
		{DirInput, FlagACK, StateSynAck, StateSynAck},

		// DirInput / FIN.
		{DirInput, FlagFIN, StateNone, StateNone},
		{DirInput, FlagFIN, StateEstab, StateCloseWait},
		{DirInput, FlagFIN, StateSynSent, StateSynSent},
		{DirInput, FlagFIN, StateSynRecv, StateSynRecv},
		{DirInput, FlagFIN, StateFinWait, StateTimeWait},
		{DirInput, FlagFIN, StateTimeWait, StateTimeWait},
		{DirInput, FlagFIN, StateClose, StateClose},
		{DirInput, FlagFIN, StateCloseWait, StateCloseWait},
		{DirInput, FlagFIN, StateLastAck, StateLastAck},
		{DirInput, FlagFIN, StateListen, StateListen},
		{DirInput, FlagFIN, StateSynAck, StateSynAck},

		// DirInput / RST.
		{DirInput, FlagRST, StateNone, StateNone},
		{DirInput, FlagRST, StateEstab, StateClose},
		{DirInput, FlagRST, StateSynSent, StateClose},
		{DirInput, FlagRST, StateSynRecv, StateClose},
		{DirInput, FlagRST, StateFinWait, StateClose},
		{DirInput, FlagRST, StateTimeWait, StateTimeWait},
		{DirInput, FlagRST, StateClose, StateClose},
		{DirInput, FlagRST, StateCloseWait, StateClose},
		{DirInput, FlagRST, StateLastAck, StateClose},
		{DirInput, FlagRST, StateListen, StateListen},
		{DirInput, FlagRST, StateSynAck, StateSynAck},
	}

	for _, c := range cells {
		t.Run(c.dir.String()+"/"+c.flags.String()+"/"+c.state.String(), func(t *testing.T) {
			cp := &Conn{State: c.state}
			Transition(cp, c.dir, c.flags, false, nil, nil, nil)
			if cp.State != c.want {
				t.Errorf("Transition(%v, %v, %v) = %v, want %v", c.dir, c.flags, c.state, cp.State, c.want)
			}
		})
	}
}

// TestTransition_InputOnly_EveryCell exercises the DirInputOnly derivation
// (reached via DirInput with FlagNoOutput set): it must match DirInput's
// table everywhere except the SYN row, where it never opens ESTABLISHED
// directly — only SYN_RECV, since no OUTPUT packet has been observed yet.
func TestTransition_InputOnly_EveryCell(t *testing.T) {
	for _, f := range []Flags{FlagRST, FlagSYN, FlagFIN, FlagACK} {
		for _, s := range allStates {
			t.Run(f.String()+"/"+s.String(), func(t *testing.T) {
				cp := &Conn{State: s, Flags: FlagNoOutput}
				Transition(cp, DirInput, f, false, nil, nil, nil)
				want := normalTransitionTable[DirInput][SymbolFromFlags(f)][s]
				if f == FlagSYN && want == StateEstab {
					want = StateSynRecv
				}
				if cp.State != want {
					t.Errorf("InputOnly %v from %v = %v, want %v", f, s, cp.State, want)
				}
			})
		}
	}
}

// TestTransition_RSTNeverEstablishes is a direct regression test for the
// reported defect: an RST must never move any state into ESTABLISHED, on
// either direction's table, since no TCP FSM (this one included) grants a
// connection on a reset.
func TestTransition_RSTNeverEstablishes(t *testing.T) {
	for _, dir := range []Direction{DirInput, DirOutput} {
		for _, s := range allStates {
			cp := &Conn{State: s}
			Transition(cp, dir, FlagRST, false, nil, nil, nil)
			if cp.State == StateEstab {
				t.Errorf("dir=%v state=%v: RST produced ESTABLISHED", dir, s)
			}
		}
	}
}

// TestTransition_IdleStatesDoNotAutoEstablish is a regression test for the
// same defect class on ACK/FIN: a connection sitting in an idle/terminal
// state (never SYN_RECV or SYN_SENT, the only states with a legitimate
// handshake-completing transition to ESTABLISHED) must not be bounced into
// ESTABLISHED by a stray ACK or FIN either.
func TestTransition_IdleStatesDoNotAutoEstablish(t *testing.T) {
	idle := []State{StateTimeWait, StateClose, StateCloseWait, StateLastAck, StateListen, StateSynAck}
	for _, dir := range []Direction{DirInput, DirOutput} {
		for _, sym := range []Flags{FlagACK, FlagFIN} {
			for _, s := range idle {
				cp := &Conn{State: s}
				Transition(cp, dir, sym, false, nil, nil, nil)
				if cp.State == StateEstab {
					t.Errorf("dir=%v flags=%v state=%v: spuriously reached ESTABLISHED", dir, sym, s)
				}
			}
		}
	}
}

func TestSymbolFromFlags_Priority(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		want  Symbol
	}{
		{"RST beats everything", FlagRST | FlagSYN | FlagACK, SymbolRST},
		{"SYN beats FIN/ACK", FlagSYN | FlagFIN | FlagACK, SymbolSYN},
		{"FIN beats ACK", FlagFIN | FlagACK, SymbolFIN},
		{"bare ACK", FlagACK, SymbolACK},
		{"no recognized flag", FlagURG, SymbolNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SymbolFromFlags(tc.flags); got != tc.want {
				t.Errorf("SymbolFromFlags(%v) = %v, want %v", tc.flags, got, tc.want)
			}
		})
	}
}
