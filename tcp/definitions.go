package tcp

import (
	"strconv"
	"unsafe"
	"math/bits"
)

//go:generate stringer -type=State -linecomment -output stringers.go .

var (
	errShortOptions   = newRejectErr("short TCP options")
	errBadOptionSize  = newRejectErr("bad TCP option size")
	errOverloaded     = newRejectErr("scheduler overloaded")
	errNoService      = newRejectErr("no matching service")
	errStraySegment   = newRejectErr("stray segment to VIP without service")
	errChecksumFailed = newRejectErr("app-helper checksum verification failed")
	errAppAbort       = newRejectErr("app-helper pre-mangle callback aborted packet")
	errSynProxyAbort  = newRejectErr("syn-proxy reported ack-storm, aborting")
	errMTUExceeded    = newRejectErr("client-address option injection exceeds MTU")
	errNoSeqForRST    = newRejectErr("no usable sequence number to synthesize RST")
	errAppExists      = newRejectErr("application helper already registered for port")
)

func newRejectErr(err string) *RejectError { return &RejectError{err: err} }

// RejectError represents an error that arises while admitting a segment or
// packet into the data plane: the packet is dropped but connection state
// (if any) is left unchanged.
type RejectError struct {
	err string
}

func (e *RejectError) Error() string { return e.err }

// Segment represents an incoming/outgoing TCP segment in the sequence space.
type Segment struct {
	SEQ     Value // sequence number of first octet of segment. If SYN is set it is the initial sequence number (ISN) and the first data octet is ISN+1.
	ACK     Value // acknowledgment number. If ACK is set it is sequence number of first octet the sender of the segment is expecting to receive next.
	DATALEN Size  // The number of octets occupied by the data (payload) not counting SYN and FIN.
	WND     Size  // segment window
	Flags   Flags // TCP flags.
}

// LEN returns the length of the segment in octets including SYN and FIN flags.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // Add FIN bit.
	add += Size(seg.Flags>>1) & 1 // Add SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the last octet of the segment.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

// String returns a short human-readable rendering of the segment, used by
// [Frame.String] and debug logging.
func (seg Segment) String() string {
	b := make([]byte, 0, 48)
	b = append(b, "SEQ="...)
	b = strconv.AppendInt(b, int64(seg.SEQ), 10)
	b = append(b, " ACK="...)
	b = strconv.AppendInt(b, int64(seg.ACK), 10)
	b = append(b, ' ')
	b = seg.Flags.AppendFormat(b)
	if seg.DATALEN > 0 {
		b = append(b, " LEN="...)
		b = strconv.AppendInt(b, int64(seg.DATALEN), 10)
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// IsSYNWithoutACK reports whether seg opens a connection attempt: SYN set,
// ACK unset. This is the disambiguated logical form of the open question
// in the design notes ("SYN without ACK"), used by in_init_seq and the
// timestamp-strip filter to recognize a client's first SYN.
func (seg Segment) IsSYNWithoutACK() bool {
	return seg.Flags.HasAny(FlagSYN) && !seg.Flags.HasAny(FlagACK)
}

func (seg Segment) isFirstSYN() bool {
	return seg.Flags == FlagSYN && seg.ACK == 0 && seg.DATALEN == 0 && seg.WND > 0
}

// ClientSynSegment is the first packet sent over a TCP connection to a server.
func ClientSynSegment(clientISS Value, clientWND Size) Segment {
	return Segment{
		SEQ:     clientISS,
		WND:     clientWND,
		Flags:   FlagSYN,
		ACK:     0,
		DATALEN: 0,
	}
}

// StringExchange returns a string representation of a segment exchange over
// a network in RFC9293 styled visualization. invertDir inverts the arrow directions.
// i.e:
//
//	SynSent --> <SEQ=300><ACK=91>[SYN,ACK]  --> SynRcvd
func StringExchange(seg Segment, A, B State, invertDir bool) string {
	b := make([]byte, 0, 64)
	b = appendStringExchange(b, seg, A, B, invertDir)
	return unsafe.String(unsafe.SliceData(b), len(b))
}

func appendStringExchange(buf []byte, seg Segment, A, B State, invertDir bool) []byte {
	const emptySpaces = "             "
	const fill = len(emptySpaces) - 1
	appendVal := func(buf []byte, name string, i Value) []byte {
		buf = append(buf, '<')
		buf = append(buf, name...)
		buf = append(buf, '=')
		buf = strconv.AppendInt(buf, int64(i), 10)
		buf = append(buf, '>')
		return buf
	}
	startLen := len(buf)
	dirSep := []byte(" --> ")
	if invertDir {
		dirSep = []byte(" <-- ")
	}
	astr := A.String()
	buf = append(buf, astr...)
	if len(astr) < fill {
		buf = append(buf, emptySpaces[:fill-len(astr)]...)
	}
	buf = append(buf, dirSep...)
	buf = appendVal(buf, "SEQ", seg.SEQ)
	buf = appendVal(buf, "ACK", seg.ACK)
	if seg.DATALEN > 0 {
		buf = appendVal(buf, "DATA", Value(seg.DATALEN))
	}
	buf = append(buf, '[')
	buf = seg.Flags.AppendFormat(buf)
	buf = append(buf, ']')
	if len(buf)-startLen < 48 {
		buf = append(buf, emptySpaces[:48-len(buf)]...)
	}
	buf = append(buf, dirSep...)
	buf = append(buf, B.String()...)
	return buf
}

// Flags is a TCP flags bit-masked implementation i.e: SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant.
	FlagECE                   // FlagECE - ECN-Echo has a nonce-sum in the SYN/ACK.
	FlagCWR                   // FlagCWR - Congestion Window Reduced.
	FlagNS                    // FlagNS  - Nonce Sum flag (see RFC 3540).
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

func (flags Flags) String() string {
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+3*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b returning the extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	if flags == 0 {
		return b
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var addcommas bool
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// Symbol is the input alphabet of the connection state machine, derived
// from a segment's flags by priority RST > SYN > FIN > ACK; any other
// combination of flags yields SymbolNone ("no transition").
type Symbol uint8

const (
	SymbolNone Symbol = iota
	SymbolRST
	SymbolSYN
	SymbolFIN
	SymbolACK
	symbolCount
)

// SymbolFromFlags derives the input symbol for the state machine from a
// segment's flags, applying RST > SYN > FIN > ACK priority.
func SymbolFromFlags(flags Flags) Symbol {
	switch {
	case flags.HasAny(FlagRST):
		return SymbolRST
	case flags.HasAny(FlagSYN):
		return SymbolSYN
	case flags.HasAny(FlagFIN):
		return SymbolFIN
	case flags.HasAny(FlagACK):
		return SymbolACK
	default:
		return SymbolNone
	}
}

// State enumerates the states of the connection's 11-state TCP FSM. This
// is NOT the RFC 9293 state machine: it is the reduced state set used by
// the balancer purely to size idle timeouts, collapsing several RFC
// states (e.g. FIN-WAIT-1/FIN-WAIT-2) into a single FW state the way the
// source load balancer's table does.
type State uint8

const (
	StateNone     State = iota // NONE
	StateEstab                 // ESTABLISHED
	StateSynSent                // SYN_SENT
	StateSynRecv                // SYN_RECV
	StateFinWait                // FIN_WAIT
	StateTimeWait                // TIME_WAIT
	StateClose                 // CLOSE
	StateCloseWait              // CLOSE_WAIT
	StateLastAck                // LAST_ACK
	StateListen                 // LISTEN
	StateSynAck                 // SYNACK
	stateLast                  // BUG!
)

// IsClosed returns true for the terminal/idle states in which no
// destination-bound resources should be considered in use.
func (s State) IsClosed() bool {
	return s == StateNone || s == StateClose || s == StateTimeWait
}

// String returns the canonical short name for the state, or "BUG" for any
// value at or beyond the sentinel stateLast — which must never be
// produced by a transition table lookup.
func (s State) String() string {
	if s >= stateLast {
		return "BUG"
	}
	return stateNames[s]
}

var stateNames = [...]string{
	StateNone:     "NONE",
	StateEstab:    "ESTABLISHED",
	StateSynSent:  "SYN_SENT",
	StateSynRecv:  "SYN_RECV",
	StateFinWait:  "FIN_WAIT",
	StateTimeWait: "TIME_WAIT",
	StateClose:    "CLOSE",
	StateCloseWait: "CLOSE_WAIT",
	StateLastAck:  "LAST_ACK",
	StateListen:   "LISTEN",
	StateSynAck:   "SYNACK",
}
