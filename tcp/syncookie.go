package tcp

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/packetforge/tcpxlat/wire"
)

// Embed low 5 bits of counter into cookie for efficient validation.
// Lower bits of cookie are counter bits.
const (
	cookiebits  = 32
	counterbits = 5
	hashbits    = cookiebits - counterbits
	countermsk  = (1 << counterbits) - 1
)

// SYNCookieJar implements SYN cookie generation and validation for TCP SYN flood protection.
// SYN cookies allow a server to avoid allocating state for half-open connections by
// encoding connection parameters into the Initial Sequence Number (ISS) of the SYN-ACK response.
//
// The cookie encodes:
//   - A hash of the connection tuple (src IP, dst IP, src port, dst port)
//   - A timestamp counter for cookie expiration
//
// The MSS is not encoded in the cookie.
//
// See RFC 4987 for background on SYN flood attacks and cookie-based mitigations.
type SYNCookieJar struct {
	// counter is incremented periodically or under pressure to expire old cookies.
	// Cookies generated with a counter more than maxCounterDelta behind current are rejected.
	counter uint32
	// maxCounterDelta defines how many counter increments a cookie remains valid.
	// A value of 2 means cookies from counter, counter-1, and counter-2 are accepted.
	maxCounterDelta uint32
	// secret is the key used for cookie generation. Should be random and kept private.
	secret [32]byte
}

// SYNCookieConfig contains configuration for SYN cookie initialization.
type SYNCookieConfig struct {
	// Rand is used for entropy generation of cookies.
	Rand io.Reader
	// MaxCounterDelta defines cookie validity window in counter increments.
	// Recommended value is 1-2. Zero defaults to 1.
	MaxCounterDelta uint32
}

var errInvalidCookie error = wire.ErrMismatch

// Reset initializes or reinitializes the SYNCookie with the given configuration.
// The counter is preserved across resets to maintain cookie validity during secret rotation.
func (sc *SYNCookieJar) Reset(config SYNCookieConfig) error {
	if config.Rand == nil {
		return wire.ErrInvalidConfig
	}
	_, err := io.ReadFull(config.Rand, sc.secret[:])
	if err != nil {
		return err
	}
	maxDelta := config.MaxCounterDelta
	if maxDelta == 0 {
		maxDelta = 1
	}
	sc.maxCounterDelta = maxDelta
	// counter is intentionally NOT reset to preserve validity of recent cookies
	return nil
}

// IncrementCounter advances the counter, which will eventually expire old cookies.
// Call this periodically (e.g., every few seconds) or when under SYN flood pressure.
func (sc *SYNCookieJar) IncrementCounter() {
	sc.counter++
}

// Counter returns the current counter value.
func (sc *SYNCookieJar) Counter() uint32 {
	return sc.counter
}

// MakeSYNCookie creates a SYN cookie value to be used as the ISS in a SYN-ACK response.
// The cookie encodes the connection tuple and current counter for later validation.
func (sc *SYNCookieJar) MakeSYNCookie(srcAddr, dstAddr []byte, srcPort, dstPort uint16, clientISN Value) Value {
	return sc.generateWithCounter(srcAddr, dstAddr, srcPort, dstPort, clientISN, sc.counter)
}

// generateWithCounter creates a cookie using a specific counter value.
func (sc *SYNCookieJar) generateWithCounter(srcAddr, dstAddr []byte, srcPort, dstPort uint16, clientISN Value, counter uint32) Value {
	// Cookie structure (32 bits):
	//   [27 bits: hash of tuple+secret+counter][5 bits: counter low bits]
	hash := sc.hashTuple(srcAddr, dstAddr, srcPort, dstPort, clientISN, counter)
	hash = hash << counterbits
	return Value(hash | counter&countermsk)
}

// ValidateSYNCookie checks if an ACK number from a client completing the handshake contains
// a valid cookie. Returns the original cookie value if valid.
func (sc *SYNCookieJar) ValidateSYNCookie(srcAddr, dstAddr []byte, srcPort, dstPort uint16, clientISN Value, ackNum Value) (Value, error) {
	cookie := ackNum - 1
	cookieCounterBits := uint32(cookie) & countermsk

	for delta := uint32(0); delta <= sc.maxCounterDelta; delta++ {
		tryCounter := sc.counter - delta
		tryCounterBits := tryCounter & countermsk
		if tryCounterBits != cookieCounterBits {
			continue
		}
		expected := sc.generateWithCounter(srcAddr, dstAddr, srcPort, dstPort, clientISN, tryCounter)
		if expected == cookie {
			return cookie, nil
		}
	}

	return 0, errInvalidCookie
}

// hashTuple computes a keyed BLAKE2b hash of the connection tuple mixed
// with the counter, truncated to the upper hashbits of a 32-bit word. This
// replaces a hand-rolled mixing function with a real, reviewed keyed hash
// — the cost of one BLAKE2b compression per SYN is negligible next to the
// correctness of not hand-rolling cryptographic mixing.
func (sc *SYNCookieJar) hashTuple(srcAddr, dstAddr []byte, srcPort, dstPort uint16, clientISN Value, counter uint32) uint32 {
	h, err := blake2b.New(4, sc.secret[:])
	if err != nil {
		// Only possible if secret exceeds blake2b's max key size, which it
		// cannot given the fixed array size above.
		panic(err)
	}
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], srcPort)
	binary.BigEndian.PutUint16(portBuf[2:4], dstPort)
	h.Write(portBuf[:])
	var isnCounter [8]byte
	binary.BigEndian.PutUint32(isnCounter[0:4], uint32(clientISN))
	binary.BigEndian.PutUint32(isnCounter[4:8], counter)
	h.Write(isnCounter[:])
	h.Write(srcAddr)
	h.Write(dstAddr)

	sum := h.Sum(nil)
	full := binary.BigEndian.Uint32(sum)
	return full >> counterbits
}

// SecureISNGenerator is a reference implementation of the "secure ISN
// generator" collaborator named in spec §6 (secure_tcp_sequence_number /
// secure_tcpv6_sequence_number): a deterministic, keyed function from a
// connection tuple to an Initial Sequence Number, used by in_init_seq (C3)
// to pick fnat_seq.init_seq.
type SecureISNGenerator struct {
	secret [32]byte
}

// NewSecureISNGenerator seeds a generator from rand. Distinct from
// SYNCookieJar because ISN generation has no counter/expiry semantics —
// it only needs to be hard to predict, not itself verifiable later.
func NewSecureISNGenerator(rand io.Reader) (*SecureISNGenerator, error) {
	var g SecureISNGenerator
	if _, err := io.ReadFull(rand, g.secret[:]); err != nil {
		return nil, err
	}
	return &g, nil
}

// ISN returns a secure initial sequence number for the 4-tuple
// (laddr, daddr, lport, dport), as called by in_init_seq (spec §4.3).
func (g *SecureISNGenerator) ISN(laddr, daddr []byte, lport, dport uint16) Value {
	h, err := blake2b.New(4, g.secret[:])
	if err != nil {
		panic(err)
	}
	var ports [4]byte
	binary.BigEndian.PutUint16(ports[0:2], lport)
	binary.BigEndian.PutUint16(ports[2:4], dport)
	h.Write(ports[:])
	h.Write(laddr)
	h.Write(daddr)
	return Value(binary.BigEndian.Uint32(h.Sum(nil)))
}

// encodeMSSIndex encodes an MSS value into a 2-bit index; MakeSYNCookie does not use it.
// Common MSS values are mapped to indices 0-3. Returns the smallest bucket
// whose MSS is at least mss (index 3 for anything above 1460).
func encodeMSSIndex(mss uint16) uint8 {
	switch {
	case mss <= 536:
		return 0
	case mss <= 1220:
		return 1
	case mss <= 1460:
		return 2
	default:
		return 3
	}
}

// decodeMSSIndex converts a 2-bit index back to an MSS value.
func decodeMSSIndex(idx uint8) uint16 {
	switch idx & 0x3 {
	case 0:
		return 536
	case 1:
		return 1220
	case 2:
		return 1460
	default:
		return 8960
	}
}
