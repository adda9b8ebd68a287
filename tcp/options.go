package tcp

import (
	"encoding/binary"

	"github.com/packetforge/tcpxlat/wire"
)

type OptionKind uint8

const (
	OptEnd                   OptionKind = iota // end of option list
	OptNop                                     // no-operation
	OptMaxSegmentSize                          // maximum segment size
	OptWindowScale                             // window scale
	OptSACKPermitted                           // SACK permitted
	OptSACK                                    // SACK
	OptEcho                                    // echo(obsolete)
	optEchoReply                               // echo reply(obsolete)
	OptTimestamps                              // timestamps
	optPOCP                                    // partial order connection permitted(obsolete)
	optPOSP                                    // partial order service profile(obsolete)
	optCC                                      // CC(obsolete)
	optCCnew                                   // CC.new(obsolete)
	optCCecho                                  // CC.echo(obsolete)
	optACR                                     // alternate checksum request(obsolete)
	optACD                                     // alternate checksum data(obsolete)
	optSkeeter                                 // skeeter
	optBubba                                   // bubba
	OptTrailerChecksum                         // trailer checksum
	optMD5Signature                            // MD5 signature(obsolete)
	OptSCPSCapabilities                        // SCPS capabilities
	OptSNA                                     // selective negative acks
	OptRecordBoundaries                        // record boundaries
	OptCorruptionExperienced                   // corruption experienced
	OptSNAP                                    // SNAP
	OptUnassigned                              // unassigned
	OptCompressionFilter                       // compression filter
	OptQuickStartResponse                      // quick-start response
	OptUserTimeout                             // user timeout or unauthorized use
	OptAuthetication                           // Authentication TCP-AO
	OptMultipath                               // multipath TCP
)

const (
	OptFastOpenCookie        OptionKind = 34  // fast open cookie
	OptEncryptionNegotiation OptionKind = 69  // encryption negotiation
	OptAccurateECN0          OptionKind = 172 // accurate ECN order 0
	OptAccurateECN1          OptionKind = 174 // accurate ECN order 1

	// OptClientAddr is the non-standard "client address" (TOA) option this
	// module injects on full-NAT connections so the backend can recover the
	// original client tuple. Wire format: {opcode, opsize=8, port, addr}.
	OptClientAddr OptionKind = 254
)

// SizeClientAddrOption is the on-wire size in bytes of the client-address
// option, including its kind and length bytes.
const SizeClientAddrOption = 8

// IsObsolete returns true if option considered obsolete by newer TCP specifications.
func (kind OptionKind) IsObsolete() bool {
	switch kind {
	case OptEcho, optEchoReply, optPOCP, optPOSP, optCC, optCCnew, optCCecho, optACR, optACD, optMD5Signature:
		return true
	}
	return false
}

// IsDefined returns true if the option is a known unreserved option kind.
func (kind OptionKind) IsDefined() bool {
	return kind <= 30 || kind == 34 || kind == 69 || kind == 172 || kind == 174 || kind == OptClientAddr
}

type OptionCodec struct {
	Flags OptionFlags
}

type OptionFlags uint8

const (
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
	OptFlagSkipObsolete
)

func (flags OptionFlags) HasAny(ofTheseFlags OptionFlags) bool {
	return flags&ofTheseFlags != 0
}

func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption32(dst []byte, kind OptionKind, v uint32) (int, error) {
	return op.PutOption(dst, kind, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	if len(dst) < putSize {
		return -1, wire.ErrShortBuffer
	} else if putSize > 255 {
		return -1, wire.ErrInvalidLengthField
	} else if kind == OptNop || kind == OptEnd {
		return -1, wire.ErrInvalidField
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

// ForEachOption is the reusable option-walk iterator named in the design
// notes: AdjustMSS and AdjustSACK are built on top of it. RemoveTimestamp
// walks the buffer itself, since it overwrites the kind and length bytes,
// which the callback does not receive.
//
// The walk follows the standard rules: EOL (kind 0) terminates, NOP (kind
// 1) consumes a single byte, and any option whose declared size is < 2 or
// exceeds the remaining buffer terminates the walk without mutating
// anything past that point.
func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	skipSizeValidation := op.Flags.HasAny(OptFlagSkipSizeValidation)
	skipObsolete := op.Flags.HasAny(OptFlagSkipObsolete)
	for off < len(opts) && opts[off] != 0 {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 1 {
			return wire.ErrShortBuffer
		}
		size := int(opts[off]) // Total option length including kind and length bytes.
		off++
		dataLen := size - 2 // Data bytes after kind and length.
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return wire.ErrShortBuffer
		}

		if !skipSizeValidation {
			expectSize := -1
			switch kind {
			case OptTimestamps:
				expectSize = 10
			case OptMaxSegmentSize, OptUserTimeout:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			case OptClientAddr:
				expectSize = SizeClientAddrOption
			}
			if expectSize != -1 && size != expectSize {
				return wire.ErrInvalidLengthField
			}
		}
		if !(skipObsolete && kind.IsObsolete()) {
			err := fn(kind, opts[off:off+dataLen])
			if err != nil {
				return err
			}
		}
		off += dataLen
	}
	return nil
}

// AdjustMSS decrements the MSS option's value by SizeClientAddrOption so a
// backend's advertised MSS still fits once the client-address option is
// injected on the reply path. Applies only to SYN|ACK segments on the
// backend-to-client path.
func (op OptionCodec) AdjustMSS(opts []byte) error {
	return op.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		if kind != OptMaxSegmentSize || len(data) != 2 {
			return nil
		}
		mss := binary.BigEndian.Uint16(data)
		if mss > SizeClientAddrOption {
			binary.BigEndian.PutUint16(data, mss-SizeClientAddrOption)
		}
		return nil
	})
}

// RemoveTimestamp rewrites a 10-byte timestamp option in place to ten NOPs.
// Applied only on a client-to-backend SYN without ACK; the caller is
// responsible for recomputing a full checksum afterwards since
// this changes option bytes wholesale rather than a diffable field.
func (op OptionCodec) RemoveTimestamp(opts []byte) error {
	off := 0
	for off < len(opts) && opts[off] != 0 {
		kind := OptionKind(opts[off])
		if kind == OptNop {
			off++
			continue
		}
		if len(opts[off+1:]) < 1 {
			return wire.ErrShortBuffer
		}
		size := int(opts[off+1])
		if size < 2 || len(opts[off:]) < size {
			return wire.ErrShortBuffer
		}
		if kind == OptTimestamps && size == 10 {
			for i := off; i < off+10; i++ {
				opts[i] = byte(OptNop)
			}
			return nil
		}
		off += size
	}
	return nil
}

// AdjustSACK subtracts delta from every 32-bit sequence value inside each
// SACK block, keeping SACK blocks consistent with a full-NAT connection's
// rewritten sequence space.
func (op OptionCodec) AdjustSACK(opts []byte, delta Size) error {
	return op.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		if kind != OptSACK {
			return nil
		}
		for i := 0; i+4 <= len(data); i += 4 {
			v := Value(binary.BigEndian.Uint32(data[i : i+4]))
			binary.BigEndian.PutUint32(data[i:i+4], uint32(v-Value(delta)))
		}
		return nil
	})
}
