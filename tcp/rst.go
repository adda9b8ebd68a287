package tcp

import (
	"net/netip"

	"github.com/packetforge/tcpxlat/ipv4"
	"github.com/packetforge/tcpxlat/ipv6"
	"github.com/packetforge/tcpxlat/wire"
)

// defaultTTL is used for synthesized RST packets absent a framework override.
const defaultTTL = 64

// sizeMinRSTBuf is large enough for either an IPv4+TCP or IPv6+TCP bare RST
// (40+20 bytes, the IPv6 case being the larger of the two).
const sizeMinRSTBuf = 40 + sizeHeaderTCP

// Transmitter is the external collaborator named in spec §6 ("transmit:
// normal and full-NAT response for v4 and v6, and a generic packet_xmit")
// that this module's RST synthesizer hands finished packets to. Which
// concrete response path is used (normal vs full-NAT) is the framework's
// concern; this module only needs something to hand bytes to.
type Transmitter interface {
	Xmit(buf []byte, isV6 bool) error
}

// ExpireHandler implements conn_expire_handler (C7, spec §4.7): on
// connection expiry, synthesize and transmit RSTs toward both the backend
// and the client. Only MASQ/FULLNAT connections get RSTs, and only when
// cfg.ExpireRST (conn_expire_tcp_rst) is enabled. Allocation or synthesis
// failures are logged and swallowed per spec §7 ("skip that action; do not
// tear down connection") rather than propagated to the caller.
func ExpireHandler(cp *Conn, cfg *Config, xmit Transmitter) {
	if cfg == nil || !cfg.ExpireRST {
		return
	}
	if !cp.Flags.Has(FlagMASQ) && !cp.Flags.Has(FlagFULLNAT) {
		return
	}
	isV6 := !cp.IsIPv4()
	var buf [sizeMinRSTBuf]byte
	if n, err := BuildRSTIn(buf[:], cp); err != nil {
		cp.debug("rst-in synthesis skipped")
	} else if err := xmit.Xmit(buf[:n], isV6); err != nil {
		cp.debug("rst-in transmit failed")
	}
	if n, err := BuildRSTOut(buf[:], cp); err != nil {
		cp.debug("rst-out synthesis skipped")
	} else if err := xmit.Xmit(buf[:n], isV6); err != nil {
		cp.debug("rst-out transmit failed")
	}
}

// BuildRSTIn synthesizes the inbound RST (toward the backend) for cp per
// spec §4.7, already translated as it would appear emerging from
// fnat_in_handler/dnat_handler: src = laddr:lport (full-NAT) or
// caddr:cport (classic NAT), dst = daddr:dport. buf must be at least
// 20 (IPv4) or 40 (IPv6) plus sizeHeaderTCP bytes (no options, no payload — "a
// minimum-size packet with a bare TCP header"). It returns the number of
// bytes written, or an error if cp has no usable sequence number to seed
// the RST from (SYN_SENT without a stored ACK, or a state other than
// SYN_SENT/ESTABLISHED).
func BuildRSTIn(buf []byte, cp *Conn) (int, error) {
	seq, err := rstInSeq(cp)
	if err != nil {
		return 0, err
	}
	src, sport := cp.CAddr, cp.CPort
	if cp.Flags.Has(FlagFULLNAT) {
		src, sport = cp.LAddr, cp.LPort
	}
	return buildRST(buf, cp, src, cp.DAddr, sport, cp.DPort, seq)
}

// BuildRSTOut synthesizes the outbound RST (toward the client), symmetrical
// to BuildRSTIn.
func BuildRSTOut(buf []byte, cp *Conn) (int, error) {
	seq, err := rstOutSeq(cp)
	if err != nil {
		return 0, err
	}
	return buildRST(buf, cp, cp.VAddr, cp.CAddr, cp.VPort, cp.CPort, seq)
}

func rstInSeq(cp *Conn) (Value, error) {
	if cp.State == StateSynSent && cp.AckSkb.Valid {
		return cp.AckSkb.Seg.SEQ, nil
	}
	if cp.State == StateEstab {
		seq := cp.RSAckSeq
		if cp.Flags.Has(FlagFULLNAT) {
			seq -= Value(cp.FNAT.Delta)
		}
		return seq, nil
	}
	return 0, errNoSeqForRST
}

func rstOutSeq(cp *Conn) (Value, error) {
	if cp.State == StateSynSent && cp.AckSkb.Valid {
		return cp.AckSkb.Seg.ACK - Value(cp.FNAT.Delta), nil
	}
	if cp.State == StateEstab {
		return cp.RSEndSeq, nil
	}
	return 0, errNoSeqForRST
}

// buildRST writes a bare RST segment from src:sport to dst:dport with the
// given sequence number into buf, including an IPv4 or IPv6 header and a
// full TCP checksum. ack_seq is 0, data-offset is 5, RST is set, per spec.
func buildRST(buf []byte, cp *Conn, src, dst netip.Addr, sport, dport uint16, seq Value) (int, error) {
	if src.Is4() {
		return buildRST4(buf, src, dst, sport, dport, seq)
	}
	return buildRST6(buf, src, dst, sport, dport, seq)
}

func buildRST4(buf []byte, src, dst netip.Addr, sport, dport uint16, seq Value) (int, error) {
	const total = 20 + sizeHeaderTCP
	if len(buf) < total {
		return 0, wire.ErrShortBuffer
	}
	ipfrm, err := ipv4.NewFrame(buf[:total])
	if err != nil {
		return 0, err
	}
	ipfrm.ClearHeader()
	ipfrm.SetVersionAndIHL(4, 5)
	ipfrm.SetTotalLength(total)
	ipfrm.SetTTL(defaultTTL)
	ipfrm.SetFlags(ipv4.FlagDontFragment)
	ipfrm.SetProtocol(wire.IPProtoTCP)
	ipfrm.SetSourceAddr(src.As4())
	ipfrm.SetDestinationAddr(dst.As4())
	ipfrm.SetCRC(ipfrm.CalculateHeaderCRC())

	tfrm, err := NewFrame(buf[20:total])
	if err != nil {
		return 0, err
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(sport)
	tfrm.SetDestinationPort(dport)
	tfrm.SetSegment(Segment{SEQ: seq, ACK: 0, Flags: FlagRST}, 5)

	var crc wire.CRC791
	ipfrm.CRCWriteTCPPseudo(&crc)
	tfrm.FinalizeCRC(crc)
	return total, nil
}

func buildRST6(buf []byte, src, dst netip.Addr, sport, dport uint16, seq Value) (int, error) {
	const total = 40 + sizeHeaderTCP
	if len(buf) < total {
		return 0, wire.ErrShortBuffer
	}
	ipfrm, err := ipv6.NewFrame(buf[:total])
	if err != nil {
		return 0, err
	}
	ipfrm.ClearHeader()
	ipfrm.SetVersionTrafficAndFlow(6, 0, 0)
	ipfrm.SetPayloadLength(sizeHeaderTCP)
	ipfrm.SetHopLimit(defaultTTL)
	ipfrm.SetNextHeader(wire.IPProtoTCP)
	ipfrm.SetSourceAddr(src.As16())
	ipfrm.SetDestinationAddr(dst.As16())

	tfrm, err := NewFrame(buf[40:total])
	if err != nil {
		return 0, err
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(sport)
	tfrm.SetDestinationPort(dport)
	tfrm.SetSegment(Segment{SEQ: seq, ACK: 0, Flags: FlagRST}, 5)

	var crc wire.CRC791
	ipfrm.CRCWritePseudo(&crc)
	tfrm.FinalizeCRC(crc)
	return total, nil
}
