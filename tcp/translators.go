package tcp

import (
	"net/netip"

	"github.com/packetforge/tcpxlat/ipv4"
	"github.com/packetforge/tcpxlat/ipv6"
	"github.com/packetforge/tcpxlat/wire"
)

// CsumState mirrors the Linux skb->ip_summed states named in spec §4.1:
// whether the TCP checksum field currently holds a hardware-offload partial
// (pseudo-header-only) sum, a software-complete sum, is flagged
// "unnecessary" to check on receive, or carries no particular guarantee.
type CsumState uint8

const (
	CsumNone CsumState = iota
	CsumPartial
	CsumComplete
	CsumUnnecessary
)

// Packet bundles the IP and TCP frame views a translator mutates together: an
// address or port rewrite always touches both the IP header and the TCP
// checksum, so every handler below takes one of these instead of two
// disjoint frame arguments (spec §4.4).
type Packet struct {
	V4   ipv4.Frame // valid iff !IsV6
	V6   ipv6.Frame // valid iff IsV6
	TCP  Frame
	IsV6 bool
	Csum CsumState
}

// NewPacketV4 builds a Packet view over a raw IPv4 datagram (header, TCP
// header/options, and payload all within buf). len(buf) must already match
// the IPv4 header's TotalLength. The header (IPv4 and TCP, excluding CRC) is
// validated before the Packet is returned, per spec §7's "malformed header:
// drop packet, no connection mutation".
func NewPacketV4(buf []byte) (Packet, error) {
	v4, err := ipv4.NewFrame(buf)
	if err != nil {
		return Packet{}, err
	}
	tcpOff := v4.HeaderLength()
	if tcpOff > len(buf) {
		return Packet{}, wire.ErrShortBuffer
	}
	tfrm, err := NewFrame(buf[tcpOff:])
	if err != nil {
		return Packet{}, err
	}
	var v wire.Validator
	v4.ValidateExceptCRC(&v)
	tfrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		return Packet{}, err
	}
	return Packet{V4: v4, TCP: tfrm}, nil
}

// NewPacketV6 is NewPacketV4's IPv6 counterpart. ipv6.Frame offers only
// ValidateSize, so only size consistency is checked there;
// the TCP header is validated the same way as on the v4 path.
func NewPacketV6(buf []byte) (Packet, error) {
	v6, err := ipv6.NewFrame(buf)
	if err != nil {
		return Packet{}, err
	}
	const ipv6HeaderLen = 40
	tfrm, err := NewFrame(buf[ipv6HeaderLen:])
	if err != nil {
		return Packet{}, err
	}
	var v wire.Validator
	v6.ValidateSize(&v)
	tfrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		return Packet{}, err
	}
	return Packet{V6: v6, TCP: tfrm, IsV6: true}, nil
}

func (p *Packet) srcAddr() []byte {
	if p.IsV6 {
		return p.V6.SourceAddr()[:]
	}
	return p.V4.SourceAddr()[:]
}

func (p *Packet) dstAddr() []byte {
	if p.IsV6 {
		return p.V6.DestinationAddr()[:]
	}
	return p.V4.DestinationAddr()[:]
}

func (p *Packet) setSrcFields(addr []byte, port uint16) {
	if p.IsV6 {
		p.V6.SetSourceAddr([16]byte(addr))
	} else {
		p.V4.SetSourceAddr([4]byte(addr))
	}
	p.TCP.SetSourcePort(port)
}

func (p *Packet) setDstFields(addr []byte, port uint16) {
	if p.IsV6 {
		p.V6.SetDestinationAddr([16]byte(addr))
	} else {
		p.V4.SetDestinationAddr([4]byte(addr))
	}
	p.TCP.SetDestinationPort(port)
}

// diffAddrPort applies the RFC 1624 incremental update for an address+port
// rewrite (spec §4.1: "if only port/address changed, apply incremental
// update and downgrade any complete flag to none"). It is also what a
// CsumPartial packet uses for an address/port-only edit: the partial sum is
// itself just a pseudo-header accumulator, and DiffAddr/Diff16 apply to it
// exactly as they would to a complete one.
func (p *Packet) diffAddrPort(oldAddr, newAddr []byte, oldPort, newPort uint16) {
	if p.Csum == CsumComplete {
		p.Csum = CsumNone
	}
	crc := p.TCP.CRC()
	crc = wire.DiffAddr(crc, oldAddr, newAddr)
	crc = wire.Diff16(crc, oldPort, newPort)
	p.TCP.SetCRC(crc)
	if !p.IsV6 {
		p.V4.SetCRC(wire.DiffAddr(p.V4.CRC(), oldAddr, newAddr))
	}
}

// recomputeFullChecksum recomputes the TCP checksum from scratch over the
// pseudo-header (srcAddr, dstAddr) plus the current header/options/payload,
// per spec §4.1's "otherwise recompute the full checksum" branch. onInput
// marks the result CsumUnnecessary (input path); the output path leaves
// Csum unset (CsumNone), matching the asymmetry named in §4.1.
func (p *Packet) recomputeFullChecksum(srcAddr, dstAddr netip.Addr, onInput bool) {
	var crc wire.CRC791
	if p.IsV6 {
		p.V6.SetSourceAddr(srcAddr.As16())
		p.V6.SetDestinationAddr(dstAddr.As16())
		p.V6.SetPayloadLength(uint16(len(p.TCP.RawData())))
		p.V6.CRCWritePseudo(&crc)
	} else {
		p.V4.SetSourceAddr(srcAddr.As4())
		p.V4.SetDestinationAddr(dstAddr.As4())
		p.V4.CRCWriteTCPPseudo(&crc)
	}
	p.TCP.FinalizeCRC(crc)
	if onInput {
		p.Csum = CsumUnnecessary
	} else {
		p.Csum = CsumNone
	}
}

// appAndCsumCheck runs the shared pre-mangling step named in spec §4.4's
// intro: when cp.App is bound, verify the packet's checksum first (dropping
// on failure per spec §7), then run the app helper's pre-mangling callback
// (PktIn for the client-to-backend leg, PktOut for backend-to-client),
// aborting the packet if it returns false. It is a no-op when no app helper
// is bound.
func appAndCsumCheck(cp *Conn, p *Packet, inbound bool) error {
	if cp.App == nil {
		return nil
	}
	if !csumCheck(p) {
		cp.debug("app-helper checksum verification failed")
		return errChecksumFailed
	}
	var ok bool
	if inbound {
		ok = cp.App.PktIn(cp, p.TCP.RawData())
	} else {
		ok = cp.App.PktOut(cp, p.TCP.RawData())
	}
	if !ok {
		cp.debug("app-helper pre-mangle callback aborted packet")
		return errAppAbort
	}
	return nil
}

// csumCheck implements C6's named collaborator csum_check: verify the TCP
// checksum over the packet's current (pre-mangling) address pair.
func csumCheck(p *Packet) bool {
	if p.Csum == CsumUnnecessary {
		return true
	}
	var crc wire.CRC791
	if p.IsV6 {
		p.V6.CRCWritePseudo(&crc)
	} else {
		p.V4.CRCWriteTCPPseudo(&crc)
	}
	return crc.PayloadSum16(p.TCP.RawData()) == 0
}

// SNATHandler implements snat_handler (spec §4.4): the classic-NAT egress
// leg, rewriting a real server's reply so it appears to originate from the
// virtual service. Only the source is translated; the destination (the
// client) is untouched, matching the one-leg-rewritten nature of
// masquerade/DR-return connections (cp.Flags has FlagMASQ).
//
// The SYN-proxy SNAT hook is invoked unconditionally here even though that
// handler is described elsewhere as full-NAT-oriented (spec design note,
// §9 open question 2): when no proxy is bound, cp.SynProxy is nil and the
// call is skipped, making this an allowed no-op for non-SYN-proxy
// connections — flagged here for verification as the open question asks.
func SNATHandler(cp *Conn, p *Packet) error {
	if err := appAndCsumCheck(cp, p, false); err != nil {
		return err
	}

	oldAddr := append([]byte(nil), p.srcAddr()...)
	oldPort := p.TCP.SourcePort()
	vAddr := addrBytes(cp.VAddr, p.IsV6)
	p.setSrcFields(vAddr, cp.VPort)

	seg := p.TCP.Segment(len(p.TCP.Payload()))
	cp.traceSeg("snat_handler", seg)
	if seg.Flags.HasAny(FlagACK) {
		SaveOutSeq(cp, &seg)
	}
	if cp.SynProxy != nil {
		if !cp.SynProxy.SNATHandler(cp, &seg, p.TCP.Options()) {
			cp.debug("syn-proxy reported ack-storm on SNAT leg")
			return errSynProxyAbort
		}
	}

	switch {
	case p.Csum == CsumPartial:
		p.diffAddrPort(oldAddr, vAddr, oldPort, cp.VPort)
	case cp.App != nil:
		p.recomputeFullChecksum(cp.VAddr, cp.CAddr, false)
	default:
		p.diffAddrPort(oldAddr, vAddr, oldPort, cp.VPort)
	}
	return nil
}

// DNATHandler implements dnat_handler (spec §4.4): the classic-NAT ingress
// leg, rewriting a client's request so it reaches the chosen real server
// instead of the virtual service. Only the destination is translated.
func DNATHandler(cp *Conn, p *Packet) error {
	if err := appAndCsumCheck(cp, p, true); err != nil {
		return err
	}

	oldAddr := append([]byte(nil), p.dstAddr()...)
	oldPort := p.TCP.DestinationPort()
	dAddr := addrBytes(cp.DAddr, p.IsV6)
	p.setDstFields(dAddr, cp.DPort)

	seg := p.TCP.Segment(len(p.TCP.Payload()))
	cp.traceSeg("dnat_handler", seg)
	if cp.SynProxy != nil {
		if !cp.SynProxy.DNATHandler(cp, &seg, p.TCP.Options()) {
			cp.debug("syn-proxy reported ack-storm on DNAT leg")
			return errSynProxyAbort
		}
	}

	switch {
	case p.Csum == CsumPartial:
		p.diffAddrPort(oldAddr, dAddr, oldPort, cp.DPort)
	case cp.App != nil:
		p.recomputeFullChecksum(cp.CAddr, cp.DAddr, true)
	default:
		p.diffAddrPort(oldAddr, dAddr, oldPort, cp.DPort)
	}
	return nil
}

// FNATInHandler implements fnat_in_handler (spec §4.4, §4.3): the full-NAT
// ingress leg. The client-to-backend packet has both its address pair
// rewritten (src becomes the balancer's local address, dst becomes the real
// server) and its sequence number shifted into the locally-chosen ISN space
// by cp.FNAT.Delta, so the backend only ever observes sequence numbers this
// module picked. On the opening SYN it runs in_init_seq (C3) to establish
// that delta and, optionally, injects the client-address option (C2) on the
// first data-carrying segment. Always ends in a full checksum recompute
// over the (laddr, daddr) pseudo-header, since option injection and the
// seq rewrite both touch more than a diffable field.
func FNATInHandler(cp *Conn, p *Packet, cfg *Config, isn ISNGenerator, onReuse func(State)) (Packet, error) {
	if err := appAndCsumCheck(cp, p, true); err != nil {
		return *p, err
	}

	lAddr := addrBytes(cp.LAddr, p.IsV6)
	dAddr := addrBytes(cp.DAddr, p.IsV6)
	p.setSrcFields(lAddr, cp.LPort)
	p.setDstFields(dAddr, cp.DPort)

	seg := p.TCP.Segment(len(p.TCP.Payload()))
	cp.traceSeg("fnat_in_handler", seg)
	if seg.IsSYNWithoutACK() {
		if cfg.RemoveTimestamp {
			op := OptionCodec{}
			if err := op.RemoveTimestamp(p.TCP.Options()); err != nil {
				return *p, err
			}
		}
		InInitSeq(cp, isn, lAddr, dAddr, seg.SEQ, cfg.AllowReuse, onReuse)
	}

	if cfg.InjectClientAddr {
		mtu := cfg.MTU
		if mtu == 0 {
			mtu = defaultMTU
		}
		if _, err := AddClientAddrOption(p, cp, mtu); err != nil {
			cp.debug("client-address option injection failed")
		}
	}

	InAdjustSeq(&seg, cp.FNAT.Delta)
	p.TCP.SetSeq(seg.SEQ)

	p.recomputeFullChecksum(cp.LAddr, cp.DAddr, true)
	return *p, nil
}

// FNATOutHandler implements fnat_out_handler (spec §4.4, §4.3): the full-NAT
// egress leg, mirroring FNATInHandler. The backend-to-client packet has its
// address pair rewritten back to virtual-service/client, and the
// acknowledgment number shifted out of the locally-chosen ISN space by
// subtracting cp.FNAT.Delta so the client only ever sees its own sequence
// numbers echoed back.
func FNATOutHandler(cp *Conn, p *Packet, cfg *Config) error {
	if err := appAndCsumCheck(cp, p, false); err != nil {
		return err
	}

	vAddr := addrBytes(cp.VAddr, p.IsV6)
	cAddr := addrBytes(cp.CAddr, p.IsV6)
	p.setSrcFields(vAddr, cp.VPort)
	p.setDstFields(cAddr, cp.CPort)

	seg := p.TCP.Segment(len(p.TCP.Payload()))
	cp.traceSeg("fnat_out_handler", seg)
	if cfg.AdjustMSS && seg.Flags.HasAll(FlagSYN|FlagACK) {
		op := OptionCodec{}
		if err := op.AdjustMSS(p.TCP.Options()); err != nil {
			return err
		}
	}
	if seg.Flags.HasAny(FlagACK) {
		SaveOutSeq(cp, &seg)
	}

	if cp.SynProxy != nil {
		if !cp.SynProxy.SNATHandler(cp, &seg, p.TCP.Options()) {
			cp.debug("syn-proxy reported ack-storm on SNAT leg")
			return errSynProxyAbort
		}
	}
	OutAdjustSeq(&seg, cp.FNAT.Delta)
	p.TCP.SetAck(seg.ACK)
	if err := (OptionCodec{}).AdjustSACK(p.TCP.Options(), cp.FNAT.Delta); err != nil {
		return err
	}

	p.recomputeFullChecksum(cp.VAddr, cp.CAddr, false)
	return nil
}

// defaultMTU is used by FNATInHandler when Config.MTU is unset.
const defaultMTU = 1500

// addrBytes returns addr's on-wire bytes in the family matching isV6; the
// caller is responsible for addr already being the right family (Conn's
// address fields are set once at connection creation and never mix).
func addrBytes(addr netip.Addr, isV6 bool) []byte {
	if isV6 {
		b := addr.As16()
		return b[:]
	}
	b := addr.As4()
	return b[:]
}
