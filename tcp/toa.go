package tcp

import (
	"encoding/binary"

	"github.com/packetforge/tcpxlat/ipv4"
)

// GrowV4 extends an IPv4 packet's underlying buffer by extra bytes in
// place, reallocating only if the existing buffer lacks spare capacity, and
// rebuilds the V4/TCP frame views over the (possibly new) array. Callers
// must replace any of their own references to the old Packet value with
// this one afterwards — mirrors the "packet mutator may return a new
// handle" design note for the option injector.
func (p *Packet) GrowV4(extra int) error {
	raw := p.V4.RawData()
	newLen := len(raw) + extra
	if cap(raw) >= newLen {
		raw = raw[:newLen]
	} else {
		grown := make([]byte, newLen)
		copy(grown, raw)
		raw = grown
	}
	v4, err := ipv4.NewFrame(raw)
	if err != nil {
		return err
	}
	tcpOff := v4.HeaderLength()
	tfrm, err := NewFrame(raw[tcpOff:])
	if err != nil {
		return err
	}
	p.V4 = v4
	p.TCP = tfrm
	return nil
}

// AddClientAddrOption implements add_client_addr_option (spec §4.2, C2):
// injects the non-standard 8-byte client-address ("TOA") option carrying
// the original client IP/port so the real server can recover it, on the
// first data-carrying full-NAT segment seen for a connection.
//
// IPv4-only. Per CIP_INSERTED's monotonicity invariant (spec §3 invariant
// 2, §8 property 6) this is a no-op once the flag is already set. If the
// packet's sequence number is beyond cp.FNAT.FDataSeq — meaning the first
// data segment already passed without being caught here — the flag is set
// anyway and injection is skipped, since the option is only meaningful on
// that first segment (spec §4.2, scenario S3/S4). A segment without payload
// (e.g. the SYN) is left unchanged and does not set the flag. The option is
// written right after the 20-byte base header, shifting any existing
// options and the payload right by 8 bytes. Otherwise, if injecting
// 8 bytes would exceed mtu, injection is skipped (and the flag set so no
// further attempt is made, spec §7) and [errMTUExceeded] is returned so the
// caller can log it; the original packet is otherwise left intact and
// still valid to deliver.
func AddClientAddrOption(p *Packet, cp *Conn, mtu int) (injected bool, err error) {
	if p.IsV6 {
		return false, nil
	}
	if cp.Flags.Has(FlagCIPInserted) {
		return false, nil
	}

	seg := p.TCP.Segment(len(p.TCP.Payload()))
	if cp.FNAT.FDataSeq.LessThan(seg.SEQ) {
		cp.Flags |= FlagCIPInserted
		return false, nil
	}
	if seg.DATALEN == 0 {
		return false, nil
	}

	total := int(p.V4.TotalLength())
	if total+SizeClientAddrOption > mtu {
		cp.Flags |= FlagCIPInserted
		return false, errMTUExceeded
	}

	optStart := p.V4.HeaderLength() + sizeHeaderTCP

	if err := p.GrowV4(SizeClientAddrOption); err != nil {
		return false, err
	}
	raw := p.V4.RawData()
	copy(raw[optStart+SizeClientAddrOption:total+SizeClientAddrOption], raw[optStart:total])

	opt := raw[optStart : optStart+SizeClientAddrOption]
	opt[0] = byte(OptClientAddr)
	opt[1] = SizeClientAddrOption
	binary.BigEndian.PutUint16(opt[2:4], cp.CPort)
	copy(opt[4:8], addrBytes(cp.CAddr, false))

	p.V4.SetTotalLength(uint16(total + SizeClientAddrOption))
	off, flags := p.TCP.OffsetAndFlags()
	p.TCP.SetOffsetAndFlags(off+2, flags)
	p.V4.SetCRC(p.V4.CalculateHeaderCRC())

	cp.Flags |= FlagCIPInserted
	return true, nil
}
