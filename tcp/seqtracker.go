package tcp

// ISNGenerator is the collaborator interface for the "secure ISN generator"
// named in spec §6 (secure_tcp_sequence_number / secure_tcpv6_sequence_number).
// [SecureISNGenerator] is the reference implementation in syncookie.go.
type ISNGenerator interface {
	ISN(laddr, daddr []byte, lport, dport uint16) Value
}

// InInitSeq implements in_init_seq (spec §4.3): called on a client-to-backend
// SYN without ACK. It always refreshes fdata_seq and clears CIP_INSERTED
// (a fresh SYN means any previously injected client-address option no longer
// applies to this incarnation of the connection). It assigns fnat_seq.init_seq
// at most twice per connection lifetime (invariant 7): once on the very first
// SYN (init_seq == 0), and again only if allowReuse is set and the connection
// is being re-initialized from SYN_SENT or SYN_RECV (spec's conn_reused_entry).
// onReuse, if non-nil, is invoked exactly once when the reuse branch fires, so
// the caller can bump a counter keyed on cp.OldState the way the source does.
func InInitSeq(cp *Conn, isn ISNGenerator, laddr, daddr []byte, clientSeq Value, allowReuse bool, onReuse func(oldState State)) {
	cp.FNAT.FDataSeq = Add(clientSeq, 1)
	cp.Flags &^= FlagCIPInserted

	reuse := cp.FNAT.InitSeq != 0 && allowReuse && (cp.State == StateSynSent || cp.State == StateSynRecv)
	if cp.FNAT.InitSeq == 0 || reuse {
		cp.FNAT.InitSeq = isn.ISN(laddr, daddr, cp.LPort, cp.DPort)
		cp.FNAT.Delta = Sizeof(clientSeq, cp.FNAT.InitSeq)
		if reuse && onReuse != nil {
			onReuse(cp.OldState)
		}
	}
}

// SaveOutSeq implements save_out_seq (spec §4.3): called on every
// backend-to-client packet that is not RST, when sequence tracking is
// configured. It records rs_end_seq/rs_ack_seq from the observed segment,
// dropping the update if it is out of order relative to the last recorded
// ack (wrap-aware, per RFC 9293 before()).
func SaveOutSeq(cp *Conn, seg *Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	if cp.RSAckSeq != 0 && seg.ACK.LessThan(cp.RSAckSeq) {
		return // out-of-order ack, drop the update.
	}
	add := Size(0)
	if seg.Flags.HasAll(synack) {
		add = 1
	} else {
		add = seg.DATALEN
	}
	cp.RSEndSeq = Add(seg.SEQ, add)
	cp.RSAckSeq = seg.ACK
}

// InAdjustSeq implements in_adjust_seq (spec §4.3): the client-to-backend
// leg adds delta to SEQ (the data-carrying direction of full-NAT sequence
// translation). ack_seq/SACK adjustment on this leg is deferred to the
// SYN-proxy collaborator, which the caller invokes separately via
// [SynProxy.DNATHandler] — this function only performs the unconditional
// delta shift that doesn't depend on a bound proxy.
func InAdjustSeq(seg *Segment, delta Size) {
	seg.SEQ = Add(seg.SEQ, delta)
}

// OutAdjustSeq implements out_adjust_seq (spec §4.3): the backend-to-client
// leg first offers the packet to the SYN-proxy SNAT handler (via the
// caller, since that call needs the raw option bytes this function doesn't
// see); once that doesn't abort, it subtracts delta from ACK. SACK-block
// adjustment is handled by the caller via [OptionCodec.AdjustSACK] since it
// needs the option bytes, not just the parsed Segment.
func OutAdjustSeq(seg *Segment, delta Size) {
	seg.ACK = seg.ACK - Value(delta)
}
