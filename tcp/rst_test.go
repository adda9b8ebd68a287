package tcp

import (
	"net/netip"
	"testing"
)

type fakeXmit struct {
	sent []struct {
		n    int
		isV6 bool
	}
}

func (f *fakeXmit) Xmit(buf []byte, isV6 bool) error {
	f.sent = append(f.sent, struct {
		n    int
		isV6 bool
	}{len(buf), isV6})
	return nil
}

func TestExpireHandler_SendsBothRSTsForEstablished(t *testing.T) {
	// S5: an expiring ESTABLISHED full-NAT connection gets RSTs
	// synthesized toward both the backend and the client.
	cp := &Conn{
		CAddr: netip.MustParseAddr("10.0.0.1"),
		VAddr: netip.MustParseAddr("10.0.0.100"),
		LAddr: netip.MustParseAddr("10.2.0.2"),
		DAddr: netip.MustParseAddr("10.1.0.5"),
		CPort: 5000, VPort: 80, LPort: 40000, DPort: 8080,
		Flags:    FlagFULLNAT,
		State:    StateEstab,
		FNAT:     FNATSeq{Delta: 499000},
		RSAckSeq: 12345,
		RSEndSeq: 67890,
	}
	cfg := &Config{ExpireRST: true}
	xmit := &fakeXmit{}

	ExpireHandler(cp, cfg, xmit)

	if len(xmit.sent) != 2 {
		t.Fatalf("sent %d packets, want 2", len(xmit.sent))
	}
	for _, s := range xmit.sent {
		if s.isV6 {
			t.Error("isV6 = true for an IPv4 connection")
		}
		if s.n != 40 {
			t.Errorf("packet size = %d, want 40", s.n)
		}
	}
}

func TestExpireHandler_NoopWhenDisabled(t *testing.T) {
	cp := &Conn{Flags: FlagFULLNAT, State: StateEstab}
	xmit := &fakeXmit{}

	ExpireHandler(cp, &Config{ExpireRST: false}, xmit)
	ExpireHandler(cp, nil, xmit)

	if len(xmit.sent) != 0 {
		t.Fatalf("sent %d packets, want 0", len(xmit.sent))
	}
}

func TestExpireHandler_NoopForUnmangledConnection(t *testing.T) {
	// A connection that is neither MASQ nor FULLNAT (e.g. a pending
	// entry never admitted) must not generate any RST traffic.
	cp := &Conn{State: StateEstab}
	xmit := &fakeXmit{}

	ExpireHandler(cp, &Config{ExpireRST: true}, xmit)

	if len(xmit.sent) != 0 {
		t.Fatalf("sent %d packets, want 0", len(xmit.sent))
	}
}

func TestBuildRSTIn_SynSentUsesStoredAck(t *testing.T) {
	cp := &Conn{
		CAddr: netip.MustParseAddr("10.0.0.1"),
		DAddr: netip.MustParseAddr("10.1.0.5"),
		CPort: 5000, DPort: 8080,
		State:  StateSynSent,
		AckSkb: StoredAck{Valid: true, Seg: Segment{SEQ: 42, ACK: 100}},
	}
	var buf [sizeMinRSTBuf]byte
	n, err := BuildRSTIn(buf[:], cp)
	if err != nil {
		t.Fatalf("BuildRSTIn: %v", err)
	}
	frm, err := NewFrame(buf[20:n])
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	_, flags := frm.OffsetAndFlags()
	if !flags.HasAny(FlagRST) {
		t.Error("RST flag not set")
	}
	if frm.Seq() != 42 {
		t.Errorf("seq = %d, want 42", frm.Seq())
	}
}

func TestBuildRSTIn_NoUsableSequence(t *testing.T) {
	cp := &Conn{State: StateListen}
	var buf [sizeMinRSTBuf]byte
	if _, err := BuildRSTIn(buf[:], cp); err == nil {
		t.Fatal("expected error for a state with no usable sequence number")
	}
}
