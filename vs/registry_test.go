package vs

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/packetforge/tcpxlat/tcp"
)

type roundRobin struct {
	next int
}

func (r *roundRobin) Schedule(svc *Service, _ netip.Addr, _ uint16) (*Destination, error) {
	if len(svc.Destinations) == 0 {
		return nil, errors.New("vs: no destinations")
	}
	d := svc.Destinations[r.next%len(svc.Destinations)]
	r.next++
	return d, nil
}

func newTestService(mode tcp.ConnFlags, dests ...*Destination) *Service {
	return &Service{
		VAddr:        netip.MustParseAddr("10.0.0.100"),
		VPort:        80,
		Scheduler:    &roundRobin{},
		Destinations: dests,
		Mode:         mode,
		LocalAddrFunc: func() (netip.Addr, uint16) {
			return netip.MustParseAddr("10.2.0.2"), 40000
		},
	}
}

func TestConnSchedule_FirstSYNAccepts(t *testing.T) {
	dest := &Destination{Addr: netip.MustParseAddr("10.1.0.5"), Port: 8080}
	svc := newTestService(tcp.FlagFULLNAT, dest)
	reg := NewRegistry()
	reg.AddService(0, svc)

	client := netip.MustParseAddr("10.0.0.1")
	seg := tcp.Segment{SEQ: 1000, Flags: tcp.FlagSYN, WND: 64240}

	verdict, cp := reg.ConnSchedule(nil, seg, 0, client, 5000, svc.VAddr, svc.VPort, nil)
	if verdict != VerdictAccept {
		t.Fatalf("verdict = %v, want Accept", verdict)
	}
	if cp == nil {
		t.Fatal("expected a connection")
	}
	if cp.DAddr != dest.Addr || cp.DPort != dest.Port {
		t.Errorf("dest = %s:%d, want %s:%d", cp.DAddr, cp.DPort, dest.Addr, dest.Port)
	}
	if cp.LAddr.String() != "10.2.0.2" || cp.LPort != 40000 {
		t.Errorf("local addr = %s:%d, want 10.2.0.2:40000", cp.LAddr, cp.LPort)
	}
	if !cp.Flags.Has(tcp.FlagFULLNAT) {
		t.Error("FlagFULLNAT not carried onto the connection")
	}
}

func TestConnSchedule_NoMatchingServiceDrops(t *testing.T) {
	reg := NewRegistry()
	seg := tcp.Segment{Flags: tcp.FlagSYN}
	verdict, cp := reg.ConnSchedule(nil, seg, 0, netip.MustParseAddr("10.0.0.1"), 5000, netip.MustParseAddr("10.0.0.100"), 80, nil)
	if verdict != VerdictDrop || cp != nil {
		t.Errorf("verdict = %v, cp = %v, want Drop/nil", verdict, cp)
	}
}

func TestConnSchedule_OverloadedDrops(t *testing.T) {
	dest := &Destination{Addr: netip.MustParseAddr("10.1.0.5"), Port: 8080}
	svc := newTestService(tcp.FlagMASQ, dest)
	svc.Overloaded = func() bool { return true }
	reg := NewRegistry()
	reg.AddService(0, svc)

	seg := tcp.Segment{Flags: tcp.FlagSYN}
	verdict, cp := reg.ConnSchedule(nil, seg, 0, netip.MustParseAddr("10.0.0.1"), 5000, svc.VAddr, svc.VPort, nil)
	if verdict != VerdictDrop || cp != nil {
		t.Errorf("verdict = %v, cp = %v, want Drop/nil", verdict, cp)
	}
}

func TestConnSchedule_NoBackendUsesPolicy(t *testing.T) {
	svc := newTestService(tcp.FlagMASQ) // no destinations
	called := false
	svc.NoBackendPolicy = func(*Service) Verdict {
		called = true
		return VerdictDrop
	}
	reg := NewRegistry()
	reg.AddService(0, svc)

	seg := tcp.Segment{Flags: tcp.FlagSYN}
	verdict, _ := reg.ConnSchedule(nil, seg, 0, netip.MustParseAddr("10.0.0.1"), 5000, svc.VAddr, svc.VPort, nil)
	if !called {
		t.Error("NoBackendPolicy not invoked")
	}
	if verdict != VerdictDrop {
		t.Errorf("verdict = %v, want Drop", verdict)
	}
}

func TestConnSchedule_StraySegmentToKnownVIPDropped(t *testing.T) {
	dest := &Destination{Addr: netip.MustParseAddr("10.1.0.5"), Port: 8080}
	svc := newTestService(tcp.FlagMASQ, dest)
	reg := NewRegistry()
	reg.AddService(0, svc)

	// Non-SYN segment to the known VIP but on a port with no registered service.
	seg := tcp.Segment{Flags: tcp.FlagACK}
	verdict, cp := reg.ConnSchedule(&tcp.Config{DropStrayToVIP: true}, seg, 0, netip.MustParseAddr("10.0.0.1"), 5000, svc.VAddr, 9999, nil)
	if verdict != VerdictDrop || cp != nil {
		t.Errorf("verdict = %v, cp = %v, want Drop/nil", verdict, cp)
	}
}

func TestConnSchedule_NonStraySegmentAccepted(t *testing.T) {
	reg := NewRegistry()
	// Non-SYN segment to an address with no registered VIP at all.
	seg := tcp.Segment{Flags: tcp.FlagACK}
	verdict, cp := reg.ConnSchedule(&tcp.Config{DropStrayToVIP: true}, seg, 0, netip.MustParseAddr("10.0.0.1"), 5000, netip.MustParseAddr("10.9.9.9"), 80, nil)
	if verdict != VerdictAccept || cp != nil {
		t.Errorf("verdict = %v, cp = %v, want Accept/nil", verdict, cp)
	}
}

func TestConnSchedule_AckRcvHookShortCircuits(t *testing.T) {
	reg := NewRegistry()
	proxied := &tcp.Conn{}
	hookCalled := false
	hook := func(seg *tcp.Segment) (bool, *tcp.Conn) {
		hookCalled = true
		return true, proxied
	}
	seg := tcp.Segment{Flags: tcp.FlagACK}
	verdict, cp := reg.ConnSchedule(nil, seg, 0, netip.MustParseAddr("10.0.0.1"), 5000, netip.MustParseAddr("10.0.0.100"), 80, hook)
	if !hookCalled {
		t.Error("ack-receive hook not invoked")
	}
	if verdict != VerdictHandled || cp != proxied {
		t.Errorf("verdict = %v, cp = %v, want Handled/%v", verdict, cp, proxied)
	}
}

func TestRegistry_IsKnownVIP(t *testing.T) {
	reg := NewRegistry()
	svc := newTestService(tcp.FlagMASQ, &Destination{Addr: netip.MustParseAddr("10.1.0.5"), Port: 80})
	reg.AddService(1, svc)
	if !reg.IsKnownVIP(svc.VAddr) {
		t.Error("expected VIP to be known")
	}
	reg.RemoveService(1, svc.VAddr, svc.VPort)
	if reg.Lookup(1, svc.VAddr, svc.VPort) != nil {
		t.Error("expected service to be removed")
	}
}
