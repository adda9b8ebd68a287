// Command tcpxlat-demo exercises the full-NAT translation pipeline against
// synthetic packets: a registry lookup picks a destination, the opening SYN
// is mangled through fnat_in_handler, a SYN|ACK reply through
// fnat_out_handler, and a first data segment gets the client-address option
// injected. It does not open a real socket or netfilter hook (out of scope);
// it only demonstrates how the pieces wire together, the way the source
// repo's examples/* programs drive a synthetic link instead of a live NIC.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"github.com/packetforge/tcpxlat/ipv4"
	"github.com/packetforge/tcpxlat/tcp"
	"github.com/packetforge/tcpxlat/vs"
)

// fixedRand is a deterministic io.Reader standing in for crypto/rand in this
// demo, so the printed ISN/delta are reproducible across runs instead of
// depending on real entropy.
type fixedRand []byte

func (r fixedRand) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r[i%len(r)]
	}
	return len(p), nil
}

func main() {
	var (
		vip       = flag.String("vip", "10.0.0.100", "virtual service address")
		vport     = flag.Uint("vport", 80, "virtual service port")
		backend   = flag.String("backend", "10.1.0.5", "real server address")
		bport     = flag.Uint("bport", 8080, "real server port")
		laddr     = flag.String("laddr", "10.2.0.2", "balancer local address toward the backend")
		lport     = flag.Uint("lport", 40000, "balancer local port toward the backend")
		client    = flag.String("client", "198.51.100.7", "client address")
		cport     = flag.Uint("cport", 51234, "client port")
		verbose   = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(lg)

	dest := &vs.Destination{Addr: netip.MustParseAddr(*backend), Port: uint16(*bport)}
	svc := &vs.Service{
		VAddr:        netip.MustParseAddr(*vip),
		VPort:        uint16(*vport),
		Mode:         tcp.FlagFULLNAT,
		Scheduler:    singleDest{dest},
		Destinations: []*vs.Destination{dest},
		LocalAddrFunc: func() (netip.Addr, uint16) {
			return netip.MustParseAddr(*laddr), uint16(*lport)
		},
	}
	reg := vs.NewRegistry()
	reg.AddService(0, svc)

	cfg := &tcp.Config{
		RemoveTimestamp:  true,
		AdjustMSS:        true,
		InjectClientAddr: true,
		MTU:              1500,
	}
	isn, err := tcp.NewSecureISNGenerator(fixedRand{1, 2, 3, 4})
	if err != nil {
		lg.Error("secure ISN generator", slog.String("err", err.Error()))
		os.Exit(1)
	}

	clientAddr := netip.MustParseAddr(*client)
	clientPort := uint16(*cport)
	clientISN := tcp.Value(1000)

	synSeg := tcp.Segment{SEQ: clientISN, Flags: tcp.FlagSYN, WND: 64240}
	verdict, cp := reg.ConnSchedule(cfg, synSeg, 0, clientAddr, clientPort, svc.VAddr, svc.VPort, nil)
	if verdict != vs.VerdictAccept || cp == nil {
		fmt.Fprintln(os.Stderr, "no backend available, verdict:", verdict)
		os.Exit(1)
	}
	lg.Info("scheduled connection", slog.String("client", clientAddr.String()), slog.String("backend", dest.Addr.String()))

	buf, pkt := buildSYN(clientAddr, svc.VAddr, clientPort, svc.VPort, synSeg)
	out, err := tcp.FNATInHandler(cp, &pkt, cfg, isn, nil)
	if err != nil {
		lg.Error("fnat_in_handler", slog.String("err", err.Error()))
		os.Exit(1)
	}
	tcp.Transition(cp, tcp.DirOutput, synSeg.Flags, true, nil, dest.IncActive, dest.DecActive)
	fmt.Println("-> SYN toward backend:", out.V4.String(), "|", out.TCP.String())
	_ = buf

	synack := tcp.Segment{SEQ: 9000, ACK: tcp.Add(cp.FNAT.InitSeq, 1), Flags: tcp.FlagSYN | tcp.FlagACK, WND: 65535}
	_, synackPkt := buildSYN(dest.Addr, cp.LAddr, dest.Port, cp.LPort, synack)
	if err := tcp.FNATOutHandler(cp, &synackPkt, cfg); err != nil {
		lg.Error("fnat_out_handler", slog.String("err", err.Error()))
		os.Exit(1)
	}
	tcp.Transition(cp, tcp.DirInput, synack.Flags, true, nil, dest.IncActive, dest.DecActive)
	fmt.Println("<- SYN|ACK toward client:", synackPkt.V4.String(), "|", synackPkt.TCP.String())

	dataSeg := tcp.Segment{SEQ: cp.FNAT.FDataSeq, ACK: 9001, Flags: tcp.FlagACK | tcp.FlagPSH, DATALEN: 4}
	_, dataPkt := buildData(clientAddr, svc.VAddr, clientPort, svc.VPort, dataSeg, []byte("ping"))
	final, err := tcp.FNATInHandler(cp, &dataPkt, cfg, isn, nil)
	if err != nil {
		lg.Error("fnat_in_handler (data)", slog.String("err", err.Error()))
		os.Exit(1)
	}
	fmt.Println("-> data segment toward backend, client-address injected:", final.V4.String(), "|", final.TCP.String())

	lg.Info("final state", slog.String("state", cp.State.String()), slog.Uint64("delta", uint64(cp.FNAT.Delta)))
}

// singleDest is the simplest possible [vs.Scheduler]: it always returns the
// one destination it was built with.
type singleDest struct{ d *vs.Destination }

func (s singleDest) Schedule(*vs.Service, netip.Addr, uint16) (*vs.Destination, error) {
	return s.d, nil
}

func buildSYN(src, dst netip.Addr, sport, dport uint16, seg tcp.Segment) ([]byte, tcp.Packet) {
	const ipHdr, tcpHdr = 20, 20
	total := ipHdr + tcpHdr
	buf := make([]byte, total, total+32)
	return finishV4(buf, src, dst, sport, dport, seg, nil)
}

func buildData(src, dst netip.Addr, sport, dport uint16, seg tcp.Segment, payload []byte) ([]byte, tcp.Packet) {
	const ipHdr, tcpHdr = 20, 20
	total := ipHdr + tcpHdr + len(payload)
	buf := make([]byte, total, total+32)
	return finishV4(buf, src, dst, sport, dport, seg, payload)
}

func finishV4(buf []byte, src, dst netip.Addr, sport, dport uint16, seg tcp.Segment, payload []byte) ([]byte, tcp.Packet) {
	v4f, err := ipv4.NewFrame(buf)
	if err != nil {
		panic(err)
	}
	v4f.ClearHeader()
	v4f.SetVersionAndIHL(4, 5)
	v4f.SetTotalLength(uint16(len(buf)))
	v4f.SetTTL(64)
	v4f.SetProtocol(6)
	v4f.SetSourceAddr(src.As4())
	v4f.SetDestinationAddr(dst.As4())

	tfrm, err := tcp.NewFrame(buf[20:])
	if err != nil {
		panic(err)
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(sport)
	tfrm.SetDestinationPort(dport)
	tfrm.SetSegment(seg, 5)
	copy(tfrm.RawData()[20:], payload)

	return buf, tcp.Packet{V4: v4f, TCP: tfrm}
}
