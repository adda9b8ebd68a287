package vs

import (
	"testing"

	"github.com/packetforge/tcpxlat/tcp"
)

type stubHelper struct {
	initCalls int
}

func (h *stubHelper) PktIn(cp *tcp.Conn, pkt []byte) bool  { return true }
func (h *stubHelper) PktOut(cp *tcp.Conn, pkt []byte) bool { return true }
func (h *stubHelper) Init(cp *tcp.Conn) error {
	h.initCalls++
	return nil
}

func TestRegisterApp_DuplicateRejected(t *testing.T) {
	r := &AppRegistry{}
	h1, h2 := &stubHelper{}, &stubHelper{}
	if err := r.RegisterApp(21, h1); err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}
	if err := r.RegisterApp(21, h2); err != ErrAppExists {
		t.Errorf("err = %v, want ErrAppExists", err)
	}
}

func TestRegisterApp_DifferentPortsCoexist(t *testing.T) {
	r := &AppRegistry{}
	h1, h2 := &stubHelper{}, &stubHelper{}
	if err := r.RegisterApp(21, h1); err != nil {
		t.Fatalf("RegisterApp(21): %v", err)
	}
	if err := r.RegisterApp(276, h2); err != nil { // foldPort(276) == foldPort(21) == 21, same bucket
		t.Fatalf("RegisterApp(276): %v", err)
	}
	cp := &tcp.Conn{Flags: tcp.FlagMASQ}
	if err := r.BindApp(cp, 276); err != nil {
		t.Fatalf("BindApp: %v", err)
	}
	if cp.App == nil {
		t.Fatal("App not bound for the second port in the same bucket")
	}
}

func TestBindApp_SkipsFullNAT(t *testing.T) {
	r := &AppRegistry{}
	h := &stubHelper{}
	if err := r.RegisterApp(21, h); err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}
	cp := &tcp.Conn{Flags: tcp.FlagFULLNAT}
	if err := r.BindApp(cp, 21); err != nil {
		t.Fatalf("BindApp: %v", err)
	}
	if cp.App != nil {
		t.Error("App bound on a full-NAT connection; expected skip")
	}
}

func TestBindApp_BindsMatchingClassicNATConn(t *testing.T) {
	r := &AppRegistry{}
	h := &stubHelper{}
	if err := r.RegisterApp(21, h); err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}
	cp := &tcp.Conn{Flags: tcp.FlagMASQ}
	if err := r.BindApp(cp, 21); err != nil {
		t.Fatalf("BindApp: %v", err)
	}
	if cp.App == nil {
		t.Fatal("App not bound")
	}
	if h.initCalls != 1 {
		t.Errorf("Init called %d times, want 1", h.initCalls)
	}
}

func TestBindApp_NoMatchIsNoop(t *testing.T) {
	r := &AppRegistry{}
	cp := &tcp.Conn{Flags: tcp.FlagMASQ}
	if err := r.BindApp(cp, 9999); err != nil {
		t.Fatalf("BindApp: %v", err)
	}
	if cp.App != nil {
		t.Error("App bound despite no registered helper")
	}
}

func TestUnregisterApp(t *testing.T) {
	r := &AppRegistry{}
	h := &stubHelper{}
	_ = r.RegisterApp(21, h)
	r.UnregisterApp(21)
	cp := &tcp.Conn{Flags: tcp.FlagMASQ}
	if err := r.BindApp(cp, 21); err != nil {
		t.Fatalf("BindApp: %v", err)
	}
	if cp.App != nil {
		t.Error("App bound after unregistration")
	}
}

func TestFoldPort_XORsBytes(t *testing.T) {
	if got := foldPort(21); got != 21 {
		t.Errorf("foldPort(21) = %d, want 21", got)
	}
	if got := foldPort(276); got != 21 {
		t.Errorf("foldPort(276) = %d, want 21", got)
	}
}
