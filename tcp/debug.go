package tcp

import (
	"context"
	"log/slog"

	"github.com/packetforge/tcpxlat/internal"
)

// connLogger wraps a nullable *slog.Logger the way the source repo's
// ControlBlock embeds its logger: absent by default, attached by the
// framework when a connection needs tracing.
type connLogger struct {
	log *slog.Logger
}

// SetLogger attaches l to the connection for debug/trace logging.
func (cp *Conn) SetLogger(l *slog.Logger) {
	if cp.log == nil {
		cp.log = &connLogger{}
	}
	cp.log.log = l
}

func (cp *Conn) logenabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (cp.log != nil && cp.log.log != nil && cp.log.log.Handler().Enabled(context.Background(), lvl))
}

func (cp *Conn) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	var l *slog.Logger
	if cp.log != nil {
		l = cp.log.log
	}
	internal.LogAttrs(l, lvl, msg, attrs...)
}

func (cp *Conn) debug(msg string, attrs ...slog.Attr) {
	cp.logattrs(slog.LevelDebug, msg, attrs...)
}

func (cp *Conn) trace(msg string, attrs ...slog.Attr) {
	cp.logattrs(internal.LevelTrace, msg, attrs...)
}

func (cp *Conn) logerr(msg string, attrs ...slog.Attr) {
	cp.logattrs(slog.LevelError, msg, attrs...)
}

func (cp *Conn) traceState(msg string) {
	cp.trace(msg,
		slog.String("state", cp.State.String()),
		slog.String("old_state", cp.OldState.String()),
		slog.Uint64("timeout", uint64(cp.Timeout)),
	)
}

func (cp *Conn) traceSeg(msg string, seg Segment) {
	if cp.logenabled(internal.LevelTrace) {
		attrs := []slog.Attr{
			slog.Uint64("seg.seq", uint64(seg.SEQ)),
			slog.Uint64("seg.ack", uint64(seg.ACK)),
			slog.Uint64("seg.wnd", uint64(seg.WND)),
			slog.String("seg.flags", seg.Flags.String()),
			slog.Uint64("seg.data", uint64(seg.DATALEN)),
		}
		if cp.IsIPv4() {
			cAddr, dAddr := cp.CAddr.As4(), cp.DAddr.As4()
			attrs = append(attrs, internal.SlogAddr4("cip", &cAddr), internal.SlogAddr4("dip", &dAddr))
		}
		cp.trace(msg, attrs...)
	}
}
