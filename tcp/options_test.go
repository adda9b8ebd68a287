package tcp

import (
	"encoding/binary"
	"testing"
)

func TestPutOption(t *testing.T) {
	var buf [16]byte
	op := OptionCodec{}
	n, err := op.PutOption(buf[:], OptWindowScale, 7)
	if err != nil {
		t.Fatalf("PutOption: %v", err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if buf[0] != byte(OptWindowScale) || buf[1] != 3 || buf[2] != 7 {
		t.Errorf("wrote %x, want kind=%d len=3 data=7", buf[:3], OptWindowScale)
	}
}

func TestPutOption_RejectsReservedKinds(t *testing.T) {
	var buf [8]byte
	op := OptionCodec{}
	if _, err := op.PutOption(buf[:], OptEnd); err == nil {
		t.Error("expected error putting OptEnd")
	}
	if _, err := op.PutOption(buf[:], OptNop); err == nil {
		t.Error("expected error putting OptNop")
	}
}

func TestPutOption_ShortBuffer(t *testing.T) {
	var buf [1]byte
	op := OptionCodec{}
	if _, err := op.PutOption(buf[:], OptWindowScale, 7); err == nil {
		t.Error("expected short-buffer error")
	}
}

func TestAdjustMSS_Shrinks(t *testing.T) {
	buf := make([]byte, 4)
	op := OptionCodec{}
	if _, err := op.PutOption16(buf, OptMaxSegmentSize, 1460); err != nil {
		t.Fatalf("PutOption16: %v", err)
	}
	if err := op.AdjustMSS(buf); err != nil {
		t.Fatalf("AdjustMSS: %v", err)
	}
	got := binary.BigEndian.Uint16(buf[2:4])
	if got != 1460-SizeClientAddrOption {
		t.Errorf("mss = %d, want %d", got, 1460-SizeClientAddrOption)
	}
}

func TestAdjustMSS_IgnoresOtherOptions(t *testing.T) {
	// SACK-permitted (2 bytes) followed by EOL must survive untouched.
	buf := []byte{byte(OptSACKPermitted), 2, byte(OptEnd), 0}
	op := OptionCodec{}
	orig := append([]byte(nil), buf...)
	if err := op.AdjustMSS(buf); err != nil {
		t.Fatalf("AdjustMSS: %v", err)
	}
	for i := range buf {
		if buf[i] != orig[i] {
			t.Errorf("byte %d changed: %x -> %x", i, orig[i], buf[i])
		}
	}
}

func TestRemoveTimestamp_RewritesToNops(t *testing.T) {
	buf := make([]byte, 10)
	op := OptionCodec{}
	if _, err := op.PutOption(buf, OptTimestamps, 0, 0, 0, 1, 0, 0, 0, 2); err != nil {
		t.Fatalf("PutOption: %v", err)
	}
	if err := op.RemoveTimestamp(buf); err != nil {
		t.Fatalf("RemoveTimestamp: %v", err)
	}
	for i, b := range buf {
		if b != byte(OptNop) {
			t.Errorf("byte %d = %d, want NOP", i, b)
		}
	}
}

func TestRemoveTimestamp_NoopWhenAbsent(t *testing.T) {
	buf := []byte{byte(OptNop), byte(OptNop), byte(OptEnd)}
	op := OptionCodec{}
	orig := append([]byte(nil), buf...)
	if err := op.RemoveTimestamp(buf); err != nil {
		t.Fatalf("RemoveTimestamp: %v", err)
	}
	for i := range buf {
		if buf[i] != orig[i] {
			t.Errorf("byte %d changed unexpectedly", i)
		}
	}
}

func TestAdjustSACK_SubtractsDelta(t *testing.T) {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint32(buf[2:6], 100000)
	binary.BigEndian.PutUint32(buf[6:10], 100100)
	buf[0] = byte(OptSACK)
	buf[1] = 10

	op := OptionCodec{}
	if err := op.AdjustSACK(buf, 500); err != nil {
		t.Fatalf("AdjustSACK: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf[2:6]); got != 99500 {
		t.Errorf("block1 = %d, want 99500", got)
	}
	if got := binary.BigEndian.Uint32(buf[6:10]); got != 99600 {
		t.Errorf("block2 = %d, want 99600", got)
	}
}

func TestForEachOption_StopsOnBadLength(t *testing.T) {
	// A declared option size smaller than the 2-byte kind+length header is
	// malformed and must stop the walk without panicking.
	buf := []byte{byte(OptMaxSegmentSize), 1, 0, 0}
	op := OptionCodec{}
	called := false
	err := op.ForEachOption(buf, func(OptionKind, []byte) error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("expected an error for an undersized option")
	}
	if called {
		t.Error("callback invoked for a malformed option")
	}
}

func TestForEachOption_SkipsNops(t *testing.T) {
	buf := []byte{byte(OptNop), byte(OptNop), byte(OptSACKPermitted), 2, byte(OptEnd)}
	op := OptionCodec{}
	var seen []OptionKind
	err := op.ForEachOption(buf, func(k OptionKind, _ []byte) error {
		seen = append(seen, k)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachOption: %v", err)
	}
	if len(seen) != 1 || seen[0] != OptSACKPermitted {
		t.Errorf("seen = %v, want [SACKPermitted]", seen)
	}
}

func TestIsSYNWithoutACK(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		want  bool
	}{
		{"bare SYN", FlagSYN, true},
		{"SYN|ACK", FlagSYN | FlagACK, false},
		{"bare ACK", FlagACK, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seg := Segment{Flags: tc.flags}
			if got := seg.IsSYNWithoutACK(); got != tc.want {
				t.Errorf("IsSYNWithoutACK() = %v, want %v", got, tc.want)
			}
		})
	}
}
