package ds2480

import "testing"

func TestFramerEntersCommandOnlyOnce(t *testing.T) {
	f := newFramer()
	if out := f.enterCommand(); out != nil {
		t.Fatalf("enterCommand from fresh framer = %v, want nil (already in command mode)", out)
	}
	f.mode = modeData
	out := f.enterCommand()
	if len(out) != 1 || out[0] != modeSwitchToCommand {
		t.Fatalf("enterCommand from data mode = %v, want [0xE3]", out)
	}
	if out := f.enterCommand(); out != nil {
		t.Fatalf("second enterCommand = %v, want nil", out)
	}
}

func TestEncodeDataEscapesModeMarker(t *testing.T) {
	f := newFramer()
	f.mode = modeData
	out := f.encodeData([]byte{0x01, 0xE3, 0x02})
	want := []byte{0x01, 0xE3, 0xE3, 0x02}
	if string(out) != string(want) {
		t.Fatalf("encodeData = %#v, want %#v", out, want)
	}
}

func TestEncodeDataPrependsModeSwitch(t *testing.T) {
	f := newFramer()
	out := f.encodeData([]byte{0xAA})
	want := []byte{modeSwitchToData, 0xAA}
	if string(out) != string(want) {
		t.Fatalf("encodeData = %#v, want %#v", out, want)
	}
	if f.mode != modeData {
		t.Fatalf("framer mode = %v, want modeData", f.mode)
	}
}

func TestBitIORoundTrip(t *testing.T) {
	f := newFramer()
	cmd := f.encodeBitIO(Regular, false, true)
	if len(cmd) != 1 {
		t.Fatalf("encodeBitIO produced %d bytes, want 1", len(cmd))
	}
	reply := replyBitIO(Regular, true)
	bit, speed, ok := decodeBitIOReply(reply)
	if !ok || !bit || speed != Regular {
		t.Fatalf("decodeBitIOReply(%#x) = (%v,%v,%v), want (true,Regular,true)", reply, bit, speed, ok)
	}
}

func TestResetRoundTrip(t *testing.T) {
	f := newFramer()
	cmd := f.encodeReset(Overdrive)
	if len(cmd) != 1 || cmd[0]&0xF0 != 0xC0 {
		t.Fatalf("encodeReset = %#x, want high nibble 0xC", cmd)
	}
	for _, want := range []ResetResult{NoPresence, Presence, Short, Alarm} {
		got, ok := decodeResetReply(replyReset(want))
		if !ok || got != want {
			t.Fatalf("decodeResetReply(replyReset(%v)) = (%v,%v)", want, got, ok)
		}
	}
}

func TestParamRoundTrip(t *testing.T) {
	f := newFramer()
	cmd := f.encodeSetParam(paramSlew, 5)
	if len(cmd) != 1 {
		t.Fatalf("encodeSetParam produced %d bytes, want 1", len(cmd))
	}
	p, v, ok := decodeParamReply(replyParam(paramSlew, 5))
	if !ok || p != paramSlew || v != 5 {
		t.Fatalf("decodeParamReply = (%v,%v,%v), want (paramSlew,5,true)", p, v, ok)
	}
}

func TestBaudCodeRoundTrip(t *testing.T) {
	for _, baud := range []int{9600, 19200, 57600, 115200} {
		code, ok := baudCode(baud)
		if !ok {
			t.Fatalf("baudCode(%d) not ok", baud)
		}
		got, ok := baudFromCode(code)
		if !ok || got != baud {
			t.Fatalf("baudFromCode(baudCode(%d)) = (%d,%v), want (%d,true)", baud, got, ok, baud)
		}
	}
	if _, ok := baudCode(4800); ok {
		t.Fatalf("baudCode(4800) should not be supported")
	}
}
