package ds2480

import (
	"fmt"
	"time"
)

// fakeLink is a simulated DS2480B: it answers each write with a
// scripted reply, or computes one if a responder function was
// registered for the command byte(s) just written. This plays the role
// onewiretest.Playback plays for periph onewire consumers, since here
// we are testing the transport-facing side, not a consumer of it.
type fakeLink struct {
	baud int

	// script is consumed in order: each entry's out bytes are returned
	// from the next read. An entry's in bytes are not compared against
	// what was written.
	script []fakeExchange

	// respond, if set, computes a reply for any write not covered by
	// script; used by tests that don't want to hand-encode every byte.
	respond func(written []byte) []byte

	writes [][]byte
	pos    int
}

type fakeExchange struct {
	in  []byte
	out []byte
}

func (f *fakeLink) Write(data []byte) error {
	f.writes = append(f.writes, append([]byte{}, data...))
	return nil
}

func (f *fakeLink) ReadFull(buf []byte, timeout time.Duration) error {
	if f.pos < len(f.script) {
		ex := f.script[f.pos]
		f.pos++
		if len(ex.out) != len(buf) {
			return fmt.Errorf("fakeLink: script reply length %d, want %d", len(ex.out), len(buf))
		}
		copy(buf, ex.out)
		return nil
	}
	if f.respond != nil && len(f.writes) > 0 {
		out := f.respond(f.writes[len(f.writes)-1])
		if len(out) != len(buf) {
			return fmt.Errorf("fakeLink: responder reply length %d, want %d", len(out), len(buf))
		}
		copy(buf, out)
		return nil
	}
	return fmt.Errorf("fakeLink: no scripted reply available")
}

func (f *fakeLink) Flush() error          { return nil }
func (f *fakeLink) SendBreak() error      { return nil }
func (f *fakeLink) PowerReset() error     { return nil }
func (f *fakeLink) StartBreak() error     { return nil }
func (f *fakeLink) EndBreak() error       { return nil }
func (f *fakeLink) ChangeBaud(b int) error { f.baud = b; return nil }
func (f *fakeLink) Baud() int             { return f.baud }
func (f *fakeLink) Name() string          { return "fake0" }
func (f *fakeLink) Close() error          { return nil }

func newFakeLink() *fakeLink {
	return &fakeLink{baud: 9600}
}

// replyBitIO builds the reply byte decodeBitIOReply expects for the
// given speed/bit, with status (armed) bit clear.
func replyBitIO(speed Speed, bit bool) byte {
	b := byte(0x81) | speedCode(speed)<<4
	if bit {
		b |= 0x0C
	}
	return b
}

// replyReset builds the reply byte decodeResetReply expects.
func replyReset(result ResetResult) byte {
	return 0xC0 | byte(result)
}

// replyParam builds the reply byte decodeParamReply expects.
func replyParam(p paramCode, value byte) byte {
	return byte(p&0x7)<<3 | (value & 0x7)
}

// replyPulse builds the reply byte decodePulseReply expects for an
// unarmed, non-indefinite pulse command of the given type.
func replyPulse(pt pulseType) byte {
	b := byte(0xE3)
	if pt == pulseProgram {
		b |= 0x10
	}
	return b
}
