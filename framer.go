package ds2480

// frameMode is which of the DS2480B's two wire modes the adapter is
// currently in. The Framer tracks this so PacketBuilder only emits a
// mode-switch byte when the mode actually needs to change.
type frameMode int

const (
	modeCommand frameMode = iota
	modeData
)

const (
	modeSwitchToCommand byte = 0xE3
	modeSwitchToData    byte = 0xE1

	// timingByte is sent alone, once, during the master-reset handshake to
	// let the adapter measure the host's bit period. It is not a regular
	// reset command and has no 2-bit speed field.
	timingByte byte = 0xC1
)

// speedCode is the 2-bit field DS2480B commands use to select a 1-Wire
// signalling speed. 0b00 is reserved; Regular/Flex/Overdrive occupy the
// other three codes so that the bit-I/O reply's high nibble reads 0x9x
// for a Regular-speed, non-armed reply (see decodeBitIOReply).
func speedCode(s Speed) byte {
	switch s {
	case Regular:
		return 1
	case Flex:
		return 2
	case Overdrive:
		return 3
	default:
		return 1
	}
}

func speedFromCode(c byte) (Speed, bool) {
	switch c & 0x3 {
	case 1:
		return Regular, true
	case 2:
		return Flex, true
	case 3:
		return Overdrive, true
	default:
		return Regular, false
	}
}

// paramCode selects which AdapterState timing parameter a set/read
// parameter command addresses.
type paramCode byte

const (
	paramSlew paramCode = iota
	paramWrite1Low
	paramSampleOffset
	paramBaud
)

// baudCode maps a UART baud rate to the adapter's 3-bit parameter value.
func baudCode(baud int) (byte, bool) {
	switch baud {
	case 9600:
		return 0, true
	case 19200:
		return 1, true
	case 57600:
		return 2, true
	case 115200:
		return 3, true
	default:
		return 0, false
	}
}

func baudFromCode(c byte) (int, bool) {
	switch c & 0x7 {
	case 0:
		return 9600, true
	case 1:
		return 19200, true
	case 2:
		return 57600, true
	case 3:
		return 115200, true
	default:
		return 0, false
	}
}

// ResetResult is the 1-Wire condition a reset primitive observed.
type ResetResult int

const (
	NoPresence ResetResult = iota
	Presence
	Short
	Alarm
)

func (r ResetResult) String() string {
	switch r {
	case NoPresence:
		return "no presence"
	case Presence:
		return "presence"
	case Short:
		return "short"
	case Alarm:
		return "alarm"
	default:
		return "unknown reset result"
	}
}

// Framer turns logical DS2480B primitives into the bytes the UART must
// carry, and decodes the adapter's one-byte-per-primitive command-mode
// replies. It holds no I/O state of its own; PacketBuilder drives it.
type Framer struct {
	mode frameMode
}

func newFramer() *Framer {
	return &Framer{mode: modeCommand}
}

// enterCommand returns the bytes needed to switch into command-mode, or
// nil if already there.
func (f *Framer) enterCommand() []byte {
	if f.mode == modeCommand {
		return nil
	}
	f.mode = modeCommand
	return []byte{modeSwitchToCommand}
}

// encodeData returns the wire bytes for a data-mode payload: a leading
// mode-switch byte if needed, plus payload with any 0xE3 byte doubled.
// The reply is always exactly len(payload) bytes regardless of
// escaping.
func (f *Framer) encodeData(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	if f.mode != modeData {
		out = append(out, modeSwitchToData)
		f.mode = modeData
	}
	for _, b := range payload {
		out = append(out, b)
		if b == modeSwitchToCommand {
			out = append(out, modeSwitchToCommand)
		}
	}
	return out
}

// encodeBitIO builds a single-bit I/O command: send bit `data`, arming
// a pending power transition if arm is set.
func (f *Framer) encodeBitIO(speed Speed, arm bool, data bool) []byte {
	out := f.enterCommand()
	var b byte = 0x81
	if arm {
		b |= 0x20
	}
	b |= speedCode(speed) << 3
	if data {
		b |= 0x04
	}
	return append(out, b)
}

// decodeBitIOReply extracts the read-back bit and the adapter's
// reported speed from a single-bit I/O reply byte.
func decodeBitIOReply(reply byte) (bit bool, speed Speed, ok bool) {
	if reply&0x81 != 0x81 {
		return false, Regular, false
	}
	sp, spOk := speedFromCode(reply >> 4)
	if !spOk {
		return false, Regular, false
	}
	data1 := reply&0x08 != 0
	data0 := reply&0x04 != 0
	if data1 != data0 {
		return false, Regular, false
	}
	return data0, sp, true
}

// encodeReset builds a 1-Wire reset command at the given speed.
func (f *Framer) encodeReset(speed Speed) []byte {
	out := f.enterCommand()
	b := byte(0xC1) | speedCode(speed)<<2
	return append(out, b)
}

// decodeResetReply extracts the bus condition from a reset reply byte.
func decodeResetReply(reply byte) (ResetResult, bool) {
	if reply&0xF0 != 0xC0 {
		return NoPresence, false
	}
	switch reply & 0x3 {
	case 0:
		return NoPresence, true
	case 1:
		return Presence, true
	case 2:
		return Short, true
	case 3:
		return Alarm, true
	}
	return NoPresence, false
}

// pulseType distinguishes the two pulse commands: strong power delivery
// (5V) and EPROM programming (12V).
type pulseType byte

const (
	pulsePower pulseType = iota
	pulseProgram
)

// encodePulse builds a pulse start/stop command. duration selects a
// fixed, parameter-table-driven pulse (false) or an indefinite one that
// must be stopped explicitly (true); arm requests the pulse begin on
// the next bit/byte primitive rather than immediately.
func (f *Framer) encodePulse(pt pulseType, arm bool, indefinite bool) []byte {
	out := f.enterCommand()
	b := byte(0xE3)
	if pt == pulseProgram {
		b |= 0x10
	}
	if arm {
		b |= 0x08
	}
	if indefinite {
		b |= 0x04
	}
	return append(out, b)
}

// decodePulseReply verifies a pulse start/stop reply echoes the command
// type that was sent: the fixed bits 7/6/5/1/0 (the 0xE3 frame) must be
// intact and the TYPE bit must match pt. This is the "echo with status
// in low bits" shape §4.1 describes; it catches a disagreeing or
// corrupted adapter reply the same way decodeBitIOReply/decodeResetReply
// catch a malformed bit-I/O or reset echo.
func decodePulseReply(pt pulseType, reply byte) bool {
	if reply&0xE3 != 0xE3 {
		return false
	}
	want := byte(0)
	if pt == pulseProgram {
		want = 0x10
	}
	return reply&0x10 == want
}

// encodeSetParam builds a set-parameter command.
func (f *Framer) encodeSetParam(p paramCode, value byte) []byte {
	out := f.enterCommand()
	b := byte(0x01) | byte(p&0x7)<<4 | (value&0x7)<<1
	return append(out, b)
}

// encodeReadParam builds a read-parameter command.
func (f *Framer) encodeReadParam(p paramCode) []byte {
	out := f.enterCommand()
	b := byte(0x01) | byte(p&0x7)<<4
	return append(out, b)
}

// decodeParamReply extracts the parameter code and value from a
// set/read-parameter reply byte.
func decodeParamReply(reply byte) (p paramCode, value byte, ok bool) {
	if reply&0xC0 != 0 {
		return 0, 0, false
	}
	return paramCode((reply >> 3) & 0x7), reply & 0x7, true
}
