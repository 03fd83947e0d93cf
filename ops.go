package ds2480

import (
	"fmt"
	"time"
)

// OwOps is the 1-Wire primitive surface: reset, bit/byte/block I/O,
// ROM selection, presence checks, speed and power-level control. Every
// method assumes the caller already holds the owning Handle's
// ExclusiveLock.
type OwOps struct {
	link   wireLink
	framer *Framer
	search *SearchEngine
	state  *AdapterState
}

func newOwOps(link wireLink, framer *Framer, state *AdapterState) *OwOps {
	return &OwOps{
		link:   link,
		framer: framer,
		search: newSearchEngine(link, framer),
		state:  state,
	}
}

const maxBlockChunk = 128

// setLink rewires this OwOps (and its SearchEngine) onto a new link
// after Handle.reopen replaces the underlying serial connection, so
// callers holding a *OwOps from Ops() keep working against the
// reopened port.
func (o *OwOps) setLink(l wireLink) {
	o.link = l
	o.search.link = l
}

// Reset issues a 1-Wire reset at the current speed, clearing any armed
// power state first.
func (o *OwOps) Reset() (ResetResult, error) {
	o.state.armOnNextBit = false
	o.state.armOnNextByte = false
	o.state.arming = ArmNow

	pb := newPacketBuilder(o.framer)
	off := pb.AddReset(o.state.speed)
	reply, err := pb.Execute(o.link)
	if err != nil {
		return NoPresence, err
	}
	result, ok := decodeResetReply(reply[off])
	if !ok {
		return NoPresence, newErr(ProtocolEcho, o.link.Name(), fmt.Errorf("malformed reset reply %#x", reply[off]))
	}
	return result, nil
}

// PutBit writes one bit. If an armed power transition is pending on the
// next bit, it takes effect as part of this primitive and the arming
// flag is cleared.
func (o *OwOps) PutBit(bit bool) error {
	_, err := o.bitIO(bit)
	return err
}

// GetBit reads one bit (by writing a 1 and observing the read-back).
func (o *OwOps) GetBit() (bool, error) {
	return o.bitIO(true)
}

func (o *OwOps) bitIO(data bool) (bool, error) {
	arm := o.state.armOnNextBit
	o.state.armOnNextBit = false

	pb := newPacketBuilder(o.framer)
	off := pb.AddBitIO(o.state.speed, arm, data)
	reply, err := pb.Execute(o.link)
	if err != nil {
		return false, err
	}
	bit, _, ok := decodeBitIOReply(reply[off])
	if !ok {
		return false, newErr(ProtocolEcho, o.link.Name(), fmt.Errorf("malformed bit-io reply %#x", reply[off]))
	}
	if arm {
		o.applyArmedPower()
	}
	return bit, nil
}

// PutByte writes one byte, msb handling left to the caller (1-Wire is
// lsb-first on the wire; callers pass the byte as-is and Block/PutByte
// send bit 0 first).
func (o *OwOps) PutByte(b byte) error {
	_, err := o.byteIO(b)
	return err
}

// GetByte reads one byte.
func (o *OwOps) GetByte() (byte, error) {
	return o.byteIO(0xFF)
}

func (o *OwOps) byteIO(out byte) (byte, error) {
	arm := o.state.armOnNextByte
	o.state.armOnNextByte = false

	pb := newPacketBuilder(o.framer)
	offs := make([]int, 8)
	for i := 0; i < 8; i++ {
		bitArm := false
		if i == 7 {
			bitArm = arm
		}
		offs[i] = pb.AddBitIO(o.state.speed, bitArm, out&(1<<uint(i)) != 0)
	}
	reply, err := pb.Execute(o.link)
	if err != nil {
		return 0, err
	}
	var in byte
	for i, off := range offs {
		bit, _, ok := decodeBitIOReply(reply[off])
		if !ok {
			return 0, newErr(ProtocolEcho, o.link.Name(), fmt.Errorf("malformed bit-io reply %#x", reply[off]))
		}
		if bit {
			in |= 1 << uint(i)
		}
	}
	if arm {
		o.applyArmedPower()
	}
	return in, nil
}

// applyArmedPower transitions state.power once an armOnNextBit/
// armOnNextByte primitive has actually fired its pending pulse, per
// the power/program pulse type startPulse recorded when it deferred.
func (o *OwOps) applyArmedPower() {
	if o.state.armedPulseType == pulseProgram {
		o.state.power = ProgramPulse
	} else {
		o.state.power = StrongPullup
	}
}

// Block performs a bidirectional transfer: bytes in buf are sent, and
// each position is overwritten with the concurrent slave read-back.
// Transfers larger than 128 bytes are split into chunks so a single
// batch's reply never exceeds the adapter's buffering.
func (o *OwOps) Block(buf []byte) error {
	for start := 0; start < len(buf); start += maxBlockChunk {
		end := start + maxBlockChunk
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[start:end]
		pb := newPacketBuilder(o.framer)
		off := pb.AddDataBlock(chunk)
		reply, err := pb.Execute(o.link)
		if err != nil {
			return err
		}
		copy(chunk, reply[off:off+len(chunk)])
	}
	return nil
}

const cmdMatchRom = 0x55
const cmdSkipRom = 0xCC

// SelectRom issues a reset and, on presence or alarm, addresses addr
// via Match ROM. It returns (false, nil) on no-presence rather than an
// error.
func (o *OwOps) SelectRom(addr RomAddress) (bool, error) {
	result, err := o.Reset()
	if err != nil {
		return false, err
	}
	if result != Presence && result != Alarm {
		return false, nil
	}
	if err := o.PutByte(cmdMatchRom); err != nil {
		return false, err
	}
	if err := o.Block(append([]byte{}, addr[:]...)); err != nil {
		return false, err
	}
	return true, nil
}

// AssertSelect is SelectRom but treats no-presence as a NoPresence
// error instead of a false return.
func (o *OwOps) AssertSelect(addr RomAddress) error {
	ok, err := o.SelectRom(addr)
	if err != nil {
		return err
	}
	if !ok {
		return newRomErr(NoPresence, o.link.Name(), addr, fmt.Errorf("no presence selecting rom"))
	}
	return nil
}

// IsPresent checks whether addr is on the bus without disturbing the
// search cursor. In Overdrive it uses the strong-access directed
// presence test; in Regular/Flex it reuses the triplet search seeded
// with addr and confirms the returned ROM matches.
func (o *OwOps) IsPresent(addr RomAddress) (bool, error) {
	return o.presenceCheck(addr, searchNormal)
}

// IsAlarming is IsPresent using the alarming-only search command.
func (o *OwOps) IsAlarming(addr RomAddress) (bool, error) {
	return o.presenceCheck(addr, searchAlarm)
}

func (o *OwOps) presenceCheck(addr RomAddress, cmd searchCommand) (bool, error) {
	if o.state.speed == Overdrive {
		return o.search.strongAccess(o.state.speed, addr, cmd)
	}

	saved := o.state.cursor
	savedAlarm := o.state.onlyAlarming
	o.state.cursor.reset()
	o.state.cursor.lastDiscrepancy = 64
	o.state.cursor.lastRom = addr
	o.state.onlyAlarming = cmd == searchAlarm
	defer func() {
		o.state.cursor = saved
		o.state.onlyAlarming = savedAlarm
	}()

	found, ok, err := o.search.searchOnce(o.state)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return found == addr, nil
}

// SetSpeed changes the signalling speed for subsequent primitives; the
// new parameter group applies on the next command.
func (o *OwOps) SetSpeed(speed Speed) {
	o.state.speed = speed
}

// SetPowerDuration records d as the strong-pullup pulse duration in the
// adapter state. It sends nothing to the adapter, so the length of the
// fixed pulse the adapter drives is not changed by it.
func (o *OwOps) SetPowerDuration(d time.Duration) {
	o.state.powerDuration = d
}

// SetProgramPulseDuration records d as the 12V program pulse duration
// in the adapter state. It sends nothing to the adapter, so the length
// of the fixed pulse the adapter drives is not changed by it.
func (o *OwOps) SetProgramPulseDuration(d time.Duration) {
	o.state.programDuration = d
}

// StartPowerDelivery arms a strong-pullup power transition according to
// arming (immediately, on the next bit, or on the next byte).
func (o *OwOps) StartPowerDelivery(arming PowerArming) error {
	return o.startPulse(pulsePower, arming)
}

// StartProgramPulse arms a 12V program pulse according to arming.
func (o *OwOps) StartProgramPulse(arming PowerArming) error {
	return o.startPulse(pulseProgram, arming)
}

func (o *OwOps) startPulse(pt pulseType, arming PowerArming) error {
	o.state.arming = arming
	switch arming {
	case ArmAfterNextBit:
		o.state.armOnNextBit = true
		o.state.armedPulseType = pt
		return nil
	case ArmAfterNextByte:
		o.state.armOnNextByte = true
		o.state.armedPulseType = pt
		return nil
	}

	pb := newPacketBuilder(o.framer)
	off := pb.AddPulse(pt, false, false)
	reply, err := pb.Execute(o.link)
	if err != nil {
		return err
	}
	if !decodePulseReply(pt, reply[off]) {
		return newErr(ProtocolEcho, o.link.Name(), fmt.Errorf("malformed pulse reply %#x", reply[off]))
	}
	if pt == pulseProgram {
		o.state.power = ProgramPulse
	} else {
		o.state.power = StrongPullup
	}
	return nil
}

// StartBreak drops DTR and RTS, forcing a 0V bus condition for
// parasite-powered slaves, and marks the power level Break.
func (o *OwOps) StartBreak() error {
	if err := o.link.StartBreak(); err != nil {
		return err
	}
	o.state.power = Break
	return nil
}

// SetPowerNormal returns the bus to the idle, weak-pullup level from
// either StrongPullup or Break.
//
// From StrongPullup, the adapter cannot cleanly stop a pulse without a
// stop-pulse command bracketed by two start-pulse commands: stop-pulse,
// start-pulse-no-prime, stop-pulse.
//
// From Break, DTR/RTS are re-asserted and the line settles for 300ms.
// The adapter is not re-verified here: needsVerify is set, and the next
// Handle Tx/Search/SearchFirst/SearchNext call re-runs the master-reset
// handshake and verify before doing anything else.
func (o *OwOps) SetPowerNormal() error {
	switch o.state.power {
	case StrongPullup:
		pb := newPacketBuilder(o.framer)
		offStop1 := pb.AddPulse(pulsePower, false, false)
		offStart := pb.AddPulse(pulsePower, false, false)
		offStop2 := pb.AddPulse(pulsePower, false, false)
		reply, err := pb.Execute(o.link)
		if err != nil {
			return err
		}
		for _, off := range []int{offStop1, offStart, offStop2} {
			if !decodePulseReply(pulsePower, reply[off]) {
				return newErr(ProtocolEcho, o.link.Name(), fmt.Errorf("malformed stop/start/stop pulse reply %#x", reply[off]))
			}
		}
		o.state.power = Normal
		return nil
	case Break:
		if err := o.link.EndBreak(); err != nil {
			return err
		}
		o.state.power = Normal
		o.state.needsVerify = true
		return nil
	default:
		o.state.power = Normal
		return nil
	}
}
