package ds2480

import (
	"fmt"
	"time"
)

// PacketBuilder accumulates DS2480B primitives into one write burst and
// tracks the offset into the resulting contiguous reply buffer at which
// each primitive's result will land. Batching amortizes UART latency
// across searches (hundreds of triplet operations) and multi-byte I/O.
type PacketBuilder struct {
	framer *Framer
	write  []byte
	// replyLen is the running total of bytes the adapter is expected to
	// reply with; each Add* call returns the offset this total held
	// before growing by that primitive's reply length.
	replyLen int
}

func newPacketBuilder(f *Framer) *PacketBuilder {
	return &PacketBuilder{framer: f}
}

func (b *PacketBuilder) reserve(n int) int {
	off := b.replyLen
	b.replyLen += n
	return off
}

// AddReset appends a 1-Wire reset primitive. The reply is one status
// byte; decode with decodeResetReply.
func (b *PacketBuilder) AddReset(speed Speed) int {
	b.write = append(b.write, b.framer.encodeReset(speed)...)
	return b.reserve(1)
}

// AddBitIO appends a single-bit I/O primitive. The reply is one byte;
// decode with decodeBitIOReply.
func (b *PacketBuilder) AddBitIO(speed Speed, arm bool, data bool) int {
	b.write = append(b.write, b.framer.encodeBitIO(speed, arm, data)...)
	return b.reserve(1)
}

// AddPulse appends a pulse start/stop primitive. The reply is one echo
// byte; decode with decodePulseReply.
func (b *PacketBuilder) AddPulse(pt pulseType, arm bool, indefinite bool) int {
	b.write = append(b.write, b.framer.encodePulse(pt, arm, indefinite)...)
	return b.reserve(1)
}

// AddSetParam appends a set-parameter primitive. The reply is one byte;
// decode with decodeParamReply.
func (b *PacketBuilder) AddSetParam(p paramCode, value byte) int {
	b.write = append(b.write, b.framer.encodeSetParam(p, value)...)
	return b.reserve(1)
}

// AddReadParam appends a read-parameter primitive. The reply is one
// byte; decode with decodeParamReply.
func (b *PacketBuilder) AddReadParam(p paramCode) int {
	b.write = append(b.write, b.framer.encodeReadParam(p)...)
	return b.reserve(1)
}

// AddDataBlock appends a data-mode transfer of payload. The reply is
// exactly len(payload) bytes: the bus read-back for each byte sent,
// regardless of any 0xE3 escaping in the bytes actually written.
func (b *PacketBuilder) AddDataBlock(payload []byte) int {
	b.write = append(b.write, b.framer.encodeData(payload)...)
	return b.reserve(len(payload))
}

// AddSearchAccelerator appends the 16 search-mode accelerator bytes
// SearchEngine built for one triplet search pass. The reply is 16
// bytes, decoded by SearchEngine.interpret.
func (b *PacketBuilder) AddSearchAccelerator(accel [16]byte) int {
	b.write = append(b.write, b.framer.encodeData(accel[:])...)
	return b.reserve(16)
}

// Len reports the total expected reply length accumulated so far.
func (b *PacketBuilder) Len() int {
	return b.replyLen
}

// replyTimeout is the read deadline for a batch of the given expected
// reply length: a per-byte allowance plus a fixed floor, wide enough to
// cover slow adapters without masking a genuinely dead port.
func replyTimeout(n int) time.Duration {
	return 800*time.Millisecond + time.Duration(n)*20*time.Millisecond
}

// Execute writes the accumulated burst and reads back exactly Len()
// bytes, returning the raw reply buffer for the caller to slice at the
// offsets each Add* call returned. The builder is left usable for reuse
// after a successful execute by calling Reset.
func (b *PacketBuilder) Execute(link wireLink) ([]byte, error) {
	if len(b.write) == 0 {
		return nil, nil
	}
	if err := link.Write(b.write); err != nil {
		return nil, err
	}
	reply := make([]byte, b.replyLen)
	if err := link.ReadFull(reply, replyTimeout(b.replyLen)); err != nil {
		return nil, err
	}
	return reply, nil
}

// Reset clears the builder for the next batch, without touching the
// Framer's mode (which persists across batches on the wire).
func (b *PacketBuilder) Reset() {
	b.write = b.write[:0]
	b.replyLen = 0
}

// changeBaud implements the streaming baud-selection sequence (§4.2):
// emit the set-baudrate command at the current rate, flush, wait, set
// the UART, wait, then the caller must verify via a read-parameter
// round-trip at the new rate and revert to 9600 on mismatch.
func changeBaud(link wireLink, framer *Framer, newBaud int) error {
	code, ok := baudCode(newBaud)
	if !ok {
		return newErr(InvalidArgument, link.Name(), fmt.Errorf("unsupported baud rate %d", newBaud))
	}
	pb := newPacketBuilder(framer)
	pb.AddSetParam(paramBaud, code)
	if _, err := pb.Execute(link); err != nil {
		return err
	}
	return link.ChangeBaud(newBaud)
}
