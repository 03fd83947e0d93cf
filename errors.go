package ds2480

import "fmt"

// Kind classifies the error taxonomy a driver operation can surface. It is a
// closed set, not an open-ended error type hierarchy.
type Kind int

const (
	// Io is an underlying serial read/write failure, timeout, or port not
	// open.
	Io Kind = iota
	// ProtocolEcho is an adapter reply with wrong reserved bits, wrong
	// length, or that disagrees with the command sent.
	ProtocolEcho
	// NoPresence is a 1-Wire reset that returned no-presence when a slave
	// was required.
	NoPresence
	// BusShort is a 1-Wire reset that returned a bus-short condition.
	BusShort
	// Crc is a scratchpad/page/ROM CRC verification failure.
	Crc
	// NotSupported is a capability not available on this adapter.
	NotSupported
	// InvalidArgument is a programming error: out-of-range value or
	// mismatched-adapter path operation.
	InvalidArgument
	// AdapterLost is a repeated verify failure; the port must be reopened.
	AdapterLost
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case ProtocolEcho:
		return "protocol echo"
	case NoPresence:
		return "no presence"
	case BusShort:
		return "bus short"
	case Crc:
		return "crc"
	case NotSupported:
		return "not supported"
	case InvalidArgument:
		return "invalid argument"
	case AdapterLost:
		return "adapter lost"
	default:
		return "unknown"
	}
}

// Error is the error type every exported operation in this package returns.
// It carries the target Rom and Port, when applicable, so a caller can log
// or restart the affected subtree.
type Error struct {
	Kind Kind
	Port string
	Rom  RomAddress
	// HasRom distinguishes a zero RomAddress from "no address applies".
	HasRom bool
	Err    error
}

func (e *Error) Error() string {
	if e.HasRom {
		return fmt.Sprintf("ds2480: %s: %s [rom %s, port %s]", e.Kind, e.Err, e.Rom, e.Port)
	}
	return fmt.Sprintf("ds2480: %s: %s [port %s]", e.Kind, e.Err, e.Port)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BusError implements periph.io/x/conn/v3/onewire.BusError: Crc, NoPresence
// and BusShort all indicate a 1-Wire electrical or protocol condition rather
// than a problem with the adapter itself.
func (e *Error) BusError() bool {
	switch e.Kind {
	case Crc, NoPresence, BusShort:
		return true
	default:
		return false
	}
}

// NoDevices implements onewire.NoDevicesError.
func (e *Error) NoDevices() bool {
	return e.Kind == NoPresence
}

// IsShorted implements onewire.ShortedBusError.
func (e *Error) IsShorted() bool {
	return e.Kind == BusShort
}

func newErr(kind Kind, port string, err error) *Error {
	return &Error{Kind: kind, Port: port, Err: err}
}

func newRomErr(kind Kind, port string, rom RomAddress, err error) *Error {
	return &Error{Kind: kind, Port: port, Rom: rom, HasRom: true, Err: err}
}
