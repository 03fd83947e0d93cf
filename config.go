package ds2480

import "time"

// Config configures how a Handle opens and talks to a DS9097U/DS2480B
// adapter. A zero Config is not valid; start from DefaultConfig.
type Config struct {
	// BytebangRead polls for input byte-by-byte instead of relying on
	// the UART driver's available-then-read behavior, for serial
	// drivers whose read timeout handling is unreliable.
	BytebangRead bool

	// DefaultBaud is the UART baud rate used for the initial handshake.
	// The DS2480B requires 9600 here; PacketBuilder may still raise the
	// rate afterward for streaming operations.
	DefaultBaud int

	// OpenTimeout is the read timeout the serial port is opened with,
	// on Open and when the port is reopened after a failed verify.
	// Reads during the handshake and verify use their own per-batch
	// timeouts, and Open's ctx is checked between handshake attempts.
	OpenTimeout time.Duration
}

// DefaultConfig is the configuration used when Open is called with a
// nil *Config.
var DefaultConfig = Config{
	BytebangRead: false,
	DefaultBaud:  9600,
	OpenTimeout:  2 * time.Second,
}

// Capabilities reports what a given adapter revision supports. All
// fields except CanProgram are compile-time constant for the DS2480B
// target; CanProgram depends on the revision byte observed during the
// master-reset handshake.
type Capabilities struct {
	CanOverdrive       bool
	CanFlex            bool
	CanProgram         bool
	CanDeliverPower    bool
	CanDeliverSmartPower bool
	CanBreak           bool
	CanHyperdrive      bool
}

// capabilitiesForRevision derives a Capabilities set from the
// revisionByte the adapter echoed during its first reset. Bit 0x10
// marks programming (12V) support on DS2480B silicon; every other
// capability is a fixed property of the DS2480B command set.
func capabilitiesForRevision(revision byte) Capabilities {
	return Capabilities{
		CanOverdrive:         true,
		CanFlex:              true,
		CanProgram:           revision&0x10 != 0,
		CanDeliverPower:      true,
		CanDeliverSmartPower: false,
		CanBreak:             true,
		CanHyperdrive:        false,
	}
}
