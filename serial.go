package ds2480

import (
	"fmt"
	"time"

	goserial "github.com/daedaluz/goserial"
)

// SerialLink is the synchronous byte pipe over the UART to a DS9097U
// adapter. It wraps a goserial.Port with the handful of operations the
// Framer and PacketBuilder need: raw read/write, flush, break, modem
// line control for power-reset escalation, and baud/termios changes for
// streaming speed selection (§4.2).
type SerialLink struct {
	port *goserial.Port
	name string
	baud int

	// bytebangRead, when set, makes ReadFull poll one byte at a time
	// instead of handing the whole remaining buffer to one
	// ReadTimeout call, for UART drivers whose available-then-read
	// behavior is unreliable (Config.BytebangRead).
	bytebangRead bool
}

// openSerial opens name at 9600 baud 8N1, raw mode, blocking reads with
// the given timeout.
func openSerial(name string, readTimeout time.Duration, bytebangRead bool) (*SerialLink, error) {
	opts := goserial.NewOptions().SetReadTimeout(readTimeout)
	port, err := goserial.Open(name, opts)
	if err != nil {
		return nil, newErr(Io, name, fmt.Errorf("open: %w", err))
	}
	link := &SerialLink{port: port, name: name, baud: 9600, bytebangRead: bytebangRead}
	if err := link.setBaud(9600); err != nil {
		port.Close()
		return nil, err
	}
	return link, nil
}

func (l *SerialLink) Close() error {
	if err := l.port.Close(); err != nil {
		return newErr(Io, l.name, fmt.Errorf("close: %w", err))
	}
	return nil
}

// Write sends data verbatim; the Framer is responsible for command/data
// mode escaping before calling this.
func (l *SerialLink) Write(data []byte) error {
	n, err := l.port.Write(data)
	if err != nil {
		return newErr(Io, l.name, fmt.Errorf("write: %w", err))
	}
	if n != len(data) {
		return newErr(Io, l.name, fmt.Errorf("short write: wrote %d of %d bytes", n, len(data)))
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes within timeout, or returns an Io
// error. DS2480B replies are fixed-length per primitive, so a short read
// after the deadline always means the adapter is not responding.
//
// With bytebangRead set, each iteration asks for exactly one byte
// rather than however much of buf remains, so a UART driver that only
// reports "available" data reliably one byte at a time still fills buf
// correctly instead of returning short.
func (l *SerialLink) ReadFull(buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return newErr(Io, l.name, fmt.Errorf("read timeout: got %d of %d bytes", got, len(buf)))
		}
		end := len(buf)
		if l.bytebangRead {
			end = got + 1
		}
		n, err := l.port.ReadTimeout(buf[got:end], remaining)
		if err != nil {
			return newErr(Io, l.name, fmt.Errorf("read: %w", err))
		}
		if n == 0 {
			return newErr(Io, l.name, fmt.Errorf("read timeout: got %d of %d bytes", got, len(buf)))
		}
		got += n
	}
	return nil
}

// Flush discards any unread input and unwritten output. It is used in
// the master-reset handshake and in ChangeBaud; PacketBuilder.Execute
// does not flush before a batch.
func (l *SerialLink) Flush() error {
	if err := l.port.Flush(goserial.TCIOFLUSH); err != nil {
		return newErr(Io, l.name, fmt.Errorf("flush: %w", err))
	}
	return nil
}

// SendBreak drives a serial-line BREAK condition for at least 2ms, the
// first step of the master-reset handshake (§4.1).
func (l *SerialLink) SendBreak() error {
	if err := l.port.SetBreak(); err != nil {
		return newErr(Io, l.name, fmt.Errorf("set break: %w", err))
	}
	time.Sleep(2 * time.Millisecond)
	if err := l.port.ClearBreak(); err != nil {
		return newErr(Io, l.name, fmt.Errorf("clear break: %w", err))
	}
	time.Sleep(2 * time.Millisecond)
	return nil
}

// PowerReset drops DTR and RTS for 300ms then raises them again, the
// escalation used after repeated master-reset failures (§4.1). Leaving
// the Break power level uses EndBreak instead.
func (l *SerialLink) PowerReset() error {
	if err := l.port.DisableModemLines(goserial.TIOCM_DTR | goserial.TIOCM_RTS); err != nil {
		return newErr(Io, l.name, fmt.Errorf("lower dtr/rts: %w", err))
	}
	time.Sleep(300 * time.Millisecond)
	if err := l.port.EnableModemLines(goserial.TIOCM_DTR | goserial.TIOCM_RTS); err != nil {
		return newErr(Io, l.name, fmt.Errorf("raise dtr/rts: %w", err))
	}
	return nil
}

// StartBreak drops DTR and RTS and sleeps 200ms, forcing a 0V bus
// condition for parasite-powered slaves (§4.3 startBreak).
func (l *SerialLink) StartBreak() error {
	if err := l.port.DisableModemLines(goserial.TIOCM_DTR | goserial.TIOCM_RTS); err != nil {
		return newErr(Io, l.name, fmt.Errorf("lower dtr/rts: %w", err))
	}
	time.Sleep(200 * time.Millisecond)
	return nil
}

// EndBreak re-asserts DTR and RTS and sleeps 300ms, the recovery half of
// setPowerNormal when leaving the Break power level.
func (l *SerialLink) EndBreak() error {
	if err := l.port.EnableModemLines(goserial.TIOCM_DTR | goserial.TIOCM_RTS); err != nil {
		return newErr(Io, l.name, fmt.Errorf("raise dtr/rts: %w", err))
	}
	time.Sleep(300 * time.Millisecond)
	return nil
}

// setBaud changes the UART's line speed via the termios2 custom-speed
// path, which accepts the adapter's non-standard rates (9600, 19200,
// 57600, 115200) uniformly.
func (l *SerialLink) setBaud(baud int) error {
	attrs, err := l.port.GetAttr2()
	if err != nil {
		return newErr(Io, l.name, fmt.Errorf("get attr: %w", err))
	}
	attrs.MakeRaw()
	attrs.SetCustomSpeed(uint32(baud))
	if err := l.port.SetAttr2(goserial.TCSANOW, attrs); err != nil {
		return newErr(Io, l.name, fmt.Errorf("set attr: %w", err))
	}
	l.baud = baud
	return nil
}

// ChangeBaud implements the §4.2 streaming baud selection sequence: the
// caller has already written the adapter's set-baudrate command at the
// old rate; this flushes, waits, reconfigures the UART, waits again, and
// lets the caller verify via a parameter read at the new rate. newBaud
// is only committed to l.baud on success; verify failure should call
// ChangeBaud(9600) to revert.
func (l *SerialLink) ChangeBaud(newBaud int) error {
	if err := l.Flush(); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	if err := l.setBaud(newBaud); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

// Baud reports the UART's current configured line speed.
func (l *SerialLink) Baud() int {
	return l.baud
}

// Name reports the port path this link was opened against.
func (l *SerialLink) Name() string {
	return l.name
}
