package ds2480

import "time"

// wireLink is the byte-pipe surface PacketBuilder, OwOps and
// SearchEngine need from a transport. *SerialLink implements it over a
// real UART; tests substitute a fake that plays a scripted DS2480B.
type wireLink interface {
	Write(data []byte) error
	ReadFull(buf []byte, timeout time.Duration) error
	Flush() error
	SendBreak() error
	PowerReset() error
	StartBreak() error
	EndBreak() error
	ChangeBaud(newBaud int) error
	Baud() int
	Name() string
	Close() error
}

var _ wireLink = (*SerialLink)(nil)
