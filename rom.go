package ds2480

import (
	"encoding/hex"
	"fmt"

	"periph.io/x/conn/v3/onewire"
)

// RomAddress is a 1-Wire slave's 64-bit unique address: byte 0 is the family
// code, bytes 1..6 are a unique serial, byte 7 is a CRC-8 of bytes 0..6.
type RomAddress [8]byte

// Family returns the device family code, the low byte of the address.
func (r RomAddress) Family() byte {
	return r[0]
}

// Valid reports whether the CRC-8 of the address resolves to zero, i.e. the
// address is a well-formed ROM rather than noise read off a faulted bus.
func (r RomAddress) Valid() bool {
	return crc8(r[:]) == 0
}

// String renders the address as 16 hex digits in storage order: the
// family code (byte 0) first, the CRC-8 byte (byte 7) last.
func (r RomAddress) String() string {
	return hex.EncodeToString(r[:])
}

// Long converts the address to periph.io/x/conn/v3/onewire's little-endian
// uint64 convention: byte 0 (family) is the least-significant byte.
func (r RomAddress) Long() onewire.Address {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(r[i])
	}
	return onewire.Address(v)
}

// RomAddressFromLong is the inverse of RomAddress.Long.
func RomAddressFromLong(a onewire.Address) RomAddress {
	v := uint64(a)
	var r RomAddress
	for i := 0; i < 8; i++ {
		r[i] = byte(v)
		v >>= 8
	}
	return r
}

// RomAddressFromBytes copies an 8-byte ROM out of b. It does not validate the
// CRC; callers that require a well-formed address should check Valid().
func RomAddressFromBytes(b []byte) (RomAddress, error) {
	var r RomAddress
	if len(b) != 8 {
		return r, &Error{Kind: InvalidArgument, Err: fmt.Errorf("ds2480: rom address must be 8 bytes, got %d", len(b))}
	}
	copy(r[:], b)
	return r, nil
}

// ParseRomAddress parses a 16-hex-digit string in the same storage order
// RomAddress.String renders (family code first, CRC-8 byte last).
func ParseRomAddress(s string) (RomAddress, error) {
	var r RomAddress
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return r, &Error{Kind: InvalidArgument, Err: fmt.Errorf("ds2480: invalid rom address string %q", s)}
	}
	copy(r[:], b)
	return r, nil
}
