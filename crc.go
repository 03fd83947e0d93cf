package ds2480

import "github.com/go1wire/ds2480/common"

// Dallas/Maxim 1-Wire CRC-8 uses the polynomial x^8+x^5+x^4+1 processed
// LSB-first (reflected); 0x8C is that polynomial's reflected form. CRC-16
// uses x^16+x^15+x^2+1, whose reflected form is 0xA001.
const (
	crc8Poly  = 0x8C
	crc16Poly = 0xA001
)

// crc8 computes the 1-Wire CRC-8 over data. A well-formed 8-byte ROM
// satisfies crc8(rom[:]) == 0.
func crc8(data []byte) byte {
	return common.CRC8Reflected(data, crc8Poly, 0)
}

// crc16 computes the 1-Wire CRC-16 over data, starting from an initial
// remainder of 0.
func crc16(data []byte) uint16 {
	return common.CRC16Reflected(data, crc16Poly, 0)
}

// crc16Seeded folds data into a running CRC-16 remainder, for validating a
// scratchpad read split across multiple block() calls.
func crc16Seeded(seed uint16, data []byte) uint16 {
	return common.CRC16Reflected(data, crc16Poly, seed)
}
