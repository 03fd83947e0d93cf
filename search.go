package ds2480

// searchCommand selects which family of slaves a triplet search visits.
type searchCommand byte

const (
	searchNormal searchCommand = 0xF0
	searchAlarm  searchCommand = 0xEC
)

// SearchEngine implements the 1-Wire triplet search (Dallas Appnote
// 187) on top of a SerialLink, PacketBuilder and Framer. One call to
// next walks the bus tree and returns the next ROM in enumeration
// order, resuming from the AdapterState's searchCursor.
type SearchEngine struct {
	link   wireLink
	framer *Framer
}

func newSearchEngine(link wireLink, framer *Framer) *SearchEngine {
	return &SearchEngine{link: link, framer: framer}
}

// triplet is the per-bit outcome read back from the DS2480B accelerator
// bytes: the slaves' ID bit and its complement.
type triplet struct {
	idBit, cmpBit bool
}

// buildAccelerator packs the 64 search directions a search round intends
// to probe into the adapter's 16-byte search-mode accelerator block: each
// byte holds four bit positions, two bits apiece, with the direction in
// the upper bit of each pair and the lower bit left clear.
func buildAccelerator(directions [64]bool) [16]byte {
	var out [16]byte
	for i := 0; i < 64; i++ {
		byteIdx := i / 4
		bitIdx := uint((i % 4) * 2)
		if directions[i] {
			out[byteIdx] |= 1 << (bitIdx + 1)
		}
	}
	return out
}

// extractTriplet reads bit pair i (idBit, cmpBit) back out of the
// adapter's 16-byte accelerator reply.
func extractTriplet(reply [16]byte, i int) triplet {
	byteIdx := i / 4
	bitIdx := uint((i % 4) * 2)
	b := reply[byteIdx]
	return triplet{
		idBit:  b&(1<<bitIdx) != 0,
		cmpBit: b&(1<<(bitIdx+1)) != 0,
	}
}

// next runs triplet-search passes until one yields a ROM the family
// filters allow, and returns it, or ok=false once the bus is exhausted
// (cursor.done).
func (s *SearchEngine) next(st *AdapterState) (RomAddress, bool, error) {
	for {
		rom, ok, err := s.searchOnce(st)
		if err != nil || !ok {
			return rom, ok, err
		}
		if !familyAllowed(rom.Family(), st.includeFamilies, st.excludeFamilies) {
			continue
		}
		return rom, true, nil
	}
}

func familyAllowed(family byte, include, exclude map[byte]bool) bool {
	if exclude[family] {
		return false
	}
	if len(include) > 0 && !include[family] {
		return false
	}
	return true
}

// searchOnce runs exactly one triplet-search pass with no family
// filtering, updating st.cursor per Appnote 187.
func (s *SearchEngine) searchOnce(st *AdapterState) (RomAddress, bool, error) {
	c := &st.cursor
	if c.done {
		c.reset()
		return RomAddress{}, false, nil
	}

	if !st.skipResetOnSearch {
		pb := newPacketBuilder(s.framer)
		resetOff := pb.AddReset(st.speed)
		reply, err := pb.Execute(s.link)
		if err != nil {
			return RomAddress{}, false, err
		}
		result, ok := decodeResetReply(reply[resetOff])
		if !ok {
			return RomAddress{}, false, newErr(ProtocolEcho, s.link.Name(), errBadResetReply)
		}
		if result == NoPresence {
			c.reset()
			return RomAddress{}, false, nil
		}
	}

	cmd := searchNormal
	if st.onlyAlarming {
		cmd = searchAlarm
	}

	// The search command itself is a single data-mode byte; its
	// read-back is discarded (the adapter always echoes the command
	// byte verbatim in data mode).
	pbCmd := newPacketBuilder(s.framer)
	pbCmd.AddDataBlock([]byte{byte(cmd)})
	if _, err := pbCmd.Execute(s.link); err != nil {
		return RomAddress{}, false, err
	}

	var rom RomAddress
	var directions [64]bool
	// Pre-seed the accelerator's directions for all 64 bits from the
	// previous ROM.
	for i := 0; i < 64; i++ {
		directions[i] = bitAt(c.lastRom, i)
	}

	pb := newPacketBuilder(s.framer)
	accelOff := pb.AddSearchAccelerator(buildAccelerator(directions))
	reply, err := pb.Execute(s.link)
	if err != nil {
		return RomAddress{}, false, err
	}
	var accel [16]byte
	copy(accel[:], reply[accelOff:accelOff+16])

	lastZero := 0
	for i := 0; i < 64; i++ {
		t := extractTriplet(accel, i)
		bitPos := i + 1 // 1-indexed per Appnote 187

		var direction bool
		switch {
		case t.idBit && t.cmpBit:
			c.reset()
			return RomAddress{}, false, newErr(ProtocolEcho, s.link.Name(), errBusFault)
		case t.idBit != t.cmpBit:
			direction = t.idBit
		default:
			// discrepancy: both bits 0
			switch {
			case bitPos < c.lastDiscrepancy:
				direction = bitAt(c.lastRom, i)
				if !direction {
					lastZero = bitPos
					if bitPos < 9 {
						c.lastFamilyDiscrepancy = bitPos
					}
				}
			case bitPos == c.lastDiscrepancy:
				direction = true
			default:
				direction = false
				lastZero = bitPos
				if bitPos < 9 {
					c.lastFamilyDiscrepancy = bitPos
				}
			}
		}
		setBitAt(&rom, i, direction)
	}

	if crc8(rom[:]) != 0 {
		c.reset()
		return RomAddress{}, false, newErr(Crc, s.link.Name(), errSearchCRC)
	}

	c.lastRom = rom
	c.lastDiscrepancy = lastZero
	c.done = lastZero == 0
	return rom, true, nil
}

func bitAt(rom RomAddress, i int) bool {
	return rom[i/8]&(1<<uint(i%8)) != 0
}

func setBitAt(rom *RomAddress, i int, v bool) {
	if v {
		rom[i/8] |= 1 << uint(i%8)
	} else {
		rom[i/8] &^= 1 << uint(i%8)
	}
}

// seedTargetedFamily primes the cursor to jump directly into one
// family's subtree: lastDiscrepancy=64, lastRom[0]=family, all other
// bits zero.
func (s *SearchEngine) seedTargetedFamily(st *AdapterState, family byte) {
	st.cursor.reset()
	st.cursor.lastDiscrepancy = 64
	st.cursor.lastRom[0] = family
}

// strongAccess runs a directed presence test: it sends cmd, then one
// 16-byte search accelerator block whose directions are addr's 64 bits,
// so a slave only participates if it is present (and alarming, if cmd is
// searchAlarm). Eight matching "good bits" across the last eight
// triplets indicates presence. No 1-Wire reset is issued first.
func (s *SearchEngine) strongAccess(speed Speed, addr RomAddress, cmd searchCommand) (bool, error) {
	pbCmd := newPacketBuilder(s.framer)
	pbCmd.AddDataBlock([]byte{byte(cmd)})
	if _, err := pbCmd.Execute(s.link); err != nil {
		return false, err
	}

	var directions [64]bool
	for i := 0; i < 64; i++ {
		directions[i] = bitAt(addr, i)
	}
	pb := newPacketBuilder(s.framer)
	off := pb.AddSearchAccelerator(buildAccelerator(directions))
	reply, err := pb.Execute(s.link)
	if err != nil {
		return false, err
	}
	var accel [16]byte
	copy(accel[:], reply[off:off+16])

	good := 0
	for i := 56; i < 64; i++ {
		t := extractTriplet(accel, i)
		if t.idBit != t.cmpBit && t.idBit == bitAt(addr, i) {
			good++
		}
	}
	return good == 8, nil
}

var (
	errBadResetReply = simpleError("malformed reset reply")
	errBusFault       = simpleError("search saw both bus bits high: bus fault")
	errSearchCRC      = simpleError("search result failed crc-8 check")
)

type simpleError string

func (e simpleError) Error() string { return "ds2480: " + string(e) }
