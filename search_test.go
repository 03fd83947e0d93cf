package ds2480

import "testing"

// buildAccelReply encodes the adapter's triplet replies for one full
// pass given the fixed set of ROMs physically present on the bus and
// the host's current cursor guess (lastDiscrepancy/lastRom), exactly
// mirroring the production direction-choosing algorithm so the fixture
// stays correct across repeated calls within one enumeration.
func buildAccelReply(roms []RomAddress, lastDiscrepancy int, lastRom RomAddress) [16]byte {
	active := append([]RomAddress{}, roms...)
	var accel [16]byte
	for i := 0; i < 64; i++ {
		bitPos := i + 1
		allOne, allZero := true, true
		for _, r := range active {
			if bitAt(r, i) {
				allZero = false
			} else {
				allOne = false
			}
		}
		var idBit, cmpBit bool
		switch {
		case allOne && !allZero:
			idBit, cmpBit = true, false
		case allZero && !allOne:
			idBit, cmpBit = false, true
		default:
			idBit, cmpBit = false, false
		}
		byteIdx := i / 4
		bitIdx := uint((i % 4) * 2)
		if idBit {
			accel[byteIdx] |= 1 << bitIdx
		}
		if cmpBit {
			accel[byteIdx] |= 1 << (bitIdx + 1)
		}

		var direction bool
		switch {
		case idBit != cmpBit:
			direction = idBit
		case bitPos < lastDiscrepancy:
			direction = bitAt(lastRom, i)
		case bitPos == lastDiscrepancy:
			direction = true
		default:
			direction = false
		}

		var next []RomAddress
		for _, r := range active {
			if bitAt(r, i) == direction {
				next = append(next, r)
			}
		}
		active = next
	}
	return accel
}

func mustRom(t *testing.T, family byte, serial uint32) RomAddress {
	t.Helper()
	var r RomAddress
	r[0] = family
	r[1] = byte(serial)
	r[2] = byte(serial >> 8)
	r[3] = byte(serial >> 16)
	r[4] = byte(serial >> 24)
	r[7] = crc8(r[:7])
	if !r.Valid() {
		t.Fatalf("constructed rom %s does not validate", r)
	}
	return r
}

// searchFakeLink answers the three-exchange sequence a single
// searchOnce pass makes: reset, search-command echo, 16-byte
// accelerator reply.
func searchFakeLink(resetResult ResetResult, accel [16]byte) *fakeLink {
	link := newFakeLink()
	link.script = []fakeExchange{
		{out: []byte{replyReset(resetResult)}},
		{out: []byte{0xF0}}, // search command echo, discarded
		{out: accel[:]},
	}
	return link
}

func TestSearchOnceSingleDevice(t *testing.T) {
	rom := mustRom(t, 0x28, 0x0A0B0C)
	accel := buildAccelReply([]RomAddress{rom}, 0, RomAddress{})

	link := searchFakeLink(Presence, accel)
	engine := newSearchEngine(link, newFramer())
	state := newAdapterState()

	found, ok, err := engine.searchOnce(state)
	if err != nil {
		t.Fatalf("searchOnce: %v", err)
	}
	if !ok {
		t.Fatalf("searchOnce found nothing, want %s", rom)
	}
	if found != rom {
		t.Fatalf("searchOnce found %s, want %s", found, rom)
	}
	if !state.cursor.done {
		t.Fatalf("cursor.done = false after single-device search, want true")
	}
}

func TestSearchOnceTwoDevicesBacktrack(t *testing.T) {
	// romA and romB share every bit up to the differing serial byte,
	// where romA has a 0 bit and romB has a 1 bit; the triplet search
	// must discover both across two passes.
	romA := mustRom(t, 0x28, 0x000000)
	romB := mustRom(t, 0x28, 0x000008)

	state := newAdapterState()

	accel1 := buildAccelReply([]RomAddress{romA, romB}, state.cursor.lastDiscrepancy, state.cursor.lastRom)
	link1 := searchFakeLink(Presence, accel1)
	engine1 := newSearchEngine(link1, newFramer())

	first, ok, err := engine1.searchOnce(state)
	if err != nil {
		t.Fatalf("first searchOnce: %v", err)
	}
	if !ok {
		t.Fatalf("first searchOnce found nothing")
	}
	if state.cursor.done {
		t.Fatalf("cursor.done = true after first of two devices, want false")
	}

	accel2 := buildAccelReply([]RomAddress{romA, romB}, state.cursor.lastDiscrepancy, state.cursor.lastRom)
	link2 := searchFakeLink(Presence, accel2)
	engine2 := newSearchEngine(link2, newFramer())

	second, ok, err := engine2.searchOnce(state)
	if err != nil {
		t.Fatalf("second searchOnce: %v", err)
	}
	if !ok {
		t.Fatalf("second searchOnce found nothing")
	}
	if !state.cursor.done {
		t.Fatalf("cursor.done = false after second of two devices, want true")
	}

	found := map[RomAddress]bool{first: true, second: true}
	if !found[romA] || !found[romB] {
		t.Fatalf("searchOnce pair = {%s, %s}, want {%s, %s}", first, second, romA, romB)
	}
	if first == second {
		t.Fatalf("searchOnce returned the same rom twice: %s", first)
	}
}

func TestSearchOnceNoPresenceResetsCursor(t *testing.T) {
	link := searchFakeLink(NoPresence, [16]byte{})
	engine := newSearchEngine(link, newFramer())
	state := newAdapterState()
	state.cursor.lastDiscrepancy = 12 // pretend a prior search was in progress

	_, ok, err := engine.searchOnce(state)
	if err != nil {
		t.Fatalf("searchOnce: %v", err)
	}
	if ok {
		t.Fatalf("searchOnce on no-presence should find nothing")
	}
	if state.cursor.lastDiscrepancy != 0 {
		t.Fatalf("cursor not reset after no-presence: lastDiscrepancy=%d", state.cursor.lastDiscrepancy)
	}
}

func TestFamilyFilterExcludesFamily(t *testing.T) {
	rom := mustRom(t, 0x28, 0x0A0B0C)
	accel := buildAccelReply([]RomAddress{rom}, 0, RomAddress{})
	link := searchFakeLink(Presence, accel)
	engine := newSearchEngine(link, newFramer())
	state := newAdapterState()
	state.excludeFamilies[0x28] = true

	// searchOnce alone (not next, which skips filtered roms and keeps
	// searching until the bus is exhausted) should still report the raw
	// found rom, so the filter lives at the next() layer.
	found, ok, err := engine.searchOnce(state)
	if err != nil || !ok || found != rom {
		t.Fatalf("searchOnce should still surface the raw rom for next() to filter")
	}
	if familyAllowed(found.Family(), state.includeFamilies, state.excludeFamilies) {
		t.Fatalf("familyAllowed(0x28) = true, want false with exclude set")
	}
}

func TestSeedTargetedFamily(t *testing.T) {
	engine := newSearchEngine(newFakeLink(), newFramer())
	state := newAdapterState()
	state.cursor.lastDiscrepancy = 40
	state.cursor.done = true

	engine.seedTargetedFamily(state, 0x10)
	if state.cursor.lastDiscrepancy != 64 {
		t.Fatalf("lastDiscrepancy = %d, want 64", state.cursor.lastDiscrepancy)
	}
	if state.cursor.lastRom[0] != 0x10 {
		t.Fatalf("lastRom[0] = %#x, want 0x10", state.cursor.lastRom[0])
	}
	if state.cursor.done {
		t.Fatalf("cursor.done = true after seeding, want false")
	}
}
