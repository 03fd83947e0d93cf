package ds2480

import "testing"

func TestPacketBuilderOffsets(t *testing.T) {
	f := newFramer()
	pb := newPacketBuilder(f)
	off1 := pb.AddReset(Regular)
	off2 := pb.AddBitIO(Regular, false, true)
	off3 := pb.AddDataBlock([]byte{0x01, 0x02, 0x03})

	if off1 != 0 {
		t.Fatalf("first offset = %d, want 0", off1)
	}
	if off2 != 1 {
		t.Fatalf("second offset = %d, want 1", off2)
	}
	if off3 != 2 {
		t.Fatalf("third offset = %d, want 2", off3)
	}
	if pb.Len() != 5 {
		t.Fatalf("total reply length = %d, want 5", pb.Len())
	}
}

func TestPacketBuilderExecuteRoundTrip(t *testing.T) {
	link := newFakeLink()
	link.respond = func(written []byte) []byte {
		// one reset + one bit-io batched together
		return []byte{replyReset(Presence), replyBitIO(Regular, true)}
	}

	f := newFramer()
	pb := newPacketBuilder(f)
	offReset := pb.AddReset(Regular)
	offBit := pb.AddBitIO(Regular, false, true)

	reply, err := pb.Execute(link)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, ok := decodeResetReply(reply[offReset])
	if !ok || result != Presence {
		t.Fatalf("reset reply decode = (%v,%v), want (Presence,true)", result, ok)
	}
	bit, _, ok := decodeBitIOReply(reply[offBit])
	if !ok || !bit {
		t.Fatalf("bit-io reply decode = (%v,%v), want (true,true)", bit, ok)
	}
}

func TestPacketBuilderResetReusable(t *testing.T) {
	f := newFramer()
	pb := newPacketBuilder(f)
	pb.AddReset(Regular)
	pb.Reset()
	if pb.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", pb.Len())
	}
	off := pb.AddBitIO(Regular, false, true)
	if off != 0 {
		t.Fatalf("offset after Reset = %d, want 0", off)
	}
}

func TestChangeBaudRejectsUnsupportedRate(t *testing.T) {
	link := newFakeLink()
	f := newFramer()
	if err := changeBaud(link, f, 4800); err == nil {
		t.Fatalf("changeBaud(4800) should fail: not a supported rate")
	}
}
