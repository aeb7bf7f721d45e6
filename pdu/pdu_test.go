package pdu

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeSubmitRoundTrip(t *testing.T) {
	// Round-trip property (spec.md property 4): encoding then decoding a
	// submit header must yield the original field values. SUBMIT itself is
	// never decoded by this codec (the broker never reads its own
	// requests back), so this test encodes a SUBMIT and re-parses the raw
	// bytes by hand to confirm wire layout, rather than routing through
	// DecodeReplyHeader which intentionally rejects SUBMIT.
	h := Header{Seqnum: 42, DevID: 0x00020003, Direction: DirIn, Ep: 1}
	body := SubmitBody{
		TransferFlags:        1,
		TransferBufferLength: 18,
		StartFrame:           0,
		NumberOfPackets:      0,
		Interval:             0,
		Setup:                [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}

	var buf bytes.Buffer
	if err := EncodeSubmit(&buf, h, body); err != nil {
		t.Fatalf("EncodeSubmit: %v", err)
	}
	if buf.Len() != PDUSize {
		t.Fatalf("got %d bytes, want %d", buf.Len(), PDUSize)
	}

	raw := buf.Bytes()
	if got := Command(beUint32(raw[0:4])); got != CmdSubmit {
		t.Errorf("command: got %v, want %v", got, CmdSubmit)
	}
	if got := beUint32(raw[4:8]); got != h.Seqnum {
		t.Errorf("seqnum: got %d, want %d", got, h.Seqnum)
	}
	if got := beUint32(raw[8:12]); got != h.DevID {
		t.Errorf("devid: got %#x, want %#x", got, h.DevID)
	}
	if got := Direction(beUint32(raw[12:16])); got != DirIn {
		t.Errorf("direction: got %d, want %d", got, DirIn)
	}
	if got := beUint32(raw[16:20]); got != h.Ep {
		t.Errorf("ep: got %d, want %d", got, h.Ep)
	}
	if got := beUint32(raw[20:24]); got != body.TransferFlags {
		t.Errorf("transfer_flags: got %d, want %d", got, body.TransferFlags)
	}
	if got := beUint32(raw[24:28]); got != body.TransferBufferLength {
		t.Errorf("transfer_buffer_length: got %d, want %d", got, body.TransferBufferLength)
	}
	setup := raw[40:48]
	if !bytes.Equal(setup, body.Setup[:]) {
		t.Errorf("setup: got % x, want % x", setup, body.Setup)
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func TestDecodeReplySubmit(t *testing.T) {
	// Scenario S1: plain control IN, GET_DESCRIPTOR(device, length=18).
	raw := make([]byte, PDUSize)
	putUint32 := func(off int, v uint32) { raw[off], raw[off+1], raw[off+2], raw[off+3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v) }
	putUint32(0, uint32(ReplySubmit))
	putUint32(4, 1) // seqnum
	putUint32(8, 0x00020003)
	putUint32(12, uint32(DirIn))
	putUint32(16, 0)
	putUint32(20, 0)  // status
	putUint32(24, 18) // actual_length

	dec, err := DecodeReplyHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	if dec.Submit == nil {
		t.Fatal("expected a submit reply body")
	}
	if dec.Submit.ActualLength != 18 {
		t.Errorf("actual_length: got %d, want 18", dec.Submit.ActualLength)
	}
	if size := ReplyPayloadSize(dec.Header, *dec.Submit, false); size != 18 {
		t.Errorf("payload size: got %d, want 18", size)
	}
}

func TestDecodeRejectsNonReplyCommands(t *testing.T) {
	for _, cmd := range []Command{CmdSubmit, CmdUnlink, Command(0xdead)} {
		raw := make([]byte, PDUSize)
		raw[0], raw[1], raw[2], raw[3] = byte(cmd>>24), byte(cmd>>16), byte(cmd>>8), byte(cmd)
		if _, err := DecodeReplyHeader(bytes.NewReader(raw)); err == nil {
			t.Errorf("command %v: expected rejection, got none", cmd)
		}
	}
}

func TestReplyPayloadSizeIsoVariants(t *testing.T) {
	for _, tc := range []struct {
		name string
		dir  Direction
		body ReplySubmitBody
		iso  bool
		want int
	}{
		{
			name: "bulk IN short transfer",
			dir:  DirIn,
			body: ReplySubmitBody{ActualLength: 256},
			want: 256,
		},
		{
			name: "bulk OUT carries no payload",
			dir:  DirOut,
			body: ReplySubmitBody{ActualLength: 256},
			want: 0,
		},
		{
			name: "iso IN: 45 data bytes + 3 descriptors",
			dir:  DirIn,
			body: ReplySubmitBody{ActualLength: 45, NumberOfPackets: 3},
			iso:  true,
			want: 45 + 3*IsoPacketDescriptorSize,
		},
		{
			name: "iso OUT: descriptors only, no data body",
			dir:  DirOut,
			body: ReplySubmitBody{NumberOfPackets: 3},
			iso:  true,
			want: 3 * IsoPacketDescriptorSize,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := Header{Direction: tc.dir}
			if got := ReplyPayloadSize(h, tc.body, tc.iso); got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestIsoPacketDescriptorRoundTrip(t *testing.T) {
	descs := []IsoPacketDescriptor{
		{Offset: 0, Length: 10, ActualLength: 10},
		{Offset: 10, Length: 20, ActualLength: 20},
		{Offset: 30, Length: 15, ActualLength: 15},
	}
	var buf bytes.Buffer
	if err := EncodeIsoPacketDescriptors(&buf, descs); err != nil {
		t.Fatalf("EncodeIsoPacketDescriptors: %v", err)
	}
	decoded, err := DecodeIsoPacketDescriptors(buf.Bytes(), len(descs))
	if err != nil {
		t.Fatalf("DecodeIsoPacketDescriptors: %v", err)
	}
	for i, d := range decoded {
		if d != descs[i] {
			t.Errorf("descriptor %d: got %+v, want %+v", i, d, descs[i])
		}
	}
}
