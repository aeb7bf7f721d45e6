// Package pdu implements the USB/IP wire codec: the fixed 48-byte common
// PDU header together with the submit/unlink/reply-submit/reply-unlink
// bodies described in the USB/IP protocol, and the derivation of reply
// payload sizes from decoded reply fields.
//
// Compatibility with the reference Linux usbip server is mandatory to the
// byte, so every field here is big-endian and every struct size below is
// exactly what goes on the wire -- nothing is inferred from Go struct
// layout or padding.
package pdu

import (
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// Command identifies the kind of PDU on the wire.
type Command uint32

const (
	CmdSubmit   Command = 0x00000001
	CmdUnlink   Command = 0x00000002
	ReplySubmit Command = 0x00000003
	ReplyUnlink Command = 0x00000004
)

func (c Command) String() string {
	switch c {
	case CmdSubmit:
		return "SUBMIT"
	case CmdUnlink:
		return "UNLINK"
	case ReplySubmit:
		return "RET_SUBMIT"
	case ReplyUnlink:
		return "RET_UNLINK"
	default:
		return "UNKNOWN"
	}
}

// Direction is the transfer direction carried in the common header.
type Direction uint32

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// HeaderSize is the size in bytes of the common PDU header (command,
// seqnum, devid, direction, ep). The command-specific body that follows
// is always padded to 28 bytes, for a fixed total PDU size of 48 bytes.
const (
	HeaderSize = 20
	BodySize   = 28
	PDUSize    = HeaderSize + BodySize
)

// Header is the common part of every USB/IP PDU.
type Header struct {
	Command   Command
	Seqnum    uint32
	DevID     uint32
	Direction Direction
	Ep        uint32
}

// SubmitBody is the command-specific body of a SUBMIT PDU.
type SubmitBody struct {
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
}

// UnlinkBody is the command-specific body of an UNLINK PDU.
type UnlinkBody struct {
	UnlinkSeqnum uint32
}

// ReplySubmitBody is the command-specific body of a RET_SUBMIT PDU.
type ReplySubmitBody struct {
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

// ReplyUnlinkBody is the command-specific body of a RET_UNLINK PDU.
type ReplyUnlinkBody struct {
	Status int32
}

// IsoPacketDescriptor describes one isochronous packet, either on the way
// out (offset/length only, actual_length and status are zero) or on the
// way in (as reported by the server).
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       uint32
}

const IsoPacketDescriptorSize = 16

// EncodeSubmit writes a 48-byte SUBMIT PDU header to w.
func EncodeSubmit(w io.Writer, h Header, body SubmitBody) error {
	h.Command = CmdSubmit
	if err := writeHeader(w, h); err != nil {
		return err
	}
	fields := []uint32{body.TransferFlags, body.TransferBufferLength, body.StartFrame, body.NumberOfPackets, body.Interval}
	if err := writeUint32s(w, fields); err != nil {
		return err
	}
	if _, err := w.Write(body.Setup[:]); err != nil {
		return errors.Wrap(err, "failed to write setup packet")
	}
	return nil
}

// EncodeUnlink writes a 48-byte UNLINK PDU header to w.
func EncodeUnlink(w io.Writer, h Header, body UnlinkBody) error {
	h.Command = CmdUnlink
	if err := writeHeader(w, h); err != nil {
		return err
	}
	padded := make([]byte, BodySize)
	binary.BigEndian.PutUint32(padded[0:4], body.UnlinkSeqnum)
	if _, err := w.Write(padded); err != nil {
		return errors.Wrap(err, "failed to write unlink body")
	}
	return nil
}

func writeHeader(w io.Writer, h Header) error {
	fields := []uint32{uint32(h.Command), h.Seqnum, h.DevID, uint32(h.Direction), h.Ep}
	return writeUint32s(w, fields)
}

func writeUint32s(w io.Writer, fields []uint32) error {
	var buf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(buf[:], f)
		if _, err := w.Write(buf[:]); err != nil {
			return errors.Wrap(err, "short write on PDU field")
		}
	}
	return nil
}

// DecodedReply is the result of decoding a reply header: either a
// ReplySubmitBody or a ReplyUnlinkBody is set, never both.
type DecodedReply struct {
	Header Header
	Submit *ReplySubmitBody
	Unlink *ReplyUnlinkBody
}

// DecodeReplyHeader reads exactly one 48-byte PDU header from r and
// parses it as a reply. Any command code outside {RET_SUBMIT, RET_UNLINK}
// is rejected: the broker never decodes an incoming SUBMIT/UNLINK, those
// are things it sends.
func DecodeReplyHeader(r io.Reader) (DecodedReply, error) {
	var raw [PDUSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return DecodedReply{}, errors.Wrap(err, "failed to read PDU header")
	}

	h := Header{
		Command:   Command(binary.BigEndian.Uint32(raw[0:4])),
		Seqnum:    binary.BigEndian.Uint32(raw[4:8]),
		DevID:     binary.BigEndian.Uint32(raw[8:12]),
		Direction: Direction(binary.BigEndian.Uint32(raw[12:16])),
		Ep:        binary.BigEndian.Uint32(raw[16:20]),
	}

	body := raw[HeaderSize:]

	switch h.Command {
	case ReplySubmit:
		return DecodedReply{
			Header: h,
			Submit: &ReplySubmitBody{
				Status:          int32(binary.BigEndian.Uint32(body[0:4])),
				ActualLength:    binary.BigEndian.Uint32(body[4:8]),
				StartFrame:      binary.BigEndian.Uint32(body[8:12]),
				NumberOfPackets: binary.BigEndian.Uint32(body[12:16]),
				ErrorCount:      binary.BigEndian.Uint32(body[16:20]),
			},
		}, nil
	case ReplyUnlink:
		return DecodedReply{
			Header: h,
			Unlink: &ReplyUnlinkBody{
				Status: int32(binary.BigEndian.Uint32(body[0:4])),
			},
		}, nil
	default:
		return DecodedReply{}, errors.Newf("unexpected command code %#x on reply path", uint32(h.Command))
	}
}

// ReplyPayloadSize computes the number of payload bytes that follow a
// decoded RET_SUBMIT header, per spec: for an IN transfer it is
// actual_length; for isochronous transfers it is additionally followed by
// number_of_packets packet descriptors, and for an OUT isochronous
// transfer no data body precedes the descriptors. The size is derived
// exclusively from decoded reply fields, never from what the host
// expected, since the server is authoritative.
func ReplyPayloadSize(h Header, body ReplySubmitBody, isIso bool) int {
	size := 0
	if h.Direction == DirIn {
		size += int(body.ActualLength)
	}
	if isIso {
		size += int(body.NumberOfPackets) * IsoPacketDescriptorSize
	}
	return size
}

// DecodeIsoPacketDescriptors parses n packet descriptors from raw, which
// must be exactly n*IsoPacketDescriptorSize bytes.
func DecodeIsoPacketDescriptors(raw []byte, n int) ([]IsoPacketDescriptor, error) {
	if len(raw) != n*IsoPacketDescriptorSize {
		return nil, errors.Newf("iso packet descriptor buffer has wrong size: got %d, want %d", len(raw), n*IsoPacketDescriptorSize)
	}
	out := make([]IsoPacketDescriptor, n)
	for i := 0; i < n; i++ {
		b := raw[i*IsoPacketDescriptorSize:]
		out[i] = IsoPacketDescriptor{
			Offset:       binary.BigEndian.Uint32(b[0:4]),
			Length:       binary.BigEndian.Uint32(b[4:8]),
			ActualLength: binary.BigEndian.Uint32(b[8:12]),
			Status:       binary.BigEndian.Uint32(b[12:16]),
		}
	}
	return out, nil
}

// EncodeIsoPacketDescriptors writes descriptors to w in wire order.
func EncodeIsoPacketDescriptors(w io.Writer, descriptors []IsoPacketDescriptor) error {
	buf := make([]byte, IsoPacketDescriptorSize*len(descriptors))
	for i, d := range descriptors {
		b := buf[i*IsoPacketDescriptorSize:]
		binary.BigEndian.PutUint32(b[0:4], d.Offset)
		binary.BigEndian.PutUint32(b[4:8], d.Length)
		binary.BigEndian.PutUint32(b[8:12], d.ActualLength)
		binary.BigEndian.PutUint32(b[12:16], d.Status)
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write iso packet descriptors")
	}
	return nil
}
