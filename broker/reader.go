package broker

import (
	"io"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbip-go/urbbroker/pdu"
	"github.com/usbip-go/urbbroker/urb"
)

// ReaderPump drains one virtual device's Transport, matching each
// reply PDU to its outstanding record and delivering completions to
// Host. Per spec.md §4.4 it reads in two phases: first the fixed
// header, then whatever payload that header's fields say follows it.
// A reply whose seqnum no longer has a matching record still has its
// payload consumed and discarded, so the stream stays in sync.
type ReaderPump struct {
	device    *Device
	transport Transport
	host      Host
	logger    log.Logger
}

// NewReaderPump builds a pump for one device's connection. logger may
// be nil, in which case a no-op logger is used.
func NewReaderPump(device *Device, transport Transport, host Host, logger log.Logger) *ReaderPump {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ReaderPump{device: device, transport: transport, host: host, logger: logger}
}

// Run reads replies until the transport closes or returns an
// unrecoverable error. It is meant to run in its own goroutine for the
// lifetime of the device's connection. When it stops, it closes the
// transport and completes every record still owned by the device with
// StatusDeviceNotConnected.
func (p *ReaderPump) Run() error {
	for {
		if err := p.readOne(); err != nil {
			_ = p.transport.Close()
			CompleteDrained(p.host, p.device.Drain(), StatusDeviceNotConnected)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (p *ReaderPump) readOne() error {
	reply, err := pdu.DecodeReplyHeader(p.transport)
	if err != nil {
		return err
	}

	switch reply.Header.Command {
	case pdu.ReplySubmit:
		return p.handleReplySubmit(reply)
	case pdu.ReplyUnlink:
		return p.handleReplyUnlink(reply)
	default:
		return errors.Newf("unreachable: DecodeReplyHeader returned command %s", reply.Header.Command)
	}
}

// handleReplySubmit matches a RET_SUBMIT to its record, drains the
// payload the reply declares (even when no record is found, so the
// stream framing survives a late reply for an already-cancelled
// request), and delivers the completion.
func (p *ReaderPump) handleReplySubmit(reply pdu.DecodedReply) error {
	rec, found := p.device.MatchReply(reply.Header.Seqnum)

	isIso := found && rec.IsIso()
	size := pdu.ReplyPayloadSize(reply.Header, *reply.Submit, isIso)

	raw := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(p.transport, raw); err != nil {
			return errors.Wrap(err, "failed to read reply-submit payload")
		}
	}

	if !found {
		level.Debug(p.logger).Log("msg", "discarding reply-submit for unknown or already-completed record",
			"port", p.device.Port, "seqnum", reply.Header.Seqnum)
		return nil
	}

	result := CompletionResult{
		Status:       statusFromWire(reply.Submit.Status, reply.Header, *reply.Submit),
		ActualLength: reply.Submit.ActualLength,
		StartFrame:   reply.Submit.StartFrame,
		ErrorCount:   reply.Submit.ErrorCount,
	}

	if isIso {
		n := int(reply.Submit.NumberOfPackets)
		descBytes := raw[len(raw)-n*pdu.IsoPacketDescriptorSize:]
		descriptors, err := pdu.DecodeIsoPacketDescriptors(descBytes, n)
		if err != nil {
			return errors.Wrap(err, "failed to decode iso packet descriptors")
		}
		result.IsoPackets = descriptors
		if reply.Header.Direction == pdu.DirIn {
			result.Payload = raw[:len(raw)-n*pdu.IsoPacketDescriptorSize]
		}
	} else if reply.Header.Direction == pdu.DirIn {
		result.Payload = raw
	}

	p.host.Complete(rec.Handle(), result)
	return nil
}

// handleReplyUnlink is always discarded per spec.md §4.4: the
// cancellation race is already resolved by TakeNextOutgoing at the
// moment the UNLINK was written, not by this reply's arrival.
func (p *ReaderPump) handleReplyUnlink(reply pdu.DecodedReply) error {
	level.Debug(p.logger).Log("msg", "discarding reply-unlink", "port", p.device.Port, "seqnum", reply.Header.Seqnum, "status", reply.Unlink.Status)
	return nil
}

// statusFromWire maps a server-reported errno-style status plus the
// reply's own fields onto the broker's Status vocabulary. A negative
// status is a server-side error; zero with a short actual_length on an
// IN transfer is a successful short transfer, not a failure.
func statusFromWire(wireStatus int32, h pdu.Header, body pdu.ReplySubmitBody) urb.Status {
	switch {
	case wireStatus == 0:
		return urb.StatusSuccess
	case wireStatus == -32: // EPIPE: endpoint stalled
		return urb.StatusStall
	case wireStatus == -108 || wireStatus == -107: // ESHUTDOWN / ENOTCONN
		return urb.StatusDeviceNotConnected
	case wireStatus == -104: // ECONNRESET: server-side cancellation landed first
		return urb.StatusCancelled
	case wireStatus == -12: // ENOMEM
		return urb.StatusInsufficientResources
	case wireStatus == -22: // EINVAL
		return urb.StatusInvalidParameter
	default:
		return urb.StatusInternalError
	}
}
