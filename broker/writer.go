package broker

import (
	"context"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbip-go/urbbroker/pdu"
)

// Writer is the transport-facing thread of control that drains a
// Device's outgoing queues and puts SUBMIT/UNLINK PDUs on the wire, per
// spec.md §5's "the writer blocks waiting for take_next_outgoing".
type Writer struct {
	device    *Device
	transport Transport
	host      Host
	logger    log.Logger
}

// NewWriter builds a writer for one device's connection. logger may be
// nil, in which case a no-op logger is used.
func NewWriter(device *Device, transport Transport, host Host, logger log.Logger) *Writer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Writer{device: device, transport: transport, host: host, logger: logger}
}

// Run blocks, encoding and sending outgoing PDUs, until ctx is
// cancelled, the device is unplugged, or a write fails. A write
// failure drains every record still owned by the device with
// StatusDeviceNotConnected and returns the error, mirroring the reader
// pump's transport-lost handling in spec.md §4.4.
func (w *Writer) Run(ctx context.Context) error {
	for {
		out, ok := w.device.NextOutgoing(ctx)
		if !ok {
			return nil
		}

		if out.localCompletion != nil {
			w.host.Complete(out.localCompletion.Handle(), CompletionResult{Status: StatusCancelled})
		}

		var err error
		if out.isUnlink {
			err = w.writeUnlink(out)
		} else {
			err = w.writeSubmit(out)
		}
		if err != nil {
			level.Warn(w.logger).Log("msg", "transport write failed, draining device", "port", w.device.Port, "err", err)
			CompleteDrained(w.host, w.device.Drain(), StatusDeviceNotConnected)
			return err
		}
	}
}

func (w *Writer) writeSubmit(out outgoing) error {
	rec := out.submit
	result := rec.Translated()

	header := result.Header
	header.Seqnum = out.seqnum

	if err := pdu.EncodeSubmit(w.transport, header, result.Body); err != nil {
		return errors.Wrap(err, "failed to write SUBMIT header")
	}
	if len(result.Payload) > 0 {
		if _, err := w.transport.Write(result.Payload); err != nil {
			return errors.Wrap(err, "failed to write SUBMIT payload")
		}
	}
	if len(result.IsoDescriptors) > 0 {
		if err := pdu.EncodeIsoPacketDescriptors(w.transport, result.IsoDescriptors); err != nil {
			return errors.Wrap(err, "failed to write SUBMIT iso descriptors")
		}
	}
	return nil
}

func (w *Writer) writeUnlink(out outgoing) error {
	header := pdu.Header{Seqnum: out.seqnum, DevID: w.device.DevID}
	body := pdu.UnlinkBody{UnlinkSeqnum: out.originalSeqnum}
	if err := pdu.EncodeUnlink(w.transport, header, body); err != nil {
		return errors.Wrap(err, "failed to write UNLINK")
	}
	return nil
}
