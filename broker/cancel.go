package broker

import (
	"github.com/usbip-go/urbbroker/urb"
)

// Submit translates a decoded URB and, if translation accepts it,
// enqueues it for transmission. A translator rejection or a submit
// against an unplugged device completes handle immediately through
// host without ever touching the registry's queues.
func (d *Device) Submit(handle Handle, req urb.SubmitRequest, host Host) {
	result, err := urb.Translate(req)
	if err != nil {
		if rej, ok := err.(*urb.RejectionError); ok {
			host.Complete(handle, CompletionResult{Status: rej.Status})
			return
		}
		host.Complete(handle, CompletionResult{Status: StatusInvalidParameter})
		return
	}

	if err := d.EnqueueSubmit(handle, result); err != nil {
		host.Complete(handle, CompletionResult{Status: StatusDeviceNotConnected})
	}
}

// CompleteDrained delivers a uniform completion to every handle
// returned by Device.Drain, used by both the reader pump and the
// writer when the transport is lost (spec.md §4.4) and by the bus
// manager on unplug (spec.md §4.6).
func CompleteDrained(host Host, handles []Handle, status Status) {
	for _, h := range handles {
		host.Complete(h, CompletionResult{Status: status})
	}
}

// RequestCancel implements the host-facing half of the cancellation
// engine (spec.md §4.5, steps 1-3): non-blocking, it either completes
// the request immediately (it was still on pending-submit) or moves it
// onto the cancel-pending queue and returns. The remaining steps of the
// race — resolving whether the writer's UNLINK or a late reply-submit
// wins — happen in Device.NextOutgoing and Device.MatchReply.
//
// Cancelling an unknown or already-cancelling handle is a silent no-op:
// the host may race its own cancel against a completion it hasn't
// observed yet.
func (d *Device) RequestCancel(handle Handle, host Host) {
	_, immediate, err := d.Cancel(handle)
	if err != nil {
		return
	}
	if immediate {
		host.Complete(handle, CompletionResult{Status: StatusCancelled})
	}
}
