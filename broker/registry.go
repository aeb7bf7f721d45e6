package broker

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/usbip-go/urbbroker/urb"
)

// recordState tracks which of the three queues a Record currently sits
// in, so Cancel can tell an un-dispatched submit (completed locally,
// no wire traffic) from one already in flight (needs a wire UNLINK).
type recordState int

const (
	statePendingSubmit recordState = iota
	stateInFlight
	stateCancelling
)

// Record is one outstanding URB tracked by a Device's registry. It
// starts in pendingSubmit with no seqnum, is assigned one when a writer
// pulls it onto the wire, and is removed the instant it completes —
// whether by a matching reply or by the cancellation race below.
type Record struct {
	handle     Handle
	translated *urb.TranslateResult

	state  recordState
	seqnum uint32 // assigned at pendingSubmit -> inFlight transition

	// unlinkSeqnum is not set by the registry: an UNLINK job carries
	// the seqnum it cancels in outgoing.originalSeqnum, and the record
	// keeps only its own seqnum.
	unlinkSeqnum uint32

	// cancelRequested is set by Cancel when it moves an in-flight
	// record onto the cancel-pending queue. TakeNextOutgoing resolves
	// the local-completion race against MatchReply from the in-flight
	// index, not from this flag.
	cancelRequested bool

	// isIso marks a record submitted as an ISOCH_TRANSFER, so the
	// reader pump knows to expect packet descriptors trailing the
	// reply-submit's data payload.
	isIso bool
}

// outgoing describes one PDU the writer must put on the wire, plus an
// optional completion the registry has already resolved locally (used
// for the cancellation race: by the time an UNLINK goes out, the
// original record may already have won or lost the race against a
// late reply-submit).
type outgoing struct {
	isUnlink bool
	submit   *Record // the original record, for a SUBMIT job
	// For an UNLINK job, originalSeqnum is what to unlink and seqnum
	// is the new wire sequence number assigned to the UNLINK PDU
	// itself.
	originalSeqnum uint32
	seqnum         uint32

	// localCompletion is non-nil when the registry already decided,
	// at dequeue time, that the original request should be completed
	// with StatusCancelled rather than waiting on a server reply.
	localCompletion *Record
}

// Device is one virtual USB device attached to the bus: its registry
// of outstanding requests plus the descriptor and port metadata a host
// needs to address it.
type Device struct {
	mu sync.Mutex

	Port             Port
	DevID            uint32
	Speed            USBSpeed
	DeviceDescriptor []byte
	ConfigDescriptor []byte
	Serial           string
	Class            uint8
	SubClass         uint8
	Protocol         uint8

	unplugged bool

	nextSeqnum uint32

	pendingSubmit []*Record
	inFlight      map[uint32]*Record // keyed by the record's own seqnum
	cancelPending []*Record
	byHandle      map[Handle]*Record

	// wake is signalled every time a queue mutation might let a blocked
	// writer make progress; capacity 1 so notify() never blocks and
	// never piles up more than one pending wakeup.
	wake chan struct{}
}

// NewDevice constructs an empty registry for a freshly plugged device.
func NewDevice(port Port, req PlugRequest) *Device {
	return &Device{
		Port:             port,
		DevID:            req.DevID,
		Speed:            req.Speed,
		DeviceDescriptor: req.DeviceDescriptor,
		ConfigDescriptor: req.ConfigurationDescriptor,
		Serial:           req.Serial,
		nextSeqnum:       1,
		inFlight:         make(map[uint32]*Record),
		byHandle:         make(map[Handle]*Record),
		wake:             make(chan struct{}, 1),
	}
}

// notify wakes a writer blocked in NextOutgoing. Must be called with
// mu held or just after releasing it; a missed wakeup cannot cause a
// stall because NextOutgoing always rechecks the queues before it
// waits again.
func (d *Device) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// EnqueueSubmit admits a freshly translated URB into the pending-submit
// queue. No sequence number is assigned yet; that happens only when a
// writer actually pulls the record off the queue, per spec.md §4.3.
func (d *Device) EnqueueSubmit(handle Handle, translated *urb.TranslateResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unplugged {
		return errors.Newf("device on port %d is unplugged", d.Port)
	}
	if _, exists := d.byHandle[handle]; exists {
		return errors.Newf("handle already has an outstanding request")
	}

	rec := &Record{
		handle:     handle,
		translated: translated,
		state:      statePendingSubmit,
		isIso:      len(translated.IsoDescriptors) > 0,
	}
	d.pendingSubmit = append(d.pendingSubmit, rec)
	d.byHandle[handle] = rec
	d.notify()
	return nil
}

// TakeNextOutgoing pops the next PDU a writer should put on the wire,
// without blocking; it returns ok=false immediately when both queues
// are empty. Most callers want the blocking NextOutgoing instead.
//
// The returned outgoing.localCompletion, when non-nil, must be
// delivered to Host.Complete with StatusCancelled before (or alongside)
// writing the UNLINK bytes: the registry has already determined that no
// reply-submit for the original record can win the race, because this
// call atomically removed it from the in-flight index.
func (d *Device) TakeNextOutgoing() (outgoing, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.takeNextOutgoingLocked()
}

// NextOutgoing blocks until a writer has something to send, the
// context is cancelled, or the device is unplugged. Cancel jobs take
// priority over fresh submits, matching the teacher's reader/writer
// split where control traffic preempts bulk data.
func (d *Device) NextOutgoing(ctx context.Context) (outgoing, bool) {
	for {
		d.mu.Lock()
		out, ok := d.takeNextOutgoingLocked()
		stopped := d.unplugged
		d.mu.Unlock()

		if ok {
			return out, true
		}
		if stopped {
			return outgoing{}, false
		}

		select {
		case <-d.wake:
		case <-ctx.Done():
			return outgoing{}, false
		}
	}
}

func (d *Device) takeNextOutgoingLocked() (outgoing, bool) {
	if len(d.cancelPending) > 0 {
		rec := d.cancelPending[0]
		d.cancelPending = d.cancelPending[1:]

		originalSeqnum := rec.seqnum
		wireSeqnum := d.nextSeqnum
		d.nextSeqnum++

		out := outgoing{isUnlink: true, originalSeqnum: originalSeqnum, seqnum: wireSeqnum}

		// Resolve the race: if the original record is still present
		// in the in-flight index under its own seqnum, no reply-submit
		// has matched it yet, so this UNLINK wins and completes it
		// locally. If it is gone, MatchReply already won and this
		// UNLINK is sent only to tell the server to stop, its eventual
		// reply-unlink discarded on arrival.
		if current, ok := d.inFlight[originalSeqnum]; ok && current == rec {
			delete(d.inFlight, originalSeqnum)
			delete(d.byHandle, rec.handle)
			out.localCompletion = rec
		}
		return out, true
	}

	if len(d.pendingSubmit) > 0 {
		rec := d.pendingSubmit[0]
		d.pendingSubmit = d.pendingSubmit[1:]

		rec.seqnum = d.nextSeqnum
		d.nextSeqnum++
		rec.state = stateInFlight
		d.inFlight[rec.seqnum] = rec

		return outgoing{submit: rec, seqnum: rec.seqnum}, true
	}

	return outgoing{}, false
}

// MatchReply looks up the in-flight record for a reply-submit's
// sequence number. It atomically removes the record so a concurrent
// cancellation race (see TakeNextOutgoing) cannot also complete it.
// A miss means either the seqnum never existed or the record already
// lost the race to a cancellation; either way the reader pump must
// still consume and discard the reply's payload bytes.
func (d *Device) MatchReply(seqnum uint32) (*Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.inFlight[seqnum]
	if !ok {
		return nil, false
	}
	delete(d.inFlight, seqnum)
	delete(d.byHandle, rec.handle)
	return rec, true
}

// Cancel requests that the outstanding request identified by handle
// stop. A request still in pending-submit is removed and completed
// immediately with no wire traffic. A request already in flight is
// moved to the cancel-pending queue so a writer will emit an UNLINK for
// it; its own completion is resolved later, by TakeNextOutgoing or
// MatchReply, whichever wins the race.
//
// immediate is true when the caller must itself call Host.Complete
// with StatusCancelled right away (the pending-submit case); it is
// false when cancellation was merely queued.
func (d *Device) Cancel(handle Handle) (rec *Record, immediate bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.byHandle[handle]
	if !ok {
		return nil, false, errors.Newf("no outstanding request for handle")
	}

	switch rec.state {
	case statePendingSubmit:
		for i, candidate := range d.pendingSubmit {
			if candidate == rec {
				d.pendingSubmit = append(d.pendingSubmit[:i], d.pendingSubmit[i+1:]...)
				break
			}
		}
		delete(d.byHandle, handle)
		return rec, true, nil

	case stateInFlight:
		rec.state = stateCancelling
		rec.cancelRequested = true
		d.cancelPending = append(d.cancelPending, rec)
		d.notify()
		return rec, false, nil

	default:
		return nil, false, errors.Newf("request is already being cancelled")
	}
}

// Drain empties every queue and returns the handles of every request
// still outstanding, for delivering StatusDeviceNotConnected completions
// on unplug per spec.md §4.6.
func (d *Device) Drain() []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unplugged = true

	handles := make([]Handle, 0, len(d.byHandle))
	for h := range d.byHandle {
		handles = append(handles, h)
	}
	d.pendingSubmit = nil
	d.cancelPending = nil
	d.inFlight = make(map[uint32]*Record)
	d.byHandle = make(map[Handle]*Record)
	d.notify()
	return handles
}

// Handle returns the record's host handle, for building a
// CompletionResult after a reply or a local cancellation.
func (r *Record) Handle() Handle { return r.handle }

// Translated returns the translate-time result stashed for a SUBMIT
// record, nil for a record that represents an UNLINK job.
func (r *Record) Translated() *urb.TranslateResult { return r.translated }

// IsIso reports whether this record's reply carries trailing
// isochronous packet descriptors.
func (r *Record) IsIso() bool { return r.isIso }
