package broker

import (
	"testing"

	"github.com/usbip-go/urbbroker/urb"
)

func newTestDevice() *Device {
	return NewDevice(1, PlugRequest{DevID: 0x00010001})
}

func TestEnqueueSubmitAssignsNoSeqnumUntilDispatched(t *testing.T) {
	d := newTestDevice()
	if err := d.EnqueueSubmit("h1", &urb.TranslateResult{}); err != nil {
		t.Fatalf("EnqueueSubmit: %v", err)
	}

	out, ok := d.TakeNextOutgoing()
	if !ok {
		t.Fatal("expected an outgoing submit")
	}
	if out.isUnlink {
		t.Fatal("expected a submit job, got unlink")
	}
	if out.seqnum != 1 {
		t.Errorf("first dispatched record should get seqnum 1, got %d", out.seqnum)
	}

	if err := d.EnqueueSubmit("h2", &urb.TranslateResult{}); err != nil {
		t.Fatalf("EnqueueSubmit: %v", err)
	}
	out2, ok := d.TakeNextOutgoing()
	if !ok || out2.seqnum != 2 {
		t.Errorf("second dispatched record should get seqnum 2, got %d (ok=%v)", out2.seqnum, ok)
	}
}

func TestEnqueueSubmitRejectsUnplugged(t *testing.T) {
	d := newTestDevice()
	d.Drain()
	if err := d.EnqueueSubmit("h1", &urb.TranslateResult{}); err == nil {
		t.Fatal("expected EnqueueSubmit to reject an unplugged device")
	}
}

func TestCancelPendingSubmitCompletesImmediately(t *testing.T) {
	d := newTestDevice()
	if err := d.EnqueueSubmit("h1", &urb.TranslateResult{}); err != nil {
		t.Fatalf("EnqueueSubmit: %v", err)
	}

	_, immediate, err := d.Cancel("h1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !immediate {
		t.Fatal("cancelling a pending-submit record must complete immediately")
	}

	if _, ok := d.TakeNextOutgoing(); ok {
		t.Fatal("no wire traffic should result from cancelling a pending-submit record")
	}
}

func TestCancelInFlightQueuesUnlinkAndWinsRace(t *testing.T) {
	// S4/S5-style: submit flies, host cancels before any reply arrives.
	d := newTestDevice()
	if err := d.EnqueueSubmit("h1", &urb.TranslateResult{}); err != nil {
		t.Fatalf("EnqueueSubmit: %v", err)
	}
	submitOut, ok := d.TakeNextOutgoing()
	if !ok {
		t.Fatal("expected a submit to dispatch")
	}
	originalSeqnum := submitOut.seqnum

	_, immediate, err := d.Cancel("h1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if immediate {
		t.Fatal("cancelling an in-flight record must not complete immediately")
	}

	unlinkOut, ok := d.TakeNextOutgoing()
	if !ok {
		t.Fatal("expected an unlink job to dispatch")
	}
	if !unlinkOut.isUnlink {
		t.Fatal("expected an unlink job")
	}
	if unlinkOut.originalSeqnum != originalSeqnum {
		t.Errorf("unlink should target seqnum %d, got %d", originalSeqnum, unlinkOut.originalSeqnum)
	}
	if unlinkOut.seqnum <= originalSeqnum {
		t.Errorf("unlink must get a new seqnum greater than the original, got %d vs %d", unlinkOut.seqnum, originalSeqnum)
	}
	if unlinkOut.localCompletion == nil {
		t.Fatal("no reply-submit arrived first, the unlink should win the race locally")
	}

	// A late reply-submit for the original seqnum must now find nothing.
	if _, found := d.MatchReply(originalSeqnum); found {
		t.Error("MatchReply should not find a record the unlink race already completed")
	}
}

func TestMatchReplyWinsRaceBeforeUnlinkDispatches(t *testing.T) {
	// S5: reply-submit arrives before the writer gets to the UNLINK job.
	d := newTestDevice()
	if err := d.EnqueueSubmit("h1", &urb.TranslateResult{}); err != nil {
		t.Fatalf("EnqueueSubmit: %v", err)
	}
	submitOut, _ := d.TakeNextOutgoing()

	if _, _, err := d.Cancel("h1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Reply-submit wins the race before the writer dequeues the cancel.
	rec, found := d.MatchReply(submitOut.seqnum)
	if !found {
		t.Fatal("expected MatchReply to find the record before the unlink dispatches")
	}
	if rec.Handle() != Handle("h1") {
		t.Errorf("matched wrong record: %v", rec.Handle())
	}

	// The queued unlink job still dispatches (it must reach the wire
	// regardless), but now with no local completion to deliver.
	unlinkOut, ok := d.TakeNextOutgoing()
	if !ok || !unlinkOut.isUnlink {
		t.Fatal("expected the unlink job to still dispatch")
	}
	if unlinkOut.localCompletion != nil {
		t.Error("unlink should not double-complete a record MatchReply already claimed")
	}
}

func TestDrainReturnsAllOutstandingHandles(t *testing.T) {
	d := newTestDevice()
	_ = d.EnqueueSubmit("h1", &urb.TranslateResult{})
	_ = d.EnqueueSubmit("h2", &urb.TranslateResult{})
	if _, ok := d.TakeNextOutgoing(); !ok {
		t.Fatal("expected first record to dispatch")
	}

	handles := d.Drain()
	if len(handles) != 2 {
		t.Fatalf("expected 2 outstanding handles, got %d", len(handles))
	}

	if err := d.EnqueueSubmit("h3", &urb.TranslateResult{}); err == nil {
		t.Fatal("submits after drain must be rejected")
	}
	if _, ok := d.TakeNextOutgoing(); ok {
		t.Fatal("no queue should have anything after drain")
	}
}

func TestCancelUnknownHandleIsNoOp(t *testing.T) {
	d := newTestDevice()
	if _, _, err := d.Cancel("ghost"); err == nil {
		t.Fatal("expected an error cancelling an unknown handle")
	}
}
