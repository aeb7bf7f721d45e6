// Package broker implements the URB/USB-IP request broker: the request
// registry, reader pump, cancellation engine, and virtual device
// lifecycle that sit between a Host submitting URBs and a Transport
// speaking the USB/IP wire protocol to a remote server.
package broker

import (
	"github.com/usbip-go/urbbroker/pdu"
	"github.com/usbip-go/urbbroker/urb"
)

// Status is the broker's exit-condition vocabulary, shared with the
// urb package so a local rejection and a wire-derived completion speak
// the same language.
type Status = urb.Status

const (
	StatusSuccess               = urb.StatusSuccess
	StatusStall                 = urb.StatusStall
	StatusDeviceNotConnected    = urb.StatusDeviceNotConnected
	StatusCancelled             = urb.StatusCancelled
	StatusInvalidParameter      = urb.StatusInvalidParameter
	StatusInsufficientResources = urb.StatusInsufficientResources
	StatusInternalError         = urb.StatusInternalError
)

// Handle is a non-owning identity back to the host-owned request
// object. The broker never dereferences it, only carries it from
// Submit through to the matching Host.Complete call.
type Handle interface{}

// CompletionResult is everything the host needs to finish a URB.
type CompletionResult struct {
	Status       Status
	ActualLength uint32
	StartFrame   uint32
	ErrorCount   uint32
	IsoPackets   []pdu.IsoPacketDescriptor
	Payload      []byte // IN transfer data, copied into the host's buffer
}

// Host is the external collaborator that submits URBs to a Device and
// receives their completions. Submission happens through
// Device.Submit/Device.Cancel; completions are delivered by the broker
// calling back into Host.
type Host interface {
	Complete(handle Handle, result CompletionResult)
}

// Transport delivers and accepts framed USB/IP bytes for one virtual
// device's TCP stream. It is supplied already connected and having
// completed the OP_REQ_IMPORT handshake; the broker only ever reads and
// writes PDU bytes on it.
type Transport interface {
	io_ReadWriter
	// Close tears down the underlying connection; used when the reader
	// pump enters the transport-lost state.
	Close() error
}

// io_ReadWriter avoids importing io solely for an interface alias while
// keeping Transport's shape obvious at the call site.
type io_ReadWriter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Descriptors parses and walks USB device/configuration descriptors,
// used by the virtual device lifecycle to back-fill class/subclass/
// protocol from the first interface descriptor.
type Descriptors interface {
	// FirstInterfaceClass returns the class, subclass and protocol of
	// the first interface found in a raw configuration descriptor blob.
	FirstInterfaceClass(configDescriptor []byte) (class, subclass, protocol uint8, err error)
}

// USBSpeed is the link speed reported by a virtual device, derived from
// its device descriptor's bcdUSB field.
type USBSpeed uint8

const (
	SpeedUnknown USBSpeed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

// Port identifies a virtual device's slot on the bus, 1..N.
type Port uint32

// PlugRequest carries what Bus supplies when attaching a new virtual
// device: a device descriptor, the active configuration descriptor
// (variable length, its own wTotalLength), a serial string, and the
// server-side device id used to address the physical device.
type PlugRequest struct {
	DeviceDescriptor        []byte
	ConfigurationDescriptor []byte
	Serial                  string
	DevID                   uint32
	Speed                   USBSpeed
}

// UnplugRequest names a single port (positive) or every port (negative,
// per spec.md §6's host-side unplug framing).
type UnplugRequest struct {
	Port int32
}

func (r UnplugRequest) all() bool { return r.Port < 0 }
