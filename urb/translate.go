package urb

import (
	"github.com/efficientgo/core/errors"

	"github.com/usbip-go/urbbroker/pdu"
)

// Standard control request codes (USB 2.0 spec table 9-4), used to build
// setup packets for every non-raw control function below.
const (
	bRequestGetStatus        = 0x00
	bRequestClearFeature     = 0x01
	bRequestSetFeature       = 0x03
	bRequestSetAddress       = 0x05
	bRequestGetDescriptor    = 0x06
	bRequestSetDescriptor    = 0x07
	bRequestGetConfiguration = 0x08
	bRequestSetConfiguration = 0x09
	bRequestGetInterface     = 0x0A
	bRequestSetInterface     = 0x0B
)

// bmRequestType direction/type/recipient bits.
const (
	reqDirOut = 0x00
	reqDirIn  = 0x80

	reqTypeStandard = 0x00
	reqTypeClass    = 0x20
	reqTypeVendor   = 0x40

	reqRecipDevice    = 0x00
	reqRecipInterface = 0x01
	reqRecipEndpoint  = 0x02
	reqRecipOther     = 0x03
)

// portFeatureReset is the hub-class PORT_RESET feature selector (USB 2.0
// spec table 11-17), used by the reset-port translation.
const portFeatureReset = 4

// Status is one of the exit conditions a completed URB can report back
// to the host; it is the vocabulary both local rejections (this
// package) and wire-derived completions (the broker's reader pump) use,
// so a caller never has to distinguish "rejected before the wire" from
// "completed after the wire" by inspecting anything but this value.
type Status int

const (
	StatusSuccess Status = iota
	StatusStall
	StatusDeviceNotConnected
	StatusCancelled
	StatusInvalidParameter
	StatusInsufficientResources
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusStall:
		return "stall"
	case StatusDeviceNotConnected:
		return "device-not-connected"
	case StatusCancelled:
		return "cancelled"
	case StatusInvalidParameter:
		return "invalid-parameter"
	case StatusInsufficientResources:
		return "insufficient-resources"
	case StatusInternalError:
		return "internal-error"
	default:
		return "unknown-status"
	}
}

// RejectionError signals that a request was rejected before it could be
// translated onto the wire: the caller should complete the URB
// immediately with Status rather than enqueue a SUBMIT PDU.
type RejectionError struct {
	Status Status
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

func reject(status Status, format string, args ...interface{}) error {
	return &RejectionError{Status: status, Reason: errors.Newf(format, args...).Error()}
}

// ControlSetup carries the fields of a raw control setup packet for
// functions that specify one directly (CONTROL_TRANSFER, vendor/class
// requests) rather than having this package synthesize it.
type ControlSetup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
}

// IsoPacket is one isochronous packet's requested offset/length, as laid
// out by the caller before translation validates the layout.
type IsoPacket struct {
	Offset uint32
	Length uint32
}

// SubmitRequest is a decoded URB, independent of wire representation.
// Only the fields relevant to req.Function need be set; Translate
// ignores the rest.
type SubmitRequest struct {
	Function  Function
	DevID     uint32
	Ep        uint32
	Direction pdu.Direction

	TransferFlags        uint32
	TransferBuffer       []byte // set for OUT transfers carrying a payload
	TransferBufferLength uint32

	Setup ControlSetup // CONTROL_TRANSFER[_EX], VENDOR_*, CLASS_*

	ConfigurationValue uint8 // SELECT_CONFIGURATION
	InterfaceNumber    uint8 // SELECT_INTERFACE, GET_INTERFACE, feature/status/descriptor on interface
	AlternateSetting   uint8 // SELECT_INTERFACE

	DescriptorType  uint8  // GET/SET_DESCRIPTOR_*
	DescriptorIndex uint8  // GET/SET_DESCRIPTOR_*
	LanguageID      uint16 // GET/SET_DESCRIPTOR_*

	FeatureSelector uint16 // SET/CLEAR_FEATURE_*
	Index           uint16 // wIndex for feature/status/endpoint-halt requests

	StartFrame uint32      // ISOCH_TRANSFER
	IsoPackets []IsoPacket // ISOCH_TRANSFER

	PortNumber uint16 // RESET_PORT: hub port to reset, carried as wIndex
}

// TranslateResult is the wire-ready form of a SubmitRequest: a PDU
// header and submit body ready for pdu.EncodeSubmit, plus any OUT
// payload and iso packet descriptors that must follow it.
type TranslateResult struct {
	Header         pdu.Header
	Body           pdu.SubmitBody
	Payload        []byte
	IsoDescriptors []pdu.IsoPacketDescriptor
}

// Translate converts a decoded URB into the PDU fields needed to submit
// it on the wire. A *RejectionError means the request must be completed
// locally with the given status and never reaches the transport; any
// other error indicates malformed input.
func Translate(req SubmitRequest) (*TranslateResult, error) {
	if req.Function.unexpected() {
		return nil, reject(StatusInternalError, "function %s should have been handled above the broker", req.Function)
	}
	if req.Function.reserved() {
		return nil, reject(StatusInvalidParameter, "function %s is a reserved code", req.Function)
	}

	header := pdu.Header{
		DevID:     req.DevID,
		Direction: req.Direction,
		Ep:        req.Ep,
	}

	switch req.Function {
	case FunctionSelectConfiguration:
		return controlResult(header, req, setupStandard(reqDirOut, reqRecipDevice, bRequestSetConfiguration, uint16(req.ConfigurationValue), 0), 0, nil)

	case FunctionSelectInterface:
		return controlResult(header, req, setupStandard(reqDirOut, reqRecipInterface, bRequestSetInterface, uint16(req.AlternateSetting), uint16(req.InterfaceNumber)), 0, nil)

	case FunctionGetDescriptorFromDevice, FunctionGetDescriptorFromInterface, FunctionGetDescriptorFromEndpoint:
		if req.Direction != pdu.DirIn {
			return nil, reject(StatusInvalidParameter, "%s requires an IN pipe", req.Function)
		}
		recip := recipientFor(req.Function)
		value := uint16(req.DescriptorType)<<8 | uint16(req.DescriptorIndex)
		return controlResult(header, req, setupStandard(reqDirIn, recip, bRequestGetDescriptor, value, req.LanguageID), req.TransferBufferLength, nil)

	case FunctionSetDescriptorToDevice, FunctionSetDescriptorToInterface, FunctionSetDescriptorToEndpoint:
		if req.Direction != pdu.DirOut {
			return nil, reject(StatusInvalidParameter, "%s requires an OUT pipe", req.Function)
		}
		recip := recipientFor(req.Function)
		value := uint16(req.DescriptorType)<<8 | uint16(req.DescriptorIndex)
		return controlResult(header, req, setupStandard(reqDirOut, recip, bRequestSetDescriptor, value, req.LanguageID), req.TransferBufferLength, req.TransferBuffer)

	case FunctionSetFeatureToDevice, FunctionSetFeatureToInterface, FunctionSetFeatureToEndpoint, FunctionSetFeatureToOther:
		recip := recipientFor(req.Function)
		return controlResult(header, req, setupStandard(reqDirOut, recip, bRequestSetFeature, req.FeatureSelector, req.Index), 0, nil)

	case FunctionClearFeatureToDevice, FunctionClearFeatureToInterface, FunctionClearFeatureToEndpoint, FunctionClearFeatureToOther:
		recip := recipientFor(req.Function)
		return controlResult(header, req, setupStandard(reqDirOut, recip, bRequestClearFeature, req.FeatureSelector, req.Index), 0, nil)

	case FunctionGetStatusFromDevice, FunctionGetStatusFromInterface, FunctionGetStatusFromEndpoint, FunctionGetStatusFromOther:
		if req.Direction != pdu.DirIn {
			return nil, reject(StatusInvalidParameter, "%s requires an IN pipe", req.Function)
		}
		recip := recipientFor(req.Function)
		return controlResult(header, req, setupStandard(reqDirIn, recip, bRequestGetStatus, 0, req.Index), 2, nil)

	case FunctionGetConfiguration:
		if req.Direction != pdu.DirIn {
			return nil, reject(StatusInvalidParameter, "GET_CONFIGURATION requires an IN pipe")
		}
		return controlResult(header, req, setupStandard(reqDirIn, reqRecipDevice, bRequestGetConfiguration, 0, 0), 1, nil)

	case FunctionGetInterface:
		if req.Direction != pdu.DirIn {
			return nil, reject(StatusInvalidParameter, "GET_INTERFACE requires an IN pipe")
		}
		return controlResult(header, req, setupStandard(reqDirIn, reqRecipInterface, bRequestGetInterface, 0, uint16(req.InterfaceNumber)), 1, nil)

	case FunctionVendorDevice, FunctionVendorInterface, FunctionVendorEndpoint, FunctionVendorOther,
		FunctionClassDevice, FunctionClassInterface, FunctionClassEndpoint, FunctionClassOther:
		return translateRawSetup(header, req)

	case FunctionControlTransfer, FunctionControlTransferEx:
		return translateRawSetup(header, req)

	case FunctionBulkOrInterruptTransfer, FunctionBulkOrInterruptTransferUsingChainedMDL:
		return bulkResult(header, req)

	case FunctionIsochTransfer, FunctionIsochTransferUsingChainedMDL:
		return isochResult(header, req)

	case FunctionSyncResetPipeAndClearStall:
		// CLEAR_FEATURE(ENDPOINT_HALT) on the endpoint recipient, per
		// sync_reset_pipe_and_clear_stall. URB_FUNCTION_ABORT_PIPE must
		// have been issued by the host beforehand to quiesce the pipe;
		// that is the host controller driver's concern, not this
		// package's (ABORT_PIPE itself is rejected above as unexpected).
		// The standalone SYNC_RESET_PIPE/SYNC_CLEAR_STALL variants have
		// no handler of their own in the reference driver either, so
		// they are rejected as unexpected rather than reaching here.
		const featureEndpointHalt = 0
		return controlResult(header, req, setupStandard(reqDirOut, reqRecipEndpoint, bRequestClearFeature, featureEndpointHalt, req.Index), 0, nil)

	case FunctionResetPort:
		// CLASS/OUT/OTHER, SET_FEATURE(PORT_RESET) against the hub
		// recipient; routed through this vpdo's own upstream port.
		return controlResult(header, req, setupPacket(reqDirOut|reqTypeClass, reqRecipOther, bRequestSetFeature, portFeatureReset, req.PortNumber), 0, nil)

	case FunctionGetDescriptorFromNodeConnection:
		// A host-side descriptor query distinct from an ordinary
		// GET_DESCRIPTOR control transfer: no pipe handle, but it still
		// produces the same STD/IN/DEVICE setup packet on the wire.
		if req.Direction != pdu.DirIn {
			return nil, reject(StatusInvalidParameter, "%s requires an IN pipe", req.Function)
		}
		value := uint16(req.DescriptorType)<<8 | uint16(req.DescriptorIndex)
		return controlResult(header, req, setupStandard(reqDirIn, reqRecipDevice, bRequestGetDescriptor, value, req.LanguageID), req.TransferBufferLength, nil)

	default:
		return nil, reject(StatusInvalidParameter, "function %s has no translation", req.Function)
	}
}

func recipientFor(f Function) uint8 {
	switch f {
	case FunctionGetDescriptorFromInterface, FunctionSetDescriptorToInterface,
		FunctionSetFeatureToInterface, FunctionClearFeatureToInterface, FunctionGetStatusFromInterface:
		return reqRecipInterface
	case FunctionGetDescriptorFromEndpoint, FunctionSetDescriptorToEndpoint,
		FunctionSetFeatureToEndpoint, FunctionClearFeatureToEndpoint, FunctionGetStatusFromEndpoint:
		return reqRecipEndpoint
	case FunctionSetFeatureToOther, FunctionClearFeatureToOther, FunctionGetStatusFromOther:
		return reqRecipOther
	default:
		return reqRecipDevice
	}
}

// setupStandard builds a standard-type control setup packet. dir must be
// reqDirIn or reqDirOut.
func setupStandard(dir uint8, recip uint8, request uint8, value uint16, index uint16) [8]byte {
	return setupPacket(dir|reqTypeStandard, recip, request, value, index)
}

// setupPacket builds a control setup packet from explicit
// direction|type bits (dirType), recipient, request, value and index.
func setupPacket(dirType uint8, recip uint8, request uint8, value uint16, index uint16) [8]byte {
	var s [8]byte
	s[0] = dirType | recip
	s[1] = request
	s[2], s[3] = byte(value), byte(value>>8)
	s[4], s[5] = byte(index), byte(index>>8)
	return s
}

// controlResult builds a control-transfer TranslateResult from a setup
// packet already in wire byte order, with the given wLength filled in
// and an optional OUT payload attached.
func controlResult(h pdu.Header, req SubmitRequest, setup [8]byte, wLength uint32, payload []byte) (*TranslateResult, error) {
	setup[6], setup[7] = byte(wLength), byte(wLength>>8)
	return &TranslateResult{
		Header: h,
		Body: pdu.SubmitBody{
			TransferFlags:        req.TransferFlags,
			TransferBufferLength: wLength,
			Setup:                setup,
		},
		Payload: payload,
	}, nil
}

// translateRawSetup handles functions where the caller already built the
// bmRequestType/bRequest/wValue/wIndex fields (CONTROL_TRANSFER and every
// vendor/class request): this package only fills in wLength and enforces
// that the setup packet's direction bit agrees with the pipe direction,
// since a mismatch here means the host controller driver above us built
// an inconsistent request.
func translateRawSetup(h pdu.Header, req SubmitRequest) (*TranslateResult, error) {
	setupDirIn := req.Setup.RequestType&0x80 != 0
	if setupDirIn != (req.Direction == pdu.DirIn) {
		return nil, reject(StatusInvalidParameter, "setup packet direction bit disagrees with pipe direction for %s", req.Function)
	}

	var setup [8]byte
	setup[0] = req.Setup.RequestType
	setup[1] = req.Setup.Request
	setup[2], setup[3] = byte(req.Setup.Value), byte(req.Setup.Value>>8)
	setup[4], setup[5] = byte(req.Setup.Index), byte(req.Setup.Index>>8)

	var payload []byte
	if req.Direction == pdu.DirOut {
		payload = req.TransferBuffer
	}

	return controlResult(h, req, setup, req.TransferBufferLength, payload)
}

func bulkResult(h pdu.Header, req SubmitRequest) (*TranslateResult, error) {
	var payload []byte
	if req.Direction == pdu.DirOut {
		payload = req.TransferBuffer
	}
	return &TranslateResult{
		Header: h,
		Body: pdu.SubmitBody{
			TransferFlags:        req.TransferFlags,
			TransferBufferLength: req.TransferBufferLength,
		},
		Payload: payload,
	}, nil
}

// isochResult validates the requested packet layout and builds the
// SUBMIT body plus outgoing packet descriptors. Layout validation
// mirrors do_copy_payload/get_payload_size: offsets must be
// non-decreasing, each packet's length must match the gap to the next
// packet's offset (or to TransferBufferLength for the last packet), and
// the total must equal TransferBufferLength exactly.
func isochResult(h pdu.Header, req SubmitRequest) (*TranslateResult, error) {
	n := len(req.IsoPackets)
	descriptors := make([]pdu.IsoPacketDescriptor, n)
	var expected uint32
	for i, p := range req.IsoPackets {
		if p.Offset != expected {
			return nil, reject(StatusInvalidParameter, "iso packet %d: offset %d does not continue from previous packet (want %d)", i, p.Offset, expected)
		}
		expected += p.Length
		descriptors[i] = pdu.IsoPacketDescriptor{Offset: p.Offset, Length: p.Length}
	}
	if expected != req.TransferBufferLength {
		return nil, reject(StatusInvalidParameter, "iso packet lengths sum to %d, want %d", expected, req.TransferBufferLength)
	}

	var payload []byte
	if req.Direction == pdu.DirOut {
		payload = req.TransferBuffer
	}

	return &TranslateResult{
		Header: h,
		Body: pdu.SubmitBody{
			TransferFlags:        req.TransferFlags,
			TransferBufferLength: req.TransferBufferLength,
			StartFrame:           req.StartFrame,
			NumberOfPackets:      uint32(n),
		},
		Payload:        payload,
		IsoDescriptors: descriptors,
	}, nil
}
