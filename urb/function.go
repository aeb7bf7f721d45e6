// Package urb translates a decoded USB Request Block into the concrete
// wire actions (setup packet bytes, transfer direction, payload framing)
// needed to build a SUBMIT PDU. Turning a decoded reply PDU back into
// the fields a completed URB expects is done by the broker's reader
// pump, not by this package.
//
// The function-code table below mirrors the USBD URB_FUNCTION_* values
// used by the reference Windows USB driver stack, including the gaps:
// several codes were reserved or never implemented by any hardware
// filter driver and are rejected the same way upstream does.
package urb

// Function identifies the kind of USB Request Block submitted by the
// host controller driver above us.
type Function uint16

const (
	FunctionSelectConfiguration Function = 0x0000
	FunctionSelectInterface     Function = 0x0001
	FunctionAbortPipe           Function = 0x0002

	// 0x0003-0x0006 were frame-length-control functions, obsolete since
	// USB 2.0 host controllers stopped supporting software frame length
	// adjustment. No handler.
	functionReserved0x0003 Function = 0x0003
	functionReserved0x0004 Function = 0x0004
	functionReserved0x0005 Function = 0x0005
	functionReserved0x0006 Function = 0x0006

	FunctionGetCurrentFrameNumber Function = 0x0007

	FunctionControlTransfer         Function = 0x0008
	FunctionBulkOrInterruptTransfer Function = 0x0009
	FunctionIsochTransfer           Function = 0x000A

	FunctionGetDescriptorFromDevice Function = 0x000B
	FunctionSetDescriptorToDevice   Function = 0x000C

	FunctionSetFeatureToDevice    Function = 0x000D
	FunctionSetFeatureToInterface Function = 0x000E
	FunctionSetFeatureToEndpoint  Function = 0x000F

	FunctionClearFeatureToDevice    Function = 0x0010
	FunctionClearFeatureToInterface Function = 0x0011
	FunctionClearFeatureToEndpoint  Function = 0x0012

	FunctionGetStatusFromDevice    Function = 0x0013
	FunctionGetStatusFromInterface Function = 0x0014
	FunctionGetStatusFromEndpoint  Function = 0x0015

	functionReserved0x0016 Function = 0x0016

	FunctionVendorDevice    Function = 0x0017
	FunctionVendorInterface Function = 0x0018
	FunctionVendorEndpoint  Function = 0x0019
	FunctionClassDevice     Function = 0x001A
	FunctionClassInterface  Function = 0x001B
	FunctionClassEndpoint   Function = 0x001C

	functionReserved0x001D Function = 0x001D

	FunctionSyncResetPipeAndClearStall Function = 0x001E

	FunctionClassOther  Function = 0x001F
	FunctionVendorOther Function = 0x0020

	FunctionGetStatusFromOther  Function = 0x0021
	FunctionSetFeatureToOther   Function = 0x0022
	FunctionClearFeatureToOther Function = 0x0023

	FunctionGetDescriptorFromEndpoint Function = 0x0024
	FunctionSetDescriptorToEndpoint   Function = 0x0025

	FunctionGetConfiguration Function = 0x0026
	FunctionGetInterface     Function = 0x0027

	FunctionGetDescriptorFromInterface Function = 0x0028
	FunctionSetDescriptorToInterface   Function = 0x0029

	// Never implemented by the reference vhci filter: Microsoft OS
	// feature descriptors are handled above the URB layer, not
	// translated onto the wire here.
	functionGetMSFeatureDescriptor Function = 0x002A

	functionReserved0x002B Function = 0x002B
	functionReserved0x002C Function = 0x002C
	functionReserved0x002D Function = 0x002D
	functionReserved0x002E Function = 0x002E
	functionReserved0x002F Function = 0x002F

	// Standalone pipe reset/clear-stall, as distinct from
	// FunctionSyncResetPipeAndClearStall (0x001E): the reference driver
	// never implements these alone, only combined, so both are rejected
	// as unexpected rather than translated onto the wire.
	FunctionSyncResetPipe  Function = 0x0030
	FunctionSyncClearStall Function = 0x0031

	// Extended control transfer carries a timeout alongside the setup
	// packet; translated identically to FunctionControlTransfer since
	// timeouts are a host-local concern, not a wire concept.
	FunctionControlTransferEx Function = 0x0032

	functionReserved0x0033 Function = 0x0033
	functionReserved0x0034 Function = 0x0034

	// Static stream functions target USB 3.0 bulk streams management
	// that the vhci filter never exposed; no translation exists.
	functionOpenStaticStreams  Function = 0x0035
	functionCloseStaticStreams Function = 0x0036

	// Chained-MDL transfers describe the transfer buffer as a linked
	// list of memory descriptors instead of one contiguous buffer; the
	// wire doesn't care how the host laid out its buffer, so these
	// translate identically to their non-chained counterparts.
	FunctionBulkOrInterruptTransferUsingChainedMDL Function = 0x0037
	FunctionIsochTransferUsingChainedMDL           Function = 0x0038

	functionReserved0x0039 Function = 0x0039
	functionReserved0x003A Function = 0x003A
	functionReserved0x003B Function = 0x003B
	functionReserved0x003C Function = 0x003C

	functionGetIsochPipeTransferPathDelays Function = 0x003D

	// FunctionResetPort and FunctionGetDescriptorFromNodeConnection do
	// not arrive as URB_FUNCTION_* codes at all: the reference driver
	// reaches the translator for these through a separate IOCTL path
	// (IOCTL_INTERNAL_USB_RESET_PORT,
	// IOCTL_USB_GET_DESCRIPTOR_FROM_NODE_CONNECTION) rather than
	// usb_submit_urb. They are numbered outside the URB_FUNCTION_*
	// range so they can share this dispatch table without colliding
	// with a real function code.
	FunctionResetPort                     Function = 0x1000
	FunctionGetDescriptorFromNodeConnection Function = 0x1001
)

// String names a function code the way the reference driver logs it, for
// diagnostics; codes with no defined translation report "unimplemented".
func (f Function) String() string {
	switch f {
	case FunctionSelectConfiguration:
		return "SELECT_CONFIGURATION"
	case FunctionSelectInterface:
		return "SELECT_INTERFACE"
	case FunctionAbortPipe:
		return "ABORT_PIPE"
	case FunctionGetCurrentFrameNumber:
		return "GET_CURRENT_FRAME_NUMBER"
	case FunctionControlTransfer:
		return "CONTROL_TRANSFER"
	case FunctionBulkOrInterruptTransfer:
		return "BULK_OR_INTERRUPT_TRANSFER"
	case FunctionIsochTransfer:
		return "ISOCH_TRANSFER"
	case FunctionGetDescriptorFromDevice:
		return "GET_DESCRIPTOR_FROM_DEVICE"
	case FunctionSetDescriptorToDevice:
		return "SET_DESCRIPTOR_TO_DEVICE"
	case FunctionSetFeatureToDevice:
		return "SET_FEATURE_TO_DEVICE"
	case FunctionSetFeatureToInterface:
		return "SET_FEATURE_TO_INTERFACE"
	case FunctionSetFeatureToEndpoint:
		return "SET_FEATURE_TO_ENDPOINT"
	case FunctionClearFeatureToDevice:
		return "CLEAR_FEATURE_TO_DEVICE"
	case FunctionClearFeatureToInterface:
		return "CLEAR_FEATURE_TO_INTERFACE"
	case FunctionClearFeatureToEndpoint:
		return "CLEAR_FEATURE_TO_ENDPOINT"
	case FunctionGetStatusFromDevice:
		return "GET_STATUS_FROM_DEVICE"
	case FunctionGetStatusFromInterface:
		return "GET_STATUS_FROM_INTERFACE"
	case FunctionGetStatusFromEndpoint:
		return "GET_STATUS_FROM_ENDPOINT"
	case FunctionVendorDevice:
		return "VENDOR_DEVICE"
	case FunctionVendorInterface:
		return "VENDOR_INTERFACE"
	case FunctionVendorEndpoint:
		return "VENDOR_ENDPOINT"
	case FunctionClassDevice:
		return "CLASS_DEVICE"
	case FunctionClassInterface:
		return "CLASS_INTERFACE"
	case FunctionClassEndpoint:
		return "CLASS_ENDPOINT"
	case FunctionSyncResetPipeAndClearStall:
		return "SYNC_RESET_PIPE_AND_CLEAR_STALL"
	case FunctionClassOther:
		return "CLASS_OTHER"
	case FunctionVendorOther:
		return "VENDOR_OTHER"
	case FunctionGetStatusFromOther:
		return "GET_STATUS_FROM_OTHER"
	case FunctionClearFeatureToOther:
		return "CLEAR_FEATURE_TO_OTHER"
	case FunctionSetFeatureToOther:
		return "SET_FEATURE_TO_OTHER"
	case FunctionGetDescriptorFromEndpoint:
		return "GET_DESCRIPTOR_FROM_ENDPOINT"
	case FunctionSetDescriptorToEndpoint:
		return "SET_DESCRIPTOR_TO_ENDPOINT"
	case FunctionGetConfiguration:
		return "GET_CONFIGURATION"
	case FunctionGetInterface:
		return "GET_INTERFACE"
	case FunctionGetDescriptorFromInterface:
		return "GET_DESCRIPTOR_FROM_INTERFACE"
	case FunctionSetDescriptorToInterface:
		return "SET_DESCRIPTOR_TO_INTERFACE"
	case FunctionSyncResetPipe:
		return "SYNC_RESET_PIPE"
	case FunctionSyncClearStall:
		return "SYNC_CLEAR_STALL"
	case FunctionControlTransferEx:
		return "CONTROL_TRANSFER_EX"
	case FunctionBulkOrInterruptTransferUsingChainedMDL:
		return "BULK_OR_INTERRUPT_TRANSFER_USING_CHAINED_MDL"
	case FunctionIsochTransferUsingChainedMDL:
		return "ISOCH_TRANSFER_USING_CHAINED_MDL"
	case FunctionResetPort:
		return "RESET_PORT"
	case FunctionGetDescriptorFromNodeConnection:
		return "GET_DESCRIPTOR_FROM_NODE_CONNECTION"
	default:
		return "UNIMPLEMENTED"
	}
}

// unexpected reports whether f is a function the upper layer (the host
// controller driver stack above this broker) should have handled
// without ever reaching the wire — GET_CURRENT_FRAME_NUMBER, ABORT_PIPE,
// the obsolete frame-length-control quartet, the MS OS feature
// descriptor, static-stream management, standalone pipe reset/clear
// stall, and the isoch pipe transfer path delay query. Submitting one
// of these is a caller bug, not a malformed request, so Translate
// rejects it with StatusInternalError.
func (f Function) unexpected() bool {
	switch f {
	case FunctionAbortPipe, functionReserved0x0003, functionReserved0x0004,
		functionReserved0x0005, functionReserved0x0006, FunctionGetCurrentFrameNumber,
		functionGetMSFeatureDescriptor, functionOpenStaticStreams, functionCloseStaticStreams,
		FunctionSyncResetPipe, FunctionSyncClearStall, functionGetIsochPipeTransferPathDelays:
		return true
	default:
		return false
	}
}

// reserved reports whether f falls into one of the true gaps in the
// URB_FUNCTION_* table — codes no driver version ever assigned.
// Translate rejects these with StatusInvalidParameter.
func (f Function) reserved() bool {
	switch f {
	case functionReserved0x0016, functionReserved0x001D,
		functionReserved0x002B, functionReserved0x002C, functionReserved0x002D,
		functionReserved0x002E, functionReserved0x002F,
		functionReserved0x0033, functionReserved0x0034,
		functionReserved0x0039, functionReserved0x003A, functionReserved0x003B, functionReserved0x003C:
		return true
	default:
		return false
	}
}
