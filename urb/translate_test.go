package urb

import (
	"testing"

	"github.com/usbip-go/urbbroker/pdu"
)

func TestTranslateGetDescriptorFromDevice(t *testing.T) {
	// Scenario S1: control IN, GET_DESCRIPTOR(device, length=18).
	req := SubmitRequest{
		Function:             FunctionGetDescriptorFromDevice,
		DevID:                0x00020003,
		Ep:                   0,
		Direction:            pdu.DirIn,
		DescriptorType:       0x01,
		DescriptorIndex:      0,
		TransferBufferLength: 18,
	}
	result, err := Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Body.Setup[0] != reqDirIn|reqTypeStandard|reqRecipDevice {
		t.Errorf("bmRequestType: got %#x", result.Body.Setup[0])
	}
	if result.Body.Setup[1] != bRequestGetDescriptor {
		t.Errorf("bRequest: got %#x", result.Body.Setup[1])
	}
	if got := uint16(result.Body.Setup[2]) | uint16(result.Body.Setup[3])<<8; got != 0x0100 {
		t.Errorf("wValue: got %#x, want 0x0100", got)
	}
	if result.Body.TransferBufferLength != 18 {
		t.Errorf("wLength/TransferBufferLength: got %d, want 18", result.Body.TransferBufferLength)
	}
	if result.Payload != nil {
		t.Errorf("expected no OUT payload for a GET request, got %v", result.Payload)
	}
}

func TestTranslateGetDescriptorRejectsWrongDirection(t *testing.T) {
	req := SubmitRequest{
		Function:  FunctionGetDescriptorFromDevice,
		Direction: pdu.DirOut,
	}
	_, err := Translate(req)
	if err == nil {
		t.Fatal("expected rejection for OUT pipe on a GET request")
	}
	rej, ok := err.(*RejectionError)
	if !ok {
		t.Fatalf("expected *RejectionError, got %T", err)
	}
	if rej.Status != StatusInvalidParameter {
		t.Errorf("status: got %d, want %d", rej.Status, StatusInvalidParameter)
	}
}

func TestTranslateSelectConfiguration(t *testing.T) {
	req := SubmitRequest{
		Function:           FunctionSelectConfiguration,
		Direction:          pdu.DirOut,
		ConfigurationValue: 1,
	}
	result, err := Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Body.Setup[1] != bRequestSetConfiguration {
		t.Errorf("bRequest: got %#x, want SET_CONFIGURATION", result.Body.Setup[1])
	}
	if result.Body.Setup[2] != 1 {
		t.Errorf("wValue low byte: got %d, want 1", result.Body.Setup[2])
	}
}

func TestTranslateBulkTransferOut(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	req := SubmitRequest{
		Function:             FunctionBulkOrInterruptTransfer,
		Direction:            pdu.DirOut,
		TransferBuffer:       payload,
		TransferBufferLength: uint32(len(payload)),
	}
	result, err := Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Body.Setup != ([8]byte{}) {
		t.Errorf("bulk transfer should carry a zeroed setup packet, got %v", result.Body.Setup)
	}
	if len(result.Payload) != 4 {
		t.Errorf("payload length: got %d, want 4", len(result.Payload))
	}
}

func TestTranslateIsochValidLayout(t *testing.T) {
	req := SubmitRequest{
		Function:             FunctionIsochTransfer,
		Direction:            pdu.DirIn,
		TransferBufferLength: 45,
		IsoPackets: []IsoPacket{
			{Offset: 0, Length: 15},
			{Offset: 15, Length: 15},
			{Offset: 30, Length: 15},
		},
	}
	result, err := Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Body.NumberOfPackets != 3 {
		t.Errorf("number_of_packets: got %d, want 3", result.Body.NumberOfPackets)
	}
	if len(result.IsoDescriptors) != 3 {
		t.Fatalf("iso descriptors: got %d, want 3", len(result.IsoDescriptors))
	}
	if result.IsoDescriptors[2].Offset != 30 || result.IsoDescriptors[2].Length != 15 {
		t.Errorf("last descriptor: got %+v", result.IsoDescriptors[2])
	}
}

func TestTranslateIsochRejectsBadLayout(t *testing.T) {
	for _, tc := range []struct {
		name    string
		packets []IsoPacket
		total   uint32
	}{
		{
			name:    "gap between packets",
			packets: []IsoPacket{{Offset: 0, Length: 10}, {Offset: 20, Length: 10}},
			total:   30,
		},
		{
			name:    "sum does not match transfer buffer length",
			packets: []IsoPacket{{Offset: 0, Length: 10}, {Offset: 10, Length: 10}},
			total:   30,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := SubmitRequest{
				Function:             FunctionIsochTransfer,
				Direction:            pdu.DirIn,
				TransferBufferLength: tc.total,
				IsoPackets:           tc.packets,
			}
			if _, err := Translate(req); err == nil {
				t.Fatal("expected rejection for malformed iso packet layout")
			}
		})
	}
}

func TestTranslateControlTransferDirectionMismatch(t *testing.T) {
	req := SubmitRequest{
		Function:  FunctionControlTransfer,
		Direction: pdu.DirOut,
		Setup: ControlSetup{
			RequestType: 0x80, // device-to-host, but pipe below says OUT
			Request:     0x06,
		},
	}
	_, err := Translate(req)
	if err == nil {
		t.Fatal("expected rejection for setup/pipe direction mismatch")
	}
}

func TestTranslateClearFeatureEndpointHalt(t *testing.T) {
	req := SubmitRequest{
		Function:  FunctionClearFeatureToEndpoint,
		Direction: pdu.DirOut,
		Index:     0x81,
	}
	result, err := Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Body.Setup[0] != reqDirOut|reqTypeStandard|reqRecipEndpoint {
		t.Errorf("bmRequestType: got %#x", result.Body.Setup[0])
	}
	if result.Body.Setup[1] != bRequestClearFeature {
		t.Errorf("bRequest: got %#x", result.Body.Setup[1])
	}
	if got := uint16(result.Body.Setup[4]) | uint16(result.Body.Setup[5])<<8; got != 0x81 {
		t.Errorf("wIndex: got %#x, want 0x81", got)
	}
}

func TestTranslateSyncResetPipeAndClearStallClearsEndpointHalt(t *testing.T) {
	req := SubmitRequest{Function: FunctionSyncResetPipeAndClearStall, Index: 0x02}
	result, err := Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Body.Setup[1] != bRequestClearFeature {
		t.Errorf("bRequest: got %#x, want CLEAR_FEATURE", result.Body.Setup[1])
	}
	if result.Body.Setup[0] != reqDirOut|reqTypeStandard|reqRecipEndpoint {
		t.Errorf("bmRequestType: got %#x", result.Body.Setup[0])
	}
}

func TestTranslateStandaloneSyncResetPipeIsRejected(t *testing.T) {
	for _, fn := range []Function{FunctionSyncResetPipe, FunctionSyncClearStall} {
		req := SubmitRequest{Function: fn, Index: 0x02}
		if _, err := Translate(req); err == nil {
			t.Errorf("expected %s to be rejected rather than produce wire traffic", fn)
		}
	}
}

func TestTranslateResetPort(t *testing.T) {
	req := SubmitRequest{Function: FunctionResetPort, PortNumber: 3}
	result, err := Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Body.Setup[0] != reqDirOut|reqTypeClass|reqRecipOther {
		t.Errorf("bmRequestType: got %#x", result.Body.Setup[0])
	}
	if result.Body.Setup[1] != bRequestSetFeature {
		t.Errorf("bRequest: got %#x, want SET_FEATURE", result.Body.Setup[1])
	}
	if got := uint16(result.Body.Setup[2]) | uint16(result.Body.Setup[3])<<8; got != portFeatureReset {
		t.Errorf("wValue: got %#x, want PORT_RESET", got)
	}
	if got := uint16(result.Body.Setup[4]) | uint16(result.Body.Setup[5])<<8; got != 3 {
		t.Errorf("wIndex (port): got %d, want 3", got)
	}
}

func TestTranslateUnexpectedFunctionIsInternalError(t *testing.T) {
	req := SubmitRequest{Function: FunctionAbortPipe}
	_, err := Translate(req)
	rej, ok := err.(*RejectionError)
	if !ok {
		t.Fatalf("expected *RejectionError, got %T", err)
	}
	if rej.Status != StatusInternalError {
		t.Errorf("status: got %v, want %v", rej.Status, StatusInternalError)
	}
}

func TestTranslateRejectsReservedFunction(t *testing.T) {
	req := SubmitRequest{Function: Function(0x0016)} // true gap in the table
	_, err := Translate(req)
	if err == nil {
		t.Fatal("expected rejection for a reserved function code")
	}
	rej, ok := err.(*RejectionError)
	if !ok {
		t.Fatalf("expected *RejectionError, got %T", err)
	}
	if rej.Status != StatusInvalidParameter {
		t.Errorf("status: got %v, want %v", rej.Status, StatusInvalidParameter)
	}
}
