package deviceplugin

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/usbip-go/urbbroker/broker"
	"github.com/usbip-go/urbbroker/internal/descriptors"
	"github.com/usbip-go/urbbroker/internal/vbus"
	"github.com/usbip-go/urbbroker/usbip"
)

// fakeDialer hands back one pre-wired net.Pipe half per target,
// running a minimal USB/IP control-channel server on the other half so
// DeviceManager can exercise RefreshAll/Attach without a real usbipd.
type fakeDialer struct {
	servers map[usbip.Target]func(net.Conn)
}

func (d *fakeDialer) Dial(t usbip.Target) (net.Conn, error) {
	serve, ok := d.servers[t]
	if !ok {
		return nil, errNoServerForTarget(t)
	}
	client, server := net.Pipe()
	go serve(server)
	return client, nil
}

type errNoServerForTarget usbip.Target

func (e errNoServerForTarget) Error() string { return "no fake server for target" }

func busIdBytes(s string) [32]byte {
	var b [32]byte
	copy(b[:], s)
	return b
}

// devlistThenImportServer answers one OP_REQ_DEVLIST with a single
// device, then (on a fresh connection) one OP_REQ_IMPORT for it, then
// just holds the connection open for the broker's pumps.
func devlistThenImportServer(busId string, vendor, product uint16) func(net.Conn) {
	return devlistThenImportServerWithClass(busId, vendor, product, 0xFF)
}

// devlistThenImportServerWithClass is devlistThenImportServer with a
// caller-chosen DeviceClass, so a composite device (class 0, its real
// class living on the first interface) can be exercised too.
func devlistThenImportServerWithClass(busId string, vendor, product uint16, deviceClass uint8) func(net.Conn) {
	return func(conn net.Conn) {
		var hdr struct {
			Version uint16
			Code    uint16
			Status  uint32
		}
		if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
			return
		}
		switch hdr.Code {
		case 0x8005: // OP_REQ_DEVLIST
			resp := struct {
				Version    uint16
				Code       uint16
				Status     uint32
				NumDevices uint32
			}{Version: 0x0111, Code: 0x0005, NumDevices: 1}
			_ = binary.Write(conn, binary.BigEndian, resp)
			dev := usbip.DeviceDescription{
				BusId:   busIdBytes(busId),
				Vendor:  vendor,
				Product: product,
				Speed:   3,
			}
			_ = binary.Write(conn, binary.BigEndian, dev)
		case 0x8003: // OP_REQ_IMPORT
			var req struct {
				BusId [32]byte
			}
			_ = binary.Read(conn, binary.BigEndian, &req)
			resp := struct {
				Version uint16
				Code    uint16
				Status  uint32
				usbip.DeviceDescription
			}{
				Version: 0x0111, Code: 0x0003,
				DeviceDescription: usbip.DeviceDescription{
					BusId:       busIdBytes(busId),
					Vendor:      vendor,
					Product:     product,
					Speed:       3,
					DeviceClass: deviceClass,
				},
			}
			_ = binary.Write(conn, binary.BigEndian, resp)
		}
	}
}

func newTestManager(t *testing.T, devicesByResource map[string][]*KnownDevice, dialer usbip.Dialer) *DeviceManager {
	t.Helper()
	bus, err := vbus.New(4, "/run/test/devices")
	if err != nil {
		t.Fatalf("vbus.New: %v", err)
	}
	brokerManager := broker.NewManager(4, descriptors.New())
	dm, _, err := NewDeviceManager(devicesByResource, brokerManager, bus, dialer, nil)
	if err != nil {
		t.Fatalf("NewDeviceManager: %v", err)
	}
	return dm
}

func TestRefreshAllMarksMatchingDeviceAvailable(t *testing.T) {
	target := usbip.Target{Host: "usbipd.example", Port: 3240}
	kd := &KnownDevice{Target: target, Selector: usbip.Device{Vendor: 0x1234, Product: 0x5678}}
	dialer := &fakeDialer{servers: map[usbip.Target]func(net.Conn){
		target: devlistThenImportServer("1-1", 0x1234, 0x5678),
	}}
	dm := newTestManager(t, map[string][]*KnownDevice{"usb.example.com/widget": {kd}}, dialer)

	if err := dm.RefreshAll(); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if !kd.available {
		t.Fatal("expected the matching device to be marked available")
	}
	if kd.readProperties.BusId != "1-1" {
		t.Errorf("unexpected bus id recorded: %q", kd.readProperties.BusId)
	}
}

func TestRefreshAllLeavesNonMatchingDeviceUnavailable(t *testing.T) {
	target := usbip.Target{Host: "usbipd.example", Port: 3240}
	kd := &KnownDevice{Target: target, Selector: usbip.Device{Vendor: 0xDEAD, Product: 0xBEEF}}
	dialer := &fakeDialer{servers: map[usbip.Target]func(net.Conn){
		target: devlistThenImportServer("1-1", 0x1234, 0x5678),
	}}
	dm := newTestManager(t, map[string][]*KnownDevice{"usb.example.com/widget": {kd}}, dialer)

	if err := dm.RefreshAll(); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if kd.available {
		t.Fatal("expected a non-matching selector to leave the device unavailable")
	}
}

func TestAttachFailsForUnknownDevice(t *testing.T) {
	dm := newTestManager(t, map[string][]*KnownDevice{}, &fakeDialer{servers: map[usbip.Target]func(net.Conn){}})
	if _, err := dm.Attach("nonexistent"); err == nil {
		t.Fatal("expected an error attaching an unknown device id")
	}
}

func TestAttachFailsWhenDeviceNotYetRefreshed(t *testing.T) {
	target := usbip.Target{Host: "usbipd.example", Port: 3240}
	kd := &KnownDevice{Target: target, Selector: usbip.Device{Vendor: 0x1234, Product: 0x5678}}
	dm := newTestManager(t, map[string][]*KnownDevice{"usb.example.com/widget": {kd}}, &fakeDialer{servers: map[usbip.Target]func(net.Conn){}})

	ids := dm.AttachedIDs()
	if len(ids) != 0 {
		t.Fatalf("expected no attached devices yet, got %v", ids)
	}

	for id := range dm.knownDevices {
		if _, err := dm.Attach(id); err == nil {
			t.Fatal("expected Attach to fail before the device has been observed available")
		}
	}
}

func TestAttachImportsAndRecordsBusSlot(t *testing.T) {
	target := usbip.Target{Host: "usbipd.example", Port: 3240}
	kd := &KnownDevice{Target: target, Selector: usbip.Device{Vendor: 0x1234, Product: 0x5678}}
	dialer := &fakeDialer{servers: map[usbip.Target]func(net.Conn){
		target: devlistThenImportServer("1-1", 0x1234, 0x5678),
	}}
	dm := newTestManager(t, map[string][]*KnownDevice{"usb.example.com/widget": {kd}}, dialer)
	if err := dm.RefreshAll(); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}

	var id string
	for candidate := range dm.knownDevices {
		id = candidate
	}

	attached, err := dm.Attach(id)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if attached.DevMountPath == "" {
		t.Error("expected a non-empty mount path for the attached device")
	}

	again, err := dm.Attach(id)
	if err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if again != attached {
		t.Error("expected a second Attach call to return the existing attachment")
	}

	if err := dm.Detach(id); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if ids := dm.AttachedIDs(); len(ids) != 0 {
		t.Errorf("expected no attached devices after Detach, got %v", ids)
	}
}

func TestAttachSucceedsForCompositeDeviceWithoutConfigurationDescriptor(t *testing.T) {
	// A composite device reports DeviceClass 0 on its device descriptor
	// (its real class lives on the first interface), and USB/IP's
	// import reply never carries a configuration descriptor to back
	// that class-subclass-protocol triple out of. Attach must still
	// succeed rather than fail the whole import.
	target := usbip.Target{Host: "usbipd.example", Port: 3240}
	kd := &KnownDevice{Target: target, Selector: usbip.Device{Vendor: 0x1234, Product: 0x5678}}
	dialer := &fakeDialer{servers: map[usbip.Target]func(net.Conn){
		target: devlistThenImportServerWithClass("1-1", 0x1234, 0x5678, 0x00),
	}}
	dm := newTestManager(t, map[string][]*KnownDevice{"usb.example.com/widget": {kd}}, dialer)
	if err := dm.RefreshAll(); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}

	var id string
	for candidate := range dm.knownDevices {
		id = candidate
	}

	if _, err := dm.Attach(id); err != nil {
		t.Fatalf("Attach: %v", err)
	}
}

func TestDetachUnknownDeviceIsNoOp(t *testing.T) {
	dm := newTestManager(t, map[string][]*KnownDevice{}, &fakeDialer{servers: map[usbip.Target]func(net.Conn){}})
	if err := dm.Detach("nonexistent"); err != nil {
		t.Fatalf("expected Detach on an unknown id to be a no-op, got %v", err)
	}
}
