package broker

import (
	"sync"

	"github.com/efficientgo/core/errors"
)

// Device descriptor field offsets (USB 2.0 spec table 9-8); the
// descriptor bytes are little-endian on the wire regardless of the
// USB/IP PDU's own big-endian framing.
const (
	deviceDescriptorMinLen = 18
	offsetBcdUSB           = 2
	offsetDeviceClass      = 4
	offsetDeviceSubClass   = 5
	offsetDeviceProtocol   = 6
)

// Manager owns the bus-wide table of virtual devices: port allocation,
// plug/unplug, and lookup by port. Per spec.md §5 it has its own lock,
// separate from any individual Device's queue lock.
type Manager struct {
	mu    sync.Mutex
	ports map[Port]*Device

	// maxPorts bounds port allocation to 1..maxPorts, mirroring the
	// fixed-size port table a real VHCI controller exposes.
	maxPorts uint32

	descriptors Descriptors
}

// NewManager builds an empty bus with maxPorts virtual device slots.
func NewManager(maxPorts uint32, descriptors Descriptors) *Manager {
	return &Manager{
		ports:       make(map[Port]*Device),
		maxPorts:    maxPorts,
		descriptors: descriptors,
	}
}

// Plug allocates a free port and builds the Device for it, caching
// descriptors and deriving speed and class/subclass/protocol per
// spec.md §4.6.
func (m *Manager) Plug(req PlugRequest) (*Device, error) {
	if len(req.DeviceDescriptor) < deviceDescriptorMinLen {
		return nil, errors.Newf("device descriptor too short: got %d bytes, want at least %d", len(req.DeviceDescriptor), deviceDescriptorMinLen)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	port, err := m.allocatePortLocked()
	if err != nil {
		return nil, err
	}

	req.Speed = speedFromBcdUSB(req.DeviceDescriptor)

	dev := NewDevice(port, req)
	dev.Class = req.DeviceDescriptor[offsetDeviceClass]
	dev.SubClass = req.DeviceDescriptor[offsetDeviceSubClass]
	dev.Protocol = req.DeviceDescriptor[offsetDeviceProtocol]

	if dev.Class == 0 && dev.SubClass == 0 && dev.Protocol == 0 && m.descriptors != nil && len(req.ConfigurationDescriptor) > 0 {
		// A device importer that has no configuration descriptor to
		// offer (USB/IP's OP_REQ_IMPORT reply carries only the device
		// summary, not a full config descriptor) leaves the backfill
		// fields at zero rather than failing the plug outright: a
		// composite device misreported this way still attaches, just
		// without a refined class/subclass/protocol triple.
		class, subclass, protocol, err := m.descriptors.FirstInterfaceClass(req.ConfigurationDescriptor)
		if err != nil {
			delete(m.ports, port)
			return nil, errors.Wrap(err, "failed to back-fill device class from first interface")
		}
		dev.Class, dev.SubClass, dev.Protocol = class, subclass, protocol
	}

	m.ports[port] = dev
	return dev, nil
}

func (m *Manager) allocatePortLocked() (Port, error) {
	for p := Port(1); uint32(p) <= m.maxPorts; p++ {
		if _, taken := m.ports[p]; !taken {
			return p, nil
		}
	}
	return 0, errors.Newf("no free port available (capacity %d)", m.maxPorts)
}

// Unplug tears down one port, or every port when req targets all of
// them, draining each device's outstanding requests with
// StatusDeviceNotConnected before releasing it.
func (m *Manager) Unplug(req UnplugRequest, host Host) error {
	m.mu.Lock()
	var targets []*Device
	if req.all() {
		for _, dev := range m.ports {
			targets = append(targets, dev)
		}
		m.ports = make(map[Port]*Device)
	} else {
		port := Port(req.Port)
		dev, ok := m.ports[port]
		if !ok {
			m.mu.Unlock()
			return errors.Newf("no device on port %d", port)
		}
		delete(m.ports, port)
		targets = append(targets, dev)
	}
	m.mu.Unlock()

	for _, dev := range targets {
		CompleteDrained(host, dev.Drain(), StatusDeviceNotConnected)
	}
	return nil
}

// Lookup returns the device plugged into port, if any.
func (m *Manager) Lookup(port Port) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.ports[port]
	return dev, ok
}

// speedFromBcdUSB maps a device descriptor's bcdUSB field onto the
// broker's speed grades. A non-zero value below USB 2.0's 0x0200 is
// reported as full speed rather than guessing low speed, since bcdUSB
// alone cannot distinguish low from full below that line; a zero
// bcdUSB is reported as SpeedUnknown. Callers needing
// the distinction should consult the port status bits their Bus
// collaborator already has.
func speedFromBcdUSB(deviceDescriptor []byte) USBSpeed {
	bcd := uint16(deviceDescriptor[offsetBcdUSB]) | uint16(deviceDescriptor[offsetBcdUSB+1])<<8
	switch {
	case bcd >= 0x0300:
		return SpeedSuper
	case bcd >= 0x0200:
		return SpeedHigh
	case bcd > 0:
		return SpeedFull
	default:
		return SpeedUnknown
	}
}
