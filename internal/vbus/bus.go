// Package vbus stands in for the virtual-bus collaborator spec.md
// names but leaves out of scope: it plays the role the real vhci_hcd
// kernel driver plays for the reference client, enumerating ports and
// mounting attached devices as device nodes, except it never touches
// sysfs. Every state change comes from an explicit Attach/Detach call
// made by whoever plugs or unplugs the device in broker.Manager
// (deviceplugin.DeviceManager), instead of from
// /sys/devices/platform/vhci_hcd.0/status.
package vbus

import (
	"fmt"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/usbip-go/urbbroker/broker"
)

// Status mirrors the vhci_hcd virtual device status codes; only the
// "occupied"/"empty" distinction matters to this bus, the rest are
// carried for fidelity with what a real status line would report.
type Status uint32

const (
	StatusNull Status = iota
	StatusNotAssigned
	StatusUsed
	StatusError
)

// Slot is one virtual port's bookkeeping, the in-memory analogue of one
// line of vhci_hcd's status file.
type Slot struct {
	Port     broker.Port
	Status   Status
	DeviceID uint32
	Speed    broker.USBSpeed
	BusId    string
	Vendor   uint16
	Product  uint16

	// MountPath is the path this bus hands out as the device node for
	// an attached slot. There is no real kernel device backing it;
	// it exists so a consumer like a Kubernetes device plugin has a
	// stable path to hand to a container.
	MountPath string
}

func (s Slot) IsEmpty() bool {
	return s.Status == StatusNull || s.Status == StatusNotAssigned
}

// Bus is a fixed-size in-memory port table.
type Bus struct {
	mu              sync.Mutex
	slots           []Slot
	mountPathPrefix string
}

// New builds a bus with nports virtual ports, none of them occupied.
// mountPathPrefix is the directory attached devices' synthesized mount
// paths are placed under (e.g. "/run/usbip-urbd/devices").
func New(nports uint32, mountPathPrefix string) (*Bus, error) {
	if nports == 0 {
		return nil, errors.New("a bus needs at least one port")
	}
	return &Bus{
		slots:           make([]Slot, nports),
		mountPathPrefix: mountPathPrefix,
	}, nil
}

// Attach records an occupied slot for a newly plugged device. port must
// already have been allocated by a broker.Manager; this call only
// updates the bus-level bookkeeping a device plugin reads to find a
// mount path.
func (b *Bus) Attach(port broker.Port, deviceID uint32, speed broker.USBSpeed, busId string, vendor, product uint16) (Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.indexForPort(port)
	if err != nil {
		return Slot{}, err
	}
	if !b.slots[idx].IsEmpty() {
		return Slot{}, errors.Newf("port %d is already occupied", port)
	}

	slot := Slot{
		Port:      port,
		Status:    StatusUsed,
		DeviceID:  deviceID,
		Speed:     speed,
		BusId:     busId,
		Vendor:    vendor,
		Product:   product,
		MountPath: fmt.Sprintf("%s/port%d", b.mountPathPrefix, port),
	}
	b.slots[idx] = slot
	return slot, nil
}

// Detach clears a slot. Detaching a port that is already empty is not
// an error: unplug and transport-loss paths can race to report the
// same port gone.
func (b *Bus) Detach(port broker.Port) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.indexForPort(port)
	if err != nil {
		return err
	}
	b.slots[idx] = Slot{Port: port}
	return nil
}

// Lookup returns the current slot state for port.
func (b *Bus) Lookup(port broker.Port) (Slot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.indexForPort(port)
	if err != nil {
		return Slot{}, false
	}
	return b.slots[idx], !b.slots[idx].IsEmpty()
}

// Slots returns a snapshot of every port's state, occupied or not.
func (b *Bus) Slots() []Slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Slot, len(b.slots))
	copy(out, b.slots)
	return out
}

func (b *Bus) indexForPort(port broker.Port) (int, error) {
	idx := int(port) - 1
	if idx < 0 || idx >= len(b.slots) {
		return 0, errors.Newf("port %d out of range (bus has %d ports)", port, len(b.slots))
	}
	return idx, nil
}
