// Package descriptors walks a raw USB configuration descriptor blob to
// answer the one question the broker's plug path needs: what class,
// subclass and protocol does the first interface advertise. Devices
// that report an all-zero device class defer that decision to their
// interfaces, and the host OS needs a compatible id before it can bind
// a driver.
package descriptors

import (
	"github.com/efficientgo/core/errors"
)

// typeInterface is the standard INTERFACE descriptor type code (USB 2.0
// spec table 9-5).
const typeInterface = 0x04

const (
	interfaceDescriptorLen = 9

	offInterfaceClass    = 5
	offInterfaceSubClass = 6
	offInterfaceProtocol = 7
)

// FirstInterfaceClass walks configDescriptor's chain of descriptors
// looking for the first INTERFACE descriptor and returns its
// class/subclass/protocol triple, mirroring dsc_find_next_intf's walk
// over a USB_CONFIGURATION_DESCRIPTOR.
func FirstInterfaceClass(configDescriptor []byte) (class, subclass, protocol uint8, err error) {
	for pos := 0; pos+2 <= len(configDescriptor); {
		bLength := int(configDescriptor[pos])
		if bLength < 2 || pos+bLength > len(configDescriptor) {
			return 0, 0, 0, errors.Newf("malformed descriptor at offset %d: length %d", pos, bLength)
		}
		bDescriptorType := configDescriptor[pos+1]

		if bDescriptorType == typeInterface {
			if bLength < interfaceDescriptorLen {
				return 0, 0, 0, errors.Newf("interface descriptor at offset %d shorter than %d bytes", pos, interfaceDescriptorLen)
			}
			return configDescriptor[pos+offInterfaceClass],
				configDescriptor[pos+offInterfaceSubClass],
				configDescriptor[pos+offInterfaceProtocol],
				nil
		}

		pos += bLength
	}
	return 0, 0, 0, errors.Newf("no interface descriptor found in configuration descriptor")
}

// descriptorsAdapter lets internal/descriptors satisfy broker.Descriptors
// without broker importing this package's concrete type; New returns it
// as an anonymous interface, so this package does not import broker
// either.
type descriptorsAdapter struct{}

// New returns a broker.Descriptors implementation backed by
// FirstInterfaceClass.
func New() interface {
	FirstInterfaceClass(configDescriptor []byte) (class, subclass, protocol uint8, err error)
} {
	return descriptorsAdapter{}
}

func (descriptorsAdapter) FirstInterfaceClass(configDescriptor []byte) (uint8, uint8, uint8, error) {
	return FirstInterfaceClass(configDescriptor)
}
