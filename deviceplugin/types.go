package deviceplugin

import (
	"github.com/usbip-go/urbbroker/usbip"
	"k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// KnownDevice is one device this node's plugin is configured to offer,
// selected out of whatever a Target's devlist reports by vendor,
// product and/or bus id.
type KnownDevice struct {
	Target       usbip.Target         `json:"target"`
	Selector     usbip.Device         `json:"selector"`
	ExtraDevices []v1beta1.DeviceSpec `json:"extras"`

	readProperties usbip.Device
	available      bool
}

// SelectorMatches reports whether cand (one entry from a devlist
// response) satisfies this device's selector. A zero field in the
// selector matches anything.
func (kd *KnownDevice) SelectorMatches(cand usbip.Device) bool {
	selector := kd.Selector
	return (selector.BusId == "" || cand.BusId == "" || selector.BusId == cand.BusId) &&
		(selector.Vendor == 0 || selector.Vendor == cand.Vendor) &&
		(selector.Product == 0 || selector.Product == cand.Product)
}
