package deviceplugin

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/usbip-go/urbbroker/broker"
	"github.com/usbip-go/urbbroker/internal/vbus"
	"github.com/usbip-go/urbbroker/usbip"
	podresourcesv1 "k8s.io/kubelet/pkg/apis/podresources/v1"
)

const deviceCheckInterval = 30 * time.Second

// AttachedDevice is one device this node currently has imported: the
// broker device pumping its wire traffic, the bus slot tracking its
// mount path, and the connection both run over.
type AttachedDevice struct {
	Target       usbip.Target
	Port         broker.Port
	DevMountPath string

	conn   net.Conn
	cancel context.CancelFunc
}

// DeviceManager owns the set of devices a node's plugin knows about and
// the ones it currently has imported. It plays the role spec.md leaves
// to its Host/Bus/Transport collaborators combined: for each
// attachment it dials the remote server (Transport), imports the
// device and hands the connection to a broker.Device (the core this
// whole repo implements), and records the result in a Bus so
// ListAndWatch/Allocate can find a mount path.
type DeviceManager struct {
	mu              sync.Mutex
	knownDevices    map[string]*KnownDevice
	attachedDevices map[string]*AttachedDevice

	brokerManager *broker.Manager
	bus           *vbus.Bus
	dialer        usbip.Dialer
	logger        log.Logger

	subscribers []chan []string
}

// NewDeviceManager builds a manager across every resource group's known
// devices, identified by the sha256 of their JSON-encoded selector so
// the same logical device always gets the same kubelet device ID
// across restarts. It returns the ids assigned to each resource group
// so the caller can hand them to NewPluginForDeviceGroup.
func NewDeviceManager(devicesByResource map[string][]*KnownDevice, brokerManager *broker.Manager, bus *vbus.Bus, dialer usbip.Dialer, logger log.Logger) (*DeviceManager, map[string][]string, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	devices := make(map[string]*KnownDevice)
	idsByResource := make(map[string][]string, len(devicesByResource))
	for resource, group := range devicesByResource {
		ids := make([]string, 0, len(group))
		for _, devPtr := range group {
			if devPtr == nil {
				continue
			}
			idJSON, err := json.Marshal(devPtr)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "failed to marshal device %v", *devPtr)
			}
			id := fmt.Sprintf("%x", sha256.Sum256(idJSON))
			devices[id] = devPtr
			ids = append(ids, id)
		}
		idsByResource[resource] = ids
	}
	dm := &DeviceManager{
		knownDevices:    devices,
		attachedDevices: map[string]*AttachedDevice{},
		brokerManager:   brokerManager,
		bus:             bus,
		dialer:          dialer,
		logger:          logger,
	}
	return dm, idsByResource, nil
}

// Subscribe registers a channel that receives the list of known-device
// IDs whose availability changed on the next RefreshAll call.
func (dm *DeviceManager) Subscribe(ch chan []string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.subscribers = append(dm.subscribers, ch)
}

// Targets returns the distinct remote servers this manager's known
// devices are spread across.
func (dm *DeviceManager) Targets() []usbip.Target {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	seen := map[usbip.Target]bool{}
	var targets []usbip.Target
	for _, dev := range dm.knownDevices {
		if !seen[dev.Target] {
			seen[dev.Target] = true
			targets = append(targets, dev.Target)
		}
	}
	return targets
}

// RefreshAll dials every known target's devlist, updates each known
// device's availability, and notifies subscribers of what changed.
func (dm *DeviceManager) RefreshAll() error {
	var changed []string
	for _, target := range dm.Targets() {
		ids, err := dm.refreshTarget(target)
		if err != nil {
			_ = level.Warn(dm.logger).Log("msg", "failed to refresh target", "target", target, "err", err)
			continue
		}
		changed = append(changed, ids...)
	}
	if len(changed) == 0 {
		return nil
	}
	dm.mu.Lock()
	subs := append([]chan []string(nil), dm.subscribers...)
	dm.mu.Unlock()
	for _, ch := range subs {
		ch <- changed
	}
	return nil
}

func (dm *DeviceManager) refreshTarget(target usbip.Target) ([]string, error) {
	conn, err := dm.dialer.Dial(target)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	devices, err := usbip.List(conn)
	if err != nil {
		return nil, err
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	var changed []string
	for id, kd := range dm.knownDevices {
		if kd.Target != target {
			continue
		}
		if _, attached := dm.attachedDevices[id]; attached {
			continue
		}

		var match *usbip.Device
		for i := range devices {
			if kd.SelectorMatches(devices[i]) {
				match = &devices[i]
				break
			}
		}

		wasAvailable := kd.available
		if match != nil {
			kd.available = true
			if kd.readProperties != *match {
				kd.readProperties = *match
				changed = append(changed, id)
			}
		} else {
			kd.available = false
			kd.readProperties = usbip.Device{}
		}
		if wasAvailable != kd.available {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

// Attach imports the device identified by id, plugs it into the broker
// and bus, and starts its reader/writer pumps. It is a no-op returning
// the existing attachment if the device is already imported.
func (dm *DeviceManager) Attach(id string) (*AttachedDevice, error) {
	dm.mu.Lock()
	if existing, ok := dm.attachedDevices[id]; ok {
		dm.mu.Unlock()
		return existing, nil
	}
	kd, ok := dm.knownDevices[id]
	if !ok {
		dm.mu.Unlock()
		return nil, errors.Newf("unknown device %s", id)
	}
	if !kd.available {
		dm.mu.Unlock()
		return nil, errors.Newf("device %s is not currently available", id)
	}
	busId := kd.readProperties.BusId
	dm.mu.Unlock()

	conn, err := dm.dialer.Dial(kd.Target)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial target for import")
	}

	desc, err := usbip.Import(conn, busId)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to import device")
	}

	devId := desc.BusNum<<16 | desc.DevNum
	brokerDev, err := dm.brokerManager.Plug(broker.PlugRequest{
		DeviceDescriptor: desc.DeviceDescriptorBytes(),
		Serial:           busId,
		DevID:            devId,
	})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to plug device into broker")
	}

	slot, err := dm.bus.Attach(brokerDev.Port, devId, brokerDev.Speed, busId, desc.Vendor, desc.Product)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to record device on bus")
	}

	ctx, cancel := context.WithCancel(context.Background())
	host := &diagnosticHost{logger: dm.logger}
	reader := broker.NewReaderPump(brokerDev, conn, host, dm.logger)
	writer := broker.NewWriter(brokerDev, conn, host, dm.logger)
	go func() {
		if err := reader.Run(); err != nil {
			_ = level.Debug(dm.logger).Log("msg", "reader pump stopped", "device", id, "err", err)
		}
	}()
	go func() {
		if err := writer.Run(ctx); err != nil {
			_ = level.Debug(dm.logger).Log("msg", "writer stopped", "device", id, "err", err)
		}
	}()

	attached := &AttachedDevice{
		Target:       kd.Target,
		Port:         brokerDev.Port,
		DevMountPath: slot.MountPath,
		conn:         conn,
		cancel:       cancel,
	}

	dm.mu.Lock()
	dm.attachedDevices[id] = attached
	dm.mu.Unlock()

	return attached, nil
}

// Detach unplugs the device identified by id, draining any outstanding
// requests with StatusDeviceNotConnected, frees its bus slot, and
// closes its connection.
func (dm *DeviceManager) Detach(id string) error {
	dm.mu.Lock()
	attached, ok := dm.attachedDevices[id]
	if !ok {
		dm.mu.Unlock()
		return nil
	}
	delete(dm.attachedDevices, id)
	dm.mu.Unlock()

	attached.cancel()
	if err := dm.brokerManager.Unplug(broker.UnplugRequest{Port: int32(attached.Port)}, &diagnosticHost{logger: dm.logger}); err != nil {
		_ = level.Warn(dm.logger).Log("msg", "failed to unplug device", "device", id, "err", err)
	}
	if err := dm.bus.Detach(attached.Port); err != nil {
		_ = level.Warn(dm.logger).Log("msg", "failed to free bus slot", "device", id, "err", err)
	}
	return usbip.Detach(attached.conn)
}

// AddRefreshJob adds a periodic RefreshAll call to g, running until the
// group is interrupted.
func (dm *DeviceManager) AddRefreshJob(g *run.Group) {
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		ticker := time.NewTicker(deviceCheckInterval)
		defer ticker.Stop()
		for {
			if err := dm.RefreshAll(); err != nil {
				_ = level.Warn(dm.logger).Log("msg", "failed to refresh known devices", "err", err)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
	}, func(error) {
		cancel()
	})
}

// ReleaseUnused detaches every attached device the kubelet pod-resources
// API no longer reports as held by any container, mirroring the
// teacher's own stale-allocation cleanup so a deleted pod's devices
// eventually get unplugged without an explicit Allocate/release
// callback from the kubelet (the device plugin API has none).
func (dm *DeviceManager) ReleaseUnused(resource string, podResourcesSocket string) error {
	if len(dm.AttachedIDs()) == 0 {
		return nil
	}
	conn, err := kubeletClient(podResourcesSocket)
	if err != nil {
		return errors.Wrap(err, "failed to connect to kubelet")
	}
	defer func() { _ = conn.Close() }()

	client := podresourcesv1.NewPodResourcesListerClient(conn)
	usage, err := client.List(context.Background(), &podresourcesv1.ListPodResourcesRequest{})
	if err != nil {
		return errors.Wrap(err, "failed to interrogate kubelet about resource usage")
	}

	inUse := map[string]bool{}
	for _, podResources := range usage.GetPodResources() {
		for _, containerResources := range podResources.GetContainers() {
			for _, containerDevices := range containerResources.GetDevices() {
				if containerDevices.ResourceName != resource {
					continue
				}
				for _, devId := range containerDevices.DeviceIds {
					inUse[devId] = true
				}
			}
		}
	}

	for _, id := range dm.AttachedIDs() {
		if inUse[id] {
			continue
		}
		if err := dm.Detach(id); err != nil {
			_ = level.Warn(dm.logger).Log("msg", "failed to detach unused device", "id", id, "err", err)
		}
	}
	return nil
}

// AttachedIDs returns the known-device IDs currently imported.
func (dm *DeviceManager) AttachedIDs() []string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ids := make([]string, 0, len(dm.attachedDevices))
	for id := range dm.attachedDevices {
		ids = append(ids, id)
	}
	return ids
}

// diagnosticHost stands in for the real OS request source spec.md
// leaves out of scope: it never submits a URB of its own, it just logs
// whatever the broker completes so operators can see wire activity for
// an imported device that nothing local has claimed yet.
type diagnosticHost struct {
	logger log.Logger
}

func (h *diagnosticHost) Complete(handle broker.Handle, result broker.CompletionResult) {
	_ = level.Debug(h.logger).Log("msg", "request completed", "handle", handle, "status", result.Status)
}
