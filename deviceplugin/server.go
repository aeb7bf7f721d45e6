// SPDX-License-Identifier: GPL-2.0-only

package deviceplugin

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// USBIPPlugin adapts a DeviceManager's known devices to one Kubernetes
// resource group.
type USBIPPlugin struct {
	v1beta1.UnimplementedDevicePluginServer
	resource          string
	selectableDevices map[string]*KnownDevice
	manager           *DeviceManager
	logger            log.Logger
	refreshChan       chan []string

	// metrics
	availableDeviceGauge prometheus.Gauge
	attachedDeviceGauge  prometheus.Gauge
	allocationsCounter   prometheus.Counter
}

// NewPluginForDeviceGroup builds the plugin for a subset of a
// DeviceManager's known devices, identified by the same ids
// NewDeviceManager assigned them.
func NewPluginForDeviceGroup(deviceIds []string, dm *DeviceManager, resourceName string, pluginDir string, logger log.Logger, reg prometheus.Registerer) (Plugin, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	selectableDevices := make(map[string]*KnownDevice, len(deviceIds))
	for _, id := range deviceIds {
		devPtr, ok := dm.knownDevices[id]
		if !ok {
			return nil, fmt.Errorf("device %s not found among the manager's known devices", id)
		}
		selectableDevices[id] = devPtr
	}

	p := &USBIPPlugin{
		resource:          resourceName,
		selectableDevices: selectableDevices,
		manager:           dm,
		logger:            logger,
		refreshChan:       make(chan []string),
		availableDeviceGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_device_plugin_available_devices",
			Help: "The number of devices managed by this device plugin.",
		}),
		attachedDeviceGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_device_plugin_attached_devices",
			Help: "The number of devices attached to this node by this device plugin.",
		}),
		allocationsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_device_plugin_allocations_total",
			Help: "The total number of device allocations made by this device plugin.",
		}),
	}
	dm.Subscribe(p.refreshChan)

	_ = logger.Log("msg", "preparing device plugin", "resource", resourceName)
	if reg != nil {
		reg.MustRegister(p.availableDeviceGauge, p.allocationsCounter, p.attachedDeviceGauge)
	}

	return NewPlugin(resourceName, pluginDir, p, logger, prometheus.WrapRegistererWithPrefix("usbip_", reg)), nil
}

// GetDeviceState always returns healthy.
func (up *USBIPPlugin) GetDeviceState(_ string) string {
	return v1beta1.Healthy
}

// Allocate imports and plugs in whichever requested devices are not
// already attached, then hands each container the device node the
// bus assigned it.
func (up *USBIPPlugin) Allocate(_ context.Context, req *v1beta1.AllocateRequest) (*v1beta1.AllocateResponse, error) {
	res := &v1beta1.AllocateResponse{
		ContainerResponses: make([]*v1beta1.ContainerAllocateResponse, 0, len(req.ContainerRequests)),
	}
	for _, r := range req.ContainerRequests {
		resp := new(v1beta1.ContainerAllocateResponse)
		for _, id := range r.DevicesIds {
			if _, ok := up.selectableDevices[id]; !ok {
				return nil, fmt.Errorf("requested device does not exist: %s", id)
			}
		}
		for _, id := range r.DevicesIds {
			dev := up.selectableDevices[id]
			attached, err := up.manager.Attach(id)
			if err != nil {
				return nil, fmt.Errorf("failed to attach device %s: %w", id, err)
			}
			_ = up.logger.Log("msg", "attached device", "id", id, "port", attached.Port, "mountPath", attached.DevMountPath)
			resp.Devices = append(
				resp.Devices,
				&v1beta1.DeviceSpec{
					ContainerPath: attached.DevMountPath,
					HostPath:      attached.DevMountPath,
					Permissions:   "mrw",
				},
			)
			for i := range dev.ExtraDevices {
				resp.Devices = append(resp.Devices, &dev.ExtraDevices[i])
			}
		}
		res.ContainerResponses = append(res.ContainerResponses, resp)
	}
	up.allocationsCounter.Add(float64(len(res.ContainerResponses)))
	return res, nil
}

// GetDevicePluginOptions always returns an empty response.
func (up *USBIPPlugin) GetDevicePluginOptions(_ context.Context, _ *v1beta1.Empty) (*v1beta1.DevicePluginOptions, error) {
	return &v1beta1.DevicePluginOptions{}, nil
}

func (up *USBIPPlugin) updateCounters() {
	availableCount := 0
	attachedIDs := make(map[string]bool)
	for _, id := range up.manager.AttachedIDs() {
		attachedIDs[id] = true
	}
	attachedCount := 0
	for devId, dev := range up.selectableDevices {
		if dev.available {
			availableCount++
		}
		if attachedIDs[devId] {
			attachedCount++
		}
	}

	up.availableDeviceGauge.Set(float64(availableCount))
	up.attachedDeviceGauge.Set(float64(attachedCount))
}

// ListAndWatch reports device availability, refreshing whenever the
// DeviceManager notifies this plugin's subscriber channel that
// something relevant to its resource group changed.
func (up *USBIPPlugin) ListAndWatch(_ *v1beta1.Empty, stream v1beta1.DevicePlugin_ListAndWatchServer) error {
	_ = level.Info(up.logger).Log("msg", "starting listwatch", "resource", up.resource)
	changeRelevant := true
	for {
		if changeRelevant {
			up.updateCounters()
			res := new(v1beta1.ListAndWatchResponse)
			for devId, dev := range up.selectableDevices {
				if dev.available {
					res.Devices = append(res.Devices, &v1beta1.Device{ID: devId, Health: v1beta1.Healthy})
				}
			}
			_ = level.Info(up.logger).Log("msg", "emitting device status update", "resource", up.resource)
			if err := stream.Send(res); err != nil {
				return err
			}
		}
		changedDevices := <-up.refreshChan
		changeRelevant = false
		for _, devId := range changedDevices {
			if _, ok := up.selectableDevices[devId]; ok {
				changeRelevant = true
				break
			}
		}
	}
}

// PreStartContainer always returns an empty response.
func (up *USBIPPlugin) PreStartContainer(_ context.Context, _ *v1beta1.PreStartContainerRequest) (*v1beta1.PreStartContainerResponse, error) {
	return &v1beta1.PreStartContainerResponse{}, nil
}

// GetPreferredAllocation always returns an empty response.
func (up *USBIPPlugin) GetPreferredAllocation(context.Context, *v1beta1.PreferredAllocationRequest) (*v1beta1.PreferredAllocationResponse, error) {
	return &v1beta1.PreferredAllocationResponse{}, nil
}
