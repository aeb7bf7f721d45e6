// SPDX-License-Identifier: Apache-2.0

package deviceplugin

import (
	"fmt"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// kubeletClient dials the kubelet's device-plugin registration or
// pod-resources gRPC socket at socketPath; both DeviceManager.
// ReleaseUnused (pod-resources) and plugin.registerWithKubelet
// (registration) share it since both speak to the same kubelet over a
// Unix socket.
func kubeletClient(socketPath string) (*grpc.ClientConn, error) {
	return grpc.NewClient(
		fmt.Sprintf("unix://%s", socketPath),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(),
	)
}

// kubeletSocketPath resolves the well-known kubelet registration
// socket under pluginDir, where this USB/IP plugin's own Unix sockets
// also live.
func kubeletSocketPath(pluginDir string) string {
	return filepath.Join(pluginDir, filepath.Base(v1beta1.KubeletSocket))
}
