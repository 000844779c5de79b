// Package hardware selects the device transport named by the configuration.
package hardware

import (
	"fmt"
	"strings"

	"motionctl/internal/device"
	"motionctl/internal/hardware/protocols/handy"
	"motionctl/internal/hardware/protocols/sim"
	"motionctl/pkg/types"
)

const (
	ProtocolHandy = "handy"
	ProtocolSim   = "sim"
)

// NewTransport 根据配置创建设备传输层
func NewTransport(config types.DeviceConfig) (device.Transport, error) {
	switch strings.ToLower(config.Protocol) {
	case ProtocolHandy, "":
		return handy.NewClient(config), nil
	case ProtocolSim:
		return sim.NewRecorder(), nil
	default:
		return nil, fmt.Errorf("unsupported device protocol: %s", config.Protocol)
	}
}
