package hardware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionctl/internal/hardware/protocols/handy"
	"motionctl/internal/hardware/protocols/sim"
	"motionctl/pkg/types"
)

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(types.DeviceConfig{Protocol: "HANDY"})
	require.NoError(t, err)
	assert.IsType(t, &handy.Client{}, tr)

	tr, err = NewTransport(types.DeviceConfig{})
	require.NoError(t, err)
	assert.IsType(t, &handy.Client{}, tr)

	tr, err = NewTransport(types.DeviceConfig{Protocol: ProtocolSim})
	require.NoError(t, err)
	rec, ok := tr.(*sim.Recorder)
	require.True(t, ok)
	require.NoError(t, tr.SetVelocity(context.Background(), 30))
	assert.Equal(t, 1, rec.Count(sim.CmdSetVelocity))

	_, err = NewTransport(types.DeviceConfig{Protocol: "modbus"})
	assert.Error(t, err)
}
