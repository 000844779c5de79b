package core

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionctl/internal/device"
	"motionctl/internal/hardware/protocols/sim"
	"motionctl/pkg/types"
)

// 慢设备上 Stop 不必等待正在进行的整条指令链
func TestStopInterruptsSlowDevice(t *testing.T) {
	const latency = 300 * time.Millisecond

	rec := sim.NewRecorder()
	rec.SetLatency(latency)
	mapper := device.NewMapper(rec, types.DefaultCalibration(), types.SpanPolicy{})
	o := NewOrchestrator(mapper, NewGenerator(types.GeneratorConfig{}, rand.NewSource(1)), nil,
		Hooks{}, types.OrchestratorConfig{}, rand.NewSource(2))

	s, err := o.Start(types.ModePulse, "")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	assert.True(t, o.Stop())
	// only the cleanup stop command is waited for
	assert.Less(t, time.Since(start), latency+150*time.Millisecond)

	select {
	case <-s.Done():
	default:
		t.Fatal("session still running after Stop")
	}
	assert.Equal(t, 1, rec.Count(sim.CmdStop))
	assert.Zero(t, rec.Count(sim.CmdSetVelocity))
	assert.False(t, mapper.State().ManualModeActive)
}

func TestStatusNotBlockedBySlowDevice(t *testing.T) {
	rec := sim.NewRecorder()
	rec.SetLatency(200 * time.Millisecond)
	mapper := device.NewMapper(rec, types.DefaultCalibration(), types.SpanPolicy{})
	o := NewOrchestrator(mapper, NewGenerator(types.GeneratorConfig{}, rand.NewSource(1)), nil,
		Hooks{}, types.OrchestratorConfig{}, rand.NewSource(2))
	t.Cleanup(func() { o.Stop() })

	_, err := o.Start(types.ModeWaves, "")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	st := o.Status()
	_ = mapper.State()
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, types.ModeWaves, st.Mode)
}
