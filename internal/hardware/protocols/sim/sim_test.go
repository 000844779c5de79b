package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionctl/internal/hardware/comm"
)

func TestRecorderKeepsOrder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	var seen []CommandKind
	r.OnCommand(func(c Command) { seen = append(seen, c.Kind) })

	require.NoError(t, r.SetMode(ctx, 0))
	require.NoError(t, r.SetSlideWindow(ctx, 20, 80))
	require.NoError(t, r.SetVelocity(ctx, 45))
	require.NoError(t, r.Start(ctx))

	assert.Equal(t, []CommandKind{CmdSetMode, CmdSetSlideWindow, CmdSetVelocity, CmdStart}, seen)
	last, ok := r.Last(CmdSetSlideWindow)
	require.True(t, ok)
	assert.Equal(t, []int{20, 80}, last.Args)
	assert.Equal(t, "set_slide_window[20 80]", last.String())

	r.Reset()
	assert.Empty(t, r.Commands())
	_, ok = r.Last(CmdStart)
	assert.False(t, ok)
}

func TestRecorderFailures(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	boom := errors.New("unreachable")

	r.FailWith(boom)
	assert.ErrorIs(t, r.Stop(ctx), boom)
	assert.Equal(t, 1, r.Count(CmdStop))

	r.FailWith(nil)
	assert.NoError(t, r.Stop(ctx))

	r.SetPosition(42.5, nil)
	pos, err := r.ReadAbsolutePosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.5, pos)

	r.SetPosition(0, boom)
	_, err = r.ReadAbsolutePosition(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestRecorderTracksLink(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	assert.Equal(t, comm.StatusDisconnected, r.GetStatus())

	require.NoError(t, r.Start(ctx))
	assert.Equal(t, comm.StatusConnected, r.GetStatus())
	assert.False(t, r.LastSeen().IsZero())

	boom := errors.New("unplugged")
	r.FailWith(boom)
	_ = r.SetVelocity(ctx, 10)
	assert.Equal(t, comm.StatusError, r.GetStatus())
	assert.ErrorIs(t, r.GetLastError(), boom)
}

func TestRecorderLatencyHonoursContext(t *testing.T) {
	r := NewRecorder()
	r.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := r.SetMode(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, r.Count(CmdSetMode))
}
