// Package device converts relative 0..100 moves into absolute actuator commands.
// The Mapper owns the calibration, the span policy and the one-shot manual mode
// activation of a single device session. Transport failures never reach the
// caller: they are logged and the tick becomes a no-op.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// ManualMode is the device mode that accepts streamed velocity/slide commands.
const ManualMode = 0

// DeviceTravel is the physical travel (in position units) that maps to 100%.
const DeviceTravel = 110.0

const defaultCommandTimeout = 10 * time.Second

// Transport 设备传输层需要提供的指令集
type Transport interface {
	SetMode(ctx context.Context, mode int) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetSlideWindow(ctx context.Context, min, max int) error
	SetVelocity(ctx context.Context, velocity int) error
	ReadAbsolutePosition(ctx context.Context) (float64, error)
}

type Mapper struct {
	transport Transport

	// cmdMu 串行化设备指令；mu 只保护状态，I/O 期间不持有
	cmdMu sync.Mutex

	mu             sync.Mutex
	commandTimeout time.Duration
	calibration    types.DeviceCalibration
	span           types.SpanPolicy
	state          types.MapperState

	logger *logging.Logger
}

func NewMapper(transport Transport, calibration types.DeviceCalibration, span types.SpanPolicy) *Mapper {
	return &Mapper{
		transport:      transport,
		commandTimeout: defaultCommandTimeout,
		calibration:    calibration,
		span:           clampSpan(span),
		state:          types.MapperState{LastSpeed: 50, LastDepth: 50, LastRange: 50},
		logger:         logging.GetLogger("device_mapper"),
	}
}

// SetCommandTimeout bounds every transport call.
func (m *Mapper) SetCommandTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultCommandTimeout
	}
	m.mu.Lock()
	m.commandTimeout = d
	m.mu.Unlock()
}

// Stop 发送停止指令并复位手动模式
func (m *Mapper) Stop() {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.send(context.Background(), "stop", func(ctx context.Context) error { return m.transport.Stop(ctx) })

	m.mu.Lock()
	m.state.LastVelocity = 0
	m.state.LastSpeed = 0
	m.state.ManualModeActive = false
	m.mu.Unlock()
}

// MoveTo applies a relative move; DurationMs is ignored for live moves. Once
// ctx is done, commands in flight are abandoned and the rest are skipped.
func (m *Mapper) MoveTo(ctx context.Context, mv types.Move) {
	m.MoveContext(ctx, float64(mv.Speed), float64(mv.Depth), float64(mv.Range))
}

// Move drives the device with relative controls: speed 0..100 (0 = stop),
// depth 0..100 centre position within the calibrated window, rng 0..100 stroke
// span around the centre.
func (m *Mapper) Move(speed, depth, rng float64) {
	m.MoveContext(context.Background(), speed, depth, rng)
}

func (m *Mapper) MoveContext(ctx context.Context, speed, depth, rng float64) {
	if math.Round(speed) <= 0 {
		m.Stop()
		return
	}

	sp := pct(speed)
	dp := pct(depth)
	rg := pct(rng)

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.mu.Lock()
	cal, span, manual := m.calibration, m.span, m.state.ManualModeActive
	m.mu.Unlock()

	if !manual {
		m.send(ctx, "set_mode", func(ctx context.Context) error { return m.transport.SetMode(ctx, ManualMode) })
		m.send(ctx, "start", func(ctx context.Context) error { return m.transport.Start(ctx) })
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.state.ManualModeActive = true
		m.mu.Unlock()
	}

	slideMin, slideMax := SlideWindow(cal, span, dp, rg)
	m.send(ctx, "set_slide_window", func(ctx context.Context) error {
		return m.transport.SetSlideWindow(ctx, slideMin, slideMax)
	})
	if ctx.Err() != nil {
		return
	}

	velocity := Velocity(cal, sp)
	m.send(ctx, "set_velocity", func(ctx context.Context) error {
		return m.transport.SetVelocity(ctx, velocity)
	})
	if ctx.Err() != nil {
		return
	}

	// 记录的是意图状态而不是设备确认状态
	m.mu.Lock()
	m.state.LastSpeed = int(math.Round(sp))
	m.state.LastDepth = int(math.Round(dp))
	m.state.LastRange = int(math.Round(rg))
	m.state.LastVelocity = velocity
	m.mu.Unlock()

	m.logger.Debug("Move applied",
		"speed", int(sp), "depth", int(dp), "range", int(rg),
		"slide_min", slideMin, "slide_max", slideMax, "velocity", velocity)
}

// send 执行一次传输调用，失败只记录日志
func (m *Mapper) send(parent context.Context, command string, call func(ctx context.Context) error) {
	if parent.Err() != nil {
		return
	}
	m.mu.Lock()
	timeout := m.commandTimeout
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if err := call(ctx); err != nil {
		if parent.Err() != nil {
			m.logger.Debug("Device command abandoned", "command", command)
			return
		}
		m.logger.Warn("Device command failed", "command", command, "error", err)
	}
}

// SetSpanPolicy overrides the span policy; nil leaves a value unchanged.
func (m *Mapper) SetSpanPolicy(minSpanPoints, preferredSpanPoints *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if minSpanPoints != nil {
		m.span.MinSpanPoints = types.ClampInt(*minSpanPoints, 0, 100)
	}
	if preferredSpanPoints != nil {
		m.span.PreferredSpanPoints = types.ClampInt(*preferredSpanPoints, 0, 100)
	}
}

func (m *Mapper) SpanPolicy() types.SpanPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.span
}

func (m *Mapper) SetCalibration(calibration types.DeviceCalibration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibration = calibration
}

func (m *Mapper) Calibration() types.DeviceCalibration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calibration
}

func (m *Mapper) State() types.MapperState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PositionPercent reads the absolute slide position and converts it to 0..100.
// ok is false when the transport read fails.
func (m *Mapper) PositionPercent() (percent int, ok bool) {
	m.mu.Lock()
	timeout := m.commandTimeout
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pos, err := m.transport.ReadAbsolutePosition(ctx)
	if err != nil {
		m.logger.Warn("Problem reading position", "error", err)
		return 0, false
	}
	return PositionToPercent(pos), true
}

// Nudge shifts the stroke centre by two points up or down, keeping the current
// span (at least 10) and the last relative speed.
func (m *Mapper) Nudge(direction string, currentMin, currentMax int) {
	m.mu.Lock()
	step := -2
	if strings.EqualFold(direction, "up") {
		step = 2
	}
	center := types.ClampInt(m.state.LastDepth+step, 0, 100)
	speed := m.state.LastSpeed
	if speed == 0 {
		speed = 10
	}
	m.mu.Unlock()

	span := currentMax - currentMin
	if span < 10 {
		span = 10
	}
	m.Move(float64(speed), float64(center), float64(span))
}

// Adjustable axes for Adjust.
const (
	AxisSpeed = "speed"
	AxisDepth = "depth"
	AxisRange = "range"
)

// ErrUnknownAxis is returned by Adjust for anything but speed, depth or range.
var ErrUnknownAxis = errors.New("unknown axis")

// Adjust scales one axis of the last move by (1+factor), keeps the other two,
// and re-sends the move. The new value is clamped to 1..100 and returned.
func (m *Mapper) Adjust(axis string, factor float64) (int, error) {
	m.mu.Lock()
	speed, depth, rng := m.state.LastSpeed, m.state.LastDepth, m.state.LastRange
	m.mu.Unlock()
	if speed == 0 {
		speed = 50
	}

	scale := func(v int) int {
		return types.ClampInt(int(math.Round(float64(v)*(1.0+factor))), 1, 100)
	}

	var value int
	switch strings.ToLower(axis) {
	case AxisSpeed:
		speed = scale(speed)
		value = speed
	case AxisDepth:
		depth = scale(depth)
		value = depth
	case AxisRange:
		rng = scale(rng)
		value = rng
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAxis, axis)
	}

	m.Move(float64(speed), float64(depth), float64(rng))
	return value, nil
}

// SlideWindow computes the absolute slide window for a relative depth/range.
func SlideWindow(cal types.DeviceCalibration, span types.SpanPolicy, depth, rng float64) (slideMin, slideMax int) {
	width := float64(cal.MaxDepth - cal.MinDepth)
	if width <= 0 {
		width = 100
	}

	centerAbs := float64(cal.MinDepth) + width*(depth/100.0)
	spanAbs := int(math.Round(width * (rng / 100.0)))

	if span.PreferredSpanPoints > 0 && spanAbs < span.PreferredSpanPoints {
		spanAbs = span.PreferredSpanPoints
	}
	if span.MinSpanPoints > 0 && spanAbs < span.MinSpanPoints {
		spanAbs = span.MinSpanPoints
	}
	if spanAbs > int(width) {
		spanAbs = int(width)
	}

	half := float64(spanAbs) / 2.0
	slideMin = int(math.Round(centerAbs - half))
	slideMax = int(math.Round(centerAbs + half))

	// 窗口必须落在 [0,100] 内，尽量保持跨度
	if slideMin < 0 {
		slideMin = 0
		slideMax = min(100, spanAbs)
	}
	if slideMax > 100 {
		slideMax = 100
		slideMin = max(0, 100-spanAbs)
	}
	if slideMax < slideMin {
		slideMin, slideMax = slideMax, slideMin
	}
	return slideMin, slideMax
}

// Velocity maps a relative speed onto the calibrated user speed window.
func Velocity(cal types.DeviceCalibration, speed float64) int {
	width := float64(cal.MaxUserSpeed - cal.MinUserSpeed)
	if width < 0 {
		width = 0
	}
	return int(math.Round(float64(cal.MinUserSpeed) + width*(pct(speed)/100.0)))
}

// PositionToPercent converts an absolute position reading to 0..100.
func PositionToPercent(pos float64) int {
	return int(math.Round(pct(pos / DeviceTravel * 100.0)))
}

func pct(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func clampSpan(span types.SpanPolicy) types.SpanPolicy {
	return types.SpanPolicy{
		MinSpanPoints:       types.ClampInt(span.MinSpanPoints, 0, 100),
		PreferredSpanPoints: types.ClampInt(span.PreferredSpanPoints, 0, 100),
	}
}
