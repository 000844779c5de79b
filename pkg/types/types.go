// Package types defines the fundamental data structures shared by the motion
// control system: relative moves, phase envelopes, cue sets, device calibration,
// span policy and the yaml configuration document. They form the common language
// between the generator, the device command mapper and the mode orchestrator.
package types

import (
	"strings"
	"time"
)

// Move 一次相对驱动指令，各字段均为 0..100 的百分比
type Move struct {
	Speed      int `json:"sp" yaml:"sp"`
	Depth      int `json:"dp" yaml:"dp"`
	Range      int `json:"rng" yaml:"rng"`
	DurationMs int `json:"duration,omitempty" yaml:"duration,omitempty"` // 仅脚本回放时有意义
}

// Duration returns the hold time of a scripted move.
func (m Move) Duration() time.Duration {
	if m.DurationMs <= 0 {
		return 0
	}
	return time.Duration(m.DurationMs) * time.Millisecond
}

// IntRange 闭区间 [Min, Max]
type IntRange struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Normalize swaps reversed bounds.
func (r IntRange) Normalize() IntRange {
	if r.Min > r.Max {
		return IntRange{Min: r.Max, Max: r.Min}
	}
	return r
}

func (r IntRange) Clamp(v int) int {
	return ClampInt(v, r.Min, r.Max)
}

func (r IntRange) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Midpoint returns the arithmetic centre of the range.
func (r IntRange) Midpoint() float64 {
	return float64(r.Min+r.Max) / 2.0
}

// Phase names of the envelope catalog.
const (
	PhaseWarmUp   = "WARM-UP"
	PhaseActive   = "ACTIVE"
	PhaseRecovery = "RECOVERY"
)

// NormalizePhase upper-cases and trims a phase name.
func NormalizePhase(phase string) string {
	return strings.ToUpper(strings.TrimSpace(phase))
}

// PhaseEnvelope 相位包络：约束生成动作的取值区间
type PhaseEnvelope struct {
	Speed    IntRange `yaml:"speed"`
	Depth    IntRange `yaml:"depth"`
	Range    IntRange `yaml:"range"`
	Duration IntRange `yaml:"duration"` // 毫秒
}

// Normalize swaps any reversed bounds.
func (e PhaseEnvelope) Normalize() PhaseEnvelope {
	return PhaseEnvelope{
		Speed:    e.Speed.Normalize(),
		Depth:    e.Depth.Normalize(),
		Range:    e.Range.Normalize(),
		Duration: e.Duration.Normalize(),
	}
}

// DefaultEnvelopes returns the built-in phase catalog.
func DefaultEnvelopes() map[string]PhaseEnvelope {
	return map[string]PhaseEnvelope{
		PhaseWarmUp: {
			Speed:    IntRange{15, 35},
			Depth:    IntRange{40, 60},
			Range:    IntRange{25, 45},
			Duration: IntRange{3000, 3500},
		},
		PhaseActive: {
			Speed:    IntRange{45, 85},
			Depth:    IntRange{50, 80},
			Range:    IntRange{50, 80},
			Duration: IntRange{2500, 3000},
		},
		PhaseRecovery: {
			Speed:    IntRange{5, 15},
			Depth:    IntRange{35, 55},
			Range:    IntRange{20, 40},
			Duration: IntRange{3500, 4500},
		},
	}
}

// CueSet 由外部文本解析得到的语义提示
type CueSet struct {
	Fast     bool `json:"fast,omitempty" yaml:"fast"`
	Slow     bool `json:"slow,omitempty" yaml:"slow"`
	TipOnly  bool `json:"tip_only,omitempty" yaml:"tip_only"`
	BaseOnly bool `json:"base_only,omitempty" yaml:"base_only"`
	Full     bool `json:"full,omitempty" yaml:"full"`
	Coming   bool `json:"coming,omitempty" yaml:"coming"`
}

// DeviceCalibration 设备绝对空间标定，由配置给出，映射层只读
type DeviceCalibration struct {
	MinUserSpeed int `yaml:"min_user_speed" json:"min_user_speed"`
	MaxUserSpeed int `yaml:"max_user_speed" json:"max_user_speed"`
	MinDepth     int `yaml:"min_depth" json:"min_depth"`
	MaxDepth     int `yaml:"max_depth" json:"max_depth"`
}

// DefaultCalibration mirrors the factory settings of the controller.
func DefaultCalibration() DeviceCalibration {
	return DeviceCalibration{MinUserSpeed: 10, MaxUserSpeed: 80, MinDepth: 0, MaxDepth: 100}
}

// SpanPolicy 最小/首选行程跨度（绝对点数，0 表示禁用）
type SpanPolicy struct {
	MinSpanPoints       int `yaml:"min_span_points" json:"min_span_points"`
	PreferredSpanPoints int `yaml:"preferred_span_points" json:"preferred_span_points"`
}

// MapperState is a snapshot of the command mapper's intended device state.
type MapperState struct {
	LastSpeed        int  `json:"last_speed"`
	LastDepth        int  `json:"last_depth"`
	LastRange        int  `json:"last_range"`
	LastVelocity     int  `json:"last_velocity"`
	ManualModeActive bool `json:"manual_mode_active"`
}

type ModeName string

const (
	ModeAuto       ModeName = "auto"
	ModeMilking    ModeName = "milking"
	ModeEdging     ModeName = "edging"
	ModeGuided     ModeName = "guided"
	ModeWaves      ModeName = "waves"
	ModePulse      ModeName = "pulse"
	ModeStairs     ModeName = "stairs"
	ModeTeaseHold  ModeName = "teasehold"
	ModePostOrgasm ModeName = "post_orgasm"
)

// AllModes lists every mode the orchestrator can run.
func AllModes() []ModeName {
	return []ModeName{
		ModeAuto, ModeMilking, ModeEdging, ModeGuided,
		ModeWaves, ModePulse, ModeStairs, ModeTeaseHold, ModePostOrgasm,
	}
}

// TimingBounds 模式每个 tick 之间的休眠区间（秒）
type TimingBounds struct {
	MinSeconds float64 `yaml:"min_seconds" json:"min_seconds"`
	MaxSeconds float64 `yaml:"max_seconds" json:"max_seconds"`
}

// FallbackTimings is used for modes without configured bounds.
var FallbackTimings = TimingBounds{MinSeconds: 3, MaxSeconds: 5}

type IPCMessage struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id"`
}

type SystemConfig struct {
	Device       DeviceConfig              `yaml:"device"`
	Calibration  DeviceCalibration         `yaml:"calibration"`
	Span         SpanPolicy                `yaml:"span"`
	Generator    GeneratorConfig           `yaml:"generator"`
	Timings      map[ModeName]TimingBounds `yaml:"timings"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	LLM          LLMConfig                 `yaml:"llm"`
	IPC          IPCConfig                 `yaml:"ipc"`
	Logging      LoggingConfig             `yaml:"logging"`
}

type DeviceConfig struct {
	Protocol       string        `yaml:"protocol"` // handy, sim
	Endpoint       string        `yaml:"endpoint"`
	ConnectionKey  string        `yaml:"connection_key"`
	Timeout        time.Duration `yaml:"timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	RetryCount     int           `yaml:"retry_count"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

type GeneratorConfig struct {
	MovesPerBatch   int                      `yaml:"moves_per_batch"`
	HoldProbability float64                  `yaml:"hold_probability"`
	Envelopes       map[string]PhaseEnvelope `yaml:"envelopes"`
	Seed            int64                    `yaml:"seed"` // 0 表示按时间取种子
}

type OrchestratorConfig struct {
	StartupDelay time.Duration `yaml:"startup_delay"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	ClosingPause time.Duration `yaml:"closing_pause"` // milking 结束后的停顿
	QueueSize    int           `yaml:"queue_size"`
	Replay       ReplayConfig  `yaml:"replay"`
}

// ReplayConfig bounds the pauses of the replay sub-session.
type ReplayConfig struct {
	StepMin time.Duration `yaml:"step_min"`
	StepMax time.Duration `yaml:"step_max"`
	PassMin time.Duration `yaml:"pass_min"`
	PassMax time.Duration `yaml:"pass_max"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai, lmstudio, gemini, none
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	TopP        float64       `yaml:"top_p"`
	ReplyTrim   int           `yaml:"reply_trim"`
	Timeout     time.Duration `yaml:"timeout"`
	Persona     string        `yaml:"persona"`
	InitialMood string        `yaml:"initial_mood"`
}

type IPCConfig struct {
	Type       string        `yaml:"type"`
	Address    string        `yaml:"address"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	BufferSize int           `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	OutputPath string `yaml:"output_path"`
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
