package management

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"motionctl/internal/core"
	"motionctl/internal/device"
	"motionctl/internal/hardware/comm"
	"motionctl/internal/ipc"
	"motionctl/internal/llm"
	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// IPC 请求类型
const (
	MsgStartMode      = "start_mode"
	MsgStopMode       = "stop_mode"
	MsgSignalEdge     = "signal_edge"
	MsgUserMessage    = "user_message"
	MsgManualMove     = "manual_move"
	MsgPlayMoves      = "play_moves"
	MsgNudge          = "nudge"
	MsgAdjust         = "adjust"
	MsgSetSpanPolicy  = "set_span_policy"
	MsgSetCalibration = "set_calibration"
	MsgSetPhase       = "set_phase"
	MsgStatus         = "status"
	MsgPosition       = "position"
	MsgGetConfig      = "get_config"
)

// 服务端推送
const (
	MsgChat = "chat"
	MsgMood = "mood"
)

// sessionState is the conversational state shared by the orchestrator hooks.
type sessionState struct {
	mu    sync.RWMutex
	mood  string
	phase string
	cues  types.CueSet
}

func (s *sessionState) Mood() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mood
}

func (s *sessionState) SetMood(mood string) {
	s.mu.Lock()
	s.mood = mood
	s.mu.Unlock()
}

func (s *sessionState) Phase() (string, types.CueSet) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase, s.cues
}

func (s *sessionState) SetPhase(phase string, cues types.CueSet) {
	s.mu.Lock()
	s.phase = types.NormalizePhase(phase)
	s.cues = cues
	s.mu.Unlock()
}

// ApplicationManager 管理应用层组件：映射器、生成器、对话模型与模式编排
type ApplicationManager struct {
	infrastructure *InfrastructureManager

	mapper        *device.Mapper
	generator     *core.Generator
	chat          llm.Client
	orchestrator  *core.Orchestrator
	configHandler *ConfigHandler
	session       *sessionState

	logger *logging.Logger
	ctx    context.Context
}

// NewApplicationManager 创建应用管理器
func NewApplicationManager(ctx context.Context, infrastructure *InfrastructureManager) (*ApplicationManager, error) {
	cfg := infrastructure.GetSystemConfig()
	am := &ApplicationManager{
		infrastructure: infrastructure,
		session:        &sessionState{mood: cfg.LLM.InitialMood, phase: types.PhaseWarmUp},
		logger:         logging.GetLogger("application"),
		ctx:            ctx,
	}

	// 1. 设备映射器
	am.mapper = device.NewMapper(infrastructure.GetTransport(), cfg.Calibration, cfg.Span)
	am.mapper.SetCommandTimeout(cfg.Device.CommandTimeout)

	// 2. 动作序列生成器
	seed := cfg.Generator.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	am.generator = core.NewGenerator(cfg.Generator, rand.NewSource(seed))

	// 3. 对话模型；不可用时退化为静默
	chat, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		am.logger.Warn("Chat model unavailable, running without it", "provider", cfg.LLM.Provider, "error", err)
		chat = llm.Silent{}
	}
	am.chat = chat

	// 4. 模式编排
	am.orchestrator = core.NewOrchestrator(am.mapper, am.generator, am.chat, am.hooks(), cfg.Orchestrator, rand.NewSource(seed+1))

	// 5. 配置处理器
	am.configHandler = NewConfigHandler(infrastructure.GetConfigManager(), am.mapper, am.generator, infrastructure.GetTransport())

	am.logger.Info("ApplicationManager created", "llm_provider", cfg.LLM.Provider, "device_protocol", cfg.Device.Protocol)
	return am, nil
}

func (am *ApplicationManager) hooks() core.Hooks {
	configManager := am.infrastructure.GetConfigManager()
	return core.Hooks{
		SendMessage: func(text string) {
			am.broadcast(MsgChat, map[string]interface{}{"text": text})
		},
		GetContext: func() map[string]any {
			return map[string]any{"current_mood": am.session.Mood()}
		},
		TimingBounds: configManager.TimingBounds,
		UpdateMood: func(mood string) {
			am.session.SetMood(mood)
			am.broadcast(MsgMood, map[string]interface{}{"mood": mood})
		},
		Phase: func(string) (string, types.CueSet) {
			return am.session.Phase()
		},
		OnStop: func(mode types.ModeName) {
			am.logger.Info("Mode handed control back", "mode", mode)
		},
		OnEvent: func(event core.SessionEvent) {
			am.broadcast(string(event.Type), event.Data())
		},
	}
}

// SetupDependencies 注册IPC处理器并订阅配置变化
func (am *ApplicationManager) SetupDependencies() error {
	am.logger.Info("Setting up application layer dependencies")

	ipcServer := am.infrastructure.GetIPCServer()
	if ipcServer == nil {
		return fmt.Errorf("IPC server not available")
	}
	am.registerIPCHandlers(ipcServer)

	am.infrastructure.WatchConfigChanges(am.configHandler.ApplyConfig)

	am.logger.Info("Application layer dependencies setup completed")
	return nil
}

// Start 启动应用层
func (am *ApplicationManager) Start(ctx context.Context) error {
	am.ctx = ctx
	am.logger.Info("Starting application layer")

	if pct, ok := am.mapper.PositionPercent(); ok {
		am.logger.Info("Device reachable", "position_percent", pct)
	} else {
		am.logger.Warn("Device position unavailable; commands will be attempted anyway")
	}
	return nil
}

// Stop 停止应用层：结束当前模式并确保设备停止
func (am *ApplicationManager) Stop() error {
	am.logger.Info("Stopping application layer")
	if !am.orchestrator.Stop() {
		am.mapper.Stop()
	}
	am.logger.Info("Application layer stopped")
	return nil
}

func (am *ApplicationManager) GetOrchestrator() *core.Orchestrator { return am.orchestrator }
func (am *ApplicationManager) GetMapper() *device.Mapper           { return am.mapper }

// Status 汇总编排器、设备与链路状态
func (am *ApplicationManager) Status() map[string]interface{} {
	phase, cues := am.session.Phase()
	status := map[string]interface{}{
		"orchestrator": am.orchestrator.Status(),
		"device":       am.mapper.State(),
		"mood":         am.session.Mood(),
		"phase":        phase,
		"cues":         cues,
	}
	if link, ok := am.infrastructure.GetTransport().(comm.LinkReporter); ok {
		status["link"] = linkStatus(link)
	}
	return status
}

func linkStatus(link comm.LinkReporter) map[string]interface{} {
	st := map[string]interface{}{"status": link.GetStatus().String()}
	if seen := link.LastSeen(); !seen.IsZero() {
		st["last_seen"] = seen
	}
	if err := link.GetLastError(); err != nil {
		st["last_error"] = err.Error()
	}
	return st
}

func (am *ApplicationManager) broadcast(msgType string, data map[string]interface{}) {
	ipcServer := am.infrastructure.GetIPCServer()
	if ipcServer == nil {
		return
	}
	msg := ipc.NewMessage(msgType, data)
	msg.Source = "motionctl"
	if err := ipcServer.Broadcast(msg); err != nil {
		am.logger.Error("Failed to broadcast", "type", msgType, "error", err)
	}
}

// registerIPCHandlers 注册IPC消息处理器
func (am *ApplicationManager) registerIPCHandlers(ipcServer *ipc.IPCServer) {
	am.logger.Info("Registering IPC handlers")

	handlers := map[string]func(types.IPCMessage) (map[string]interface{}, error){
		MsgStartMode:      am.handleStartMode,
		MsgStopMode:       am.handleStopMode,
		MsgSignalEdge:     am.handleSignalEdge,
		MsgUserMessage:    am.handleUserMessage,
		MsgManualMove:     am.handleManualMove,
		MsgPlayMoves:      am.handlePlayMoves,
		MsgNudge:          am.handleNudge,
		MsgAdjust:         am.handleAdjust,
		MsgSetSpanPolicy:  am.handleSetSpanPolicy,
		MsgSetCalibration: am.handleSetCalibration,
		MsgSetPhase:       am.handleSetPhase,
		MsgStatus:         am.handleStatus,
		MsgPosition:       am.handlePosition,
		MsgGetConfig:      am.handleGetConfig,
	}
	for msgType, handler := range handlers {
		ipcServer.RegisterHandler(msgType, func(message types.IPCMessage) {
			data, err := handler(message)
			if err != nil {
				am.logger.Warn("IPC request failed", "type", message.Type, "client_id", message.Source, "error", err)
			}
			if replyErr := ipcServer.Reply(message, data, err); replyErr != nil {
				am.logger.Error("Failed to send response", "target", message.Source, "error", replyErr)
			}
		})
	}
}

func (am *ApplicationManager) handleStartMode(message types.IPCMessage) (map[string]interface{}, error) {
	mode, _ := message.Data["mode"].(string)
	text, _ := message.Data["message"].(string)
	session, err := am.orchestrator.Start(types.ModeName(strings.ToLower(strings.TrimSpace(mode))), text)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"mode": string(session.Mode), "session_id": session.ID}, nil
}

func (am *ApplicationManager) handleStopMode(types.IPCMessage) (map[string]interface{}, error) {
	return map[string]interface{}{"stopped": am.orchestrator.Stop()}, nil
}

func (am *ApplicationManager) handleSignalEdge(types.IPCMessage) (map[string]interface{}, error) {
	am.orchestrator.SignalEdge()
	return nil, nil
}

func (am *ApplicationManager) handleUserMessage(message types.IPCMessage) (map[string]interface{}, error) {
	text, _ := message.Data["text"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	am.orchestrator.PushUserMessage(text)
	return nil, nil
}

// handleManualMove 手动指令优先：先结束任何模式或回放
func (am *ApplicationManager) handleManualMove(message types.IPCMessage) (map[string]interface{}, error) {
	sp, ok := floatParam(message.Data, "sp")
	if !ok {
		return nil, fmt.Errorf("missing sp")
	}
	dp, _ := floatParam(message.Data, "dp")
	rng, _ := floatParam(message.Data, "rng")
	if _, ok := message.Data["dp"]; !ok {
		dp = llm.DefaultMoveDepth
	}
	if _, ok := message.Data["rng"]; !ok {
		rng = llm.DefaultMoveRange
	}

	am.orchestrator.Stop()
	am.mapper.Move(sp, dp, rng)
	return map[string]interface{}{"device": am.mapper.State()}, nil
}

func (am *ApplicationManager) handlePlayMoves(message types.IPCMessage) (map[string]interface{}, error) {
	resp := llm.Resolve(map[string]any{"moves": message.Data["moves"]})
	if err := am.orchestrator.PlayMoves(resp.Moves); err != nil {
		return nil, err
	}
	return map[string]interface{}{"moves": len(resp.Moves)}, nil
}

func (am *ApplicationManager) handleNudge(message types.IPCMessage) (map[string]interface{}, error) {
	direction, _ := message.Data["direction"].(string)
	if direction != "up" && direction != "down" {
		return nil, fmt.Errorf("direction must be up or down")
	}
	lo, _ := intParam(message.Data, "min")
	hi, ok := intParam(message.Data, "max")
	if !ok {
		hi = lo + 10
	}
	am.orchestrator.Stop()
	am.mapper.Nudge(direction, lo, hi)
	return map[string]interface{}{"device": am.mapper.State()}, nil
}

// handleAdjust 只改变一个轴：speed/depth/range 乘以 (1+factor)
func (am *ApplicationManager) handleAdjust(message types.IPCMessage) (map[string]interface{}, error) {
	axis, _ := message.Data["axis"].(string)
	factor, ok := floatParam(message.Data, "factor")
	if !ok {
		return nil, fmt.Errorf("missing factor")
	}
	if factor <= -1 {
		return nil, fmt.Errorf("factor must be greater than -1")
	}
	switch strings.ToLower(axis) {
	case device.AxisSpeed, device.AxisDepth, device.AxisRange:
	default:
		return nil, fmt.Errorf("%w: %q", device.ErrUnknownAxis, axis)
	}

	am.orchestrator.Stop()
	value, err := am.mapper.Adjust(axis, factor)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"axis": axis, "value": value, "device": am.mapper.State()}, nil
}

func (am *ApplicationManager) handleSetSpanPolicy(message types.IPCMessage) (map[string]interface{}, error) {
	var minSpan, preferred *int
	if v, ok := intParam(message.Data, "min"); ok {
		minSpan = &v
	}
	if v, ok := intParam(message.Data, "preferred"); ok {
		preferred = &v
	}
	span, err := am.configHandler.SetSpanPolicy(minSpan, preferred)
	return map[string]interface{}{"span": span}, err
}

func (am *ApplicationManager) handleSetCalibration(message types.IPCMessage) (map[string]interface{}, error) {
	cal, err := am.configHandler.SetCalibration(message.Data)
	return map[string]interface{}{"calibration": cal}, err
}

func (am *ApplicationManager) handleSetPhase(message types.IPCMessage) (map[string]interface{}, error) {
	phase, _ := message.Data["phase"].(string)
	if phase == "" {
		phase = types.PhaseWarmUp
	}
	var cues types.CueSet
	if raw, ok := message.Data["cues"]; ok && raw != nil {
		// 通过 JSON 往返解析 cues 对象
		buf, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cues: %w", err)
		}
		if err := json.Unmarshal(buf, &cues); err != nil {
			return nil, fmt.Errorf("invalid cues: %w", err)
		}
	}
	am.session.SetPhase(phase, cues)
	p, c := am.session.Phase()
	return map[string]interface{}{"phase": p, "cues": c}, nil
}

func (am *ApplicationManager) handleStatus(types.IPCMessage) (map[string]interface{}, error) {
	return am.Status(), nil
}

func (am *ApplicationManager) handlePosition(types.IPCMessage) (map[string]interface{}, error) {
	pct, ok := am.mapper.PositionPercent()
	if !ok {
		return nil, fmt.Errorf("position unavailable")
	}
	return map[string]interface{}{"percent": pct}, nil
}

func (am *ApplicationManager) handleGetConfig(types.IPCMessage) (map[string]interface{}, error) {
	return am.configHandler.Snapshot(), nil
}

func floatParam(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func intParam(data map[string]interface{}, key string) (int, bool) {
	f, ok := floatParam(data, key)
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}
