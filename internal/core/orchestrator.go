package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"motionctl/internal/llm"
	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

const (
	defaultLLMTimeout = 60 * time.Second
	defaultRetryDelay = time.Second
	defaultClosing    = 4 * time.Second

	handBackMessage = "Okay, you're in control now."
)

var (
	ErrUnknownMode = errors.New("unknown mode")
	ErrEmptyScript = errors.New("no moves to play")
)

var defaultGreetings = map[types.ModeName]string{
	types.ModeAuto:       "Okay, I'll take over...",
	types.ModeMilking:    "You're so close... I'm taking over completely now.",
	types.ModeEdging:     "Let's play an edging game...",
	types.ModeGuided:     "Tell me what you like, I'll follow your lead.",
	types.ModeWaves:      "Starting pattern: waves",
	types.ModePulse:      "Starting pattern: pulse",
	types.ModeStairs:     "Starting pattern: stairs",
	types.ModeTeaseHold:  "Starting pattern: tease and hold",
	types.ModePostOrgasm: "Starting pattern: post_orgasm",
}

// modeFunc runs until the session is cancelled or the mode finishes on its own.
type modeFunc func(r *modeRun)

// Orchestrator owns command authority over one device. At most one mode
// session or standalone replay drives the actuator at a time.
type Orchestrator struct {
	act    Actuator
	gen    *Generator
	chat   ChatMover
	hooks  Hooks
	config types.OrchestratorConfig
	rnd    *lockedRand

	messages *MessageQueue
	edge     *EdgeSignal
	replay   *Replayer
	modes    map[types.ModeName]modeFunc

	mu         sync.Mutex
	current    *ModeSession
	standalone bool

	logger *logging.Logger
}

// OrchestratorStatus is a point-in-time view for the control surface.
type OrchestratorStatus struct {
	Mode            types.ModeName `json:"mode,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	StartedAt       time.Time      `json:"started_at,omitempty"`
	Active          bool           `json:"active"`
	Replaying       bool           `json:"replaying"`
	PendingMessages int            `json:"pending_messages"`
	EdgeSignaled    bool           `json:"edge_signaled"`
}

// NewOrchestrator wires the collaborators. chat may be nil (no model). src
// drives every random choice of the modes and must not be shared with gen.
func NewOrchestrator(act Actuator, gen *Generator, chat ChatMover, hooks Hooks, config types.OrchestratorConfig, src rand.Source) *Orchestrator {
	if chat == nil {
		chat = llm.Silent{}
	}
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	if config.LLMTimeout <= 0 {
		config.LLMTimeout = defaultLLMTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.ClosingPause <= 0 {
		config.ClosingPause = defaultClosing
	}

	o := &Orchestrator{
		act:      act,
		gen:      gen,
		chat:     chat,
		config:   config,
		rnd:      newLockedRand(src),
		messages: NewMessageQueue(config.QueueSize),
		edge:     &EdgeSignal{},
		logger:   logging.GetLogger("orchestrator"),
	}
	o.hooks = hooks.withDefaults(o.messages, o.edge)
	o.edge = o.hooks.Edge
	o.replay = newReplayer(act, config.Replay, o.rnd)
	o.replay.onEvent = o.hooks.OnEvent
	o.modes = map[types.ModeName]modeFunc{
		types.ModeAuto:       autoMode,
		types.ModeMilking:    milkingMode,
		types.ModeEdging:     edgingMode,
		types.ModeGuided:     guidedMode,
		types.ModeWaves:      wavesMode,
		types.ModePulse:      pulseMode,
		types.ModeStairs:     stairsMode,
		types.ModeTeaseHold:  teaseHoldMode,
		types.ModePostOrgasm: postOrgasmMode,
	}
	return o
}

// PushUserMessage queues text for the running mode.
func (o *Orchestrator) PushUserMessage(text string) {
	if o.messages.Push(text) {
		o.logger.Debug("Message queue full, dropped oldest message")
	}
}

// SignalEdge raises the user's edge flag.
func (o *Orchestrator) SignalEdge() {
	o.edge.Set()
}

// Start stops whatever holds the device, waits for its cleanup, then launches
// mode. An empty initialMessage uses the mode's greeting.
func (o *Orchestrator) Start(mode types.ModeName, initialMessage string) (*ModeSession, error) {
	fn, ok := o.modes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.teardownLocked()
	o.edge.Clear()
	o.messages.Clear()

	if initialMessage == "" {
		initialMessage = defaultGreetings[mode]
	}

	s := newModeSession(mode)
	o.current = s
	o.logger.Info("Mode started", "mode", mode, "session_id", s.ID)
	o.hooks.OnEvent(newSessionEvent(EventModeStarted, mode, s.ID))

	go o.run(s, fn, initialMessage)
	return s, nil
}

// Stop ends the running mode or standalone replay. It reports whether
// anything was running.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.teardownLocked()
}

// PlayMoves loops moves on the device outside of any mode. Each move is held
// for its own duration; while the phase is RECOVERY speeds are capped.
func (o *Orchestrator) PlayMoves(moves []types.Move) error {
	if len(moves) == 0 {
		return ErrEmptyScript
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.teardownLocked()
	o.replay.StartTimed(context.Background(), moves, o.recoveryLimit)
	o.standalone = true
	return nil
}

// recoveryLimit 按当前阶段在发送时限速，阶段可在回放中途改变
func (o *Orchestrator) recoveryLimit(mv types.Move) types.Move {
	if phase, _ := o.hooks.Phase(""); types.NormalizePhase(phase) == types.PhaseRecovery && mv.Speed > recoverySpeedCap {
		mv.Speed = recoverySpeedCap
	}
	return mv
}

// teardownLocked 取消当前会话并等待其清理完成
func (o *Orchestrator) teardownLocked() bool {
	stopped := false
	if s := o.current; s != nil {
		s.cancel()
		<-s.done
		o.current = nil
		stopped = true
	}
	if o.standalone {
		o.replay.Stop()
		o.act.Stop()
		o.standalone = false
		stopped = true
	}
	return stopped
}

// Active returns the running mode, if any.
func (o *Orchestrator) Active() (types.ModeName, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.exited() {
		return "", false
	}
	return o.current.Mode, true
}

func (o *Orchestrator) Status() OrchestratorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := OrchestratorStatus{
		Replaying:       o.replay.Active(),
		PendingMessages: o.messages.Len(),
		EdgeSignaled:    o.edge.IsSet(),
	}
	if s := o.current; s != nil && !s.exited() {
		st.Mode = s.Mode
		st.SessionID = s.ID
		st.StartedAt = s.StartedAt
		st.Active = true
	}
	return st
}

func (o *Orchestrator) run(s *ModeSession, fn modeFunc, initialMessage string) {
	defer close(s.done)
	defer o.cleanup(s)

	log := o.logger.WithContext(s.ctx)
	if initialMessage != "" {
		o.hooks.SendMessage(initialMessage)
	}

	if !sleepCtx(s.ctx, o.config.StartupDelay) {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Mode crashed", "mode", s.Mode, "panic", rec, "stack", string(debug.Stack()))
			ev := newSessionEvent(EventModeRecovered, s.Mode, s.ID)
			ev.Detail = fmt.Sprint(rec)
			o.hooks.OnEvent(ev)
		}
	}()
	fn(&modeRun{o: o, s: s, logger: log})
}

// cleanup 停止回放、停止设备，然后通知外部
func (o *Orchestrator) cleanup(s *ModeSession) {
	o.replay.Stop()
	o.act.Stop()
	o.hooks.OnStop(s.Mode)
	o.hooks.SendMessage(handBackMessage)
	o.hooks.OnEvent(newSessionEvent(EventModeStopped, s.Mode, s.ID))
	o.logger.Info("Mode stopped", "mode", s.Mode, "session_id", s.ID, "duration", time.Since(s.StartedAt))
}

// modeRun is the per-session toolbox the mode functions use.
type modeRun struct {
	o      *Orchestrator
	s      *ModeSession
	logger *logging.Logger
}

func (r *modeRun) cancelled() bool { return r.s.ctx.Err() != nil }

// ask queries the chat model with a bounded timeout; any failure is an empty
// response.
func (r *modeRun) ask(turns []llm.Turn, chatContext map[string]any, temperature float64) llm.Response {
	ctx, cancel := context.WithTimeout(r.s.ctx, r.o.config.LLMTimeout)
	defer cancel()

	resp, err := r.o.chat.RequestChatMove(ctx, turns, chatContext, temperature)
	if err != nil {
		if r.s.ctx.Err() == nil {
			r.logger.Warn("Chat model request failed", "mode", r.s.Mode, "error", err)
		}
		return llm.Response{}
	}
	return resp
}

// relay forwards the chat text and mood hint of a reply.
func (r *modeRun) relay(resp llm.Response) {
	if resp.Chat != "" {
		r.o.hooks.SendMessage(resp.Chat)
	}
	if resp.Mood != "" {
		r.o.hooks.UpdateMood(resp.Mood)
	}
}

// apply sends a direct move. A running replay is stopped first so the device
// only ever has one writer.
func (r *modeRun) apply(mv types.Move) {
	if r.cancelled() {
		return
	}
	r.o.replay.Stop()
	r.o.act.MoveTo(r.s.ctx, mv)
}

func (r *modeRun) startReplay(moves []types.Move) {
	r.o.replay.Start(r.s.ctx, r.s.Mode, r.s.ID, moves)
}

func (r *modeRun) replaying() bool {
	return r.o.replay.Active()
}

// dispatch handles the move part of a reply. It reports whether the device got
// new instructions.
func (r *modeRun) dispatch(resp llm.Response) bool {
	switch resp.Kind {
	case llm.KindMoveList:
		r.startReplay(resp.Moves)
		return true
	case llm.KindSingleMove:
		r.apply(resp.Move)
		return true
	}
	return false
}

func (r *modeRun) sleep(d time.Duration) bool {
	return sleepCtx(r.s.ctx, d)
}

// pause sleeps for a random duration within the mode's timing bounds.
func (r *modeRun) pause(mode types.ModeName) bool {
	lo, hi := timingRange(r.o.hooks.TimingBounds(mode))
	return r.sleep(r.o.rnd.Duration(lo, hi))
}

func (r *modeRun) popUserMessage() string {
	text, ok := r.o.hooks.PopUserMessage()
	if !ok {
		return ""
	}
	return text
}

// randomMove draws a move uniformly from the given bounds.
func (r *modeRun) randomMove(speed, depth, rng types.IntRange) types.Move {
	return types.Move{
		Speed: r.o.rnd.Between(speed.Min, speed.Max),
		Depth: r.o.rnd.Between(depth.Min, depth.Max),
		Range: r.o.rnd.Between(rng.Min, rng.Max),
	}
}

// step applies a move and holds it; false once the session is cancelled.
func (r *modeRun) step(speed, depth, rng int, hold time.Duration) bool {
	r.apply(types.Move{Speed: speed, Depth: depth, Range: rng})
	return r.sleep(hold)
}
