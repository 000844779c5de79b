package core

import (
	"maps"
	"math/rand"
	"sync"
	"time"

	"motionctl/pkg/types"
)

// Hooks connect a running mode to the outside world. Nil callbacks are no-ops;
// PopUserMessage and Edge default to the orchestrator's own queue and signal.
type Hooks struct {
	SendMessage    func(text string)
	GetContext     func() map[string]any
	TimingBounds   func(mode types.ModeName) types.TimingBounds
	UpdateMood     func(mood string)
	PopUserMessage func() (string, bool)
	Edge           *EdgeSignal
	// Phase derives the generator phase and cues from the latest user text.
	Phase  func(userText string) (string, types.CueSet)
	OnStop func(mode types.ModeName)
	// OnEvent 会话生命周期通知
	OnEvent func(event SessionEvent)
}

func (h Hooks) withDefaults(queue *MessageQueue, edge *EdgeSignal) Hooks {
	if h.SendMessage == nil {
		h.SendMessage = func(string) {}
	}
	if h.GetContext == nil {
		h.GetContext = func() map[string]any { return map[string]any{} }
	}
	if h.TimingBounds == nil {
		h.TimingBounds = func(types.ModeName) types.TimingBounds { return types.FallbackTimings }
	}
	if h.UpdateMood == nil {
		h.UpdateMood = func(string) {}
	}
	if h.PopUserMessage == nil {
		h.PopUserMessage = queue.Pop
	}
	if h.Edge == nil {
		h.Edge = edge
	}
	if h.Phase == nil {
		h.Phase = func(string) (string, types.CueSet) { return types.PhaseWarmUp, types.CueSet{} }
	}
	if h.OnStop == nil {
		h.OnStop = func(types.ModeName) {}
	}
	if h.OnEvent == nil {
		h.OnEvent = func(SessionEvent) {}
	}
	return h
}

// freshContext copies the hook context so a tick can annotate it freely.
func (h Hooks) freshContext() map[string]any {
	out := make(map[string]any)
	if src := h.GetContext(); src != nil {
		maps.Copy(out, src)
	}
	return out
}

// lockedRand 多个 goroutine 共用的随机源
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(src rand.Source) *lockedRand {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &lockedRand{rnd: rand.New(src)}
}

// Between draws uniformly from the inclusive range [lo, hi].
func (r *lockedRand) Between(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo + r.rnd.Intn(hi-lo+1)
}

// Duration draws uniformly from [lo, hi).
func (r *lockedRand) Duration(lo, hi time.Duration) time.Duration {
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		return lo
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo + time.Duration(r.rnd.Int63n(int64(hi-lo)))
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// timingRange converts per-mode bounds in seconds into a sleep range.
func timingRange(b types.TimingBounds) (time.Duration, time.Duration) {
	lo := time.Duration(max(0, b.MinSeconds) * float64(time.Second))
	hi := time.Duration(max(0, b.MaxSeconds) * float64(time.Second))
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi
}
