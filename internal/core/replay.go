package core

import (
	"context"
	"sync"
	"time"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// Replayer loops a move list on the device. There is one slot per device:
// starting a new run cancels and awaits the previous one first.
type Replayer struct {
	act    Actuator
	config types.ReplayConfig
	rnd    *lockedRand

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	onEvent func(SessionEvent)
	logger  *logging.Logger
}

func newReplayer(act Actuator, config types.ReplayConfig, rnd *lockedRand) *Replayer {
	if config.StepMin <= 0 && config.StepMax <= 0 {
		config.StepMin, config.StepMax = 500*time.Millisecond, 1200*time.Millisecond
	}
	if config.PassMin <= 0 && config.PassMax <= 0 {
		config.PassMin, config.PassMax = 1500*time.Millisecond, 3500*time.Millisecond
	}
	return &Replayer{
		act:     act,
		config:  config,
		rnd:     rnd,
		onEvent: func(SessionEvent) {},
		logger:  logging.GetLogger("replay"),
	}
}

// script is one replay run. A timed script holds each move for its own
// DurationMs and loops without a pass pause; limit rewrites a move before it is
// sent.
type script struct {
	moves []types.Move
	timed bool
	limit func(types.Move) types.Move
}

// Start replaces the current run with moves. The run ends when parent is
// cancelled or Stop is called; an empty list starts nothing.
func (r *Replayer) Start(parent context.Context, mode types.ModeName, sessionID string, moves []types.Move) {
	r.start(parent, mode, sessionID, script{moves: moves})
}

// StartTimed is Start for hand-written scripts: every move is held for its
// DurationMs (moves without one use the random step pause) and passed through
// limit first.
func (r *Replayer) StartTimed(parent context.Context, moves []types.Move, limit func(types.Move) types.Move) {
	r.start(parent, "", "", script{moves: moves, timed: true, limit: limit})
}

func (r *Replayer) start(parent context.Context, mode types.ModeName, sessionID string, sc script) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	if len(sc.moves) == 0 {
		return
	}

	sc.moves = append([]types.Move(nil), sc.moves...)

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	r.logger.Info("Replay started", "moves", len(sc.moves), "timed", sc.timed, "mode", mode, "session_id", sessionID)
	r.onEvent(newSessionEvent(EventReplayStarted, mode, sessionID))

	go func() {
		defer close(done)
		r.loop(ctx, sc)
		r.onEvent(newSessionEvent(EventReplayStopped, mode, sessionID))
	}()
}

func (r *Replayer) loop(ctx context.Context, sc script) {
	for {
		for _, mv := range sc.moves {
			if ctx.Err() != nil {
				return
			}
			if sc.limit != nil {
				mv = sc.limit(mv)
			}
			r.act.MoveTo(ctx, mv)

			hold := mv.Duration()
			if !sc.timed || hold <= 0 {
				hold = r.rnd.Duration(r.config.StepMin, r.config.StepMax)
			}
			if !sleepCtx(ctx, hold) {
				return
			}
		}
		if sc.timed {
			continue
		}
		if !sleepCtx(ctx, r.rnd.Duration(r.config.PassMin, r.config.PassMax)) {
			return
		}
	}
}

// Stop cancels the current run and waits for it to exit. It reports whether a
// run had been started. No device stop is issued here.
func (r *Replayer) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *Replayer) stopLocked() bool {
	if r.cancel == nil {
		return false
	}
	r.cancel()
	<-r.done
	r.cancel, r.done = nil, nil
	r.logger.Debug("Replay stopped")
	return true
}

func (r *Replayer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}
