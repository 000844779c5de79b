package core

import (
	"math"
	"math/rand"
	"sync"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

const (
	defaultMovesPerBatch   = 10
	defaultHoldProbability = 0.60

	fastBoost         = 8
	fastOvershoot     = 12
	slowUndershoot    = 5
	recoverySpeedCap  = 15
	cadenceJitter     = 5
	maxSpeedDelta     = 6
	maxDepthDelta     = 10
	maxRangeDelta     = 10
	depthCompensation = 0.3
)

// Generator synthesizes smoothed, envelope-bounded move batches. One instance
// belongs to one device session; its smoothing state is never shared.
type Generator struct {
	mu              sync.Mutex
	rnd             *rand.Rand
	envelopes       map[string]types.PhaseEnvelope
	batchSize       int
	holdProbability float64

	lastMove  *types.Move
	lastPhase string

	logger *logging.Logger
}

func NewGenerator(config types.GeneratorConfig, src rand.Source) *Generator {
	g := &Generator{
		rnd:    rand.New(src),
		logger: logging.GetLogger("move_generator"),
	}
	g.Configure(config)
	return g
}

// Configure replaces envelopes, batch size and hold probability. Smoothing
// state survives so a config reload does not cause a jump.
func (g *Generator) Configure(config types.GeneratorConfig) {
	envelopes := types.DefaultEnvelopes()
	for name, env := range config.Envelopes {
		envelopes[types.NormalizePhase(name)] = env.Normalize()
	}

	batch := config.MovesPerBatch
	if batch <= 0 {
		batch = defaultMovesPerBatch
	}
	hold := config.HoldProbability
	if hold <= 0 || hold > 1 {
		hold = defaultHoldProbability
	}

	g.mu.Lock()
	g.envelopes = envelopes
	g.batchSize = batch
	g.holdProbability = hold
	g.mu.Unlock()
}

// Envelope returns the envelope used for phase; unknown names fall back to WARM-UP.
func (g *Generator) Envelope(phase string) types.PhaseEnvelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.envelopeLocked(types.NormalizePhase(phase))
}

func (g *Generator) envelopeLocked(phase string) types.PhaseEnvelope {
	if env, ok := g.envelopes[phase]; ok {
		return env
	}
	return g.envelopes[types.PhaseWarmUp]
}

// Reset drops the smoothing state.
func (g *Generator) Reset() {
	g.mu.Lock()
	g.lastMove = nil
	g.lastPhase = ""
	g.mu.Unlock()
}

// Generate returns the next batch of moves for phase, steered by cues.
func (g *Generator) Generate(phase string, cues types.CueSet) []types.Move {
	g.mu.Lock()
	defer g.mu.Unlock()

	phase = types.NormalizePhase(phase)
	if phase == "" {
		phase = types.PhaseWarmUp
	}
	if g.lastPhase != phase {
		g.lastMove = nil
		g.lastPhase = phase
	}

	env := g.envelopeLocked(phase)
	moves := make([]types.Move, 0, g.batchSize)

	for i := 0; i < g.batchSize; i++ {
		mv := g.nextMove(phase, env, cues, moves)
		moves = append(moves, mv)
		g.lastMove = &moves[len(moves)-1]
	}

	// lastMove 不能指向将返回给调用方的切片
	last := moves[len(moves)-1]
	g.lastMove = &last

	g.logger.Debug("Generated move batch", "phase", phase, "cues", cues, "count", len(moves),
		"first", moves[0], "last", last)
	return moves
}

func (g *Generator) nextMove(phase string, env types.PhaseEnvelope, cues types.CueSet, batch []types.Move) types.Move {
	baseSpeed := g.between(env.Speed.Min, env.Speed.Max)
	depth := g.between(env.Depth.Min, env.Depth.Max)
	rng := g.between(env.Range.Min, env.Range.Max)
	duration := g.between(env.Duration.Min, env.Duration.Max)

	// 速度提示
	if cues.Fast && !cues.Slow {
		baseSpeed = types.ClampInt(baseSpeed+fastBoost, env.Speed.Min, min(100, env.Speed.Max+fastOvershoot))
	}
	if cues.Slow && !cues.Fast {
		baseSpeed = types.ClampInt(baseSpeed-fastBoost, max(1, env.Speed.Min-slowUndershoot), env.Speed.Max)
	}

	// 区域/幅度覆盖，先匹配者生效
	overridden := true
	switch {
	case cues.TipOnly && cues.BaseOnly:
		overridden = false
	case cues.TipOnly && cues.Full:
		depth, rng = g.between(85, 95), g.between(40, 70)
	case cues.BaseOnly && cues.Full:
		depth, rng = g.between(5, 15), g.between(40, 70)
	case cues.Full:
		depth, rng = g.between(45, 55), g.between(60, 100)
	case cues.TipOnly:
		depth, rng = g.between(85, 95), g.between(10, 20)
	case cues.BaseOnly:
		depth, rng = g.between(5, 15), g.between(10, 20)
	default:
		overridden = false
	}

	if cues.Coming {
		duration = g.between(3500, 7000)
		if !overridden {
			depth, rng = g.between(45, 55), g.between(70, 100)
			overridden = true
		} else {
			rng = types.ClampInt(rng, 40, 90)
		}
	}

	// 行程越长速度越快，保持感知节奏一致
	scaled := float64(baseSpeed)
	if ref := env.Range.Midpoint(); ref > 0 {
		scaled = float64(baseSpeed) * (float64(rng) / ref)
	}
	speed := compensateDepth(int(math.Round(scaled)), depth)

	if g.lastMove != nil {
		prev := *g.lastMove
		speed = types.ClampInt(prev.Speed+types.ClampInt(speed-prev.Speed, -maxSpeedDelta, maxSpeedDelta), 1, 100)
		depth = types.ClampInt(prev.Depth+types.ClampInt(depth-prev.Depth, -maxDepthDelta, maxDepthDelta), 0, 100)
		rng = types.ClampInt(prev.Range+types.ClampInt(rng-prev.Range, -maxRangeDelta, maxRangeDelta), 0, 100)
	}

	speed = env.Speed.Clamp(speed)
	if overridden {
		depth = types.ClampInt(depth, 0, 100)
		rng = types.ClampInt(rng, 0, 100)
	} else {
		depth = env.Depth.Clamp(depth)
		rng = env.Range.Clamp(rng)
	}

	if len(batch) > 0 && g.rnd.Float64() < g.holdProbability {
		jitter := g.between(-cadenceJitter, cadenceJitter)
		speed = env.Speed.Clamp(batch[len(batch)-1].Speed + jitter)
	}

	if phase == types.PhaseRecovery && speed > recoverySpeedCap {
		speed = recoverySpeedCap
	}

	return types.Move{Speed: speed, Depth: depth, Range: rng, DurationMs: duration}
}

// between draws uniformly from the inclusive range [lo, hi].
func (g *Generator) between(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + g.rnd.Intn(hi-lo+1)
}

// compensateDepth speeds up strokes far from the centre depth.
func compensateDepth(speed, depth int) int {
	factor := 1.0 + depthCompensation*(math.Abs(float64(depth-50))/50.0)
	return types.ClampInt(int(math.Round(float64(speed)*factor)), 1, 100)
}
