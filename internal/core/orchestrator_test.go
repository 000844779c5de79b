package core

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"motionctl/internal/llm"
	"motionctl/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

// eventLog 记录执行器与钩子调用的全局顺序
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *eventLog) index(entry string) int {
	for i, e := range l.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeActuator struct {
	log   *eventLog
	mu    sync.Mutex
	moves []types.Move
	stops int
}

func (a *fakeActuator) MoveTo(ctx context.Context, mv types.Move) {
	a.mu.Lock()
	a.moves = append(a.moves, mv)
	a.mu.Unlock()
	a.log.add(fmt.Sprintf("move:%d/%d/%d", mv.Speed, mv.Depth, mv.Range))
}

func (a *fakeActuator) Stop() {
	a.mu.Lock()
	a.stops++
	a.mu.Unlock()
	a.log.add("stop")
}

func (a *fakeActuator) Moves() []types.Move {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Move(nil), a.moves...)
}

func (a *fakeActuator) Stops() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops
}

type scriptedChat struct {
	mu       sync.Mutex
	replies  []llm.Response
	calls    int
	prompts  []string
	contexts []map[string]any
	temps    []float64
	block    bool
	panics   bool
}

func (c *scriptedChat) RequestChatMove(ctx context.Context, turns []llm.Turn, chatContext map[string]any, temperature float64) (llm.Response, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	prompt := ""
	if len(turns) > 0 {
		prompt = turns[0].Content
	}
	c.prompts = append(c.prompts, prompt)
	c.contexts = append(c.contexts, chatContext)
	c.temps = append(c.temps, temperature)
	block, panics := c.block, c.panics
	var reply llm.Response
	if len(c.replies) > 0 {
		reply = c.replies[min(idx, len(c.replies)-1)]
	}
	c.mu.Unlock()

	if panics {
		panic("model exploded")
	}
	if block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	return reply, nil
}

func (c *scriptedChat) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedChat) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

func (c *scriptedChat) Context(i int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contexts[i]
}

type harness struct {
	o        *Orchestrator
	act      *fakeActuator
	log      *eventLog
	messages *eventLog
	moods    *eventLog
	phase    string
	cues     types.CueSet
}

func newHarness(t *testing.T, chat ChatMover) *harness {
	t.Helper()
	h := &harness{log: &eventLog{}, messages: &eventLog{}, moods: &eventLog{}, phase: types.PhaseWarmUp}
	h.act = &fakeActuator{log: h.log}

	hooks := Hooks{
		SendMessage: func(text string) { h.messages.add(text) },
		GetContext:  func() map[string]any { return map[string]any{"persona_desc": "tester"} },
		TimingBounds: func(types.ModeName) types.TimingBounds {
			return types.TimingBounds{MinSeconds: 0.005, MaxSeconds: 0.01}
		},
		UpdateMood: func(mood string) { h.moods.add(mood) },
		Phase:      func(string) (string, types.CueSet) { return h.phase, h.cues },
		OnStop:     func(mode types.ModeName) { h.log.add("onstop:" + string(mode)) },
		OnEvent: func(ev SessionEvent) {
			if ev.Type == EventModeStarted {
				h.log.add("start:" + string(ev.Mode))
			}
		},
	}
	config := types.OrchestratorConfig{
		LLMTimeout:   time.Second,
		RetryDelay:   5 * time.Millisecond,
		ClosingPause: time.Millisecond,
		Replay: types.ReplayConfig{
			StepMin: time.Millisecond, StepMax: 2 * time.Millisecond,
			PassMin: time.Millisecond, PassMax: 2 * time.Millisecond,
		},
	}
	gen := NewGenerator(types.GeneratorConfig{}, rand.NewSource(1))
	h.o = NewOrchestrator(h.act, gen, chat, hooks, config, rand.NewSource(2))
	t.Cleanup(func() { h.o.Stop() })
	return h
}

func (h *harness) waitMoves(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.act.Moves()) >= n }, waitFor, tick)
}

func TestStartUnknownMode(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.Start("disco", "")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.False(t, h.o.Stop())
}

func TestEveryModeStopsPromptlyWithSingleDeviceStop(t *testing.T) {
	for _, mode := range types.AllModes() {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, nil)
			s, err := h.o.Start(mode, "")
			require.NoError(t, err)
			time.Sleep(30 * time.Millisecond)

			start := time.Now()
			assert.True(t, h.o.Stop())
			assert.Less(t, time.Since(start), 100*time.Millisecond)

			select {
			case <-s.Done():
			default:
				t.Fatal("session still running after Stop")
			}
			assert.Equal(t, 1, h.act.Stops())
			assert.Equal(t, 1, strings.Count(strings.Join(h.log.snapshot(), ","), "onstop:"))
			msgs := h.messages.snapshot()
			require.NotEmpty(t, msgs)
			assert.Equal(t, defaultGreetings[mode], msgs[0])
			assert.Equal(t, handBackMessage, msgs[len(msgs)-1])

			_, active := h.o.Active()
			assert.False(t, active)
		})
	}
}

func TestStartingNewModeWaitsForPreviousCleanup(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.Start(types.ModeAuto, "")
	require.NoError(t, err)
	h.waitMoves(t, 2)

	_, err = h.o.Start(types.ModePulse, "")
	require.NoError(t, err)
	h.waitMoves(t, len(h.act.Moves())+1)

	onStop := h.log.index("onstop:auto")
	started := h.log.index("start:pulse")
	require.NotEqual(t, -1, onStop)
	require.NotEqual(t, -1, started)
	assert.Less(t, onStop, started)
	assert.Equal(t, "stop", h.log.snapshot()[onStop-1])

	for _, e := range h.log.snapshot()[started+1:] {
		if strings.HasPrefix(e, "move:") {
			assert.Contains(t, []string{"move:55/55/20", "move:55/55/40", "move:55/55/60"}, e)
		}
	}

	mode, active := h.o.Active()
	assert.True(t, active)
	assert.Equal(t, types.ModePulse, mode)
}

func TestAutoFallbackMovesStayInBounds(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.Start(types.ModeAuto, "take over")
	require.NoError(t, err)
	h.waitMoves(t, 5)
	h.o.Stop()

	for _, mv := range h.act.Moves() {
		assert.True(t, autoSpeed.Contains(mv.Speed))
		assert.True(t, autoDepth.Contains(mv.Depth))
		assert.True(t, autoRange.Contains(mv.Range))
	}
	assert.Equal(t, "take over", h.messages.snapshot()[0])
}

func TestAutoAppliesModelMoveAndForwardsUserText(t *testing.T) {
	chat := &scriptedChat{replies: []llm.Response{{
		Kind: llm.KindSingleMove, Chat: "like this?", Mood: "Playful",
		Move: types.Move{Speed: 77, Depth: 66, Range: 55},
	}}}
	h := newHarness(t, chat)
	h.o.PushUserMessage("ignored, cleared by Start")
	_, err := h.o.Start(types.ModeAuto, "")
	require.NoError(t, err)
	h.o.PushUserMessage("harder")
	h.waitMoves(t, 2)
	h.o.Stop()

	for _, mv := range h.act.Moves() {
		assert.Equal(t, types.Move{Speed: 77, Depth: 66, Range: 55}, mv)
	}
	assert.Contains(t, h.messages.snapshot(), "like this?")
	assert.Contains(t, h.moods.snapshot(), "Playful")
	assert.Contains(t, chat.Prompts(), "harder")
	assert.NotContains(t, chat.Prompts(), "ignored, cleared by Start")
	assert.Equal(t, "tester", chat.Context(0)["persona_desc"])
}

func TestAutoMoveListStartsReplay(t *testing.T) {
	script := []types.Move{{Speed: 11, Depth: 22, Range: 33}, {Speed: 12, Depth: 23, Range: 34}}
	chat := &scriptedChat{replies: []llm.Response{{Kind: llm.KindMoveList, Moves: script}, {}}}
	h := newHarness(t, chat)
	_, err := h.o.Start(types.ModeAuto, "")
	require.NoError(t, err)

	h.waitMoves(t, 4)
	assert.True(t, h.o.Status().Replaying)

	h.o.Stop()
	assert.False(t, h.o.Status().Replaying)
	assert.Equal(t, 1, h.act.Stops())
	for _, mv := range h.act.Moves() {
		assert.Contains(t, script, mv, "replay holds the device, no random moves")
	}
}

func TestLLMTimeoutIsNoResponse(t *testing.T) {
	chat := &scriptedChat{block: true}
	h := newHarness(t, chat)
	h.o.config.LLMTimeout = 10 * time.Millisecond

	_, err := h.o.Start(types.ModeAuto, "")
	require.NoError(t, err)
	h.waitMoves(t, 2)
	assert.GreaterOrEqual(t, chat.Calls(), 2)
}

func TestMilkingFinishesOnItsOwn(t *testing.T) {
	chat := &scriptedChat{}
	h := newHarness(t, chat)
	s, err := h.o.Start(types.ModeMilking, "")
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("milking did not finish")
	}

	moves := h.act.Moves()
	assert.GreaterOrEqual(t, len(moves), 6)
	assert.LessOrEqual(t, len(moves), 9)
	for _, mv := range moves {
		assert.True(t, milkingSpeed.Contains(mv.Speed))
		assert.True(t, milkingDepth.Contains(mv.Depth))
		assert.True(t, milkingRange.Contains(mv.Range))
	}
	assert.Equal(t, "Dominant", chat.Context(0)["current_mood"])

	msgs := h.messages.snapshot()
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, milkingClosing, msgs[len(msgs)-2])
	assert.Equal(t, handBackMessage, msgs[len(msgs)-1])
	assert.Equal(t, 1, h.act.Stops())

	_, active := h.o.Active()
	assert.False(t, active)
}

func TestEdgingSignalAndFarewell(t *testing.T) {
	chat := &scriptedChat{replies: []llm.Response{{
		Kind: llm.KindSingleMove, Move: types.Move{Speed: 40, Depth: 50, Range: 60},
	}}}
	h := newHarness(t, chat)
	_, err := h.o.Start(types.ModeEdging, "")
	require.NoError(t, err)
	h.waitMoves(t, 1)

	h.o.SignalEdge()
	require.Eventually(t, func() bool {
		for _, p := range chat.Prompts() {
			if strings.Contains(p, "edged 1 times") {
				return true
			}
		}
		return false
	}, waitFor, tick)
	h.o.Stop()

	msgs := h.messages.snapshot()
	assert.Contains(t, msgs, "You did so well, holding it in for 1 edges...")
	moods := h.moods.snapshot()
	assert.Equal(t, "Afterglow", moods[len(moods)-1])
	assert.Contains(t, moods, "Dominant")
	assert.Equal(t, 1, h.act.Stops())
	assert.InDelta(t, edgingTemperature, chat.temps[0], 1e-9)
}

func TestEdgingRetriesWithoutMove(t *testing.T) {
	chat := &scriptedChat{replies: []llm.Response{{Chat: "just talk"}}}
	h := newHarness(t, chat)
	_, err := h.o.Start(types.ModeEdging, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return chat.Calls() >= 3 }, waitFor, tick)
	h.o.Stop()

	assert.Empty(t, h.act.Moves())
	assert.NotContains(t, h.messages.snapshot(), "just talk")
	for _, p := range chat.Prompts() {
		assert.True(t, strings.HasPrefix(p, "Edging mode, phase: Build-up."), "state must not advance: %q", p)
	}
}

func TestEdgingTakesMoveAlongsideMoveList(t *testing.T) {
	reply := llm.Resolve(map[string]any{
		"chat":  "both at once",
		"move":  map[string]any{"sp": 20.0, "dp": 50.0, "rng": 30.0},
		"moves": []any{map[string]any{"sp": 40.0, "dp": 60.0, "rng": 40.0}},
	})
	require.Equal(t, llm.KindMoveList, reply.Kind)

	chat := &scriptedChat{replies: []llm.Response{reply}}
	h := newHarness(t, chat)
	_, err := h.o.Start(types.ModeEdging, "")
	require.NoError(t, err)
	h.waitMoves(t, 2)
	h.o.Stop()

	for _, mv := range h.act.Moves() {
		assert.Equal(t, types.Move{Speed: 20, Depth: 50, Range: 30}, mv)
	}
	assert.Contains(t, h.messages.snapshot(), "both at once")
	assert.False(t, h.o.Status().Replaying)
}

func TestGuidedPlaysGeneratorBatch(t *testing.T) {
	chat := &scriptedChat{}
	h := newHarness(t, chat)
	h.phase = types.PhaseRecovery

	_, err := h.o.Start(types.ModeGuided, "")
	require.NoError(t, err)
	h.waitMoves(t, 1)
	h.o.Stop()

	for _, mv := range h.act.Moves() {
		assert.LessOrEqual(t, mv.Speed, 15)
	}
	directive, _ := chat.Context(0)["task_directive"].(string)
	assert.Contains(t, directive, "Current phase: RECOVERY")
	assert.Contains(t, directive, "speed (sp): 5-15")
	assert.Equal(t, types.PhaseRecovery, chat.Context(0)["phase"])
}

func TestPlayMovesStandalone(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.o.PlayMoves(nil), ErrEmptyScript)

	script := []types.Move{{Speed: 30, Depth: 40, Range: 50}}
	require.NoError(t, h.o.PlayMoves(script))
	h.waitMoves(t, 3)
	assert.True(t, h.o.Status().Replaying)

	_, active := h.o.Active()
	assert.False(t, active)

	assert.True(t, h.o.Stop())
	assert.Equal(t, 1, h.act.Stops())
	assert.False(t, h.o.Stop())
	assert.Equal(t, 1, h.act.Stops())
}

func TestPlayMovesHoldsDurationAndCapsRecovery(t *testing.T) {
	h := newHarness(t, nil)
	h.phase = "recovery"

	script := []types.Move{
		{Speed: 60, Depth: 40, Range: 50, DurationMs: 150},
		{Speed: 10, Depth: 70, Range: 20, DurationMs: 150},
	}
	require.NoError(t, h.o.PlayMoves(script))
	h.waitMoves(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.act.Moves(), 1, "first move is held for its duration")

	h.waitMoves(t, 3)
	h.o.Stop()

	moves := h.act.Moves()
	assert.Equal(t, types.Move{Speed: recoverySpeedCap, Depth: 40, Range: 50, DurationMs: 150}, moves[0])
	assert.Equal(t, script[1], moves[1])
	assert.Equal(t, recoverySpeedCap, moves[2].Speed)
}

func TestStartModeReplacesStandaloneReplay(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.o.PlayMoves([]types.Move{{Speed: 30, Depth: 40, Range: 50}}))
	h.waitMoves(t, 1)

	_, err := h.o.Start(types.ModePulse, "")
	require.NoError(t, err)
	started := h.log.index("start:pulse")
	require.Positive(t, started)
	assert.Equal(t, "stop", h.log.snapshot()[started-1])
	assert.False(t, h.o.Status().Replaying)
}

func TestModePanicStillCleansUp(t *testing.T) {
	h := newHarness(t, &scriptedChat{panics: true})
	s, err := h.o.Start(types.ModeAuto, "")
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("panicking mode did not exit")
	}
	assert.Equal(t, 1, h.act.Stops())
	msgs := h.messages.snapshot()
	assert.Equal(t, handBackMessage, msgs[len(msgs)-1])
}

func TestStartClearsSignalAndQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.o.SignalEdge()
	h.o.PushUserMessage("stale")

	_, err := h.o.Start(types.ModeWaves, "")
	require.NoError(t, err)
	st := h.o.Status()
	assert.False(t, st.EdgeSignaled)
	assert.Zero(t, st.PendingMessages)
	assert.Equal(t, types.ModeWaves, st.Mode)
	assert.NotEmpty(t, st.SessionID)
}

func TestEdgingMachine(t *testing.T) {
	m := newEdgingMachine(newLockedRand(rand.NewSource(4)))

	prompt, mood := m.next(false, "")
	assert.Equal(t, edgePrompts[stateBuildUp], prompt)
	assert.Equal(t, "Seductive", mood)

	for _, from := range []edgeState{stateBuildUp, stateTease, stateHold, stateRecovery, statePullBack} {
		m.state = from
		before := m.edgeCount
		prompt, mood = m.next(true, "")
		assert.Equal(t, statePullBack, m.state)
		assert.Equal(t, before+1, m.edgeCount)
		assert.Equal(t, "Dominant", mood)
		assert.Contains(t, prompt, fmt.Sprintf("edged %d times", m.edgeCount))

		m.advance()
		assert.Equal(t, stateRecovery, m.state)
	}

	for i := 0; i < 50; i++ {
		m.advance()
		assert.Contains(t, baseEdgeStates, m.state)
	}

	m.state = stateTease
	prompt, mood = m.next(false, "slower please")
	assert.Equal(t, "Playful", mood)
	assert.Contains(t, prompt, `"slower please"`)
	assert.Contains(t, prompt, "USER MESSAGE TO CONSIDER")
}

func TestReplayerSlot(t *testing.T) {
	act := &fakeActuator{log: &eventLog{}}
	r := newReplayer(act, types.ReplayConfig{StepMin: time.Millisecond, StepMax: time.Millisecond, PassMin: time.Millisecond, PassMax: time.Millisecond}, newLockedRand(rand.NewSource(1)))

	assert.False(t, r.Stop())
	r.Start(context.Background(), "", "", nil)
	assert.False(t, r.Active())

	first := types.Move{Speed: 1, Depth: 1, Range: 1}
	second := types.Move{Speed: 2, Depth: 2, Range: 2}
	r.Start(context.Background(), "", "", []types.Move{first})
	require.Eventually(t, func() bool { return len(act.Moves()) >= 2 }, waitFor, tick)

	r.Start(context.Background(), "", "", []types.Move{second})
	n := len(act.Moves())
	require.Eventually(t, func() bool { return len(act.Moves()) >= n+2 }, waitFor, tick)
	for _, mv := range act.Moves()[n:] {
		assert.Equal(t, second, mv)
	}

	assert.True(t, r.Stop())
	assert.False(t, r.Active())
	assert.Zero(t, act.Stops())

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, "", "", []types.Move{first})
	cancel()
	require.Eventually(t, func() bool { return !r.Active() }, waitFor, tick)
	r.Stop()
}
