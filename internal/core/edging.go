package core

import (
	"fmt"

	"motionctl/internal/llm"
	"motionctl/pkg/types"
)

type edgeState string

const (
	stateBuildUp  edgeState = "BUILD_UP"
	stateTease    edgeState = "TEASE"
	stateHold     edgeState = "HOLD"
	stateRecovery edgeState = "RECOVERY"
	statePullBack edgeState = "PULL_BACK"
)

const edgingTemperature = 1.1

var baseEdgeStates = []edgeState{stateBuildUp, stateTease, stateHold, stateRecovery}

var edgePrompts = map[edgeState]string{
	stateBuildUp:  "Edging mode, phase: Build-up. Your goal is to slowly build my arousal. Invent a slow to medium intensity move.",
	stateTease:    "Edging mode, phase: Tease. Invent a short, fast, shallow, or otherwise teasing move to keep me guessing.",
	stateHold:     "Edging mode, phase: Hold. Maintain a medium, constant intensity. Don't go too fast or too slow. Be steady.",
	stateRecovery: "Edging mode, phase: Recovery. Stimulation should be very low. Invent a very slow and gentle move.",
}

var edgeMoods = map[edgeState]string{
	stateBuildUp:  "Seductive",
	stateTease:    "Playful",
	stateHold:     "Confident",
	stateRecovery: "Loving",
}

// edgingMachine holds the edging state between ticks.
type edgingMachine struct {
	state     edgeState
	edgeCount int
	rnd       *lockedRand
}

func newEdgingMachine(rnd *lockedRand) *edgingMachine {
	return &edgingMachine{state: stateBuildUp, rnd: rnd}
}

// next returns the prompt and mood for this tick. edged means the user raised
// the edge signal since the last tick.
func (m *edgingMachine) next(edged bool, userMessage string) (prompt, mood string) {
	if edged {
		m.edgeCount++
		m.state = statePullBack
	}

	if m.state == statePullBack {
		return fmt.Sprintf("I am on the edge. I have been edged %d times. You must choose one of three reactions: "+
			"1. A hard 'Pull Back'. 2. A 'Hold'. 3. A risky 'Push Over'. Describe what you choose to do and provide the move.",
			m.edgeCount), "Dominant"
	}

	if _, ok := edgePrompts[m.state]; !ok {
		m.state = stateBuildUp
	}
	prompt = edgePrompts[m.state]
	if userMessage != "" {
		prompt += fmt.Sprintf("\n\n**USER MESSAGE TO CONSIDER:** %q\n\n**INSTRUCTION:** Analyze this message. "+
			"Decide if you should alter your pattern or state in response to it. Then, describe your action and provide the next `move`.",
			userMessage)
	}
	return prompt, edgeMoods[m.state]
}

// advance moves to the next state after a move was applied.
func (m *edgingMachine) advance() {
	if m.state == statePullBack {
		m.state = stateRecovery
		return
	}
	m.state = baseEdgeStates[m.rnd.Intn(len(baseEdgeStates))]
}

func edgingMode(r *modeRun) {
	m := newEdgingMachine(r.o.rnd)

	for !r.cancelled() {
		prompt, mood := m.next(r.o.hooks.Edge.Take(), r.popUserMessage())
		r.o.hooks.UpdateMood(mood)

		chatContext := r.o.hooks.freshContext()
		chatContext["edge_count"] = m.edgeCount
		chatContext["current_mood"] = mood

		resp := r.ask(llm.UserTurn(prompt), chatContext, edgingTemperature)
		mv, ok := resp.SingleMove()
		if !ok {
			// 没有 move 视为暂时失败，不推进状态
			if !r.sleep(r.o.config.RetryDelay) {
				break
			}
			continue
		}

		r.relay(resp)
		r.apply(mv)
		m.advance()

		if !r.pause(types.ModeEdging) {
			break
		}
	}

	r.o.hooks.SendMessage(fmt.Sprintf("You did so well, holding it in for %d edges...", m.edgeCount))
	r.o.hooks.UpdateMood("Afterglow")
}
