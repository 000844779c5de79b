package core

import (
	"fmt"

	"motionctl/internal/llm"
	"motionctl/pkg/types"
)

const (
	autoTemperature    = 1.0
	milkingTemperature = 1.0
	guidedTemperature  = 0.9

	milkingClosing = "That's it... give it all to me. Don't hold back."
)

var (
	autoSpeed = types.IntRange{Min: 20, Max: 80}
	autoDepth = types.IntRange{Min: 30, Max: 70}
	autoRange = types.IntRange{Min: 20, Max: 50}

	milkingSpeed = types.IntRange{Min: 40, Max: 90}
	milkingDepth = types.IntRange{Min: 50, Max: 85}
	milkingRange = types.IntRange{Min: 30, Max: 60}
)

// autoMode lets the model talk freely and keeps the device moving with random
// strokes whenever the model does not suggest one.
func autoMode(r *modeRun) {
	for !r.cancelled() {
		chatContext := r.o.hooks.freshContext()
		resp := r.ask(llm.UserTurn(r.popUserMessage()), chatContext, autoTemperature)
		r.relay(resp)

		// 模型给出的 move 优先，只有没有任何指令时才补随机动作
		if !r.dispatch(resp) && !r.replaying() {
			r.apply(r.randomMove(autoSpeed, autoDepth, autoRange))
		}

		if !r.pause(types.ModeAuto) {
			return
		}
	}
}

// milkingMode is a fixed run of 6 to 9 intense strokes.
func milkingMode(r *modeRun) {
	ticks := r.o.rnd.Between(6, 9)
	for i := 0; i < ticks; i++ {
		if r.cancelled() {
			return
		}
		chatContext := r.o.hooks.freshContext()
		chatContext["current_mood"] = "Dominant"

		resp := r.ask(llm.UserTurn(r.popUserMessage()), chatContext, milkingTemperature)
		r.relay(resp)

		if !r.dispatch(resp) && !r.replaying() {
			r.apply(r.randomMove(milkingSpeed, milkingDepth, milkingRange))
		}

		if !r.pause(types.ModeMilking) {
			return
		}
	}

	if r.cancelled() {
		return
	}
	r.o.hooks.SendMessage(milkingClosing)
	r.sleep(r.o.config.ClosingPause)
}

// guidedMode follows the user's phase. Model suggestions win; otherwise the
// generator's batch is played as a timed script.
func guidedMode(r *modeRun) {
	for !r.cancelled() {
		text := r.popUserMessage()
		phase, cues := r.o.hooks.Phase(text)
		envelope := r.o.gen.Envelope(phase)

		chatContext := r.o.hooks.freshContext()
		chatContext["phase"] = types.NormalizePhase(phase)
		chatContext["task_directive"] = phaseDirective(phase, envelope)

		resp := r.ask(llm.UserTurn(text), chatContext, guidedTemperature)
		r.relay(resp)

		if !r.dispatch(resp) && !r.replaying() {
			for _, mv := range r.o.gen.Generate(phase, cues) {
				r.apply(mv)
				if !r.sleep(mv.Duration()) {
					return
				}
			}
		}

		if !r.pause(types.ModeGuided) {
			return
		}
	}
}

// phaseDirective pins the model to the current phase and its envelope.
func phaseDirective(phase string, env types.PhaseEnvelope) string {
	phase = types.NormalizePhase(phase)
	if phase == "" {
		phase = types.PhaseWarmUp
	}
	return fmt.Sprintf("Current phase: %s. Stay strictly in this phase until the user transitions.\n"+
		"When choosing move values, keep them within these envelopes (the app may clamp):\n"+
		"- speed (sp): %d-%d\n- depth (dp): %d-%d\n- range (rng): %d-%d\n",
		phase, env.Speed.Min, env.Speed.Max, env.Depth.Min, env.Depth.Max, env.Range.Min, env.Range.Max)
}
