package core

import (
	"time"
)

// 固定图案模式：不询问模型，也不使用生成器

func wavesMode(r *modeRun) {
	r.o.hooks.SendMessage("Soft waves coming...")
	r.o.hooks.UpdateMood("Playful")

	centers := []int{20, 35, 50, 65, 80, 65, 50, 35}
	for {
		for _, depth := range centers {
			if !r.step(35+depth%20, depth, 50, 800*time.Millisecond) {
				return
			}
		}
	}
}

func pulseMode(r *modeRun) {
	r.o.hooks.SendMessage("Here come the pulses...")
	r.o.hooks.UpdateMood("Focused")

	ranges := []int{20, 40, 60, 40}
	for {
		for _, rng := range ranges {
			if !r.step(55, 55, rng, 500*time.Millisecond) {
				return
			}
		}
	}
}

func stairsMode(r *modeRun) {
	r.o.hooks.SendMessage("Climbing step by step... and back down.")
	r.o.hooks.UpdateMood("Teasing")

	up := []int{30, 45, 60, 75, 90}
	down := []int{75, 60, 45}
	seq := append(append([]int{}, up...), down...)
	for {
		for i, depth := range seq {
			speed := 35
			if i < len(up) {
				speed = 30 + i*3
			}
			if !r.step(speed, depth, 40, 1200*time.Millisecond) {
				return
			}
		}
	}
}

// teaseHoldMode runs once: slow climb, a hold near the tip, then release.
func teaseHoldMode(r *modeRun) {
	r.o.hooks.SendMessage("Taking you up slowly... and keeping you there.")
	r.o.hooks.UpdateMood("Seductive")

	for depth := 40; depth < 90; depth += 5 {
		if !r.step(25, depth, 20, 600*time.Millisecond) {
			return
		}
	}

	holdUntil := time.Now().Add(6 * time.Second)
	for time.Now().Before(holdUntil) {
		if !r.step(20, 88, 15, 600*time.Millisecond) {
			return
		}
	}

	for depth := 85; depth > 45; depth -= 5 {
		if !r.step(22, depth, 25, 500*time.Millisecond) {
			return
		}
	}
}

// postOrgasmMode is a very slow full stroke, re-randomised every 5 seconds.
func postOrgasmMode(r *modeRun) {
	r.o.hooks.SendMessage("Post-orgasm: slow and steady. Relax.")

	for {
		if !r.step(r.o.rnd.Between(1, 5), 100, 100, 5*time.Second) {
			return
		}
	}
}
