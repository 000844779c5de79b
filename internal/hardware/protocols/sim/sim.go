// Package sim provides an in-memory device transport that records every
// command it receives. It backs dry runs (protocol "sim") and tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"motionctl/internal/hardware/comm"
	"motionctl/internal/logging"
)

type CommandKind string

const (
	CmdSetMode        CommandKind = "set_mode"
	CmdStart          CommandKind = "start"
	CmdStop           CommandKind = "stop"
	CmdSetSlideWindow CommandKind = "set_slide_window"
	CmdSetVelocity    CommandKind = "set_velocity"
)

// Command 一条被记录的设备指令
type Command struct {
	Kind CommandKind
	Args []int
	At   time.Time
}

func (c Command) String() string {
	return fmt.Sprintf("%s%v", c.Kind, c.Args)
}

// Recorder keeps the same link bookkeeping as a real transport: a failed
// command marks the link as errored, a successful one as connected.
type Recorder struct {
	*comm.BaseCommunication

	mu       sync.Mutex
	commands []Command
	position float64
	failWith error
	readErr  error
	latency  time.Duration
	onCmd    func(Command)
	logger   *logging.Logger
}

func NewRecorder() *Recorder {
	return &Recorder{
		BaseCommunication: comm.NewBaseCommunication(comm.ConnectionConfig{}),
		logger:            logging.GetLogger("sim_transport"),
	}
}

// SetLatency delays every command by d, like a slow link. A command whose
// context ends first returns the context error and is not recorded.
func (r *Recorder) SetLatency(d time.Duration) {
	r.mu.Lock()
	r.latency = d
	r.mu.Unlock()
}

// FailWith makes every subsequent command return err (nil restores success).
// Failed commands are still recorded.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.failWith = err
	r.mu.Unlock()
}

// SetPosition sets the value returned by ReadAbsolutePosition; err makes the
// read fail instead.
func (r *Recorder) SetPosition(pos float64, err error) {
	r.mu.Lock()
	r.position = pos
	r.readErr = err
	r.mu.Unlock()
}

// OnCommand registers a hook invoked after each recorded command.
func (r *Recorder) OnCommand(fn func(Command)) {
	r.mu.Lock()
	r.onCmd = fn
	r.mu.Unlock()
}

func (r *Recorder) record(ctx context.Context, kind CommandKind, args ...int) error {
	r.mu.Lock()
	latency := r.latency
	r.mu.Unlock()
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	cmd := Command{Kind: kind, Args: args, At: time.Now()}
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	err := r.failWith
	hook := r.onCmd
	r.mu.Unlock()

	if err != nil {
		r.HandleWithError(err)
	} else {
		r.SetStatus(comm.StatusConnected)
	}

	r.logger.Debug("Simulated device command", "command", cmd.String())
	if hook != nil {
		hook(cmd)
	}
	return err
}

func (r *Recorder) SetMode(ctx context.Context, mode int) error {
	return r.record(ctx, CmdSetMode, mode)
}

func (r *Recorder) Start(ctx context.Context) error {
	return r.record(ctx, CmdStart)
}

func (r *Recorder) Stop(ctx context.Context) error {
	return r.record(ctx, CmdStop)
}

func (r *Recorder) SetSlideWindow(ctx context.Context, min, max int) error {
	return r.record(ctx, CmdSetSlideWindow, min, max)
}

func (r *Recorder) SetVelocity(ctx context.Context, velocity int) error {
	return r.record(ctx, CmdSetVelocity, velocity)
}

func (r *Recorder) ReadAbsolutePosition(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return 0, r.readErr
	}
	return r.position, nil
}

// Commands returns a copy of everything recorded so far.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// Count returns how many commands of the given kind were recorded.
func (r *Recorder) Count(kind CommandKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent command of the given kind.
func (r *Recorder) Last(kind CommandKind) (Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.commands) - 1; i >= 0; i-- {
		if r.commands[i].Kind == kind {
			return r.commands[i], true
		}
	}
	return Command{}, false
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.commands = nil
	r.mu.Unlock()
}
