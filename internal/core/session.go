package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// ModeSession is one running mode. It holds command authority over the device
// from Start until its worker has run cleanup.
type ModeSession struct {
	ID        string
	Mode      types.ModeName
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newModeSession(mode types.ModeName) *ModeSession {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(logging.ContextWithSession(context.Background(), id))
	return &ModeSession{
		ID:        id,
		Mode:      mode,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Done is closed after the worker exited and its cleanup ran.
func (s *ModeSession) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session has fully exited.
func (s *ModeSession) Wait() {
	<-s.done
}

func (s *ModeSession) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// sleepCtx 可中断休眠，被取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
