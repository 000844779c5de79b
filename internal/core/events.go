package core

import (
	"time"

	"motionctl/pkg/types"
)

// EventType 会话生命周期事件类型
type EventType string

const (
	EventModeStarted   EventType = "mode_started"
	EventModeStopped   EventType = "mode_stopped"
	EventReplayStarted EventType = "replay_started"
	EventReplayStopped EventType = "replay_stopped"
	EventModeRecovered EventType = "mode_recovered" // 模式函数 panic 后被恢复
)

// SessionEvent is published through Hooks.OnEvent whenever command authority
// over the device changes hands.
type SessionEvent struct {
	Type      EventType
	Mode      types.ModeName
	SessionID string
	Timestamp time.Time
	Detail    string
}

func newSessionEvent(eventType EventType, mode types.ModeName, sessionID string) SessionEvent {
	return SessionEvent{
		Type:      eventType,
		Mode:      mode,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// Data flattens the event for the control surface.
func (e SessionEvent) Data() map[string]interface{} {
	data := map[string]interface{}{
		"mode":       string(e.Mode),
		"session_id": e.SessionID,
	}
	if e.Detail != "" {
		data["detail"] = e.Detail
	}
	return data
}
