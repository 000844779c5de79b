package core

import (
	"context"

	"motionctl/internal/llm"
	"motionctl/pkg/types"
)

// Actuator is the command sink a session drives. *device.Mapper satisfies it.
// MoveTo gives up on commands still in flight once ctx is done; Stop always
// runs to completion.
type Actuator interface {
	MoveTo(ctx context.Context, mv types.Move)
	Stop()
}

// ChatMover asks the chat model for a reply and an optional move suggestion.
type ChatMover interface {
	RequestChatMove(ctx context.Context, turns []llm.Turn, chatContext map[string]any, temperature float64) (llm.Response, error)
}
