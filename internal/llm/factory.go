package llm

import (
	"context"
	"fmt"
	"strings"

	"motionctl/pkg/types"
)

const (
	ProviderOpenAI   = "openai"
	ProviderLMStudio = "lmstudio"
	ProviderGemini   = "gemini"
	ProviderNone     = "none"
)

// New 根据配置选择模型后端
func New(ctx context.Context, config types.LLMConfig) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(config.Provider)) {
	case ProviderOpenAI, ProviderLMStudio, "":
		return NewOpenAIClient(config), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, config)
	case ProviderNone:
		return Silent{}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", config.Provider)
	}
}
