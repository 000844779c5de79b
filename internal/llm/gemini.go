package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient asks Google's Gemini models through the genai SDK.
type GeminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int
	topP      float64
	replyTrim int
	persona   string
	logger    *logging.Logger
}

func NewGeminiClient(ctx context.Context, config types.LLMConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires api_key")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = defaultGeminiModel
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	topP := config.TopP
	if topP <= 0 || topP > 1 {
		topP = defaultTopP
	}

	return &GeminiClient{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		topP:      topP,
		replyTrim: config.ReplyTrim,
		persona:   config.Persona,
		logger:    logging.GetLogger("llm_gemini"),
	}, nil
}

func (g *GeminiClient) RequestChatMove(ctx context.Context, turns []Turn, chatContext map[string]any, temperature float64) (Response, error) {
	msgs := buildMessages(g.persona, turns, chatContext)

	var system []string
	var contents []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	// Gemini 要求至少一条用户内容
	if len(contents) == 0 {
		contents = append(contents, genai.NewContentFromText("Continue.", genai.RoleUser))
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(temperature)),
		TopP:            genai.Ptr(float32(g.topP)),
		MaxOutputTokens: int32(g.maxTokens),
		StopSequences:   stringList(chatContext["stop"]),
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return Response{}, fmt.Errorf("gemini request failed: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, ErrNoResponse
	}

	out := ParseReply(text, g.replyTrim)
	g.logger.Debug("Gemini reply received", "model", g.model, "kind", out.Kind.String(), "latency", time.Since(start))
	return out, nil
}
