package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// DefaultOpenAIURL points at a local LM Studio server.
const DefaultOpenAIURL = "http://127.0.0.1:1234/v1/chat/completions"

const (
	defaultMaxTokens = 1200
	defaultTopP      = 0.95
)

// OpenAIClient speaks the OpenAI-compatible chat completions protocol.
type OpenAIClient struct {
	url        string
	model      string
	apiKey     string
	maxTokens  int
	topP       float64
	replyTrim  int
	persona    string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewOpenAIClient(config types.LLMConfig) *OpenAIClient {
	url := config.URL
	if url == "" {
		url = DefaultOpenAIURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	topP := config.TopP
	if topP <= 0 || topP > 1 {
		topP = defaultTopP
	}

	return &OpenAIClient{
		url:        url,
		model:      config.Model,
		apiKey:     config.APIKey,
		maxTokens:  maxTokens,
		topP:       topP,
		replyTrim:  config.ReplyTrim,
		persona:    config.Persona,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.GetLogger("llm_openai"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Text string `json:"text"`
}

func (c *OpenAIClient) RequestChatMove(ctx context.Context, turns []Turn, chatContext map[string]any, temperature float64) (Response, error) {
	req := chatRequest{
		Model:       c.model,
		Messages:    buildMessages(c.persona, turns, chatContext),
		Temperature: temperature,
		TopP:        c.topP,
		MaxTokens:   c.maxTokens,
		Stop:        stringList(chatContext["stop"]),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Response{}, fmt.Errorf("chat request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Response{}, fmt.Errorf("failed to decode chat response: %w", err)
	}

	text := decoded.Text
	if len(decoded.Choices) > 0 && decoded.Choices[0].Message.Content != "" {
		text = decoded.Choices[0].Message.Content
	}
	if strings.TrimSpace(text) == "" {
		return Response{}, ErrNoResponse
	}

	out := ParseReply(text, c.replyTrim)
	c.logger.Debug("Chat completion received", "kind", out.Kind.String(), "latency", time.Since(start))
	return out, nil
}

// buildMessages 组装 system persona、单轮指令和对话轮次
func buildMessages(persona string, turns []Turn, chatContext map[string]any) []chatMessage {
	var msgs []chatMessage
	if p, ok := chatContext["persona_desc"].(string); ok && strings.TrimSpace(p) != "" {
		persona = p
	}
	system := strings.TrimSpace(persona)
	if mood, ok := chatContext["current_mood"].(string); ok && mood != "" {
		system = strings.TrimSpace(system + "\nCurrent mood: " + mood + ".")
	}
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	if directive, ok := chatContext["task_directive"].(string); ok && strings.TrimSpace(directive) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: directive})
	}
	for _, t := range turns {
		if t.Role == "" || t.Content == "" {
			continue
		}
		msgs = append(msgs, chatMessage{Role: t.Role, Content: t.Content})
	}
	return msgs
}

func stringList(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
