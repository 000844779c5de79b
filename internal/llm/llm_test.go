package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionctl/pkg/types"
)

func TestParseReplyPlainText(t *testing.T) {
	resp := ParseReply("  mmm, keep going like that  ", 0)
	assert.Equal(t, KindNone, resp.Kind)
	assert.Equal(t, "mmm, keep going like that", resp.Chat)
}

func TestParseReplySingleMove(t *testing.T) {
	text := `Sure thing. {"chat": "slower now", "move": {"sp": 20, "dp": 60, "rng": 40}, "new_mood": "Loving"}`
	resp := ParseReply(text, 0)
	require.Equal(t, KindSingleMove, resp.Kind)
	assert.Equal(t, "slower now", resp.Chat)
	assert.Equal(t, "Loving", resp.Mood)
	assert.Equal(t, types.Move{Speed: 20, Depth: 60, Range: 40}, resp.Move)
}

func TestParseReplyMovesWinOverMove(t *testing.T) {
	text := `{"chat": "pattern", "move": {"sp": 90}, "moves": [{"sp": 30, "dp": 40, "rng": 50}, {"sp": 35}]}`
	resp := ParseReply(text, 0)
	require.Equal(t, KindMoveList, resp.Kind)
	require.Len(t, resp.Moves, 2)
	assert.Equal(t, types.Move{Speed: 30, Depth: 40, Range: 50}, resp.Moves[0])
	// missing fields take the replay defaults
	assert.Equal(t, types.Move{Speed: 35, Depth: DefaultMoveDepth, Range: DefaultMoveRange}, resp.Moves[1])

	// the single move is still available to callers that only take one
	mv, ok := resp.SingleMove()
	require.True(t, ok)
	assert.Equal(t, types.Move{Speed: 90, Depth: DefaultMoveDepth, Range: DefaultMoveRange}, mv)
}

func TestSingleMoveAbsent(t *testing.T) {
	_, ok := Resolve(map[string]any{"chat": "hi", "moves": []any{map[string]any{"sp": 20}}}).SingleMove()
	assert.False(t, ok)

	_, ok = Response{}.SingleMove()
	assert.False(t, ok)

	mv, ok := Response{Kind: KindSingleMove, Move: types.Move{Speed: 7}}.SingleMove()
	assert.True(t, ok)
	assert.Equal(t, 7, mv.Speed)
}

func TestParseReplyEmptyMovesFallsBackToMove(t *testing.T) {
	resp := ParseReply(`{"moves": [], "move": {"sp": 44, "dp": 55, "rng": 66}}`, 0)
	require.Equal(t, KindSingleMove, resp.Kind)
	assert.Equal(t, 44, resp.Move.Speed)
}

func TestParseReplyBracesInsideStrings(t *testing.T) {
	text := `note "{not json}" then {"chat": "a } brace", "move": {"sp": 12, "dp": 34, "rng": 56}}`
	resp := ParseReply(text, 0)
	require.Equal(t, KindSingleMove, resp.Kind)
	assert.Equal(t, "a } brace", resp.Chat)
}

func TestParseReplySkipsStrayBrace(t *testing.T) {
	resp := ParseReply(`hmm :-{ okay then {"chat": "fine", "move": {"sp": 20, "dp": 40, "rng": 60}}`, 0)
	require.Equal(t, KindSingleMove, resp.Kind)
	assert.Equal(t, "fine", resp.Chat)
	assert.Equal(t, types.Move{Speed: 20, Depth: 40, Range: 60}, resp.Move)

	resp = ParseReply(`{broken {"chat": "inner"} tail`, 0)
	assert.Equal(t, "inner", resp.Chat)
}

func TestParseReplyUnrelatedJSONIsChat(t *testing.T) {
	text := `here is data {"foo": 1}`
	resp := ParseReply(text, 0)
	assert.Equal(t, KindNone, resp.Kind)
	assert.Equal(t, text, resp.Chat)
}

func TestParseReplyTrim(t *testing.T) {
	resp := ParseReply(`{"chat": "one two three four five"}`, 3)
	assert.Equal(t, "one two three", resp.Chat)
}

func TestResolveStringNumbers(t *testing.T) {
	resp := Resolve(map[string]any{"move": map[string]any{"sp": "41.6", "dp": 20.4, "rng": "x"}})
	require.Equal(t, KindSingleMove, resp.Kind)
	assert.Equal(t, types.Move{Speed: 42, Depth: 20, Range: DefaultMoveRange}, resp.Move)
}

func TestUserTurn(t *testing.T) {
	assert.Nil(t, UserTurn("   "))
	assert.Equal(t, []Turn{{Role: "user", Content: "hi"}}, UserTurn("hi"))
}

func TestOpenAIClientRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"chat\":\"hey\",\"move\":{\"sp\":70,\"dp\":50,\"rng\":60}}"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(types.LLMConfig{URL: srv.URL, Model: "local", APIKey: "secret", Persona: "base persona"})
	resp, err := client.RequestChatMove(context.Background(), UserTurn("faster"), map[string]any{
		"current_mood":   "Playful",
		"task_directive": "stay in phase",
		"stop":           []any{"</s>"},
	}, 1.1)
	require.NoError(t, err)

	assert.Equal(t, KindSingleMove, resp.Kind)
	assert.Equal(t, "hey", resp.Chat)
	assert.Equal(t, 70, resp.Move.Speed)

	assert.Equal(t, "local", got.Model)
	assert.InDelta(t, 1.1, got.Temperature, 1e-9)
	assert.InDelta(t, defaultTopP, got.TopP, 1e-9)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
	assert.Equal(t, []string{"</s>"}, got.Stop)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "base persona")
	assert.Contains(t, got.Messages[0].Content, "Playful")
	assert.Equal(t, "stay in phase", got.Messages[1].Content)
	assert.Equal(t, chatMessage{Role: "user", Content: "faster"}, got.Messages[2])
}

func TestOpenAIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  "}}]}`))
	}))
	defer srv.Close()

	empty := NewOpenAIClient(types.LLMConfig{URL: srv.URL})
	_, err := empty.RequestChatMove(context.Background(), nil, nil, 1.0)
	assert.ErrorIs(t, err, ErrNoResponse)

	failing := NewOpenAIClient(types.LLMConfig{URL: srv.URL + "?fail=1"})
	_, err = failing.RequestChatMove(context.Background(), nil, nil, 1.0)
	assert.Error(t, err)
}

func TestOpenAIClientHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewOpenAIClient(types.LLMConfig{URL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.RequestChatMove(ctx, nil, nil, 1.0)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewProviders(t *testing.T) {
	c, err := New(context.Background(), types.LLMConfig{Provider: "none"})
	require.NoError(t, err)
	resp, err := c.RequestChatMove(context.Background(), nil, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, KindNone, resp.Kind)

	c, err = New(context.Background(), types.LLMConfig{Provider: "LMStudio"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	_, err = New(context.Background(), types.LLMConfig{Provider: "gemini"})
	assert.Error(t, err, "gemini without api key")

	_, err = New(context.Background(), types.LLMConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}
