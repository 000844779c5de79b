// Package llm talks to the chat model that suggests moves. Whatever shape the
// model answers in, callers only ever see a Response with one Kind.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"motionctl/pkg/types"
)

// ErrNoResponse is returned when the model produced nothing usable.
var ErrNoResponse = errors.New("llm: no response")

// Missing move fields take these values.
const (
	DefaultMoveSpeed = 10
	DefaultMoveDepth = 50
	DefaultMoveRange = 30
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserTurn wraps text as a single user turn; empty text yields no turns.
func UserTurn(text string) []Turn {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []Turn{{Role: "user", Content: text}}
}

type Kind int

const (
	KindNone Kind = iota
	KindSingleMove
	KindMoveList
)

func (k Kind) String() string {
	switch k {
	case KindSingleMove:
		return "single_move"
	case KindMoveList:
		return "move_list"
	default:
		return "none"
	}
}

// Response 模型回复，在边界处一次性解析成固定形态
type Response struct {
	Kind  Kind
	Chat  string
	Mood  string
	Move  types.Move
	Moves []types.Move

	// moveGiven: the reply carried "move" even if "moves" won
	moveGiven bool
}

// SingleMove returns the reply's "move" field. It is reported even when the
// reply also carried a move list and Kind is KindMoveList.
func (r Response) SingleMove() (types.Move, bool) {
	return r.Move, r.Kind == KindSingleMove || r.moveGiven
}

// Client is implemented by every model backend.
type Client interface {
	RequestChatMove(ctx context.Context, turns []Turn, chatContext map[string]any, temperature float64) (Response, error)
}

// Resolve turns a decoded reply object into a Response. A non-empty "moves"
// list wins over "move" for Kind; Move is filled whenever "move" is present.
func Resolve(payload map[string]any) Response {
	var resp Response
	if chat, ok := payload["chat"].(string); ok {
		resp.Chat = strings.TrimSpace(chat)
	}
	if mood, ok := payload["new_mood"].(string); ok {
		resp.Mood = strings.TrimSpace(mood)
	}

	if obj, ok := payload["move"].(map[string]any); ok {
		resp.Move = moveFrom(obj)
		resp.moveGiven = true
		resp.Kind = KindSingleMove
	}

	if list, ok := payload["moves"].([]any); ok {
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok {
				resp.Moves = append(resp.Moves, moveFrom(obj))
			}
		}
		if len(resp.Moves) > 0 {
			resp.Kind = KindMoveList
		} else {
			resp.Moves = nil
		}
	}
	return resp
}

func moveFrom(obj map[string]any) types.Move {
	return types.Move{
		Speed:      intField(obj, "sp", DefaultMoveSpeed),
		Depth:      intField(obj, "dp", DefaultMoveDepth),
		Range:      intField(obj, "rng", DefaultMoveRange),
		DurationMs: max(0, intField(obj, "duration", 0)),
	}
}

func intField(obj map[string]any, key string, def int) int {
	switch v := obj[key].(type) {
	case float64:
		return int(math.Round(v))
	case int:
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return int(math.Round(f))
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return int(math.Round(f))
		}
	}
	return def
}

// ParseReply extracts the structured part of a raw model reply. Text without a
// recognisable JSON object is returned as chat. replyTrim > 0 caps the chat at
// that many words.
func ParseReply(text string, replyTrim int) Response {
	text = strings.TrimSpace(text)
	if text == "" {
		return Response{}
	}

	var resp Response
	resolved := false

	if strings.Contains(text, "moves") {
		start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
		if start >= 0 && end > start {
			var obj map[string]any
			if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err == nil {
				if _, ok := obj["moves"]; ok {
					resp = Resolve(obj)
					resolved = true
				}
			}
		}
	}

	if !resolved {
		resp = Response{Chat: text}
		if obj := firstJSONObject(text); obj != nil && hasReplyKeys(obj) {
			resp = Resolve(obj)
			if _, ok := obj["chat"]; !ok {
				resp.Chat = text
			}
		}
	}

	resp.Chat = trimWords(resp.Chat, replyTrim)
	return resp
}

func hasReplyKeys(obj map[string]any) bool {
	for _, k := range []string{"chat", "move", "moves", "new_mood"} {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// firstJSONObject 扫描首个能被解析的 {...} 对象，跳过字符串内的括号。
// 未闭合或解析失败的候选从其后一个字符重新扫描。
func firstJSONObject(s string) map[string]any {
	for from := 0; from < len(s); {
		start, end := balancedObject(s, from)
		if start < 0 {
			return nil
		}
		if end >= 0 {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
				return obj
			}
		}
		from = start + 1
	}
	return nil
}

// balancedObject returns the first '{' at or after from and its matching '}'.
// end is -1 when the object never closes; start is -1 when there is no '{'.
func balancedObject(s string, from int) (start, end int) {
	inStr, esc := false, false
	depth := 0
	start = -1
	for i := from; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return start, i
			}
		}
	}
	return start, -1
}

func trimWords(text string, maxWords int) string {
	if maxWords <= 0 {
		return text
	}
	parts := strings.Fields(text)
	if len(parts) <= maxWords {
		return text
	}
	return strings.Join(parts[:maxWords], " ")
}

// Silent never answers; used when no model is configured.
type Silent struct{}

func (Silent) RequestChatMove(ctx context.Context, turns []Turn, chatContext map[string]any, temperature float64) (Response, error) {
	return Response{}, nil
}
