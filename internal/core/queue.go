package core

import (
	"sync"
	"sync/atomic"
)

const defaultQueueSize = 5

// MessageQueue buffers user messages for the running mode. When full, the
// oldest message is dropped.
type MessageQueue struct {
	mu      sync.Mutex
	items   []string
	maxSize int
}

func NewMessageQueue(maxSize int) *MessageQueue {
	if maxSize <= 0 {
		maxSize = defaultQueueSize
	}
	return &MessageQueue{maxSize: maxSize}
}

// Push appends text and reports whether an older message was dropped.
func (q *MessageQueue) Push(text string) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.maxSize {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, text)
	return dropped
}

// Pop 非阻塞取出最早的消息
func (q *MessageQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	text := q.items[0]
	q.items = q.items[1:]
	return text, true
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MessageQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// EdgeSignal is the user's "I'm on the edge" flag.
type EdgeSignal struct {
	set atomic.Bool
}

func (e *EdgeSignal) Set()        { e.set.Store(true) }
func (e *EdgeSignal) Clear()      { e.set.Store(false) }
func (e *EdgeSignal) IsSet() bool { return e.set.Load() }

// Take clears the flag and reports whether it was set.
func (e *EdgeSignal) Take() bool {
	return e.set.Swap(false)
}
