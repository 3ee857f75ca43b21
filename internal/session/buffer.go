package session

import (
	"sync"
	"time"
)

// BufferedMessage is one entry in the replay buffer.
type BufferedMessage struct {
	Data      []byte
	SeqNum    uint64
	Timestamp time.Time
}

// replayBuffer is a bounded FIFO of broadcast messages kept for late-join
// replay. Sequence numbers are assigned under the lock so buffer order
// always matches sequence order under concurrent writers.
type replayBuffer struct {
	mu       sync.RWMutex
	messages []BufferedMessage
	seq      uint64
	capacity int
}

func newReplayBuffer(capacity int) *replayBuffer {
	return &replayBuffer{
		messages: make([]BufferedMessage, 0, 256),
		capacity: capacity,
	}
}

// Append records a message, evicting the oldest entries when full, and
// returns the assigned sequence number.
func (b *replayBuffer) Append(data []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.messages = append(b.messages, BufferedMessage{
		Data:      data,
		SeqNum:    b.seq,
		Timestamp: time.Now(),
	})
	if len(b.messages) > b.capacity {
		excess := len(b.messages) - b.capacity
		b.messages = b.messages[excess:]
	}
	return b.seq
}

// Snapshot returns a copy of the buffered messages in order.
func (b *replayBuffer) Snapshot() []BufferedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]BufferedMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Len returns the current number of buffered messages.
func (b *replayBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}
