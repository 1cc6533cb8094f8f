package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryConfig tunes the in-process queue.
type MemoryConfig struct {
	Visibility  time.Duration // default 30s
	DedupWindow time.Duration // default 5m, negative disables dedup
	PollEvery   time.Duration // internal long-poll granularity, default 20ms
}

type memMessage struct {
	id           string
	body         []byte
	attributes   map[string]string
	group        string
	receipt      string
	visibleAt    time.Time
	receiveCount int
}

// Memory is an in-process FIFO queue with the same contract as the hosted
// backends: visibility timeouts, content-based dedup and per-group ordering.
type Memory struct {
	mu       sync.Mutex
	cfg      MemoryConfig
	messages []*memMessage
	dedup    map[string]time.Time
	seq      int
	now      func() time.Time
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 20 * time.Millisecond
	}
	return &Memory{cfg: cfg, dedup: make(map[string]time.Time), now: time.Now}
}

func (q *Memory) Send(ctx context.Context, body []byte, attributes map[string]string, groupKey string) error {
	if groupKey == "" {
		return ErrMissingGroupKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if q.cfg.DedupWindow > 0 {
		id := ContentID(body)
		if until, ok := q.dedup[id]; ok && now.Before(until) {
			// accepted but not enqueued, like a FIFO queue inside its dedup window
			return nil
		}
		q.dedup[id] = now.Add(q.cfg.DedupWindow)
	}

	q.seq++
	buf := make([]byte, len(body))
	copy(buf, body)
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	q.messages = append(q.messages, &memMessage{
		id:         strconv.Itoa(q.seq),
		body:       buf,
		attributes: attrs,
		group:      groupKey,
	})
	return nil
}

func (q *Memory) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	deadline := time.Now().Add(wait)
	for {
		if msgs := q.take(maxMessages); len(msgs) > 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := q.cfg.PollEvery
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// take collects visible messages in order. A group whose head is in flight is
// skipped entirely so later messages of that group cannot overtake it.
func (q *Memory) take(maxMessages int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	blocked := make(map[string]bool)
	var out []Message
	for _, m := range q.messages {
		if len(out) >= maxMessages {
			break
		}
		if blocked[m.group] {
			continue
		}
		if m.receipt != "" && now.Before(m.visibleAt) {
			blocked[m.group] = true
			continue
		}
		m.receipt = uuid.NewString()
		m.visibleAt = now.Add(q.cfg.Visibility)
		m.receiveCount++
		out = append(out, m.snapshot())
	}
	return out
}

func (m *memMessage) snapshot() Message {
	attrs := make(map[string]string, len(m.attributes))
	for k, v := range m.attributes {
		attrs[k] = v
	}
	body := make([]byte, len(m.body))
	copy(body, m.body)
	return Message{
		ID:           m.id,
		Body:         body,
		ReceiptToken: m.receipt,
		Attributes:   attrs,
		GroupKey:     m.group,
		ReceiveCount: m.receiveCount,
	}
}

func (q *Memory) Ack(ctx context.Context, receiptToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.receipt != "" && m.receipt == receiptToken {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return ErrInvalidReceipt
}

func (q *Memory) Release(ctx context.Context, receiptToken string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.receipt != "" && m.receipt == receiptToken {
			m.receipt = uuid.NewString() // invalidates the old token
			m.visibleAt = q.now().Add(delay)
			return nil
		}
	}
	return ErrInvalidReceipt
}

// Len returns the number of messages not yet acked.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
