// Package queue is the receive/ack/send facade over a durable FIFO queue.
//
// Delivery is at-least-once: a received message stays owned by the queue and
// becomes visible again once its visibility window lapses, unless it is acked
// with the receipt token from that delivery.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrInvalidReceipt is returned when acking with a stale or unknown token.
	ErrInvalidReceipt = errors.New("queue: invalid receipt token")
	// ErrMissingGroupKey is returned by Send when groupKey is empty.
	ErrMissingGroupKey = errors.New("queue: group key is required")
)

// Message is one delivery of a queued message.
type Message struct {
	ID           string
	Body         []byte
	ReceiptToken string
	Attributes   map[string]string
	GroupKey     string
	ReceiveCount int
}

// Queue is the transport every pipeline stage consumes from and publishes to.
type Queue interface {
	// Receive long-polls for up to maxMessages, waiting at most wait.
	// An empty result is not an error.
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error)
	// Ack deletes the delivery identified by receiptToken.
	Ack(ctx context.Context, receiptToken string) error
	// Send publishes body. Messages sharing groupKey are delivered in publish order.
	Send(ctx context.Context, body []byte, attributes map[string]string, groupKey string) error
}

// Releaser is implemented by backends that can hand a delivery back before its
// visibility window ends, optionally after a delay.
type Releaser interface {
	Release(ctx context.Context, receiptToken string, delay time.Duration) error
}

// ContentID is the content-based deduplication id for body.
func ContentID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
