package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// groupHeader carries the group key; JetStream has no native message groups.
const groupHeader = "Facequeue-Group"

// JetStreamConfig binds one logical queue to a stream subject.
type JetStreamConfig struct {
	Stream      string
	Subject     string
	Durable     string
	AckWait     time.Duration // visibility window
	DedupWindow time.Duration
	MaxInFlight int
}

// JetStream is the self-hosted backend: a work-queue stream with one durable
// pull consumer shared by every worker process.
type JetStream struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	subject  string

	mu       sync.Mutex
	inflight map[string]jetstream.Msg
}

// NewJetStream creates (or updates) the stream and consumer for cfg.
func NewJetStream(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig) (*JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: cfg.DedupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxInFlight,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", cfg.Durable, cfg.Stream, err)
	}

	return &JetStream{
		js:       js,
		consumer: cons,
		subject:  cfg.Subject,
		inflight: make(map[string]jetstream.Msg),
	}, nil
}

func (q *JetStream) String() string { return "nats://" + q.subject }

func (q *JetStream) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	if wait < time.Second {
		wait = time.Second
	}

	batch, err := q.consumer.Fetch(maxMessages, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("jetstream fetch on %s: %w", q.subject, err)
	}

	var out []Message
	for msg := range batch.Messages() {
		token := uuid.NewString()
		attrs := make(map[string]string)
		for k, v := range msg.Headers() {
			if len(v) > 0 && k != groupHeader && k != nats.MsgIdHdr {
				attrs[k] = v[0]
			}
		}
		m := Message{
			Body:         msg.Data(),
			ReceiptToken: token,
			Attributes:   attrs,
			GroupKey:     msg.Headers().Get(groupHeader),
		}
		if md, err := msg.Metadata(); err == nil {
			m.ID = strconv.FormatUint(md.Sequence.Stream, 10)
			m.ReceiveCount = int(md.NumDelivered)
		}

		q.mu.Lock()
		q.inflight[token] = msg
		q.mu.Unlock()
		out = append(out, m)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
		return out, fmt.Errorf("jetstream batch on %s: %w", q.subject, err)
	}
	return out, nil
}

func (q *JetStream) take(token string) (jetstream.Msg, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[token]
	if !ok {
		return nil, ErrInvalidReceipt
	}
	delete(q.inflight, token)
	return msg, nil
}

func (q *JetStream) Ack(ctx context.Context, receiptToken string) error {
	msg, err := q.take(receiptToken)
	if err != nil {
		return err
	}
	return msg.Ack()
}

func (q *JetStream) Release(ctx context.Context, receiptToken string, delay time.Duration) error {
	msg, err := q.take(receiptToken)
	if err != nil {
		return err
	}
	return msg.NakWithDelay(delay)
}

func (q *JetStream) Send(ctx context.Context, body []byte, attributes map[string]string, groupKey string) error {
	if groupKey == "" {
		return ErrMissingGroupKey
	}
	msg := nats.NewMsg(q.subject)
	msg.Data = body
	for k, v := range attributes {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(groupHeader, groupKey)

	if _, err := q.js.PublishMsg(ctx, msg, jetstream.WithMsgID(ContentID(body))); err != nil {
		return fmt.Errorf("jetstream publish to %s: %w", q.subject, err)
	}
	return nil
}
