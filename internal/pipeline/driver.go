package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facequeue/internal/observability"
	"github.com/andresmejia3/facequeue/internal/queue"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// ErrorAttribute carries the failure reason on dead-lettered messages.
const ErrorAttribute = "Facequeue-Error"

// Disposition is what the driver does with a message after handling it.
type Disposition int

const (
	// Ack deletes the message.
	Ack Disposition = iota
	// Retry leaves the message for redelivery.
	Retry
	// DeadLetter copies the message to the dead-letter queue, then acks it.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead-letter"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Policy maps a handling result to a disposition.
type Policy interface {
	Decide(msg queue.Message, err error) Disposition
}

// DefaultPolicy acks successes and malformed messages (logged) and retries
// everything else. With MaxReceives set, a message that has failed that many
// times is acked and dropped.
type DefaultPolicy struct {
	MaxReceives int // 0 means unlimited retries
}

func (p DefaultPolicy) Decide(msg queue.Message, err error) Disposition {
	switch {
	case err == nil, errors.Is(err, ErrMalformed):
		return Ack
	case p.MaxReceives > 0 && msg.ReceiveCount >= p.MaxReceives:
		return Ack
	default:
		return Retry
	}
}

// DeadLetterPolicy routes malformed messages, and messages that have failed
// MaxReceives times, to the dead-letter queue.
type DeadLetterPolicy struct {
	MaxReceives int // 0 means unlimited retries
}

func (p DeadLetterPolicy) Decide(msg queue.Message, err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrMalformed):
		return DeadLetter
	case p.MaxReceives > 0 && msg.ReceiveCount >= p.MaxReceives:
		return DeadLetter
	default:
		return Retry
	}
}

// DriverConfig tunes the poll loop.
type DriverConfig struct {
	Name        string        // queue name for logs and spans
	BatchSize   int           // messages per receive, default 1
	Wait        time.Duration // long-poll wait per receive
	Concurrency int           // handlers per batch, default 1

	IdleInitial time.Duration // first sleep after an empty poll
	IdleMax     time.Duration

	ReleaseInitial time.Duration // redelivery delay after the first failure
	ReleaseMax     time.Duration
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.IdleInitial <= 0 {
		c.IdleInitial = 500 * time.Millisecond
	}
	if c.IdleMax < c.IdleInitial {
		c.IdleMax = 30 * time.Second
	}
	if c.ReleaseInitial <= 0 {
		c.ReleaseInitial = time.Second
	}
	if c.ReleaseMax < c.ReleaseInitial {
		c.ReleaseMax = 5 * time.Minute
	}
	return c
}

// Driver is the consumer loop binding a queue to a Handler. Each cycle:
// Idle -> Polling -> (Empty | Processing) -> Idle.
type Driver struct {
	cfg        DriverConfig
	queue      queue.Queue
	handler    Handler
	policy     Policy
	deadLetter queue.Queue
	logger     *slog.Logger

	running atomic.Int32
}

func NewDriver(cfg DriverConfig, q queue.Queue, h Handler, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:     cfg.withDefaults(),
		queue:   q,
		handler: h,
		policy:  DefaultPolicy{},
		logger:  logger.With("queue", cfg.Name),
	}
}

// WithPolicy replaces the disposition policy.
func (d *Driver) WithPolicy(p Policy) *Driver {
	d.policy = p
	return d
}

// WithDeadLetter sets the queue DeadLetter dispositions are sent to.
func (d *Driver) WithDeadLetter(q queue.Queue) *Driver {
	d.deadLetter = q
	return d
}

// Running reports how many poll loops are active.
func (d *Driver) Running() int { return int(d.running.Load()) }

// RunOnce performs one poll cycle and returns how many messages it received.
// Only a receive failure is returned as an error; per-message failures are
// settled by the policy.
func (d *Driver) RunOnce(ctx context.Context) (int, error) {
	d.logger.Debug("polling")
	msgs, err := d.queue.Receive(ctx, d.cfg.BatchSize, d.cfg.Wait)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		d.logger.Debug("empty poll")
		return 0, nil
	}
	d.logger.Debug("processing", "messages", len(msgs))

	// Handling is not interrupted by shutdown; an unfinished message would
	// only be redelivered.
	procCtx := context.WithoutCancel(ctx)

	// Messages of one group stay sequential; groups run in parallel. Once a
	// message is not acked, the rest of its group goes back unhandled.
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, group := range byGroup(msgs) {
		g.Go(func() error {
			for i, m := range group {
				if d.process(procCtx, m) != Ack {
					d.releaseRest(procCtx, group[i+1:])
					break
				}
			}
			return nil
		})
	}
	g.Wait()
	return len(msgs), nil
}

func byGroup(msgs []queue.Message) [][]queue.Message {
	index := make(map[string]int)
	var groups [][]queue.Message
	for _, m := range msgs {
		key := m.GroupKey
		if key == "" {
			key = "\x00" + m.ID
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

// process handles msg and settles it. It returns the disposition applied.
func (d *Driver) process(ctx context.Context, msg queue.Message) Disposition {
	ctx, span := observability.StartMessageSpan(ctx, d.cfg.Name, msg.ID, msg.ReceiveCount)
	defer span.End()

	log := d.logger.With("message_id", msg.ID, "group", msg.GroupKey, "receive_count", msg.ReceiveCount)

	err := d.handle(ctx, msg)
	disp := d.policy.Decide(msg, err)
	if err != nil {
		observability.RecordError(span, err)
		log.Error("message failed", "error", err, "disposition", disp)
		if disp == Ack && !errors.Is(err, ErrMalformed) {
			log.Warn("giving up on message after repeated failures")
		}
	}

	switch disp {
	case Ack:
		if err := d.queue.Ack(ctx, msg.ReceiptToken); err != nil {
			log.Warn("ack failed, message will be redelivered", "error", err)
		}
	case Retry:
		d.release(ctx, log, msg)
	case DeadLetter:
		d.deadLetterMessage(ctx, log, msg, err)
	}
	return disp
}

// releaseRest returns msgs to the queue without handling them.
func (d *Driver) releaseRest(ctx context.Context, msgs []queue.Message) {
	r, ok := d.queue.(queue.Releaser)
	for _, m := range msgs {
		log := d.logger.With("message_id", m.ID, "group", m.GroupKey)
		log.Debug("group head not acked, deferring")
		if !ok {
			continue
		}
		if err := r.Release(ctx, m.ReceiptToken, 0); err != nil {
			log.Warn("release failed, waiting for visibility timeout", "error", err)
		}
	}
}

// handle isolates a panicking handler to its own message.
func (d *Driver) handle(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return d.handler.Handle(ctx, msg)
}

func (d *Driver) release(ctx context.Context, log *slog.Logger, msg queue.Message) {
	r, ok := d.queue.(queue.Releaser)
	if !ok {
		// the visibility timeout brings it back
		return
	}
	delay := releaseDelay(msg.ReceiveCount, d.cfg.ReleaseInitial, d.cfg.ReleaseMax)
	if err := r.Release(ctx, msg.ReceiptToken, delay); err != nil {
		log.Warn("release failed, waiting for visibility timeout", "error", err)
		return
	}
	log.Debug("released for retry", "delay", delay)
}

func (d *Driver) deadLetterMessage(ctx context.Context, log *slog.Logger, msg queue.Message, cause error) {
	if d.deadLetter == nil {
		log.Error("no dead-letter queue configured, dropping message")
		if err := d.queue.Ack(ctx, msg.ReceiptToken); err != nil {
			log.Warn("ack failed, message will be redelivered", "error", err)
		}
		return
	}

	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	if cause != nil {
		attrs[ErrorAttribute] = cause.Error()
	}
	group := msg.GroupKey
	if group == "" {
		group = msg.ID
	}
	if err := d.deadLetter.Send(ctx, msg.Body, attrs, group); err != nil {
		// keep the original so nothing is lost
		log.Error("dead-letter send failed, leaving message for redelivery", "error", err)
		return
	}
	if err := d.queue.Ack(ctx, msg.ReceiptToken); err != nil {
		log.Warn("ack after dead-letter failed", "error", err)
	}
}

// Run polls until ctx is cancelled. Cancellation is only observed between
// cycles; a batch that has started is always settled. Empty polls and
// receive errors back off exponentially up to IdleMax.
func (d *Driver) Run(ctx context.Context) error {
	d.running.Add(1)
	defer d.running.Add(-1)

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = d.cfg.IdleInitial
	idle.MaxInterval = d.cfg.IdleMax

	for {
		if ctx.Err() != nil {
			d.logger.Info("driver stopped")
			return nil
		}

		n, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() != nil {
			continue
		}
		if err != nil {
			d.logger.Warn("receive failed", "error", err)
		}
		if n > 0 {
			idle.Reset()
			continue
		}

		wait := idle.NextBackOff()
		d.logger.Debug("idle", "sleep", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

// Start runs workers independent poll loops and blocks until they all stop.
func (d *Driver) Start(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		w := &Driver{
			cfg:        d.cfg,
			queue:      d.queue,
			handler:    d.handler,
			policy:     d.policy,
			deadLetter: d.deadLetter,
			logger:     d.logger.With("worker", i),
		}
		g.Go(func() error {
			d.running.Add(1)
			defer d.running.Add(-1)
			return w.Run(ctx)
		})
	}
	d.logger.Info("driver started", "workers", workers, "batch_size", d.cfg.BatchSize)
	return g.Wait()
}
