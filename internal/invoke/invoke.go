// Package invoke dispatches the chained call from frame extraction to
// recognition. Dispatch is fire-and-forget: a nil error means the payload was
// accepted for delivery, not that recognition ran.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/andresmejia3/facequeue/internal/queue"
	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// Invoker triggers the recognition stage for one stored frame.
type Invoker interface {
	Invoke(ctx context.Context, payload types.ChainPayload) error
}

// Lambda invokes a function asynchronously (InvocationType Event).
type Lambda struct {
	client   *lambda.Client
	function string
}

func NewLambda(cfg aws.Config, endpoint, function string) *Lambda {
	client := lambda.NewFromConfig(cfg, func(o *lambda.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Lambda{client: client, function: function}
}

func (l *Lambda) Invoke(ctx context.Context, payload types.ChainPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(l.function),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        body,
	})
	if err != nil {
		return fmt.Errorf("invoke %s: %w", l.function, err)
	}
	return nil
}

// Queue publishes the payload to the chain queue consumed by `facequeue chain`.
// The frame key is the group key, so redelivered frames stay ordered and dedup.
type Queue struct {
	q queue.Queue
}

func NewQueue(q queue.Queue) *Queue {
	return &Queue{q: q}
}

func (c *Queue) Invoke(ctx context.Context, payload types.ChainPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	attrs := map[string]string{types.TitleAttribute: payload.ImageFileName}
	if err := c.q.Send(ctx, body, attrs, payload.ImageFileName); err != nil {
		return fmt.Errorf("chain send %s: %w", payload.ImageFileName, err)
	}
	return nil
}
