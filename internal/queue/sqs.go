package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS limits on a single ReceiveMessage call.
const (
	sqsMaxBatch = 10
	sqsMaxWait  = 20 * time.Second
)

// SQS is the hosted queue backend. FIFO queues (URL ending in ".fifo") get
// MessageGroupId on send and rely on content-based deduplication.
type SQS struct {
	client     *sqs.Client
	url        string
	visibility time.Duration
	fifo       bool
}

// NewSQS binds a client to one queue URL. visibility overrides the queue's
// default visibility timeout when positive.
func NewSQS(cfg aws.Config, endpoint, url string, visibility time.Duration) *SQS {
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &SQS{
		client:     client,
		url:        url,
		visibility: visibility,
		fifo:       strings.HasSuffix(url, ".fifo"),
	}
}

func (q *SQS) String() string { return q.url }

func (q *SQS) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	if maxMessages > sqsMaxBatch {
		maxMessages = sqsMaxBatch
	}
	if wait > sqsMaxWait {
		wait = sqsMaxWait
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       int32(wait / time.Second),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameMessageGroupId,
		},
	}
	if q.visibility > 0 {
		input.VisibilityTimeout = int32(q.visibility / time.Second)
	}

	out, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive from %s: %w", q.url, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attrs := make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				attrs[k] = *v.StringValue
			}
		}
		count, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, Message{
			ID:           aws.ToString(m.MessageId),
			Body:         []byte(aws.ToString(m.Body)),
			ReceiptToken: aws.ToString(m.ReceiptHandle),
			Attributes:   attrs,
			GroupKey:     m.Attributes[string(sqstypes.MessageSystemAttributeNameMessageGroupId)],
			ReceiveCount: count,
		})
	}
	return msgs, nil
}

func (q *SQS) Ack(ctx context.Context, receiptToken string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptToken),
	})
	if err != nil {
		return fmt.Errorf("sqs delete from %s: %w", q.url, err)
	}
	return nil
}

func (q *SQS) Release(ctx context.Context, receiptToken string, delay time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptToken),
		VisibilityTimeout: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility on %s: %w", q.url, err)
	}
	return nil
}

func (q *SQS) Send(ctx context.Context, body []byte, attributes map[string]string, groupKey string) error {
	if groupKey == "" {
		return ErrMissingGroupKey
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if len(attributes) > 0 {
		input.MessageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(attributes))
		for k, v := range attributes {
			input.MessageAttributes[k] = sqstypes.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	if q.fifo {
		input.MessageGroupId = aws.String(groupKey)
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send to %s: %w", q.url, err)
	}
	return nil
}
