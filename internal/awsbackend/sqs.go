package awsbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

// SQSAPI is the subset of the SQS client the queue calls.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
}

type SQSQueueOptions struct {
	// VisibilityTimeout overrides the queue's configured timeout when set.
	VisibilityTimeout time.Duration
	// WaitTime enables long polling, capped at 20s by the service.
	WaitTime time.Duration
}

// SQSQueue addresses channels by queue name or full queue URL.
type SQSQueue struct {
	client SQSAPI
	opts   SQSQueueOptions

	mu   sync.Mutex
	urls map[string]string
}

func NewSQSQueue(client SQSAPI, opts SQSQueueOptions) (*SQSQueue, error) {
	if client == nil {
		return nil, invoicerelay.ErrInvalidInput
	}
	if opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	return &SQSQueue{client: client, opts: opts, urls: map[string]string{}}, nil
}

func (q *SQSQueue) queueURL(ctx context.Context, channel string) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return "", invoicerelay.ErrInvalidInput
	}
	if strings.HasPrefix(channel, "https://") || strings.HasPrefix(channel, "http://") {
		return channel, nil
	}
	q.mu.Lock()
	url, ok := q.urls[channel]
	q.mu.Unlock()
	if ok {
		return url, nil
	}
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(channel)})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return "", fmt.Errorf("%w: queue %s", invoicerelay.ErrNotFound, channel)
		}
		return "", err
	}
	url = aws.ToString(out.QueueUrl)
	q.mu.Lock()
	q.urls[channel] = url
	q.mu.Unlock()
	return url, nil
}

func (q *SQSQueue) Send(ctx context.Context, channel, body string) (string, error) {
	if body == "" {
		return "", invoicerelay.ErrInvalidInput
	}
	url, err := q.queueURL(ctx, channel)
	if err != nil {
		return "", err
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

func (q *SQSQueue) ReceiveBatch(ctx context.Context, channel string, max int) ([]invoicerelay.Message, error) {
	url, err := q.queueURL(ctx, channel)
	if err != nil {
		return nil, err
	}
	if max <= 0 || max > invoicerelay.MaxReceiveBatch {
		max = invoicerelay.MaxReceiveBatch
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(q.opts.WaitTime / time.Second),
		AttributeNames:      []types.QueueAttributeName{types.QueueAttributeNameAll},
	}
	if q.opts.VisibilityTimeout > 0 {
		input.VisibilityTimeout = int32(q.opts.VisibilityTimeout / time.Second)
	}
	out, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, err
	}
	msgs := make([]invoicerelay.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, convertMessage(m))
	}
	return msgs, nil
}

func convertMessage(m types.Message) invoicerelay.Message {
	msg := invoicerelay.Message{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          aws.ToString(m.Body),
	}
	if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			msg.ReceiveCount = n
		}
	}
	if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			msg.SentAt = time.UnixMilli(ms).UTC()
		}
	}
	return msg
}

func (q *SQSQueue) Ack(ctx context.Context, channel string, msg invoicerelay.Message) error {
	if msg.ReceiptHandle == "" {
		return invoicerelay.ErrInvalidInput
	}
	url, err := q.queueURL(ctx, channel)
	if err != nil {
		return err
	}
	_, err = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: receipt handle for message %s", invoicerelay.ErrNotFound, msg.ID)
	}
	return err
}

// ChangeVisibility is capped at the service maximum of 12 hours.
func (q *SQSQueue) ChangeVisibility(ctx context.Context, channel string, msg invoicerelay.Message, timeout time.Duration) error {
	if msg.ReceiptHandle == "" {
		return invoicerelay.ErrInvalidInput
	}
	url, err := q.queueURL(ctx, channel)
	if err != nil {
		return err
	}
	if timeout < 0 {
		timeout = 0
	}
	if timeout > invoicerelay.MaxVisibilityTimeout {
		timeout = invoicerelay.MaxVisibilityTimeout
	}
	_, err = q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: receipt handle for message %s", invoicerelay.ErrNotFound, msg.ID)
	}
	return err
}

// ConfigureDeadLetter sets the source queue's redrive policy to the dead
// letter queue's ARN.
func (q *SQSQueue) ConfigureDeadLetter(ctx context.Context, source, deadLetter string, maxReceiveCount int) error {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(source) == strings.TrimSpace(deadLetter) {
		return invoicerelay.ErrInvalidInput
	}
	if maxReceiveCount <= 0 {
		maxReceiveCount = invoicerelay.DefaultMaxReceiveCount
	}
	sourceURL, err := q.queueURL(ctx, source)
	if err != nil {
		return err
	}
	deadLetterURL, err := q.queueURL(ctx, deadLetter)
	if err != nil {
		return err
	}
	attrs, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(deadLetterURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return err
	}
	arn := attrs.Attributes[string(types.QueueAttributeNameQueueArn)]
	if arn == "" {
		return fmt.Errorf("dead letter queue %s has no ARN", deadLetter)
	}
	policy, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": arn,
		"maxReceiveCount":     strconv.Itoa(maxReceiveCount),
	})
	if err != nil {
		return err
	}
	_, err = q.client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: aws.String(sourceURL),
		Attributes: map[string]string{
			string(types.QueueAttributeNameRedrivePolicy): string(policy),
		},
	})
	return err
}

func (q *SQSQueue) Close() error {
	return nil
}
