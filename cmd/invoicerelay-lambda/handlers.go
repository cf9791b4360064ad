package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

type handlers struct {
	ingestor     *invoicerelay.Ingestor
	orchestrator *invoicerelay.Orchestrator
	reconciler   *invoicerelay.Reconciler
	logger       *zap.Logger
}

func newHandlers(ingestor *invoicerelay.Ingestor, orchestrator *invoicerelay.Orchestrator, reconciler *invoicerelay.Reconciler, logger *zap.Logger) *handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &handlers{ingestor: ingestor, orchestrator: orchestrator, reconciler: reconciler, logger: logger}
}

// ingest returns an error only for transient failures so the asynchronous
// invocation is retried. Files that can never be ingested are dropped with an
// error log, since no retry or dead-letter queue will surface them.
func (h *handlers) ingest(ctx context.Context, evt events.S3Event) error {
	var retry []error
	for _, record := range evt.Records {
		_, err := h.ingestor.Ingest(ctx, record.S3.Bucket.Name, record.S3.Object.Key)
		if err == nil {
			continue
		}
		kind := invoicerelay.KindOf(err)
		if kind == invoicerelay.KindTransient {
			retry = append(retry, err)
			continue
		}
		h.logger.Error("upload rejected",
			zap.String("bucket", record.S3.Bucket.Name),
			zap.String("object_key", record.S3.Object.Key),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return errors.Join(retry...)
}

// move reports every message that was not settled as a batch item failure.
// The event source mapping deletes the rest, so no explicit ack is sent. A
// message that is not due yet is first hidden until its moving time.
func (h *handlers) move(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, msg := range evt.Records {
		result, err := h.orchestrator.ProcessMessageBody(ctx, msg.Body)
		if err == nil && result.Settled() {
			continue
		}
		fields := []zap.Field{zap.String("message_id", msg.MessageId), zap.String("outcome", string(result.Outcome))}
		if err != nil {
			fields = append(fields, zap.String("kind", string(invoicerelay.KindOf(err))), zap.Error(err))
		} else if result.Outcome == invoicerelay.OutcomeNotDue {
			queued := invoicerelay.Message{ID: msg.MessageId, ReceiptHandle: msg.ReceiptHandle, Body: msg.Body}
			if err := h.orchestrator.Defer(ctx, queued, result); err != nil {
				h.logger.Warn("move request deferral failed, default visibility applies",
					zap.String("message_id", msg.MessageId), zap.Error(err))
			} else {
				fields = append(fields, zap.Duration("hidden_for", h.orchestrator.DeferralFor(result)))
			}
		}
		h.logger.Debug("move request returned to queue", fields...)
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: msg.MessageId})
	}
	return resp, nil
}

// stream handles tracking table stream records. A failed record and every
// later one on its shard are retried.
func (h *handlers) stream(ctx context.Context, evt events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for _, record := range evt.Records {
		change, err := changeEvent(record)
		if err == nil {
			_, err = h.orchestrator.HandleChange(ctx, change)
		}
		if err != nil {
			h.logger.Warn("stream record not handled",
				zap.String("event_id", record.EventID),
				zap.String("sequence", record.Change.SequenceNumber),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			return resp, nil
		}
	}
	return resp, nil
}

func (h *handlers) scan(ctx context.Context, _ events.CloudWatchEvent) (invoicerelay.CatchUpReport, error) {
	return h.reconciler.CatchUp(ctx)
}

func changeEvent(record events.DynamoDBEventRecord) (invoicerelay.ChangeEvent, error) {
	evt := invoicerelay.ChangeEvent{
		Type: invoicerelay.ChangeType(record.EventName),
		At:   record.Change.ApproximateCreationDateTime.Time,
	}
	// Stream sequence numbers can exceed 64 bits; ordering then falls back
	// to the shard order the records arrive in.
	if seq, err := strconv.ParseUint(record.Change.SequenceNumber, 10, 64); err == nil {
		evt.Sequence = seq
	}
	var err error
	if evt.OldImage, err = streamImage(record.Change.OldImage); err != nil {
		return invoicerelay.ChangeEvent{}, fmt.Errorf("old image: %w", err)
	}
	if evt.NewImage, err = streamImage(record.Change.NewImage); err != nil {
		return invoicerelay.ChangeEvent{}, fmt.Errorf("new image: %w", err)
	}
	keys, err := streamImage(record.Change.Keys)
	if err != nil {
		return invoicerelay.ChangeEvent{}, fmt.Errorf("keys: %w", err)
	}
	if keys != nil {
		evt.Key = keys.Key()
	}
	return evt, nil
}

func streamImage(image map[string]events.DynamoDBAttributeValue) (*invoicerelay.Record, error) {
	if len(image) == 0 {
		return nil, nil
	}
	item := make(map[string]types.AttributeValue, len(image))
	for name, value := range image {
		converted, err := toAttributeValue(value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		item[name] = converted
	}
	var record invoicerelay.Record
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func toAttributeValue(value events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch value.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: value.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: value.Number()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: value.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeMap:
		out := map[string]types.AttributeValue{}
		for k, v := range value.Map() {
			converted, err := toAttributeValue(v)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return &types.AttributeValueMemberM{Value: out}, nil
	case events.DataTypeList:
		list := value.List()
		out := make([]types.AttributeValue, 0, len(list))
		for _, v := range list {
			converted, err := toAttributeValue(v)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	default:
		return nil, fmt.Errorf("unsupported stream attribute type %v", value.DataType())
	}
}
