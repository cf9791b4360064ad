package main

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

const (
	bucket    = "bucket-a"
	moveQueue = "moves"
	invoice   = `<invoice><date>2024/01/15</date><time>2024/01/15 10:00:00</time></invoice>`
)

type fixture struct {
	h       *handlers
	objects *invoicerelay.InMemoryObjectStore
	records *invoicerelay.InMemoryTrackingStore
	queue   *invoicerelay.InMemoryQueue
	now     *time.Time
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	objects := invoicerelay.NewInMemoryObjectStore()
	records := invoicerelay.NewInMemoryTrackingStore()
	clock := func() time.Time { return now }
	queue := invoicerelay.NewInMemoryQueue(invoicerelay.QueueOptions{Now: clock})

	ingestor, err := invoicerelay.NewIngestor(invoicerelay.IngestorOptions{
		Objects: objects, Records: records, Queue: queue,
		MoveQueue: moveQueue, SourceFolder: "incoming",
	})
	require.NoError(t, err)
	orchestrator, err := invoicerelay.NewOrchestrator(invoicerelay.OrchestratorOptions{
		Objects: objects, Records: records, Queue: queue,
		MoveQueue: moveQueue, SourceFolder: "incoming", DestinationFolder: "processed",
		Now: clock,
	})
	require.NoError(t, err)
	reconciler, err := invoicerelay.NewReconciler(invoicerelay.ReconcilerOptions{Records: records, Orchestrator: orchestrator})
	require.NoError(t, err)

	return &fixture{
		h:       newHandlers(ingestor, orchestrator, reconciler, nil),
		objects: objects,
		records: records,
		queue:   queue,
		now:     &now,
	}
}

func s3Event(keys ...string) events.S3Event {
	var evt events.S3Event
	for _, key := range keys {
		evt.Records = append(evt.Records, events.S3EventRecord{
			EventName: "ObjectCreated:Put",
			S3: events.S3Entity{
				Bucket: events.S3Bucket{Name: bucket},
				Object: events.S3Object{Key: key},
			},
		})
	}
	return evt
}

func TestIngestDropsPermanentFailures(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	f.objects.Put(bucket, "incoming/invoice123.xml", invoice)
	core, logs := observer.New(zap.ErrorLevel)
	f.h.logger = zap.New(core)

	err := f.h.ingest(context.Background(), s3Event("incoming/invoice123.xml", "incoming/readme.txt", "incoming/missing.xml"))
	require.NoError(t, err)

	record, err := f.records.Get(context.Background(), invoicerelay.Key{FileName: "invoice123.xml", Date: "2024/01/15"})
	require.NoError(t, err)
	assert.Equal(t, invoicerelay.StatusCopied, record.Status)

	rejected := logs.FilterMessage("upload rejected").All()
	require.Len(t, rejected, 2)
	assert.Equal(t, "incoming/readme.txt", rejected[0].ContextMap()["object_key"])
	assert.Equal(t, string(invoicerelay.KindValidation), rejected[0].ContextMap()["kind"])
	assert.Equal(t, "incoming/missing.xml", rejected[1].ContextMap()["object_key"])
	assert.Equal(t, string(invoicerelay.KindNotFound), rejected[1].ContextMap()["kind"])
}

func TestMoveReportsUnsettledMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	f.objects.Put(bucket, "incoming/invoice123.xml", invoice)
	require.NoError(t, f.h.ingest(ctx, s3Event("incoming/invoice123.xml")))

	msgs, err := f.queue.ReceiveBatch(ctx, moveQueue, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	resp, err := f.h.move(ctx, events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "ok", Body: msgs[0].Body},
		{MessageId: "garbage", Body: "{not json"},
	}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "garbage", resp.BatchItemFailures[0].ItemIdentifier)

	record, err := f.records.Get(ctx, invoicerelay.Key{FileName: "invoice123.xml", Date: "2024/01/15"})
	require.NoError(t, err)
	assert.Equal(t, invoicerelay.StatusUploaded, record.Status)
	assert.Equal(t, []string{"processed/invoice123.xml"}, f.objects.Keys(bucket))
}

func TestMoveRetainsMessagesNotYetDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	f.objects.Put(bucket, "incoming/invoice123.xml", invoice)
	require.NoError(t, f.h.ingest(ctx, s3Event("incoming/invoice123.xml")))
	msgs, err := f.queue.ReceiveBatch(ctx, moveQueue, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	resp, err := f.h.move(ctx, events.SQSEvent{Records: []events.SQSMessage{{
		MessageId: "early", ReceiptHandle: msgs[0].ReceiptHandle, Body: msgs[0].Body,
	}}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, []string{"incoming/invoice123.xml"}, f.objects.Keys(bucket))

	// Hidden until movingTime rather than the default visibility timeout.
	f.advance(59 * time.Minute)
	hidden, err := f.queue.ReceiveBatch(ctx, moveQueue, 10)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	f.advance(time.Minute)
	due, err := f.queue.ReceiveBatch(ctx, moveQueue, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	resp, err = f.h.move(ctx, events.SQSEvent{Records: []events.SQSMessage{{MessageId: "due", ReceiptHandle: due[0].ReceiptHandle, Body: due[0].Body}}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, []string{"processed/invoice123.xml"}, f.objects.Keys(bucket))
}

func streamRecord(eventName, sequence string, status string) events.DynamoDBEventRecord {
	keys := map[string]events.DynamoDBAttributeValue{
		"fileName": events.NewStringAttribute("invoice123.xml"),
		"date":     events.NewStringAttribute("2024/01/15"),
	}
	image := map[string]events.DynamoDBAttributeValue{
		"fileName":    events.NewStringAttribute("invoice123.xml"),
		"date":        events.NewStringAttribute("2024/01/15"),
		"bucketName":  events.NewStringAttribute(bucket),
		"moving_time": events.NewStringAttribute("2024/01/15 10:00:00"),
		"file_status": events.NewStringAttribute(status),
	}
	return events.DynamoDBEventRecord{
		EventID:   "evt-" + sequence,
		EventName: eventName,
		Change: events.DynamoDBStreamRecord{
			ApproximateCreationDateTime: events.SecondsEpochTime{Time: time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)},
			Keys:                        keys,
			NewImage:                    image,
			SequenceNumber:              sequence,
		},
	}
}

func TestChangeEventConversion(t *testing.T) {
	evt, err := changeEvent(streamRecord("MODIFY", "4200", "COPIED"))
	require.NoError(t, err)

	assert.Equal(t, invoicerelay.ChangeModify, evt.Type)
	assert.Equal(t, invoicerelay.Key{FileName: "invoice123.xml", Date: "2024/01/15"}, evt.Key)
	assert.Equal(t, uint64(4200), evt.Sequence)
	assert.Nil(t, evt.OldImage)
	require.NotNil(t, evt.NewImage)
	assert.Equal(t, invoicerelay.StatusCopied, evt.NewImage.Status)
	assert.Equal(t, "2024/01/15 10:00:00", evt.NewImage.MovingTime)

	evt, err = changeEvent(streamRecord("INSERT", "111111111111111111111111111111", "COPIED"))
	require.NoError(t, err)
	assert.Zero(t, evt.Sequence)
}

func TestStreamMovesOnMarkedModify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	f.objects.Put(bucket, "incoming/invoice123.xml", invoice)
	require.NoError(t, f.records.Create(ctx, invoicerelay.Record{
		FileName: "invoice123.xml", Date: "2024/01/15", BucketName: bucket,
		MovingTime: "2024/01/15 10:00:00", Status: invoicerelay.StatusCopied,
	}))

	resp, err := f.h.stream(ctx, events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		streamRecord("INSERT", "1", "COPIED"),
		streamRecord("MODIFY", "2", "COPIED"),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, []string{"processed/invoice123.xml"}, f.objects.Keys(bucket))
}

func TestStreamStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))

	bad := streamRecord("MODIFY", "7", "COPIED")
	bad.Change.NewImage["file_status"] = events.NewBinaryAttribute([]byte{1})
	resp, err := f.h.stream(ctx, events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		bad,
		streamRecord("MODIFY", "8", "COPIED"),
	}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "7", resp.BatchItemFailures[0].ItemIdentifier)
}

func TestScanRunsCatchUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	f.objects.Put(bucket, "incoming/invoice123.xml", invoice)
	require.NoError(t, f.h.ingest(ctx, s3Event("incoming/invoice123.xml")))

	report, err := f.h.scan(ctx, events.CloudWatchEvent{DetailType: "Scheduled Event"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Moved)
}
