package invoicerelay

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

type IngestorOptions struct {
	Objects ObjectStore
	Records TrackingStore
	Queue   MessageQueue

	MoveQueue    string
	SourceFolder string
	// MoveDelay is added to the time declared in the file content.
	MoveDelay time.Duration
	Location  *time.Location

	Logger  *zap.Logger
	Metrics *Metrics
}

// Ingestor records newly uploaded invoices and queues their move.
type Ingestor struct {
	objects      ObjectStore
	records      TrackingStore
	queue        MessageQueue
	moveQueue    string
	sourceFolder string
	moveDelay    time.Duration
	location     *time.Location
	logger       *zap.Logger
	metrics      *Metrics
}

type IngestResult struct {
	Record    Record `json:"record"`
	MessageID string `json:"messageId,omitempty"`
	// Existing is set when a record for the key was already present.
	Existing bool `json:"existing,omitempty"`
}

func NewIngestor(opts IngestorOptions) (*Ingestor, error) {
	if opts.Objects == nil || opts.Records == nil || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(opts.MoveQueue) == "" {
		return nil, ErrInvalidInput
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ingestor{
		objects:      opts.Objects,
		records:      opts.Records,
		queue:        opts.Queue,
		moveQueue:    strings.TrimSpace(opts.MoveQueue),
		sourceFolder: strings.Trim(opts.SourceFolder, "/"),
		moveDelay:    opts.MoveDelay,
		location:     opts.Location,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}, nil
}

// HandleNotification ingests every record of a storage notification. Records
// are independent; their failures are joined.
func (i *Ingestor) HandleNotification(ctx context.Context, n *ObjectNotification) ([]IngestResult, error) {
	if n == nil || len(n.Records) == 0 {
		i.metrics.observeIngestion("rejected")
		return nil, validationError("ingest", Key{}, "notification carries no records")
	}
	results := make([]IngestResult, 0, len(n.Records))
	var errs []error
	for _, rec := range n.Records {
		result, err := i.Ingest(ctx, rec.S3.Bucket.Name, rec.S3.Object.Key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// Ingest validates one uploaded object, creates its COPIED record and sends
// the move request. Validation happens before any write.
func (i *Ingestor) Ingest(ctx context.Context, bucket, rawKey string) (IngestResult, error) {
	result, err := i.ingest(ctx, bucket, rawKey)
	switch {
	case err != nil:
		i.metrics.observeIngestion(string(KindOf(err)))
		i.logger.Warn("ingestion failed",
			zap.String("bucket", bucket),
			zap.String("object_key", rawKey),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
	case result.Existing && result.MessageID == "":
		i.metrics.observeIngestion("already_uploaded")
	case result.Existing:
		i.metrics.observeIngestion("resent")
	default:
		i.metrics.observeIngestion("ingested")
	}
	return result, err
}

func (i *Ingestor) ingest(ctx context.Context, bucket, rawKey string) (IngestResult, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return IngestResult{}, validationError("ingest", Key{}, "bucketName is required")
	}
	path, err := ParseObjectKey(rawKey, i.sourceFolder)
	if err != nil {
		return IngestResult{}, err
	}

	content, err := i.objects.GetContent(ctx, bucket, path.Key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return IngestResult{}, notFoundError("read_object", Key{FileName: path.FileName}, err)
		}
		return IngestResult{}, transientError("read_object", Key{FileName: path.FileName}, err)
	}
	fields, err := ExtractContentFields(content)
	if err != nil {
		return IngestResult{}, err
	}
	declared, err := time.ParseInLocation(TimeLayout, fields.Time, i.location)
	if err != nil {
		return IngestResult{}, validationError("ingest", Key{FileName: path.FileName, Date: fields.Date}, "time %q: %v", fields.Time, err)
	}

	record := Record{
		FileName:   path.FileName,
		Date:       fields.Date,
		BucketName: bucket,
		MovingTime: FormatMovingTime(declared.Add(i.moveDelay), i.location),
		Status:     StatusCopied,
	}
	if err := record.Validate(); err != nil {
		return IngestResult{}, err
	}

	result := IngestResult{Record: record}
	if err := i.records.Create(ctx, record); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			return IngestResult{}, transientError("create_record", record.Key(), err)
		}
		existing, getErr := i.records.Get(ctx, record.Key())
		if getErr != nil {
			return IngestResult{}, transientError("get_record", record.Key(), getErr)
		}
		result.Record = existing
		result.Existing = true
		if existing.Status.Terminal() {
			i.logger.Info("notification for an uploaded record ignored",
				zap.String("file_name", existing.FileName),
				zap.String("date", existing.Date),
			)
			return result, nil
		}
	}

	body, err := EncodeMoveRequest(MoveRequest{
		FileName:   result.Record.FileName,
		BucketName: result.Record.BucketName,
		Date:       result.Record.Date,
	})
	if err != nil {
		return IngestResult{}, err
	}
	messageID, err := i.queue.Send(ctx, i.moveQueue, body)
	if err != nil {
		// The record stays COPIED; the catch-up scan or a redelivered
		// notification converges it.
		return result, transientError("send_move_request", record.Key(), err)
	}
	result.MessageID = messageID
	i.logger.Info("invoice ingested",
		zap.String("file_name", result.Record.FileName),
		zap.String("date", result.Record.Date),
		zap.String("bucket", result.Record.BucketName),
		zap.String("moving_time", result.Record.MovingTime),
		zap.String("message_id", messageID),
		zap.Bool("existing", result.Existing),
	)
	return result, nil
}
