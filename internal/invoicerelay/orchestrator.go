package invoicerelay

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/agentworkforce/invoicerelay"

// Phase is where a file sits in its move lifecycle.
type Phase string

const (
	PhasePendingMove Phase = "PENDING_MOVE"
	PhaseReady       Phase = "READY"
	PhaseMoving      Phase = "MOVING"
	PhaseDone        Phase = "DONE"
)

type Outcome string

const (
	OutcomeMoved       Outcome = "moved"
	OutcomeAlreadyDone Outcome = "already_done"
	OutcomeNotDue      Outcome = "not_due"
	OutcomeSkipped     Outcome = "skipped"
)

type Trigger string

const (
	TriggerQueue   Trigger = "queue"
	TriggerChange  Trigger = "change"
	TriggerCatchUp Trigger = "catch_up"
	TriggerManual  Trigger = "manual"
)

type MoveResult struct {
	Key     Key     `json:"key"`
	Outcome Outcome `json:"outcome"`
	Record  *Record `json:"record,omitempty"`
}

// Settled reports whether the originating message may be acknowledged.
func (r MoveResult) Settled() bool {
	return r.Outcome == OutcomeMoved || r.Outcome == OutcomeAlreadyDone
}

type OrchestratorOptions struct {
	Objects ObjectStore
	Records TrackingStore
	Queue   MessageQueue

	MoveQueue         string
	SourceFolder      string
	DestinationFolder string
	// InTransitMarker is the new status a MODIFY change event must carry to
	// trigger a move. Defaults to COPIED.
	InTransitMarker Status
	// MoveUnscheduled treats a COPIED record without a usable movingTime as
	// stale and therefore ready.
	MoveUnscheduled bool
	Location        *time.Location
	Now             func() time.Time

	Logger  *zap.Logger
	Metrics *Metrics
}

// Orchestrator moves ready files and flips their record to UPLOADED. Every
// trigger funnels into the same idempotent attempt.
type Orchestrator struct {
	objects         ObjectStore
	records         TrackingStore
	queue           MessageQueue
	moveQueue       string
	sourceFolder    string
	destFolder      string
	marker          Status
	moveUnscheduled bool
	location        *time.Location
	now             func() time.Time
	logger          *zap.Logger
	metrics         *Metrics
	tracer          trace.Tracer
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Objects == nil || opts.Records == nil {
		return nil, ErrInvalidInput
	}
	destFolder := strings.Trim(opts.DestinationFolder, "/")
	if destFolder == "" {
		return nil, ErrInvalidInput
	}
	sourceFolder := strings.Trim(opts.SourceFolder, "/")
	if sourceFolder == destFolder {
		return nil, ErrInvalidInput
	}
	if opts.InTransitMarker == "" {
		opts.InTransitMarker = StatusCopied
	}
	if !opts.InTransitMarker.Valid() {
		return nil, ErrInvalidInput
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		objects:         opts.Objects,
		records:         opts.Records,
		queue:           opts.Queue,
		moveQueue:       strings.TrimSpace(opts.MoveQueue),
		sourceFolder:    sourceFolder,
		destFolder:      destFolder,
		marker:          opts.InTransitMarker,
		moveUnscheduled: opts.MoveUnscheduled,
		location:        opts.Location,
		now:             opts.Now,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          otel.Tracer(tracerName),
	}, nil
}

// PhaseOf evaluates record against the readiness rule at now.
func (o *Orchestrator) PhaseOf(record Record, now time.Time) Phase {
	if record.Status.Terminal() {
		return PhaseDone
	}
	due, ok := record.MovingTimeIn(o.location)
	if !ok {
		if o.moveUnscheduled {
			return PhaseReady
		}
		return PhasePendingMove
	}
	if due.After(now) {
		return PhasePendingMove
	}
	return PhaseReady
}

// DueFilter selects the records a catch-up pass at now should attempt.
func (o *Orchestrator) DueFilter(now time.Time) ScanFilter {
	return ScanFilter{
		Status:             StatusCopied,
		DueBy:              now,
		IncludeUnscheduled: o.moveUnscheduled,
		Location:           o.location,
	}
}

func (o *Orchestrator) Now() time.Time {
	return o.now()
}

func (o *Orchestrator) AttemptMove(ctx context.Context, key Key) (MoveResult, error) {
	return o.attempt(ctx, key, TriggerManual)
}

// ProcessMessageBody runs the move for a queued request without touching
// the queue. Callers acknowledge when the result is Settled and err is nil.
func (o *Orchestrator) ProcessMessageBody(ctx context.Context, body string) (MoveResult, error) {
	req, err := DecodeMoveRequest(body)
	if err != nil {
		o.metrics.observeMessage("rejected")
		return MoveResult{}, err
	}
	return o.attempt(ctx, req.Key(), TriggerQueue)
}

// DeferralFor is how long a message whose result is not_due should stay
// hidden: until the record's movingTime, rounded up to whole seconds and
// capped at MaxVisibilityTimeout. Zero means the queue's own timeout applies.
func (o *Orchestrator) DeferralFor(result MoveResult) time.Duration {
	if result.Outcome != OutcomeNotDue || result.Record == nil {
		return 0
	}
	due, ok := result.Record.MovingTimeIn(o.location)
	if !ok {
		return 0
	}
	wait := due.Sub(o.now())
	if wait <= 0 {
		return 0
	}
	wait = (wait + time.Second - 1).Truncate(time.Second)
	return clampVisibility(wait)
}

// Defer hides a not_due message until its record's movingTime so waiting
// does not spend the receive count the dead-letter policy counts against.
func (o *Orchestrator) Defer(ctx context.Context, msg Message, result MoveResult) error {
	wait := o.DeferralFor(result)
	if wait == 0 {
		return nil
	}
	if o.queue == nil || o.moveQueue == "" {
		return transientError("defer", result.Key, errors.New("no move queue configured"))
	}
	if err := o.queue.ChangeVisibility(ctx, o.moveQueue, msg, wait); err != nil {
		return transientError("defer", result.Key, err)
	}
	return nil
}

// HandleMessage processes a received message and acknowledges it once the
// record is UPLOADED. A message that is not yet due is hidden until its
// movingTime; failed ones are redelivered until the dead-letter policy takes
// them.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Message) (MoveResult, error) {
	logger := o.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))
	result, err := o.ProcessMessageBody(ctx, msg.Body)
	if err != nil {
		o.metrics.observeMessage("retained")
		logger.Warn("move request not acknowledged", zap.String("kind", string(KindOf(err))), zap.Error(err))
		return result, err
	}
	if !result.Settled() {
		o.metrics.observeMessage("deferred")
		if err := o.Defer(ctx, msg, result); err != nil {
			logger.Warn("move request deferral failed, default visibility applies", zap.Error(err))
		}
		logger.Debug("move request deferred",
			zap.String("outcome", string(result.Outcome)),
			zap.Duration("hidden_for", o.DeferralFor(result)),
		)
		return result, nil
	}
	if o.queue == nil || o.moveQueue == "" {
		return result, transientError("ack", result.Key, errors.New("no move queue configured"))
	}
	if err := o.queue.Ack(ctx, o.moveQueue, msg); err != nil {
		o.metrics.observeMessage("ack_failed")
		// The move is durable; a redelivery is a no-op.
		return result, transientError("ack", result.Key, err)
	}
	o.metrics.observeMessage("acknowledged")
	return result, nil
}

// HandleChange reacts to a tracking table change. Only MODIFY events whose new
// image carries the in-transit marker trigger a move; the orchestrator's own
// COPIED -> UPLOADED write does not.
func (o *Orchestrator) HandleChange(ctx context.Context, evt ChangeEvent) (MoveResult, error) {
	if evt.Type != ChangeModify || evt.NewImage == nil || evt.NewImage.Status != o.marker {
		return MoveResult{Key: evt.Key, Outcome: OutcomeSkipped}, nil
	}
	key := evt.Key
	if key == (Key{}) {
		key = evt.NewImage.Key()
	}
	return o.attempt(ctx, key, TriggerChange)
}

func (o *Orchestrator) attempt(ctx context.Context, key Key, trigger Trigger) (MoveResult, error) {
	ctx, span := o.tracer.Start(ctx, "invoicerelay.move.attempt", trace.WithAttributes(
		attribute.String("invoice.file_name", key.FileName),
		attribute.String("invoice.date", key.Date),
		attribute.String("invoice.trigger", string(trigger)),
	))
	defer span.End()

	started := time.Now()
	result, err := o.move(ctx, key)
	outcome := string(result.Outcome)
	if err != nil {
		outcome = "error_" + string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("invoice.outcome", outcome))
	o.metrics.observeMove(string(trigger), outcome, time.Since(started))

	logger := o.logger.With(
		zap.String("file_name", key.FileName),
		zap.String("date", key.Date),
		zap.String("trigger", string(trigger)),
	)
	switch {
	case KindOf(err) == KindInconsistency:
		o.metrics.observeInconsistency()
		logger.Error("move left inconsistent state", zap.Bool("inconsistency", true), zap.Error(err))
	case err != nil:
		logger.Warn("move attempt failed", zap.String("kind", string(KindOf(err))), zap.Error(err))
	case result.Outcome == OutcomeMoved:
		logger.Info("invoice moved", zap.String("outcome", outcome))
	default:
		logger.Debug("move attempt finished", zap.String("outcome", outcome))
	}
	return result, err
}

func (o *Orchestrator) move(ctx context.Context, key Key) (MoveResult, error) {
	result := MoveResult{Key: key}
	if err := key.Validate(); err != nil {
		return result, err
	}

	// Always decide on a fresh read; a concurrent attempt may have finished.
	record, err := o.records.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return result, notFoundError("get_record", key, err)
		}
		return result, transientError("get_record", key, err)
	}
	result.Record = &record

	switch o.PhaseOf(record, o.now()) {
	case PhaseDone:
		result.Outcome = OutcomeAlreadyDone
		return result, nil
	case PhasePendingMove:
		result.Outcome = OutcomeNotDue
		return result, nil
	}

	sourceKey := ObjectKey(o.sourceFolder, record.FileName)
	destKey := ObjectKey(o.destFolder, record.FileName)
	o.logger.Debug("relocating object",
		zap.String("phase", string(PhaseMoving)),
		zap.String("bucket", record.BucketName),
		zap.String("source_key", sourceKey),
		zap.String("destination_key", destKey),
	)
	if err := o.objects.Copy(ctx, record.BucketName, sourceKey, destKey); err != nil {
		moved, checkErr := o.alreadyRelocated(ctx, record.BucketName, sourceKey, destKey)
		if checkErr != nil || !moved {
			return result, transientError("copy_object", key, err)
		}
		o.logger.Info("object already relocated, completing status update",
			zap.String("file_name", record.FileName),
			zap.String("date", record.Date),
		)
	} else if err := o.objects.Delete(ctx, record.BucketName, sourceKey); err != nil {
		return result, inconsistencyError("delete_source", key, err)
	}

	updated, err := o.records.UpdateStatus(ctx, key, StatusCopied, StatusUploaded)
	if err != nil {
		switch {
		case errors.Is(err, ErrStatusConflict):
			// Another attempt won the transition.
			result.Outcome = OutcomeAlreadyDone
			return result, nil
		case errors.Is(err, ErrNotFound):
			return result, inconsistencyError("update_status", key, notFoundError("update_status", key, err))
		default:
			return result, inconsistencyError("update_status", key, err)
		}
	}
	result.Record = &updated
	result.Outcome = OutcomeMoved
	return result, nil
}

// alreadyRelocated detects a copy that failed because an earlier attempt has
// already moved the object.
func (o *Orchestrator) alreadyRelocated(ctx context.Context, container, sourceKey, destKey string) (bool, error) {
	destExists, err := o.objects.Exists(ctx, container, destKey)
	if err != nil || !destExists {
		return false, err
	}
	sourceExists, err := o.objects.Exists(ctx, container, sourceKey)
	if err != nil {
		return false, err
	}
	return !sourceExists, nil
}
