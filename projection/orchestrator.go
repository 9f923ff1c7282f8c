package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/logger"
	"github.com/get-chronicle/go-chronicle/version"
)

// Default values used by an Orchestrator, when not specified.
const (
	DefaultBatchSize              = 100
	DefaultMaxRetries             = 3
	DefaultInitialRetryDelay      = 100 * time.Millisecond
	DefaultRetryBackoffMultiplier = 2.0
	DefaultMaxRetryDelay          = 5 * time.Second
	DefaultLagWarningThreshold    = 100
	DefaultLagErrorThreshold      = 1000
)

// ApplyError is returned when a single Domain Event failed to be applied
// to the Projector after exhausting all retry attempts.
//
// The projection position is left unchanged, pointing just before the
// failed Event: the Event is never skipped, and the next processing call
// resumes from the same point.
type ApplyError struct {
	ProjectionName string
	EventID        uuid.UUID
	SequenceNumber version.SequenceNumber
	Attempts       int
	Err            error
}

func (err ApplyError) Error() string {
	return fmt.Sprintf(
		"projection: %s failed to apply event %s (sequence number %d) after %d attempts, %v",
		err.ProjectionName, err.EventID, err.SequenceNumber, err.Attempts, err.Err,
	)
}

func (err ApplyError) Unwrap() error { return err.Err }

// RebuildResult reports the outcome of a full projection rebuild.
//
// Rebuilds are not transactional across the whole replay: on failure,
// EventsProcessed reports the partial progress made before the error,
// and the events already applied remain applied.
type RebuildResult struct {
	EventsProcessed int64
	Duration        time.Duration
	Err             error
}

// Success reports whether the rebuild completed without errors.
func (r RebuildResult) Success() bool { return r.Err == nil }

// ErrorMessage returns the rebuild failure message, or the empty string
// on success.
func (r RebuildResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}

	return r.Err.Error()
}

// Health is a point-in-time report on a projection's freshness.
type Health struct {
	// Healthy is true while the projection lag is below the configured
	// error threshold.
	Healthy bool

	// Lag is the number of Domain Events committed to the Event Store
	// but not yet reflected in the projection.
	Lag int64

	// LastProcessedAt is the time the projection last applied an Event.
	LastProcessedAt time.Time

	// Message is a human-readable grading of the current lag.
	Message string
}

// Orchestrator drives a single named Projector over the global event
// order: it pulls ordered event batches from the Event Store, applies
// them to the Projector with per-event retries, and durably tracks the
// projection Position after every applied event.
//
// An Orchestrator assumes a single caller at a time, which is how the
// polling Runner drives it: it holds no internal locking.
type Orchestrator struct {
	// ProjectionName is the unique name the Position is tracked under.
	ProjectionName string

	// Querier is the Event Store read-side used to pull event batches.
	Querier event.Querier

	// Projector is the read-model capability events are applied to.
	Projector Projector

	// Positions durably tracks the projection Position.
	Positions PositionStore

	// Logger is used for non-functional reporting. Optional.
	Logger logger.Logger

	// BatchSize is the maximum number of Events pulled and applied per
	// ProcessBatch call. Defaults to DefaultBatchSize.
	BatchSize int

	// MaxRetries is the maximum number of attempts (initial call
	// included) to apply a single Event before giving up.
	// Defaults to DefaultMaxRetries.
	MaxRetries int

	// InitialRetryDelay is the delay before the first retry of a failed
	// Apply call. Defaults to DefaultInitialRetryDelay.
	InitialRetryDelay time.Duration

	// RetryBackoffMultiplier is the factor each retry delay is
	// multiplied by. Defaults to DefaultRetryBackoffMultiplier.
	RetryBackoffMultiplier float64

	// MaxRetryDelay caps the delay between retries.
	// Defaults to DefaultMaxRetryDelay.
	MaxRetryDelay time.Duration

	// LagWarningThreshold is the lag above which Health reports the
	// projection as behind. Defaults to DefaultLagWarningThreshold.
	LagWarningThreshold int64

	// LagErrorThreshold is the lag at which Health reports the
	// projection as unhealthy. Defaults to DefaultLagErrorThreshold.
	LagErrorThreshold int64

	// now is the clock used to stamp positions. Tests may override it.
	now func() time.Time
}

func (o *Orchestrator) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}

	return o.BatchSize
}

func (o *Orchestrator) maxRetries() int {
	if o.MaxRetries <= 0 {
		return DefaultMaxRetries
	}

	return o.MaxRetries
}

func (o *Orchestrator) initialRetryDelay() time.Duration {
	if o.InitialRetryDelay <= 0 {
		return DefaultInitialRetryDelay
	}

	return o.InitialRetryDelay
}

func (o *Orchestrator) retryBackoffMultiplier() float64 {
	if o.RetryBackoffMultiplier <= 0 {
		return DefaultRetryBackoffMultiplier
	}

	return o.RetryBackoffMultiplier
}

func (o *Orchestrator) maxRetryDelay() time.Duration {
	if o.MaxRetryDelay <= 0 {
		return DefaultMaxRetryDelay
	}

	return o.MaxRetryDelay
}

func (o *Orchestrator) lagWarningThreshold() int64 {
	if o.LagWarningThreshold <= 0 {
		return DefaultLagWarningThreshold
	}

	return o.LagWarningThreshold
}

func (o *Orchestrator) lagErrorThreshold() int64 {
	if o.LagErrorThreshold <= 0 {
		return DefaultLagErrorThreshold
	}

	return o.LagErrorThreshold
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}

	return time.Now()
}

// Position returns the current Position of the projection.
//
// When the Position Store holds no record yet, the Projector itself is
// consulted as a recovery hint: a read model that persisted its own
// high-water mark survives the loss of the position record without
// reprocessing from the beginning.
func (o *Orchestrator) Position(ctx context.Context) (Position, error) {
	position, err := o.Positions.Read(ctx, o.ProjectionName)
	if err != nil {
		return Position{}, fmt.Errorf("projection.Orchestrator: failed to read position, %w", err)
	}

	if position.LastSequence > 0 || position.EventsProcessed > 0 {
		return position, nil
	}

	recovered, err := o.Projector.CurrentPosition(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("projection.Orchestrator: failed to read projector position, %w", err)
	}

	if recovered.LastSequence > 0 {
		recovered.ProjectionName = o.ProjectionName
		return recovered, nil
	}

	return position, nil
}

// ProcessBatch pulls up to BatchSize Events past the current Position and
// applies them, in ascending Sequence Number order, to the Projector.
//
// Each failing Apply call is retried on the same Event with exponential
// backoff, up to MaxRetries attempts. An Event that exhausts its retries
// halts the batch: an ApplyError is returned, the Position is not
// advanced past the Event, and the Event is never skipped. The projection
// simply stalls there until the underlying cause is fixed and a later
// call retries from the same Position.
//
// The Position is advanced and persisted after every successfully applied
// Event, not only per batch, so a partial batch still records progress.
//
// Returns the number of Events applied.
func (o *Orchestrator) ProcessBatch(ctx context.Context) (int, error) {
	position, err := o.Position(ctx)
	if err != nil {
		return 0, err
	}

	events, err := o.Querier.EventsAfter(ctx, position.LastSequence, o.batchSize())
	if err != nil {
		return 0, fmt.Errorf("projection.Orchestrator: failed to query events, %w", err)
	}

	applied := 0

	for _, evt := range events {
		if err := o.applyWithRetry(ctx, evt); err != nil {
			return applied, err
		}

		position = position.Advance(evt, o.clock())
		if err := o.Positions.Write(ctx, position); err != nil {
			return applied, fmt.Errorf("projection.Orchestrator: failed to write position, %w", err)
		}

		applied++
	}

	logger.Debug(o.Logger, "batch processed",
		logger.With("projectionName", o.ProjectionName),
		logger.With("eventsApplied", applied),
		logger.With("lastSequenceNumber", position.LastSequence),
	)

	return applied, nil
}

func (o *Orchestrator) applyWithRetry(ctx context.Context, evt event.Persisted) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.initialRetryDelay()
	policy.RandomizationFactor = 0
	policy.Multiplier = o.retryBackoffMultiplier()
	policy.MaxInterval = o.maxRetryDelay()
	policy.MaxElapsedTime = 0

	attempts := 0

	err := backoff.Retry(func() error {
		attempts++

		if err := o.Projector.Apply(ctx, evt); err != nil {
			logger.Warn(o.Logger, "failed to apply event, retrying",
				logger.With("projectionName", o.ProjectionName),
				logger.With("eventID", evt.ID.String()),
				logger.With("sequenceNumber", evt.SequenceNumber),
				logger.With("attempt", attempts),
				logger.With("error", err.Error()),
			)

			return err
		}

		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(o.maxRetries()-1)), ctx))
	if err != nil {
		return ApplyError{
			ProjectionName: o.ProjectionName,
			EventID:        evt.ID,
			SequenceNumber: evt.SequenceNumber,
			Attempts:       attempts,
			Err:            err,
		}
	}

	return nil
}

// ProcessToCaughtUp repeatedly calls ProcessBatch until a call returns
// fewer Events than BatchSize, meaning no backlog is left, or until the
// first unrecoverable error, which is propagated along with the total
// number of Events applied so far.
func (o *Orchestrator) ProcessToCaughtUp(ctx context.Context) (int64, error) {
	var total int64

	for {
		applied, err := o.ProcessBatch(ctx)
		total += int64(applied)

		if err != nil {
			return total, err
		}

		if applied < o.batchSize() {
			return total, nil
		}
	}
}

// Rebuild resets the Projector's read model to empty, deletes the
// recorded Position and replays the whole event history from the
// beginning. It is administrative, intended to run only while the Runner
// for this projection is stopped.
//
// The result reports partial progress even on failure: events applied
// before the error remain applied.
func (o *Orchestrator) Rebuild(ctx context.Context) RebuildResult {
	start := o.clock()

	logger.Info(o.Logger, "rebuild started", logger.With("projectionName", o.ProjectionName))

	if err := o.Projector.Reset(ctx); err != nil {
		return RebuildResult{
			Duration: time.Since(start),
			Err:      fmt.Errorf("projection.Orchestrator: failed to reset projector, %w", err),
		}
	}

	if err := o.Positions.Delete(ctx, o.ProjectionName); err != nil {
		return RebuildResult{
			Duration: time.Since(start),
			Err:      fmt.Errorf("projection.Orchestrator: failed to delete position, %w", err),
		}
	}

	processed, err := o.ProcessToCaughtUp(ctx)
	result := RebuildResult{
		EventsProcessed: processed,
		Duration:        time.Since(start),
		Err:             err,
	}

	if err != nil {
		logger.Error(o.Logger, "rebuild failed",
			logger.With("projectionName", o.ProjectionName),
			logger.With("eventsProcessed", processed),
			logger.With("error", err.Error()),
		)

		return result
	}

	logger.Info(o.Logger, "rebuild completed",
		logger.With("projectionName", o.ProjectionName),
		logger.With("eventsProcessed", processed),
		logger.With("duration", result.Duration.String()),
	)

	return result
}

// Health reports the current freshness of the projection, measuring lag
// as the number of Events committed past the recorded Position.
func (o *Orchestrator) Health(ctx context.Context) (Health, error) {
	position, err := o.Position(ctx)
	if err != nil {
		return Health{}, err
	}

	lag, err := o.Querier.CountAfter(ctx, position.LastSequence)
	if err != nil {
		return Health{}, fmt.Errorf("projection.Orchestrator: failed to measure lag, %w", err)
	}

	health := Health{
		Healthy:         lag < o.lagErrorThreshold(),
		Lag:             lag,
		LastProcessedAt: position.LastProcessedAt,
	}

	switch {
	case lag == 0:
		health.Message = "projection is current"
	case lag < o.lagWarningThreshold():
		health.Message = "projection is slightly behind"
	case lag < o.lagErrorThreshold():
		health.Message = "projection is behind, warning threshold exceeded"
	default:
		health.Message = "projection is significantly behind, error threshold exceeded"
	}

	return health, nil
}
