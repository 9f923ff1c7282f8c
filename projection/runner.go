package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/get-chronicle/go-chronicle/logger"
	"github.com/get-chronicle/go-chronicle/version"
)

// DefaultPollInterval is the default delay between two Runner poll ticks.
const DefaultPollInterval = 1 * time.Second

// State is the lifecycle state of a projection Runner.
type State string

// All the states a Runner can be in.
const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRebuilding State = "rebuilding"
	StateError      State = "error"
)

// Status is a read-only composite of the Orchestrator position and the
// Runner lifecycle state, safe to poll frequently from outside.
type Status struct {
	State           State
	LastEventID     uuid.UUID
	LastSequence    version.SequenceNumber
	EventsProcessed int64
	EventLag        int64
	LastProcessedAt time.Time
	LastError       string
	LastErrorAt     time.Time
}

// Runner wraps an Orchestrator in a long-lived, fixed-interval poll loop
// with an explicit lifecycle state machine.
//
// The poll loop is single-threaded: one batch is in flight at a time, and
// the next tick is scheduled only after the current one finishes, which
// preserves ordering without any locking inside the Orchestrator.
//
// Exactly one active Runner is expected per projection name; preventing
// two pollers from racing to advance the same position is an operational
// responsibility, not provided here.
type Runner struct {
	// Orchestrator is the projection engine driven by the poll loop.
	Orchestrator *Orchestrator

	// PollInterval is the delay between two poll ticks.
	// Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Logger is used for non-functional reporting. Optional.
	Logger logger.Logger

	mx          sync.Mutex
	state       State
	stopping    chan struct{}
	done        chan struct{}
	lastError   error
	lastErrorAt time.Time
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return DefaultPollInterval
	}

	return r.PollInterval
}

// State returns the current lifecycle state of the Runner.
func (r *Runner) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()

	return r.currentState()
}

// currentState must be called with r.mx held.
func (r *Runner) currentState() State {
	if r.state == "" {
		return StateStopped
	}

	return r.state
}

func (r *Runner) recordError(err error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.lastError = err
	r.lastErrorAt = time.Now()
}

// Start brings the Runner to the running state: it first catches up on
// the whole backlog synchronously, then begins the fixed-interval poll
// loop. Starting an already-running Runner is a no-op.
//
// A failure during the synchronous catch-up moves the Runner to the
// error state, the poll loop is not started, and the error is returned.
func (r *Runner) Start(ctx context.Context) error {
	r.mx.Lock()

	switch r.currentState() {
	case StateRunning, StateStarting:
		r.mx.Unlock()
		return nil
	case StateRebuilding:
		r.mx.Unlock()
		return fmt.Errorf("projection.Runner: cannot start %s while a rebuild is in progress",
			r.Orchestrator.ProjectionName)
	case StateStopped, StateError:
	}

	r.state = StateStarting
	r.mx.Unlock()

	logger.Info(r.Logger, "runner starting",
		logger.With("projectionName", r.Orchestrator.ProjectionName),
	)

	if _, err := r.Orchestrator.ProcessToCaughtUp(ctx); err != nil {
		r.mx.Lock()
		r.state = StateError
		r.lastError = err
		r.lastErrorAt = time.Now()
		r.mx.Unlock()

		return fmt.Errorf("projection.Runner: failed to catch up on start, %w", err)
	}

	r.mx.Lock()
	r.state = StateRunning
	r.stopping = make(chan struct{})
	r.done = make(chan struct{})

	go r.pollLoop(ctx, r.stopping, r.done)
	r.mx.Unlock()

	logger.Info(r.Logger, "runner started",
		logger.With("projectionName", r.Orchestrator.ProjectionName),
		logger.With("pollInterval", r.pollInterval().String()),
	)

	return nil
}

// pollLoop runs one ProcessBatch call per tick. A failed tick is recorded
// as lastError and does not stop the loop: polling resumes on the next
// interval, making the Runner tolerant of transient downstream failures
// at the cost of visible staleness until they resolve.
func (r *Runner) pollLoop(ctx context.Context, stopping <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(r.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-stopping:
			return

		case <-ctx.Done():
			return

		case <-timer.C:
			if _, err := r.Orchestrator.ProcessBatch(ctx); err != nil {
				r.recordError(err)

				logger.Error(r.Logger, "poll tick failed",
					logger.With("projectionName", r.Orchestrator.ProjectionName),
					logger.With("error", err.Error()),
				)
			}

			// The next tick is scheduled only once the current batch has
			// completed, so ticks never overlap.
			timer.Reset(r.pollInterval())
		}
	}
}

// Stop cancels the scheduling of future poll ticks and brings the Runner
// back to the stopped state. A batch already being applied runs to
// completion: Stop returns only once the poll loop has fully exited.
// Stopping a non-running Runner is a no-op.
func (r *Runner) Stop() {
	r.mx.Lock()

	switch r.currentState() {
	case StateRunning:
		stopping, done := r.stopping, r.done
		r.mx.Unlock()

		close(stopping)
		<-done

		r.mx.Lock()
		r.state = StateStopped
		r.stopping, r.done = nil, nil
		r.mx.Unlock()

		logger.Info(r.Logger, "runner stopped",
			logger.With("projectionName", r.Orchestrator.ProjectionName),
		)

	case StateError:
		r.state = StateStopped
		r.mx.Unlock()

	default:
		r.mx.Unlock()
	}
}

// Rebuild stops the poll loop if it is running, delegates the rebuild to
// the Orchestrator, and restarts polling only if the Runner was
// previously running and the rebuild succeeded. The rebuild result is
// returned regardless.
func (r *Runner) Rebuild(ctx context.Context) RebuildResult {
	wasRunning := r.State() == StateRunning
	if wasRunning {
		r.Stop()
	}

	r.mx.Lock()
	if state := r.currentState(); state != StateStopped {
		r.mx.Unlock()

		return RebuildResult{
			Err: fmt.Errorf("projection.Runner: cannot rebuild %s from state %q",
				r.Orchestrator.ProjectionName, state),
		}
	}

	r.state = StateRebuilding
	r.mx.Unlock()

	result := r.Orchestrator.Rebuild(ctx)
	if result.Err != nil {
		r.recordError(result.Err)
	}

	r.mx.Lock()
	r.state = StateStopped
	r.mx.Unlock()

	if wasRunning && result.Success() {
		if err := r.Start(ctx); err != nil {
			r.recordError(err)
		}
	}

	return result
}

// Status reports the Runner lifecycle state together with the current
// projection position and event lag.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	position, err := r.Orchestrator.Position(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("projection.Runner: failed to read position, %w", err)
	}

	lag, err := r.Orchestrator.Querier.CountAfter(ctx, position.LastSequence)
	if err != nil {
		return Status{}, fmt.Errorf("projection.Runner: failed to measure lag, %w", err)
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	status := Status{
		State:           r.currentState(),
		LastEventID:     position.LastEventID,
		LastSequence:    position.LastSequence,
		EventsProcessed: position.EventsProcessed,
		EventLag:        lag,
		LastProcessedAt: position.LastProcessedAt,
		LastErrorAt:     r.lastErrorAt,
	}

	if r.lastError != nil {
		status.LastError = r.lastError.Error()
	}

	return status, nil
}
