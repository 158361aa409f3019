package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventHandler runs one lifecycle event. Handlers mark the event DONE on success.
type EventHandler func(ctx context.Context, event *Event) error

// SchedulerOptions configure an EventScheduler.
type SchedulerOptions struct {
	// PollInterval is the time between sweeps.
	PollInterval time.Duration

	// MaxParallel bounds the events running at once within a wave.
	MaxParallel int

	// MaxAttempts bounds the dispatches of one event within a sweep.
	MaxAttempts int

	// RetryWindow is how long an IN_PROGRESS claim is honoured before the
	// event is picked up again.
	RetryWindow time.Duration

	// EventDeadline is how long past its due time an event may keep retrying.
	EventDeadline time.Duration

	Model    *StatusModel
	Notifier Notifier
	Metrics  Metrics
	Clock    Clock
	Logger   zerolog.Logger
}

// Scheduler defaults.
const (
	DefaultPollInterval  = 10 * time.Second
	DefaultMaxParallel   = 10
	DefaultMaxAttempts   = 3
	DefaultRetryWindow   = 5 * time.Minute
	DefaultEventDeadline = time.Hour
)

// SweepResult summarises one ProcessEvents call.
type SweepResult struct {
	Claimed   int `json:"claimed"`
	Waves     int `json:"waves"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
}

// EventScheduler periodically claims due lifecycle events and dispatches them.
// A deployment runs exactly one.
type EventScheduler struct {
	store    Store
	model    *StatusModel
	handlers map[EventType]EventHandler
	opts     SchedulerOptions
	metrics  Metrics
	now      Clock
	logger   zerolog.Logger
	tracer   trace.Tracer

	// backoff computes the wait before a retry.
	backoff func(attempt int, err error) time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEventScheduler creates a scheduler. Every event type needs a handler.
func NewEventScheduler(store Store, handlers map[EventType]EventHandler, opts SchedulerOptions) (*EventScheduler, error) {
	for _, t := range []EventType{EventTypeStartLease, EventTypeEndLease, EventTypeBeforeEndLease} {
		if handlers[t] == nil {
			return nil, NewPermanentError(fmt.Sprintf("no handler for event type %s", t), nil).
				WithCode(ErrCodeValidation)
		}
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = DefaultRetryWindow
	}
	if opts.EventDeadline <= 0 {
		opts.EventDeadline = DefaultEventDeadline
	}

	s := &EventScheduler{
		store:    store,
		model:    opts.Model,
		handlers: handlers,
		opts:     opts,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		logger:   opts.Logger.With().Str("component", "scheduler").Logger(),
		tracer:   otel.Tracer("github.com/reservoir/reservoir/pkg/engine"),
		backoff:  calculateBackoff,
	}
	if s.model == nil {
		s.model = NewStatusModel(store, opts.Logger)
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Start runs the sweep loop until Stop is called or ctx is done.
func (s *EventScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return NewConflictError("scheduler already running", nil).WithCode(ErrCodeValidation)
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx, s.stopCh, s.doneCh)

	s.logger.Info().Dur("interval", s.opts.PollInterval).Msg("Scheduler started")
	return nil
}

// Stop stops the sweep loop and waits for the current sweep to finish.
func (s *EventScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *EventScheduler) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.ProcessEvents(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Event sweep failed")
		}

		select {
		case <-ticker.C:
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessEvents runs one sweep: claim due and stale events, order them into
// waves and dispatch each wave on the worker pool.
func (s *EventScheduler) ProcessEvents(ctx context.Context) (*SweepResult, error) {
	now := s.now().UTC()
	result := &SweepResult{}

	due, err := s.store.ListDueEvents(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due events: %w", err)
	}

	staleBefore := now.Add(-s.opts.RetryWindow)
	stale, err := s.store.ListStaleEvents(ctx, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale events: %w", err)
	}
	s.metrics.SetPendingEvents(float64(len(due) + len(stale)))

	claimed := make([]Event, 0, len(due)+len(stale))
	for _, e := range due {
		ok, err := s.store.ClaimEvent(ctx, e.ID, now)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", e.ID).Msg("Failed to claim event")
			continue
		}
		if !ok {
			continue
		}
		e.Status = EventStatusInProgress
		claimedAt := now
		e.ClaimedAt = &claimedAt
		claimed = append(claimed, e)
	}

	for _, e := range stale {
		if now.After(e.Time.Add(s.opts.EventDeadline)) {
			ev := e
			s.failEvent(ctx, &ev, NewTimeoutError(
				fmt.Sprintf("event %s not completed within %s of its due time", e.ID, s.opts.EventDeadline),
				lastError(e),
			))
			result.Failed++
			continue
		}
		ok, err := s.store.ReclaimEvent(ctx, e.ID, staleBefore, now)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", e.ID).Msg("Failed to reclaim event")
			continue
		}
		if !ok {
			continue
		}
		claimedAt := now
		e.ClaimedAt = &claimedAt
		claimed = append(claimed, e)
	}

	result.Claimed = len(claimed)
	if len(claimed) == 0 {
		return result, nil
	}

	waves := BuildEventWaves(claimed)
	result.Waves = len(waves)

	for i, wave := range waves {
		s.logger.Debug().Int("wave", i).Int("events", len(wave)).Msg("Dispatching wave")
		outcomes := s.runWave(ctx, wave)
		for _, o := range outcomes {
			switch o {
			case outcomeSucceeded:
				result.Succeeded++
			case outcomeRetrying:
				result.Retrying++
			case outcomeFailed:
				result.Failed++
			}
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
	}

	return result, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetrying
	outcomeFailed
)

// runWave dispatches a wave on a bounded worker pool.
func (s *EventScheduler) runWave(ctx context.Context, wave []Event) []outcome {
	workerCount := s.opts.MaxParallel
	if len(wave) < workerCount {
		workerCount = len(wave)
	}

	workQueue := make(chan int, len(wave))
	for i := range wave {
		workQueue <- i
	}
	close(workQueue)

	outcomes := make([]outcome, len(wave))
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				outcomes[i] = s.dispatch(ctx, &wave[i])
			}
		}()
	}
	wg.Wait()

	return outcomes
}

// dispatch runs one event with in-sweep retries and settles it.
func (s *EventScheduler) dispatch(ctx context.Context, event *Event) outcome {
	ctx, span := s.tracer.Start(ctx, "event."+string(event.EventType),
		trace.WithAttributes(
			attribute.String("lease.id", event.LeaseID),
			attribute.String("event.id", event.ID),
			attribute.String("event.type", string(event.EventType)),
		))
	defer span.End()

	logger := s.logger.With().
		Str("event_id", event.ID).
		Str("lease_id", event.LeaseID).
		Str("event_type", string(event.EventType)).
		Logger()

	handler := s.handlers[event.EventType]
	start := time.Now()
	deadline := event.Time.Add(s.opts.EventDeadline)

	var err error
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		event.Attempts++
		err = handler(ctx, event)
		if err == nil || !IsRetryable(err) {
			break
		}
		if attempt == s.opts.MaxAttempts-1 || !s.now().Before(deadline) {
			break
		}

		delay := s.backoff(attempt, err)
		logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Retrying event after failure")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	duration := time.Since(start)

	if ctx.Err() != nil && err != nil {
		// Shutting down; the claim goes stale and the event is picked up again.
		logger.Warn().Err(err).Msg("Event interrupted")
		return outcomeRetrying
	}

	if err == nil {
		span.SetStatus(codes.Ok, "")
		if _, rerr := s.model.Reconcile(ctx, event.LeaseID); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to reconcile lease status")
		}
		s.metrics.RecordEventDispatch(string(event.EventType), "success", duration)
		logger.Info().Dur("duration", duration).Msg("Event done")
		s.notify(ctx, NotificationEventDone, event, fmt.Sprintf("Event %s done", event.EventType), "info")
		return outcomeSucceeded
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if IsRetryable(err) && s.now().Before(deadline) {
		s.recordAttempt(ctx, event, err)
		s.metrics.RecordEventDispatch(string(event.EventType), "retry", duration)
		logger.Warn().Err(err).Int("attempts", event.Attempts).Msg("Event left in progress for retry")
		s.notify(ctx, NotificationEventRetry, event, fmt.Sprintf("Event %s will be retried: %v", event.EventType, err), "warning")
		return outcomeRetrying
	}

	s.metrics.RecordEventDispatch(string(event.EventType), "failure", duration)
	s.failEvent(ctx, event, err)
	return outcomeFailed
}

// recordAttempt persists the attempt count and error of an event that stays
// IN_PROGRESS.
func (s *EventScheduler) recordAttempt(ctx context.Context, event *Event, cause error) {
	current, err := s.store.GetEvent(ctx, event.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to load event")
		return
	}
	if current.Status != EventStatusInProgress {
		return
	}
	current.Attempts = event.Attempts
	current.LastError = cause.Error()
	current.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateEvent(ctx, current); err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to record event attempt")
	}
}

// failEvent marks an event ERROR if it is still IN_PROGRESS and reconciles
// the lease.
func (s *EventScheduler) failEvent(ctx context.Context, event *Event, cause error) {
	logger := s.logger.With().Str("event_id", event.ID).Str("lease_id", event.LeaseID).Logger()

	current, err := s.store.GetEvent(ctx, event.ID)
	if err != nil {
		if !IsNotFound(err) {
			logger.Error().Err(err).Msg("Failed to load event")
		}
		return
	}

	if current.Status == EventStatusInProgress {
		current.Status = EventStatusError
		current.Attempts = max(current.Attempts, event.Attempts)
		current.LastError = cause.Error()
		current.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateEvent(ctx, current); err != nil {
			logger.Error().Err(err).Msg("Failed to mark event ERROR")
			return
		}
	}

	if _, err := s.model.Reconcile(ctx, event.LeaseID); err != nil {
		logger.Error().Err(err).Msg("Failed to reconcile lease status")
	}

	s.metrics.RecordError(string(ClassOf(cause)), ErrorCode(cause))
	logger.Error().Err(cause).Str("code", ErrorCode(cause)).Msg("Event failed")
	s.notify(ctx, NotificationEventFailed, event, fmt.Sprintf("Event %s failed: %v", event.EventType, cause), "error")
}

func (s *EventScheduler) notify(ctx context.Context, typ string, event *Event, message, level string) {
	publish(ctx, s.opts.Notifier, s.logger, &Notification{
		Type:    typ,
		LeaseID: event.LeaseID,
		EventID: event.ID,
		Message: message,
		Level:   level,
		Time:    s.now().UTC(),
		Data: map[string]interface{}{
			"event_type": string(event.EventType),
			"attempts":   event.Attempts,
		},
	})
}

func lastError(e Event) error {
	if e.LastError == "" {
		return nil
	}
	return fmt.Errorf("%s", e.LastError)
}

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second

	// Use different base delays for different error types
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Up to a quarter of the delay is added at random so that events failing
	// together do not retry together.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
