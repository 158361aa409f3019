package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Event is a published lease lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	LeaseID   string                 `json:"lease_id,omitempty"`
	EventID   string                 `json:"event_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event levels, as set by the engine and the monitor.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events. Subscribers run on the
// publisher's delivery goroutine and must not block.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher buffers events and delivers them to subscribers in batches.
// It is the engine.Notifier of the service.
type EventPublisher struct {
	config      EventsConfig
	source      string
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.Notifier = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher and starts its delivery goroutine.
func NewEventPublisher(cfg EventsConfig, source string) *EventPublisher {
	ep := &EventPublisher{config: cfg, source: source}
	if !cfg.Enabled {
		return ep
	}

	ep.ctx, ep.cancel = context.WithCancel(context.Background())
	ep.buffer = make(chan Event, cfg.BufferSize)

	ep.wg.Add(1)
	go ep.processEvents()

	return ep
}

// Notify publishes an engine notification.
func (ep *EventPublisher) Notify(_ context.Context, n *engine.Notification) error {
	return ep.Publish(Event{
		Timestamp: n.Time,
		Type:      n.Type,
		LeaseID:   n.LeaseID,
		EventID:   n.EventID,
		Message:   n.Message,
		Level:     n.Level,
		Data:      n.Data,
	})
}

// Publish queues an event. It fails when the buffer is full or the
// publisher has been shut down.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = ep.source
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// Subscribe registers a subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers a batch when it is full or FlushInterval has passed.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers what is buffered and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogSubscriber writes every event to logger at its level.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		var entry *zerolog.Event
		switch event.Level {
		case EventLevelError:
			entry = logger.Error()
		case EventLevelWarning:
			entry = logger.Warn()
		default:
			entry = logger.Info()
		}
		entry.
			Str("event_type", event.Type).
			Str("lease_id", event.LeaseID).
			Str("event_id", event.EventID).
			Fields(event.Data).
			Msg(event.Message)
	}
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByLeaseID allows events of one lease.
func FilterByLeaseID(leaseID string) EventFilter {
	return func(event Event) bool {
		return event.LeaseID == leaseID
	}
}
