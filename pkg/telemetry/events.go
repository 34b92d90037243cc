package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one notable thing that happened during a mutation run. Events
// without a RunID concern the process itself, e.g. a busy lock.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source names the emitting component, e.g. "orchestrator".
	Source string `json:"source"`

	RunID   string `json:"run_id,omitempty"`
	Locator string `json:"locator,omitempty"`
	Step    string `json:"step,omitempty"`

	Message string `json:"message"`
	Level   string `json:"level"` // one of the EventLevel constants

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeRunFailed        = "run.failed"
	EventTypeStepCompleted    = "step.completed"
	EventTypeStepFailed       = "step.failed"
	EventTypeStrategyFallback = "strategy.fallback"
	EventTypeLockBusy         = "lock.busy"
)

// Levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber receives delivered events. It must not block for long.
type EventSubscriber func(event Event)

// EventFilter returns false for events that should be dropped.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
//
// Synchronous publishers call subscribers in the publishing goroutine, in
// subscription order. Async publishers queue events and deliver them in
// batches from one goroutine; Shutdown delivers whatever is queued.
type EventPublisher struct {
	config EventsConfig

	mu          sync.RWMutex
	subscribers []subscriberEntry
	filters     []EventFilter

	// sending is held for reading around every enqueue and for writing
	// while stopped is closed, so no event lands after the final drain.
	sending sync.RWMutex
	queue   chan Event
	stopped chan struct{}
	stop    sync.Once
	done    sync.WaitGroup
}

type subscriberEntry struct {
	fn     EventSubscriber
	filter EventFilter
}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg, stopped: make(chan struct{})}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.done.Add(1)
	go ep.run()
	return ep, nil
}

// Publish stamps event with an ID and time if missing and delivers it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !ep.accept(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	ep.sending.RLock()
	defer ep.sending.RUnlock()
	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

func (ep *EventPublisher) accept(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

// PublishRunStarted announces a run before its lock is taken.
func (ep *EventPublisher) PublishRunStarted(runID, locator, request string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "orchestrator",
		RunID:   runID,
		Locator: locator,
		Message: fmt.Sprintf("Run %s started on %s: %s", runID, locator, request),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"request": request},
	})
}

// PublishRunCompleted reports a run that reached its end. Anything short of
// "succeeded" is a warning.
func (ep *EventPublisher) PublishRunCompleted(runID, locator, status string, duration time.Duration) error {
	level := EventLevelInfo
	if status != "succeeded" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "orchestrator",
		RunID:   runID,
		Locator: locator,
		Message: fmt.Sprintf("Run %s finished %s in %s", runID, status, duration.Round(time.Millisecond)),
		Level:   level,
		Data:    map[string]interface{}{"status": status, "duration": duration.Seconds()},
	})
}

// PublishRunFailed reports a run stopped by a fatal error.
func (ep *EventPublisher) PublishRunFailed(runID, locator, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "orchestrator",
		RunID:   runID,
		Locator: locator,
		Message: fmt.Sprintf("Run %s on %s aborted: %s", runID, locator, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishStepCompleted reports the strategy that won a step.
func (ep *EventPublisher) PublishStepCompleted(runID, step, strategy string) error {
	return ep.Publish(Event{
		Type:    EventTypeStepCompleted,
		Source:  "orchestrator",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Step %s completed via %s", step, strategy),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"strategy": strategy,
		},
	})
}

// PublishStepFailed reports a step where every strategy failed.
func (ep *EventPublisher) PublishStepFailed(runID, step, reason string, fatal bool) error {
	level := EventLevelWarning
	if fatal {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeStepFailed,
		Source:  "orchestrator",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Step %s failed: %s", step, reason),
		Level:   level,
		Data: map[string]interface{}{
			"reason": reason,
			"fatal":  fatal,
		},
	})
}

// PublishStrategyFallback publishes an event for a failed strategy that was followed by another.
func (ep *EventPublisher) PublishStrategyFallback(runID, step, strategy, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeStrategyFallback,
		Source:  "probe",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Strategy %s for %s failed, falling back: %s", strategy, step, reason),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"strategy": strategy,
			"reason":   reason,
		},
	})
}

// PublishLockBusy publishes an event for a run turned away by a held handle.
func (ep *EventPublisher) PublishLockBusy(runID, locator string) error {
	return ep.Publish(Event{
		Type:    EventTypeLockBusy,
		Source:  "lock",
		RunID:   runID,
		Locator: locator,
		Message: fmt.Sprintf("Resource %s is busy", locator),
		Level:   EventLevelWarning,
	})
}

// Subscribe registers fn for events that pass filter. A nil filter
// receives everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events that fail filter before any subscriber sees them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) run() {
	defer ep.done.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			batch = append(batch, e)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.queue) == 0 {
				flush()
			}
		case <-ep.stopped:
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits, up to ctx, for queued events
// to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.stop.Do(func() {
		ep.sending.Lock()
		close(ep.stopped)
		ep.sending.Unlock()
	})

	drained := make(chan struct{})
	go func() {
		ep.done.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByRunID passes events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}

// FilterByLocator passes events about one resource.
func FilterByLocator(locator string) EventFilter {
	return func(e Event) bool { return e.Locator == locator }
}
