package core

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// EventBus maps event names to subscribed task ids and fans events out to them.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]string

	store      *TaskStore
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

func NewEventBus(store *TaskStore, dispatcher *Dispatcher, logger zerolog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]string),
		store:       store,
		dispatcher:  dispatcher,
		logger:      logger,
	}
}

// Subscribe appends taskID to the event's subscribers. Duplicates are kept and
// fire once per subscription.
func (b *EventBus) Subscribe(event, taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[event] = append(b.subscribers[event], taskID)
	b.logger.Debug().Str("event", event).Str("task_id", taskID).Msg("subscribed")
}

// Unsubscribe drops every subscription of taskID and returns how many were removed.
func (b *EventBus) Unsubscribe(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for event, ids := range b.subscribers {
		kept := slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == taskID })
		removed += len(ids) - len(kept)
		if len(kept) == 0 {
			delete(b.subscribers, event)
			continue
		}
		b.subscribers[event] = kept
	}
	return removed
}

// Subscribers returns the task ids subscribed to event in registration order.
func (b *EventBus) Subscribers(event string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.subscribers[event])
}

// Subscriptions returns a copy of the whole subscription table.
func (b *EventBus) Subscriptions() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]string, len(b.subscribers))
	for _, event := range slices.Sorted(maps.Keys(b.subscribers)) {
		out[event] = slices.Clone(b.subscribers[event])
	}
	return out
}

// Emit dispatches every enabled subscriber of event one after another with
// data injected as event_data. A failing subscriber never stops the rest.
func (b *EventBus) Emit(ctx context.Context, event string, data any) []*TaskResult {
	ids := b.Subscribers(event)
	logger := b.logger.With().Str("event", event).Logger()
	logger.Info().Int("subscribers", len(ids)).Msg("event emitted")

	var results []*TaskResult
	for _, id := range ids {
		task, ok := b.store.Get(id)
		if !ok {
			logger.Warn().Str("task_id", id).Msg("subscriber no longer exists")
			continue
		}
		if !task.Enabled {
			continue
		}
		if result := b.dispatcher.DispatchEvent(ctx, id, data); result != nil {
			results = append(results, result)
		}
	}
	return results
}
