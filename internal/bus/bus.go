// Package bus implements the in-process, priority-ordered publish/subscribe
// event bus (C2). Handlers for one event type run sequentially, in
// descending priority then registration order, all awaited to completion
// before the bus moves to the next handler in that emit call. Handler
// failures are captured and counted, never re-raised from Emit.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/models"
)

// HandlerFunc processes one event. A returned error is captured and
// counted but never aborts sibling handlers in the same emit.
type HandlerFunc func(ctx context.Context, event *models.Event) error

// HandlerID is the opaque, collision-free identifier returned by On and
// accepted by Off. Format: "<EVENT_TYPE>_<monotonic>_<random>".
type HandlerID string

type handlerEntry struct {
	id       HandlerID
	priority int
	seq      uint64
	fn       HandlerFunc
}

// Stats is a snapshot of cumulative bus activity (§4.1 getStats).
type Stats struct {
	TotalHandlers  int
	PerTypeCounts  map[models.EventType]int
	EventsEmitted  uint64
	HandlerErrors  uint64
}

// Bus is the event bus. The zero value is not usable — construct with New.
type Bus struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex // guards handlers; writer-rare, reader-frequent
	handlers map[models.EventType][]*handlerEntry

	seqCounter   uint64
	emitCounter  uint64
	errorCounter uint64
}

// New constructs an empty Bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:   logger.Sugar(),
		handlers: make(map[models.EventType][]*handlerEntry),
	}
}

// On registers fn for eventType at the given priority (higher runs first)
// and returns a stable id for later removal with Off.
func (b *Bus) On(eventType models.EventType, priority int, fn HandlerFunc) HandlerID {
	seq := atomic.AddUint64(&b.seqCounter, 1)
	id := HandlerID(fmt.Sprintf("%s_%d_%s", eventType, seq, uuid.NewString()[:8]))

	entry := &handlerEntry{id: id, priority: priority, seq: seq, fn: fn}

	b.mu.Lock()
	// Copy-on-write: rebuild the slice so concurrent readers never observe
	// a half-appended list.
	existing := b.handlers[eventType]
	next := make([]*handlerEntry, len(existing), len(existing)+1)
	copy(next, existing)
	next = append(next, entry)
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].priority != next[j].priority {
			return next[i].priority > next[j].priority
		}
		return next[i].seq < next[j].seq
	})
	b.handlers[eventType] = next
	b.mu.Unlock()

	return id
}

// Off removes a previously registered handler. Unknown ids are a no-op
// with a warning (§4.1).
func (b *Bus) Off(id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, list := range b.handlers {
		for i, h := range list {
			if h.id == id {
				next := make([]*handlerEntry, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				b.handlers[et] = next
				return
			}
		}
	}
	b.logger.Warnw("off: unknown handler id", "handlerId", id)
}

// ClearHandlers removes all handlers, or only those for the given event
// types when one or more are passed.
func (b *Bus) ClearHandlers(eventType ...models.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(eventType) == 0 {
		b.handlers = make(map[models.EventType][]*handlerEntry)
		return
	}
	for _, et := range eventType {
		delete(b.handlers, et)
	}
}

// Emit dispatches event synchronously to all handlers registered for its
// type, in descending priority / registration order, each awaited to
// completion before the next runs. It never returns a handler's error —
// failures are logged and counted.
func (b *Bus) Emit(ctx context.Context, event *models.Event) {
	b.mu.RLock()
	list := b.handlers[event.EventType]
	b.mu.RUnlock()

	atomic.AddUint64(&b.emitCounter, 1)

	if len(list) == 0 {
		b.logger.Debugw("emit: no handlers registered", "eventType", event.EventType)
		return
	}

	for _, h := range list {
		if err := h.fn(ctx, event); err != nil {
			atomic.AddUint64(&b.errorCounter, 1)
			b.logger.Errorw("handler failed",
				"handlerId", h.id,
				"eventType", event.EventType,
				"error", err,
			)
		}
	}
}

// GetStats returns a snapshot of cumulative bus activity.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	perType := make(map[models.EventType]int, len(b.handlers))
	total := 0
	for et, list := range b.handlers {
		perType[et] = len(list)
		total += len(list)
	}

	return Stats{
		TotalHandlers: total,
		PerTypeCounts: perType,
		EventsEmitted: atomic.LoadUint64(&b.emitCounter),
		HandlerErrors: atomic.LoadUint64(&b.errorCounter),
	}
}
