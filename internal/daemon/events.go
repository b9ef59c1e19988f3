package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/simpleflo/kbchat/internal/kb"
	"github.com/simpleflo/kbchat/pkg/models"
)

// EventType names a knowledge base event streamed to clients.
type EventType string

const (
	EventFileIndexed      EventType = "kb_file_indexed"
	EventFileFailed       EventType = "kb_file_failed"
	EventFileDeleted      EventType = "kb_file_deleted"
	EventCategoryDeleted  EventType = "kb_category_deleted"
	EventRebuildStarted   EventType = "kb_rebuild_started"
	EventRebuildCompleted EventType = "kb_rebuild_completed"
	EventRebuildFailed    EventType = "kb_rebuild_failed"

	EventDaemonStatus EventType = "daemon_status"
)

// Event is one published event.
type Event struct {
	ID        uint64          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventBus fans events out to SSE subscribers. A subscriber whose buffer
// is full misses the event; publishers never block.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan *Event
	nextID      uint64
	eventID     atomic.Uint64
	bufferSize  int
	closed      bool
}

// NewEventBus creates an EventBus with the given per-subscriber buffer.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make(map[uint64]chan *Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a subscription ID and its channel. The channel is nil
// once the bus is closed.
func (eb *EventBus) Subscribe() (uint64, <-chan *Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return 0, nil
	}

	id := eb.nextID
	eb.nextID++

	ch := make(chan *Event, eb.bufferSize)
	eb.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (eb *EventBus) Unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.subscribers[id]; ok {
		close(ch)
		delete(eb.subscribers, id)
	}
}

// Publish marshals data and broadcasts it.
func (eb *EventBus) Publish(eventType EventType, data interface{}) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}

	event := &Event{
		ID:        eb.eventID.Add(1),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return nil
	}
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for id, ch := range eb.subscribers {
		close(ch)
		delete(eb.subscribers, id)
	}
}

// FileEventData describes one indexed, failed or deleted document.
type FileEventData struct {
	Path           string `json:"path"`
	Category       string `json:"category"`
	Chunks         int    `json:"chunks,omitempty"`
	GlobalMirrored bool   `json:"global_mirrored,omitempty"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
	Origin         string `json:"origin"` // "upload", "index", "watch"
}

// CategoryEventData describes a deleted category.
type CategoryEventData struct {
	Category string `json:"category"`
}

// RebuildEventData describes a rebuild's start or end.
type RebuildEventData struct {
	RebuildID string `json:"rebuild_id,omitempty"`
	Scope     string `json:"scope"`
	Indexed   int    `json:"indexed"`
	Skipped   int    `json:"skipped"`
	Records   int    `json:"records"`
	Duration  string `json:"duration,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DaemonStatusData is the SSE heartbeat payload.
type DaemonStatusData struct {
	Status      string    `json:"status"`
	Uptime      string    `json:"uptime"`
	StartTime   time.Time `json:"start_time"`
	Subscribers int       `json:"subscribers"`
}

func (eb *EventBus) publishStats(origin string, stats *kb.IndexStats) {
	eb.Publish(EventFileIndexed, FileEventData{
		Path:           stats.Path,
		Category:       stats.Category,
		Chunks:         stats.Chunks,
		GlobalMirrored: stats.GlobalMirrored,
		Origin:         origin,
	})
}

func (eb *EventBus) publishFailure(origin string, f kb.FileFailure) {
	eb.Publish(EventFileFailed, FileEventData{
		Path:     f.Path,
		Category: f.Category,
		Code:     f.Code,
		Error:    f.Reason,
		Origin:   origin,
	})
}

// publishBatch emits one event per file in a batch report.
func (eb *EventBus) publishBatch(origin string, report *kb.BatchReport) {
	if report == nil {
		return
	}
	for i := range report.Indexed {
		eb.publishStats(origin, &report.Indexed[i])
	}
	for _, f := range report.Failures {
		eb.publishFailure(origin, f)
	}
}

func rebuildEvent(report *kb.RebuildReport) RebuildEventData {
	return RebuildEventData{
		RebuildID: report.RebuildID,
		Scope:     report.Scope,
		Indexed:   report.Indexed,
		Skipped:   report.Skipped,
		Records:   report.Records,
		Duration:  report.Duration().Truncate(time.Millisecond).String(),
	}
}

// publishingIndexer reports every file the watcher indexes on the bus.
type publishingIndexer struct {
	inner kb.FileIndexer
	bus   *EventBus
}

func (p *publishingIndexer) IndexOne(ctx context.Context, path, category string) (*kb.IndexStats, error) {
	stats, err := p.inner.IndexOne(ctx, path, category)
	if err != nil {
		code := string(models.ErrIndexFailed)
		if kbErr, ok := models.AsKBError(err); ok {
			code = string(kbErr.Code)
		}
		p.bus.Publish(EventFileFailed, FileEventData{
			Path:     path,
			Category: category,
			Code:     code,
			Error:    err.Error(),
			Origin:   "watch",
		})
		return nil, err
	}
	p.bus.publishStats("watch", stats)
	return stats, nil
}
