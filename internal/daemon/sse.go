package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseHeartbeat is how often an idle stream receives a daemon_status event.
var sseHeartbeat = 30 * time.Second

// handleSSEEvents streams indexing progress as Server-Sent Events.
// GET /api/v1/events
//
// Uploads, rebuilds and watcher activity publish kb_* events; clients
// should reconnect when the daemon restarts.
//
// Event format:
//
//	id: <event_id>
//	event: <event_type>
//	data: <json_payload>
func (d *Daemon) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable proxy buffering

	// Ensure we can flush
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe to indexing events
	subID, eventCh := d.events.Subscribe()
	if eventCh == nil {
		http.Error(w, "event bus closed", http.StatusServiceUnavailable)
		return
	}
	defer d.events.Unsubscribe(subID)

	d.logger.Debug().
		Uint64("subscriber_id", subID).
		Msg("SSE client connected")

	// Send initial connection event
	if err := writeSSEEvent(w, flusher, &Event{
		Type:      "connected",
		Timestamp: time.Now(),
		Data:      json.RawMessage(`{"message":"connected to event stream"}`),
	}); err != nil {
		return
	}

	// Heartbeat keeps idle connections open through proxies
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	// Stream until the client disconnects or the daemon stops
	for {
		select {
		case <-r.Context().Done():
			// Client disconnected
			d.logger.Debug().
				Uint64("subscriber_id", subID).
				Msg("SSE client disconnected")
			return

		case <-d.shutdownCh:
			// Daemon shutting down
			writeSSEEvent(w, flusher, &Event{
				Type:      "shutdown",
				Timestamp: time.Now(),
				Data:      json.RawMessage(`{"message":"daemon shutting down"}`),
			})
			return

		case event, ok := <-eventCh:
			if !ok {
				// Bus closed
				return
			}
			if err := writeSSEEvent(w, flusher, event); err != nil {
				d.logger.Debug().
					Err(err).
					Uint64("subscriber_id", subID).
					Msg("failed to write SSE event")
				return
			}

		case <-heartbeat.C:
			// Send heartbeat with daemon status
			d.mu.RLock()
			start := d.startTime
			d.mu.RUnlock()

			data, _ := json.Marshal(DaemonStatusData{
				Status:      "running",
				Uptime:      time.Since(start).Truncate(time.Second).String(),
				StartTime:   start,
				Subscribers: d.events.SubscriberCount(),
			})
			if err := writeSSEEvent(w, flusher, &Event{
				Type:      EventDaemonStatus,
				Timestamp: time.Now(),
				Data:      data,
			}); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes a single SSE event and flushes it.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event *Event) error {
	// SSE format:
	// id: <id>
	// event: <type>
	// data: <json>
	// <blank line>

	// Synthetic events (connected, shutdown, heartbeat) carry no ID
	if event.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.ID); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}

	flusher.Flush()
	return nil
}

// SSEStats reports event stream subscribers.
type SSEStats struct {
	Subscribers int `json:"subscribers"`
}

// handleSSEStats returns SSE connection statistics.
// GET /api/v1/events/stats
func (d *Daemon) handleSSEStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SSEStats{Subscribers: d.events.SubscriberCount()})
}
