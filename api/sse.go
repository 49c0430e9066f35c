/*
sse.go - Server-sent event broadcasting for fetch progress

PURPOSE:
  The frontend watches a machine download live. Each connected browser gets
  its own channel, keyed by a UUID; the fetcher publishes progress events to
  every subscriber. Slow subscribers are skipped rather than blocking the
  publisher.

WIRE FORMAT:
  Standard text/event-stream frames, one JSON object per "data:" line, plus
  a comment heartbeat every 30 seconds so idle proxies keep the connection.
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	heartbeatInterval = 30 * time.Second

	// subscriberBuffer absorbs bursts; a full buffer drops events for that
	// subscriber instead of stalling the fetch run.
	subscriberBuffer = 16
)

// ProgressEvent is one frame of fetch progress.
type ProgressEvent struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// Broker fans progress events out to SSE subscribers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]chan ProgressEvent
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]chan ProgressEvent)}
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() (string, <-chan ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan ProgressEvent, subscriberBuffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe drops a subscriber. Safe to call twice.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber that has buffer room.
func (b *Broker) Publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ServeHTTP streams progress events to one client until it disconnects.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
