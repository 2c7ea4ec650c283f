package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/strongdm/conduit/internal/signals"
	"github.com/strongdm/conduit/internal/telemetry"
)

// Broadcaster fans the signal stream of one run out to SSE clients. Send
// satisfies signals.Subscriber so it can hang directly off the emitter.
type Broadcaster struct {
	mu      sync.Mutex
	history []signals.Signal
	clients map[uint64]chan signals.Signal
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed on Close(), not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan signals.Signal),
		doneCh:  make(chan struct{}),
	}
}

// Send records the signal and delivers it to every connected client. A
// client whose channel is full is dropped so the run loop never blocks on
// a slow consumer.
func (b *Broadcaster) Send(sig signals.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.history = append(b.history, sig)
	for id, ch := range b.clients {
		select {
		case ch <- sig:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
	return nil
}

// Subscribe returns a channel that replays all signals so far and then
// streams live ones, a done channel closed when the run finishes, and an
// unsubscribe function. The done channel distinguishes a finished run from
// a slow-client drop.
func (b *Broadcaster) Subscribe() (<-chan signals.Signal, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan signals.Signal, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Channel capacity covers all history plus live headroom, so replay
	// never blocks while holding the mutex.
	for _, sig := range b.history {
		ch <- sig
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the stream finished and disconnects all clients.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all signals broadcast so far.
func (b *Broadcaster) History() []signals.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]signals.Signal, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams a run's signals to an HTTP response as Server-Sent
// Events: history first, then live signals, then an "event: done" marker
// once the run finishes.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster, logger *zap.Logger, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sigCh, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				// Emit "done" only when the run actually finished, not when
				// this client was dropped for slowness.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(sig)
			if err != nil {
				telemetry.Emit(logger, telemetry.Event{
					Code:       telemetry.APIStreamSendFailed,
					Message:    err.Error(),
					Suppressed: true,
					RunID:      runID,
				})
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
