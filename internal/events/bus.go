// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the agent loop, replay cache, and tool
// client to subscribers such as the MQTT relay. The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"

	"github.com/nugget/steward/internal/clock"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceCassette identifies events from the interaction replay cache.
	SourceCassette = "cassette"
	// SourceTools identifies events from the tool invocation client.
	SourceTools = "tools"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an agent run.
	// Data: run_id, user_id, session_id, channel.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model call.
	// Data: run_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: run_id, iter, model, tokens_in, tokens_out, tool_call.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: run_id, action, requested.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, action, ok, duration_ms, error_category.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of an agent run.
	// Data: run_id, success, iterations, error_category, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindReplayHit signals a recorded interaction was replayed.
	// Data: cassette, hash, index.
	KindReplayHit = "replay_hit"
	// KindReplayRecord signals a live interaction was recorded.
	// Data: cassette, hash, response_ms.
	KindReplayRecord = "replay_record"
	// KindReplayMiss signals no recorded interaction matched in playback.
	// Data: cassette, hash, cursor.
	KindReplayMiss = "replay_miss"
	// KindCassetteSaved signals a modified cassette was persisted.
	// Data: cassette, interactions.
	KindCassetteSaved = "cassette_saved"

	// KindInvokeFailed signals a tool invocation returned an error.
	// Data: action, category, timeout.
	KindInvokeFailed = "invoke_failed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	clock clock.Clock

	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus stamping events with wall-clock time.
func New() *Bus {
	return NewWithClock(clock.Real{})
}

// NewWithClock creates a bus whose Emit timestamps come from c. Runs
// replayed from a cassette use a frozen clock so their event stream is
// reproducible.
func NewWithClock(c clock.Clock) *Bus {
	if c == nil {
		c = clock.Real{}
	}
	return &Bus{
		clock:      c,
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Emit publishes an event stamped with the bus clock. Safe to call on
// a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: b.clock.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// the MQTT relay.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
