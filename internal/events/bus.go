package events

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultStateCacheTTL bounds how long a cached state snapshot stays
// replayable to newly connecting clients.
const DefaultStateCacheTTL = 24 * time.Hour

// DefaultSubscriberBuffer is the per-subscriber channel capacity. A
// subscriber that falls this far behind starts losing events.
const DefaultSubscriberBuffer = 64

// Subscription is one listener attached to a session's event channel.
// Events and Errors are closed when the session channel is torn down or
// the subscription is cancelled.
type Subscription struct {
	ID     string
	Events <-chan ProgressEvent
	Errors <-chan ErrorEvent

	events chan ProgressEvent
	errors chan ErrorEvent
	closed bool
}

type sessionChannel struct {
	subscribers map[string]*Subscription
}

type cachedState struct {
	state   StatePayload
	savedAt time.Time
}

// Bus is a per-session pub/sub channel with a small bounded-TTL cache of
// the last known state per session. Publishing is fire-and-forget:
// delivery failures are logged and never surfaced to the scan workload.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]*sessionChannel
	cache    map[string]cachedState

	cacheTTL time.Duration
	bufSize  int
	logger   hclog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithStateCacheTTL overrides the cached-state TTL.
func WithStateCacheTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.cacheTTL = ttl }
}

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) { b.bufSize = n }
}

// NewBus creates a session event bus.
func NewBus(logger hclog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	b := &Bus{
		channels: make(map[string]*sessionChannel),
		cache:    make(map[string]cachedState),
		cacheTTL: DefaultStateCacheTTL,
		bufSize:  DefaultSubscriberBuffer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// channelFor lazily creates the session channel, so a subscriber may
// attach before the publisher exists.
func (b *Bus) channelFor(sessionID string) *sessionChannel {
	ch, ok := b.channels[sessionID]
	if !ok {
		ch = &sessionChannel{subscribers: make(map[string]*Subscription)}
		b.channels[sessionID] = ch
	}
	return ch
}

// Subscribe attaches a new listener to a session's event stream.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:     generateID("sub"),
		events: make(chan ProgressEvent, b.bufSize),
		errors: make(chan ErrorEvent, b.bufSize),
	}
	sub.Events = sub.events
	sub.Errors = sub.errors

	b.channelFor(sessionID).subscribers[sub.ID] = sub
	b.logger.Debug("subscriber attached", "session_id", sessionID, "subscription_id", sub.ID)
	return sub
}

// Unsubscribe detaches one listener and closes its streams.
func (b *Bus) Unsubscribe(sessionID, subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[sessionID]
	if !ok {
		return
	}
	sub, ok := ch.subscribers[subscriptionID]
	if !ok {
		return
	}
	delete(ch.subscribers, subscriptionID)
	closeSubscription(sub)
	if len(ch.subscribers) == 0 {
		delete(b.channels, sessionID)
	}
}

// CloseSession tears down a session's channel and completes all local
// listener streams. The cached state entry is left intact so late
// clients can still replay the terminal snapshot.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[sessionID]
	if !ok {
		return
	}
	for id, sub := range ch.subscribers {
		closeSubscription(sub)
		delete(ch.subscribers, id)
	}
	delete(b.channels, sessionID)
	b.logger.Debug("session channel closed", "session_id", sessionID)
}

// Publish delivers a progress event to all current subscribers of the
// session. Delivery is at-most-once and non-blocking; a slow subscriber
// loses the event.
func (b *Bus) Publish(sessionID string, event ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.SessionID = sessionID

	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.channels[sessionID]
	if !ok {
		return
	}
	for _, sub := range ch.subscribers {
		if sub.closed {
			continue
		}
		select {
		case sub.events <- event:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				"session_id", sessionID, "subscription_id", sub.ID, "event_type", event.Type)
		}
	}
}

// PublishError delivers an error event on the error channel, independent
// of the progress stream.
func (b *Bus) PublishError(sessionID string, event ErrorEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.SessionID = sessionID

	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.channels[sessionID]
	if !ok {
		return
	}
	for _, sub := range ch.subscribers {
		if sub.closed {
			continue
		}
		select {
		case sub.errors <- event:
		default:
			b.logger.Warn("subscriber buffer full, dropping error event",
				"session_id", sessionID, "subscription_id", sub.ID, "error_code", event.Code)
		}
	}
}

// SetCachedState stores the last known state snapshot for a session.
func (b *Bus) SetCachedState(sessionID string, state StatePayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[sessionID] = cachedState{state: state, savedAt: time.Now()}
}

// CachedState returns the cached snapshot if present and not expired.
func (b *Bus) CachedState(sessionID string) (StatePayload, bool) {
	b.mu.RLock()
	entry, ok := b.cache[sessionID]
	b.mu.RUnlock()

	if !ok {
		return StatePayload{}, false
	}
	if time.Since(entry.savedAt) > b.cacheTTL {
		b.mu.Lock()
		// Re-check under the write lock; a fresher snapshot may have landed.
		if cur, ok := b.cache[sessionID]; ok && time.Since(cur.savedAt) > b.cacheTTL {
			delete(b.cache, sessionID)
		}
		b.mu.Unlock()
		return StatePayload{}, false
	}
	return entry.state, true
}

// SubscriberCount reports the number of live subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ch, ok := b.channels[sessionID]; ok {
		return len(ch.subscribers)
	}
	return 0
}

// Health reports whether the bus is in a usable state.
func (b *Bus) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.channels == nil {
		return fmt.Errorf("event bus not initialized")
	}
	return nil
}

func closeSubscription(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)
	close(sub.errors)
}

func generateID(prefix string) string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(bytes))
}
