package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeThenPublishOrdering(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe("library-1")

	bus.Publish("library-1", ProgressEvent{
		Type:    EventBatchCreated,
		Payload: BatchCreatedPayload{TotalBatches: 5, TotalTracks: 23, BatchSize: 5},
	})
	bus.Publish("library-1", ProgressEvent{
		Type:       EventBatchProcessing,
		BatchIndex: IntPtr(0),
		Payload:    BatchProcessingPayload{TrackCount: 5},
	})

	first := <-sub.Events
	assert.Equal(t, EventBatchCreated, first.Type)
	assert.False(t, first.Timestamp.IsZero(), "publish must stamp a timestamp")

	second := <-sub.Events
	assert.Equal(t, EventBatchProcessing, second.Type)
	require.NotNil(t, second.BatchIndex)
	assert.Equal(t, 0, *second.BatchIndex)
}

func TestPublishWithoutSubscribersIsLost(t *testing.T) {
	bus := NewBus(nil)

	// No subscriber yet: the event goes nowhere.
	bus.Publish("library-1", ProgressEvent{Type: EventBatchCreated})

	sub := bus.Subscribe("library-1")
	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected replayed event: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberLosesEvents(t *testing.T) {
	bus := NewBus(nil, WithSubscriberBuffer(1))
	sub := bus.Subscribe("library-1")

	for i := 0; i < 3; i++ {
		bus.Publish("library-1", ProgressEvent{
			Type:       EventTrackComplete,
			BatchIndex: IntPtr(i),
		})
	}

	// Only the first event fits in the buffer; the rest were dropped.
	ev := <-sub.Events
	require.NotNil(t, ev.BatchIndex)
	assert.Equal(t, 0, *ev.BatchIndex)

	select {
	case ev := <-sub.Events:
		t.Fatalf("expected dropped events, got %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIndependentErrorChannel(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe("library-1")

	bus.PublishError("library-1", ErrorEvent{
		Severity: SeverityWarning,
		Source:   "batch-worker",
		Code:     "TRACK_ANALYSIS_FAILED",
		Message:  "unreadable file",
	})

	errEvent := <-sub.Errors
	assert.Equal(t, SeverityWarning, errEvent.Severity)
	assert.Equal(t, "TRACK_ANALYSIS_FAILED", errEvent.Code)
	assert.Equal(t, "library-1", errEvent.SessionID)
	assert.False(t, errEvent.Timestamp.IsZero())

	select {
	case ev := <-sub.Events:
		t.Fatalf("error must not appear on the progress channel: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	bus := NewBus(nil)
	a := bus.Subscribe("library-1")
	b := bus.Subscribe("library-1")
	assert.Equal(t, 2, bus.SubscriberCount("library-1"))

	bus.Publish("library-1", ProgressEvent{Type: EventScanComplete})

	assert.Equal(t, EventScanComplete, (<-a.Events).Type)
	assert.Equal(t, EventScanComplete, (<-b.Events).Type)
}

func TestUnsubscribeClosesStreams(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe("library-1")

	bus.Unsubscribe("library-1", sub.ID)
	_, open := <-sub.Events
	assert.False(t, open)
	_, open = <-sub.Errors
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount("library-1"))

	// Unsubscribing twice is harmless.
	bus.Unsubscribe("library-1", sub.ID)
}

func TestCloseSessionCompletesAllStreams(t *testing.T) {
	bus := NewBus(nil)
	a := bus.Subscribe("library-1")
	b := bus.Subscribe("library-1")

	bus.Publish("library-1", ProgressEvent{Type: EventScanComplete})
	bus.CloseSession("library-1")

	// Buffered events drain before the close is observed.
	ev, open := <-a.Events
	require.True(t, open)
	assert.Equal(t, EventScanComplete, ev.Type)
	_, open = <-a.Events
	assert.False(t, open)
	ev, open = <-b.Events
	require.True(t, open)
	assert.Equal(t, EventScanComplete, ev.Type)

	assert.Equal(t, 0, bus.SubscriberCount("library-1"))
}

func TestCachedStateSurvivesSessionClose(t *testing.T) {
	bus := NewBus(nil)

	bus.SetCachedState("library-1", StatePayload{
		SessionID:       "library-1",
		Status:          "idle",
		OverallProgress: 100,
	})
	bus.CloseSession("library-1")

	state, ok := bus.CachedState("library-1")
	require.True(t, ok, "terminal state must stay replayable after close")
	assert.Equal(t, "idle", state.Status)
	assert.Equal(t, 100, state.OverallProgress)
}

func TestCachedStateExpires(t *testing.T) {
	bus := NewBus(nil, WithStateCacheTTL(20*time.Millisecond))

	bus.SetCachedState("library-1", StatePayload{SessionID: "library-1", Status: "scanning"})
	_, ok := bus.CachedState("library-1")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = bus.CachedState("library-1")
	assert.False(t, ok)
}

func TestSessionsAreIsolated(t *testing.T) {
	bus := NewBus(nil)
	one := bus.Subscribe("library-1")
	two := bus.Subscribe("library-2")

	bus.Publish("library-1", ProgressEvent{Type: EventBatchCreated})

	assert.Equal(t, EventBatchCreated, (<-one.Events).Type)
	select {
	case ev := <-two.Events:
		t.Fatalf("event leaked across sessions: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHealth(t *testing.T) {
	bus := NewBus(nil)
	assert.NoError(t, bus.Health())
}
