package events

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/microtask/pkg/models"
)

func testEvent(userID string) models.Event {
	taskID := uuid.New()
	return models.Event{
		EventID:    uuid.New(),
		EventType:  models.EventStepCompleted,
		UserID:     userID,
		TaskID:     &taskID,
		Payload:    map[string]any{"step_number": float64(1)},
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestWireRoundTrip(t *testing.T) {
	e := testEvent("u1")
	b, err := encodeWire(&e)
	require.NoError(t, err)

	got, truncated, err := decodeWire(b)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, e.EventType, got.EventType)
	assert.Equal(t, e.Payload, got.Payload)
	assert.True(t, e.OccurredAt.Equal(got.OccurredAt))
}

func TestWireTruncatesOversizedPayload(t *testing.T) {
	e := testEvent("u1")
	e.Payload = map[string]any{"blob": strings.Repeat("x", 9000)}

	b, err := encodeWire(&e)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), notifyLimit)

	got, truncated, err := decodeWire(b)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, e.EventID, got.EventID, "routing fields survive truncation")
	assert.Empty(t, got.Payload)
}

func TestDispatchFansOutToMatchingSubscribers(t *testing.T) {
	bus := NewBus(nil)

	alice, cancelAlice := bus.Subscribe("alice")
	defer cancelAlice()
	bob, cancelBob := bus.Subscribe("bob")
	defer cancelBob()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()

	e := testEvent("alice")
	bus.dispatch(e)

	select {
	case got := <-alice.C:
		assert.Equal(t, e.EventID, got.EventID)
	default:
		t.Fatal("alice should have received the event")
	}
	select {
	case <-bob.C:
		t.Fatal("bob must not receive alice's event")
	default:
	}
	select {
	case got := <-all.C:
		assert.Equal(t, e.EventID, got.EventID)
	default:
		t.Fatal("wildcard subscriber should have received the event")
	}
}

func TestDispatchPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus(nil)
	sub, cancel := bus.Subscribe("u1")
	defer cancel()

	var sent []uuid.UUID
	for range 10 {
		e := testEvent("u1")
		sent = append(sent, e.EventID)
		bus.dispatch(e)
	}
	for i := range sent {
		got := <-sub.C
		assert.Equal(t, sent[i], got.EventID, "position %d", i)
	}
}

func TestDispatchSkipsFullSubscriber(t *testing.T) {
	bus := NewBus(nil)
	sub, cancel := bus.Subscribe("u1")
	defer cancel()

	// Overflow the buffer; dispatch must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range subscriberBuffer + 10 {
			bus.dispatch(testEvent("u1"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a full subscriber")
	}
	assert.Len(t, sub.C, subscriberBuffer)
}

func TestCancelClosesChannelOnce(t *testing.T) {
	bus := NewBus(nil)
	sub, cancel := bus.Subscribe("u1")
	cancel()
	cancel() // second cancel is a no-op

	_, open := <-sub.C
	assert.False(t, open)

	// Dispatch after cancel must not panic on the closed channel.
	bus.dispatch(testEvent("u1"))
}

func TestListenerHandleDispatches(t *testing.T) {
	bus := NewBus(nil)
	sub, cancel := bus.Subscribe("")
	defer cancel()

	l := NewListener("", bus, nil)
	e := testEvent("u1")
	wire, err := encodeWire(&e)
	require.NoError(t, err)

	l.handle(t.Context(), wire)
	l.handle(t.Context(), []byte("not json at all"))

	got := <-sub.C
	assert.Equal(t, e.EventID, got.EventID)
	assert.Empty(t, sub.C, "undecodable payload dropped")
}
