package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blopit/microtask/pkg/models"
)

// subscriberBuffer bounds each subscriber's channel. A subscriber that
// falls further behind misses live deliveries and is expected to replay
// from its last seen event_id (delivery is at-least-once, events are
// idempotent by event_id).
const subscriberBuffer = 64

// Subscription receives a user's events in commit order. Close the
// subscription via its cancel function, not the channel.
type Subscription struct {
	C      <-chan models.Event
	id     uint64
	userID string
}

// Bus publishes domain events (persist + NOTIFY in one transaction) and
// fans committed events out to in-process subscribers.
type Bus struct {
	pool *pgxpool.Pool

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscriber
}

type subscriber struct {
	userID string // empty subscribes to every user
	ch     chan models.Event
}

// NewBus builds a Bus over the given pool.
func NewBus(pool *pgxpool.Pool) *Bus {
	return &Bus{pool: pool, subs: make(map[uint64]subscriber)}
}

// Publish persists the event and broadcasts it in a single transaction;
// pg_notify is transactional, so the notification fires iff the row
// commits, in commit order.
func (b *Bus) Publish(ctx context.Context, e *models.Event) (uuid.UUID, error) {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling event payload: %w", err)
	}
	wire, err := encodeWire(e)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding notify payload: %w", err)
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO events (event_id, user_id, task_id, step_id, event_type, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.EventID, e.UserID, e.TaskID, e.StepID, e.EventType, payload, e.OccurredAt); err != nil {
		return uuid.Nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(wire)); err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return e.EventID, nil
}

// NotifyCommitted broadcasts events that an outer transaction already
// persisted (step completion writes its events inside the completion
// transaction). Best-effort: a failed notify only costs liveness, the
// rows are durable and replayable.
func (b *Bus) NotifyCommitted(ctx context.Context, events []models.Event) {
	for i := range events {
		wire, err := encodeWire(&events[i])
		if err != nil {
			slog.Warn("Failed to encode committed event for notify",
				"event_id", events[i].EventID, "error", err)
			continue
		}
		if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(wire)); err != nil {
			slog.Warn("Failed to notify committed event",
				"event_id", events[i].EventID, "error", err)
		}
	}
}

// Subscribe registers an in-process subscriber for one user's events
// (empty userID for all users). The returned cancel function must be
// called exactly once.
func (b *Bus) Subscribe(userID string) (*Subscription, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan models.Event, subscriberBuffer)
	b.subs[id] = subscriber{userID: userID, ch: ch}

	sub := &Subscription{C: ch, id: id, userID: userID}
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub, cancel
}

// dispatch fans one committed event out to matching subscribers. Called
// only from the listener's receive loop, so per-subscriber order is the
// arrival (commit) order. A full subscriber is skipped, not blocked on.
func (b *Bus) dispatch(e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.userID != "" && s.userID != e.UserID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			slog.Warn("Subscriber lagging, dropping live event (replayable)",
				"event_id", e.EventID, "user_id", e.UserID)
		}
	}
}
