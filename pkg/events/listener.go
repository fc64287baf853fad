package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EventFetcher hydrates truncated notifications from the events table.
type EventFetcher interface {
	FetchEvent(ctx context.Context, eventID uuid.UUID) (payload map[string]any, err error)
}

// Listener owns the dedicated LISTEN connection and feeds the Bus's
// dispatch. It reconnects with backoff when the connection drops.
type Listener struct {
	connString string
	bus        *Bus
	fetcher    EventFetcher // nil: truncated events dispatched without payload

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewListener builds a Listener for the Bus. fetcher may be nil.
func NewListener(connString string, bus *Bus, fetcher EventFetcher) *Listener {
	return &Listener{connString: connString, bus: bus, fetcher: fetcher}
}

// Start launches the receive loop. Returns after the first successful
// connection so startup fails fast on a bad DSN.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.receiveLoop(loopCtx, conn)
	}()

	slog.Info("Event listener started", "channel", Channel)
	return nil
}

// Stop signals the receive loop to exit and waits for it.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		if l.done != nil {
			<-l.done
		}
	})
}

func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

// receiveLoop blocks on notifications and dispatches them in arrival
// order; arrival order is commit order because pg_notify is
// transactional.
func (l *Listener) receiveLoop(ctx context.Context, conn *pgx.Conn) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Event listener connection lost, reconnecting", "error", err)
			conn = l.reconnect(ctx, conn)
			if conn == nil {
				return
			}
			continue
		}
		l.handle(ctx, []byte(notification.Payload))
	}
}

// reconnect retries with capped backoff until the context dies.
func (l *Listener) reconnect(ctx context.Context, old *pgx.Conn) *pgx.Conn {
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = old.Close(closeCtx)
	cancel()

	delay := 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		conn, err := l.connect(ctx)
		if err == nil {
			slog.Info("Event listener reconnected")
			return conn
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		slog.Warn("Event listener reconnect failed", "error", err, "retry_in", delay)
		if delay < 5*time.Second {
			delay *= 2
		}
	}
}

func (l *Listener) handle(ctx context.Context, raw []byte) {
	e, truncated, err := decodeWire(raw)
	if err != nil {
		slog.Warn("Dropping undecodable notification", "error", err)
		return
	}
	if truncated && l.fetcher != nil {
		payload, err := l.fetcher.FetchEvent(ctx, e.EventID)
		if err != nil {
			slog.Warn("Failed to hydrate truncated event", "event_id", e.EventID, "error", err)
		} else {
			e.Payload = payload
		}
	}
	l.bus.dispatch(*e)
}
