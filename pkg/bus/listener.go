package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// MessageHandler consumes one raw bus message. Errors are the handler's
// to surface; the listener only logs decode-level failures.
type MessageHandler func(ctx context.Context, env Envelope)

// Listener receives NOTIFY messages on the exchange channel over a
// dedicated connection. The receive loop is the sole user of the pgx
// connection; on connection loss it reconnects with backoff and
// re-issues LISTEN.
type Listener struct {
	connString string
	exchange   string
	handler    MessageHandler

	conn   *pgx.Conn
	connMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a listener for the given exchange channel.
func NewListener(connString, exchange string, handler MessageHandler) *Listener {
	return &Listener{
		connString: connString,
		exchange:   exchange,
		handler:    handler,
	}
}

// Start establishes the LISTEN connection and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connecting for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.exchange}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s failed: %w", l.exchange, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Bus listener started", "exchange", l.exchange)
	return nil
}

// receiveLoop waits for notifications and dispatches them to the
// handler. Decode failures are logged and dropped; the catchup sweep
// picks the event up from the log.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "exchange", l.exchange, "error", err)
			l.reconnect(ctx)
			continue
		}

		env, err := DecodeEnvelope([]byte(notification.Payload))
		if err != nil {
			slog.Error("Dropping undecodable bus message", "exchange", l.exchange, "error", err)
			continue
		}
		l.handler(ctx, env)
	}
}

// reconnect re-establishes the LISTEN connection with exponential
// backoff.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.exchange}.Sanitize()); err != nil {
			slog.Error("Re-LISTEN failed", "exchange", l.exchange, "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn
		slog.Info("Bus listener reconnected", "exchange", l.exchange)
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *Listener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
