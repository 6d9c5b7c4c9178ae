// Package notify listens on the live notification channel: the server pushes
// a small event when a document changes remotely or when the principal's
// access set changes. Events fan out to subscribers, which drive targeted
// snapshot refreshes and a debounced reconcile rather than a full cycle.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomnotes/loom/errors"
)

// Event types pushed by the server.
const (
	EventDocChanged    = "doc_changed"
	EventAccessChanged = "access_changed"
)

// Event is one pushed notification.
type Event struct {
	Type  string `json:"type"`
	DocID string `json:"doc_id,omitempty"`
}

// Conn is the read side of the notification channel.
type Conn interface {
	ReadJSON(v interface{}) error
	Close() error
}

// DialFunc opens a notification connection.
type DialFunc func(ctx context.Context) (Conn, error)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Listener maintains the notification connection and fans events out to
// subscribers. It reconnects with exponential backoff; OnConnect hooks fire
// after every successful (re)connect, which is where outbox replay hangs.
type Listener struct {
	dial   DialFunc
	logger *zap.SugaredLogger

	mu        sync.Mutex
	onDoc     []func(docID string)
	onAccess  []func()
	onConnect []func()
}

// NewListener creates a listener that dials the given websocket URL.
func NewListener(url, token string, logger *zap.SugaredLogger) *Listener {
	return NewListenerWithDial(func(ctx context.Context) (Conn, error) {
		header := map[string][]string{}
		if token != "" {
			header["Authorization"] = []string{"Bearer " + token}
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, errors.Wrap(errors.ErrServiceUnavailable, err.Error())
		}
		return conn, nil
	}, logger)
}

// NewListenerWithDial creates a listener over a custom dialer. Tests use
// this with scripted connections.
func NewListenerWithDial(dial DialFunc, logger *zap.SugaredLogger) *Listener {
	return &Listener{dial: dial, logger: logger}
}

// OnDocChanged registers a subscriber for remote document mutations.
func (l *Listener) OnDocChanged(fn func(docID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDoc = append(l.onDoc, fn)
}

// OnAccessChanged registers a subscriber for access-set changes.
func (l *Listener) OnAccessChanged(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAccess = append(l.onAccess, fn)
}

// OnConnect registers a hook that runs after each successful connect.
func (l *Listener) OnConnect(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConnect = append(l.onConnect, fn)
}

// Run connects and dispatches events until ctx is cancelled. Connection
// loss is survivable: the listener backs off and redials.
func (l *Listener) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := l.dial(ctx)
		if err != nil {
			l.logger.Warnw("Notification channel dial failed",
				"retry_in", backoff.String(),
				"error", err,
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin

		l.logger.Infow("Notification channel connected")
		for _, fn := range l.hooks() {
			fn()
		}

		l.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warnw("Notification channel lost, reconnecting")
	}
}

// readLoop dispatches events until the connection breaks or ctx ends.
func (l *Listener) readLoop(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		l.dispatch(ev)
	}
}

func (l *Listener) dispatch(ev Event) {
	l.mu.Lock()
	onDoc := append([]func(string){}, l.onDoc...)
	onAccess := append([]func(){}, l.onAccess...)
	l.mu.Unlock()

	switch ev.Type {
	case EventDocChanged:
		if ev.DocID == "" {
			l.logger.Warnw("doc_changed event without doc_id")
			return
		}
		for _, fn := range onDoc {
			fn(ev.DocID)
		}
	case EventAccessChanged:
		for _, fn := range onAccess {
			fn()
		}
	default:
		l.logger.Debugw("Ignoring unknown notification", "type", ev.Type)
	}
}

func (l *Listener) hooks() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]func(){}, l.onConnect...)
}
