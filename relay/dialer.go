package relay

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomnotes/loom/errors"
)

// Dialer opens relay sessions. One dialer is shared by all concurrent
// document syncs within a cycle and torn down when the cycle ends, bounding
// socket lifetime.
type Dialer interface {
	Dial(ctx context.Context, docID string) (Session, error)
	Close() error
}

// WSDialer dials the relay over websocket, authenticating each session with
// the configured token.
type WSDialer struct {
	url    string
	token  string
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions []Session
	closed   bool
}

// NewWSDialer creates a websocket relay dialer.
func NewWSDialer(url, token string, logger *zap.SugaredLogger) *WSDialer {
	return &WSDialer{
		url:    url,
		token:  token,
		logger: logger,
	}
}

// Dial opens and authenticates a session for the given document.
func (d *WSDialer) Dial(ctx context.Context, docID string) (Session, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("relay dialer is closed")
	}
	d.mu.Unlock()

	docName := DocumentName(docID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}

	if err := d.handshake(conn, docName); err != nil {
		conn.Close()
		return nil, err
	}

	s := NewSession(conn, docName, d.logger)

	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()

	d.logger.Debugw("Relay session opened", "doc", docName)
	return s, nil
}

// handshake sends the hello and waits for the relay's verdict.
func (d *WSDialer) handshake(conn Conn, docName string) error {
	if err := conn.WriteJSON(Msg{Type: MsgHello, DocName: docName, Token: d.token}); err != nil {
		return errors.Wrapf(err, "failed to send relay hello for %s", docName)
	}

	var ack Msg
	if err := conn.ReadJSON(&ack); err != nil {
		return errors.Wrapf(err, "failed to read relay hello ack for %s", docName)
	}
	if ack.Type != MsgHelloAck {
		return errors.Newf("expected %s, got %s", MsgHelloAck, ack.Type)
	}
	if ack.Accepted == nil || !*ack.Accepted {
		return errors.Wrapf(errors.ErrUnauthorized, "relay rejected session for %s", docName)
	}
	return nil
}

// Close tears down every session opened through this dialer.
func (d *WSDialer) Close() error {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = nil
	d.closed = true
	d.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}
