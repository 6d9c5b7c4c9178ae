package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/loomnotes/loom/errors"
)

// Session is one live replication exchange for a single document. The
// orchestrator races Synced() against its per-document timeout, drains
// Deltas() into the local replica, and watches Revoked() for mid-session
// authorization loss.
type Session interface {
	SendDelta(delta []byte) error
	Deltas() <-chan []byte
	Synced() <-chan struct{}
	Revoked() <-chan struct{}
	Close() error
}

// session runs the read loop over a Conn and fans messages out to channels.
type session struct {
	conn    Conn
	docName string
	logger  *zap.SugaredLogger

	deltas  chan []byte
	synced  chan struct{}
	revoked chan struct{}

	closeOnce  sync.Once
	syncOnce   sync.Once
	revokeOnce sync.Once
	done       chan struct{}
}

// NewSession wraps an already-authenticated Conn in a Session and starts its
// read loop. The websocket dialer calls this after the hello handshake;
// tests call it with a scripted Conn.
func NewSession(conn Conn, docName string, logger *zap.SugaredLogger) Session {
	s := &session{
		conn:    conn,
		docName: docName,
		logger:  logger,
		deltas:  make(chan []byte, 32),
		synced:  make(chan struct{}),
		revoked: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *session) readLoop() {
	defer close(s.deltas)

	for {
		var msg Msg
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
				// Closed locally; the read error is expected teardown noise.
			default:
				s.logger.Debugw("Relay session read ended",
					"doc", s.docName,
					"error", err,
				)
			}
			return
		}

		switch msg.Type {
		case MsgUpdate:
			select {
			case s.deltas <- msg.Delta:
			case <-s.done:
				return
			}
		case MsgSynced:
			s.syncOnce.Do(func() { close(s.synced) })
		case MsgAccessRevoked:
			s.revokeOnce.Do(func() { close(s.revoked) })
		case MsgBye:
			return
		default:
			s.logger.Warnw("Unexpected relay message",
				"doc", s.docName,
				"type", string(msg.Type),
			)
		}
	}
}

// SendDelta ships a local delta to the relay.
func (s *session) SendDelta(delta []byte) error {
	if err := s.conn.WriteJSON(Msg{Type: MsgUpdate, DocName: s.docName, Delta: delta}); err != nil {
		return errors.Wrapf(err, "failed to send delta for %s", s.docName)
	}
	return nil
}

func (s *session) Deltas() <-chan []byte    { return s.deltas }
func (s *session) Synced() <-chan struct{}  { return s.synced }
func (s *session) Revoked() <-chan struct{} { return s.revoked }

// Close tears the session down. Safe to call more than once.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Best-effort goodbye; the conn close is what matters.
		_ = s.conn.WriteJSON(Msg{Type: MsgBye, DocName: s.docName})
		err = s.conn.Close()
	})
	return err
}
