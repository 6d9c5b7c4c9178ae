package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chanConn is an in-memory Conn backed by channel pairs. Two of them wired
// back to back give a full-duplex link without sockets.
type chanConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newChanPair() (*chanConn, *chanConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	closed := make(chan struct{})
	a := &chanConn{in: ba, out: ab, closed: closed}
	b := &chanConn{in: ab, out: ba, closed: closed}
	return a, b
}

func (c *chanConn) ReadJSON(v interface{}) error {
	// Prefer buffered data so messages written before Close are not lost,
	// mirroring a real conn whose receive buffer survives the close.
	select {
	case data, ok := <-c.in:
		if !ok {
			return errClosed
		}
		return json.Unmarshal(data, v)
	default:
	}
	select {
	case data, ok := <-c.in:
		if !ok {
			return errClosed
		}
		return json.Unmarshal(data, v)
	case <-c.closed:
		return errClosed
	}
}

func (c *chanConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errClosed
	}
}

func (c *chanConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "conn closed" }

// readMsg pulls the next message the session wrote to its conn.
func readMsg(t *testing.T, c *chanConn) Msg {
	t.Helper()
	var msg Msg
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func TestSession_DeltasAreFannedOut(t *testing.T) {
	local, remote := newChanPair()
	s := NewSession(local, DocumentName("d1"), zap.NewNop().Sugar())
	defer s.Close()

	require.NoError(t, remote.WriteJSON(Msg{Type: MsgUpdate, Delta: []byte("delta-1")}))
	require.NoError(t, remote.WriteJSON(Msg{Type: MsgUpdate, Delta: []byte("delta-2")}))

	assert.Equal(t, []byte("delta-1"), <-s.Deltas())
	assert.Equal(t, []byte("delta-2"), <-s.Deltas())
}

func TestSession_SyncedSignal(t *testing.T) {
	local, remote := newChanPair()
	s := NewSession(local, DocumentName("d1"), zap.NewNop().Sugar())
	defer s.Close()

	select {
	case <-s.Synced():
		t.Fatal("synced before the relay said so")
	default:
	}

	require.NoError(t, remote.WriteJSON(Msg{Type: MsgSynced}))

	select {
	case <-s.Synced():
	case <-time.After(time.Second):
		t.Fatal("synced signal never arrived")
	}

	// A second synced message is tolerated.
	require.NoError(t, remote.WriteJSON(Msg{Type: MsgSynced}))
}

func TestSession_AccessRevokedSignal(t *testing.T) {
	local, remote := newChanPair()
	s := NewSession(local, DocumentName("d1"), zap.NewNop().Sugar())
	defer s.Close()

	require.NoError(t, remote.WriteJSON(Msg{Type: MsgAccessRevoked}))

	select {
	case <-s.Revoked():
	case <-time.After(time.Second):
		t.Fatal("revoked signal never arrived")
	}
}

func TestSession_SendDelta(t *testing.T) {
	local, remote := newChanPair()
	s := NewSession(local, DocumentName("d1"), zap.NewNop().Sugar())
	defer s.Close()

	require.NoError(t, s.SendDelta([]byte("outbound")))

	msg := readMsg(t, remote)
	assert.Equal(t, MsgUpdate, msg.Type)
	assert.Equal(t, DocumentName("d1"), msg.DocName)
	assert.Equal(t, []byte("outbound"), msg.Delta)
}

func TestSession_CloseSendsBye(t *testing.T) {
	local, remote := newChanPair()
	s := NewSession(local, DocumentName("d1"), zap.NewNop().Sugar())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close must be safe")

	msg := readMsg(t, remote)
	assert.Equal(t, MsgBye, msg.Type)
}

func TestSession_ByeEndsReadLoop(t *testing.T) {
	local, remote := newChanPair()
	s := NewSession(local, DocumentName("d1"), zap.NewNop().Sugar())
	defer s.Close()

	require.NoError(t, remote.WriteJSON(Msg{Type: MsgBye}))

	select {
	case _, ok := <-s.Deltas():
		assert.False(t, ok, "deltas channel should close after bye")
	case <-time.After(time.Second):
		t.Fatal("read loop did not end on bye")
	}
}
