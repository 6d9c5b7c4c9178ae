// Package relay speaks the replication relay protocol: one connection per
// document, bidirectional delta exchange, and a "synced" signal raced
// against the orchestrator's timeout.
package relay

// MsgType identifies the relay protocol message kind.
type MsgType string

const (
	// MsgHello opens a session: "here's my token and document name."
	MsgHello MsgType = "relay_hello"

	// MsgHelloAck answers a hello; Accepted=false means the token was
	// rejected or the principal has no access to the document.
	MsgHelloAck MsgType = "relay_hello_ack"

	// MsgUpdate carries one binary delta in either direction.
	MsgUpdate MsgType = "relay_update"

	// MsgSynced signals the relay has delivered everything it had for the
	// session; the replicas are converged as of this point.
	MsgSynced MsgType = "relay_synced"

	// MsgAccessRevoked is the out-of-band signal that the principal lost
	// access to the document mid-session.
	MsgAccessRevoked MsgType = "relay_access_revoked"

	// MsgBye closes a session cleanly.
	MsgBye MsgType = "relay_bye"
)

// Msg is the envelope for all relay protocol messages.
type Msg struct {
	Type MsgType `json:"type"`

	// Hello
	DocName string `json:"doc_name,omitempty"`
	Token   string `json:"token,omitempty"`

	// HelloAck
	Accepted *bool `json:"accepted,omitempty"`

	// Update: raw CRDT delta bytes (base64 on the wire via encoding/json)
	Delta []byte `json:"delta,omitempty"`
}

// DocumentName derives the relay channel name for a document id.
func DocumentName(docID string) string {
	return "doc:" + docID
}

// Conn abstracts the WebSocket connection for testability.
// The real implementation wraps gorilla/websocket; tests use a channel pair.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}
