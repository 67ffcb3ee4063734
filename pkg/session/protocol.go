package session

import (
	"encoding/json"

	"github.com/NeatMonster/IDAConnect/pkg/models"
)

// Message is the framed JSON envelope exchanged over a connection. Type
// selects which fields are meaningful.
type Message struct {
	Type string `json:"type"`

	// hello / welcome
	Project string `json:"project,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Client  string `json:"client,omitempty"`

	// event (both directions), welcome, committed
	Seq     uint64          `json:"seq,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// replay
	Events  []models.Event `json:"events,omitempty"`
	UpToSeq uint64         `json:"up_to_seq,omitempty"`

	// snapshot
	Snapshot *models.Snapshot `json:"snapshot,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Reason string `json:"message,omitempty"`
}

// Message types.
const (
	// TypeHello is the client's opening message selecting a project and
	// branch and declaring its client identifier.
	TypeHello = "hello"
	// TypeWelcome acknowledges the hello and reports the branch's current
	// sequence number.
	TypeWelcome = "welcome"
	// TypeSnapshot carries the branch snapshot at the start of replay.
	TypeSnapshot = "snapshot"
	// TypeReplay carries a chunk of historical events in sequence order.
	TypeReplay = "replay"
	// TypeReplayDone marks the end of replay; up_to_seq is the horizon
	// after which live delivery takes over.
	TypeReplayDone = "replay_done"
	// TypeEvent is an edit event: unsequenced client->server, sequenced
	// server->client.
	TypeEvent = "event"
	// TypeCommitted acknowledges the origin's own event with its assigned
	// sequence number. The hub never echoes an event back to its origin;
	// this ack is how the origin learns the number.
	TypeCommitted = "committed"
	// TypeError reports a terminal or per-operation failure.
	TypeError = "error"
)

// Error codes. A connection-scoped error never affects other connections.
const (
	// CodeProtocol: malformed or unexpected message; the connection is closed.
	CodeProtocol = "protocol"
	// CodeUnauthorized: invalid project/branch selection; the connection is closed.
	CodeUnauthorized = "unauthorized"
	// CodePersistence: the append failed at the storage layer; the event was
	// not sequenced and the sender may retry. The connection stays open.
	CodePersistence = "persistence"
	// CodeBackpressure: the subscriber fell too far behind and was dropped.
	CodeBackpressure = "backpressure"
	// CodeBranchFailed: branch storage is unusable; all subscribers are
	// disconnected and must reconnect.
	CodeBranchFailed = "branch_failed"
)
