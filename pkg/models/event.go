package models

import "encoding/json"

// Event is one sequenced edit record on a branch. The payload is opaque to
// the server; clients agree on its meaning. Seq is assigned exactly once by
// the branch's sequencer and never changes afterwards.
type Event struct {
	Seq     uint64          `json:"seq"`
	Origin  string          `json:"origin,omitempty"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Snapshot is a compacted checkpoint of a branch as of UpToSeq. Replaying
// the snapshot followed by events with seq > UpToSeq reconstructs the same
// state as replaying the full log from seq 1.
type Snapshot struct {
	UpToSeq uint64  `json:"up_to_seq"`
	TakenTS int64   `json:"taken_ts"`
	Events  []Event `json:"events"`
}
