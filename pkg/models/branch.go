package models

// Project is a named collaborative workspace grouping one or more branches.
// Projects are created on first reference and never destroyed automatically.
type Project struct {
	Name      string `json:"name"`
	CreatedTS int64  `json:"created_ts"`
}

// BranchMeta is the persisted metadata record for a branch. LastSeq is the
// highest sequence number durably appended; SnapshotSeq is the sequence the
// current snapshot covers (0 when no snapshot exists).
type BranchMeta struct {
	Project     string `json:"project"`
	Name        string `json:"name"`
	CreatedTS   int64  `json:"created_ts"`
	UpdatedTS   int64  `json:"updated_ts"`
	LastSeq     uint64 `json:"last_seq"`
	SnapshotSeq uint64 `json:"snapshot_seq,omitempty"`
}
