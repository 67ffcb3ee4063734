package compactor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/NeatMonster/IDAConnect/pkg/hub"
	"github.com/NeatMonster/IDAConnect/pkg/registry"
	"github.com/NeatMonster/IDAConnect/pkg/sequencer"
	"github.com/NeatMonster/IDAConnect/pkg/store"
)

func seedBranch(t *testing.T, n int) (*store.Store, *registry.Registry, *registry.Branch) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New(st)
	seq := sequencer.New(st, hub.New(16))
	br, err := reg.ResolveOrCreate("p1", "main")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]any{"op": "edit", "i": i})
		if _, err := seq.Append(context.Background(), br, "seed", payload, nil); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	return st, reg, br
}

func TestCompactBranchCoversFullLog(t *testing.T) {
	st, reg, br := seedBranch(t, 10)
	c := New(st, reg, Options{Enabled: true, Threshold: 5})
	if err := c.CompactBranch(br); err != nil {
		t.Fatalf("CompactBranch: %v", err)
	}
	snap, err := st.ReadSnapshot("p1", "main")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.UpToSeq != 10 || len(snap.Events) != 10 {
		t.Fatalf("unexpected snapshot: up_to=%d events=%d", snap.UpToSeq, len(snap.Events))
	}
	for i, ev := range snap.Events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("snapshot event %d has seq %d", i, ev.Seq)
		}
	}
	if br.SnapshotSeq() != 10 {
		t.Fatalf("SnapshotSeq = %d, want 10", br.SnapshotSeq())
	}
}

func TestCompactIsCumulative(t *testing.T) {
	st, reg, br := seedBranch(t, 4)
	c := New(st, reg, Options{Enabled: true, Threshold: 1})
	if err := c.CompactBranch(br); err != nil {
		t.Fatalf("first compact: %v", err)
	}
	// More traffic, then another compaction folds the tail on top.
	seq := sequencer.New(st, hub.New(16))
	for i := 0; i < 3; i++ {
		if _, err := seq.Append(context.Background(), br, "seed", []byte(`{"op":"x"}`), nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := c.CompactBranch(br); err != nil {
		t.Fatalf("second compact: %v", err)
	}
	snap, err := st.ReadSnapshot("p1", "main")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.UpToSeq != 7 || len(snap.Events) != 7 {
		t.Fatalf("unexpected snapshot: up_to=%d events=%d", snap.UpToSeq, len(snap.Events))
	}
	for i, ev := range snap.Events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("snapshot event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestCompactWithPrune(t *testing.T) {
	st, reg, br := seedBranch(t, 6)
	c := New(st, reg, Options{Enabled: true, Threshold: 1, Prune: true})
	if err := c.CompactBranch(br); err != nil {
		t.Fatalf("CompactBranch: %v", err)
	}
	events, err := st.ReadSince("p1", "main", 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected pruned log, found %d events", len(events))
	}
	// Snapshot plus (empty) tail still reconstructs everything.
	snap, err := st.ReadSnapshot("p1", "main")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(snap.Events) != 6 {
		t.Fatalf("snapshot lost events: %d", len(snap.Events))
	}
}

func TestRunOnceHonorsThreshold(t *testing.T) {
	st, reg, br := seedBranch(t, 3)
	c := New(st, reg, Options{Enabled: true, Threshold: 5})
	c.RunOnce()
	if _, err := st.ReadSnapshot("p1", "main"); err == nil {
		t.Fatal("branch below threshold was compacted")
	}
	if br.SnapshotSeq() != 0 {
		t.Fatalf("SnapshotSeq moved: %d", br.SnapshotSeq())
	}

	c2 := New(st, reg, Options{Enabled: true, Threshold: 3})
	c2.RunOnce()
	snap, err := st.ReadSnapshot("p1", "main")
	if err != nil {
		t.Fatalf("ReadSnapshot after RunOnce: %v", err)
	}
	if snap.UpToSeq != 3 {
		t.Fatalf("snapshot up_to = %d, want 3", snap.UpToSeq)
	}
}

func TestStartRejectsBadCron(t *testing.T) {
	st, reg, _ := seedBranch(t, 0)
	c := New(st, reg, Options{Enabled: true, Cron: "not a cron"})
	if _, err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestCompactNoopWhenCurrent(t *testing.T) {
	st, reg, br := seedBranch(t, 2)
	c := New(st, reg, Options{Enabled: true, Threshold: 1})
	if err := c.CompactBranch(br); err != nil {
		t.Fatalf("compact: %v", err)
	}
	before, err := st.ReadSnapshot("p1", "main")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if err := c.CompactBranch(br); err != nil {
		t.Fatalf("recompact: %v", err)
	}
	after, err := st.ReadSnapshot("p1", "main")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if fmt.Sprintf("%d/%d", before.UpToSeq, before.TakenTS) != fmt.Sprintf("%d/%d", after.UpToSeq, after.TakenTS) {
		t.Fatal("up-to-date branch was re-snapshotted")
	}
}
