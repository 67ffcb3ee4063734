package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/NeatMonster/IDAConnect/pkg/logger"
	"github.com/NeatMonster/IDAConnect/pkg/models"
)

// Store is a Pebble-backed event log. Each branch owns an append-ordered
// run of keys, one metadata record and at most one snapshot record:
//
//	proj:<project>:branch:<branch>:evt:<seq %020d>
//	proj:<project>:branch:<branch>:meta
//	proj:<project>:branch:<branch>:snap
//	proj:<project>:meta
//
// Sequence numbers are zero-padded so lexicographic key order equals
// sequence order and a prefix scan replays a branch in order.
type Store struct {
	db   *pebble.DB
	path string
}

// ErrNotFound is returned for missing metadata and snapshots.
var ErrNotFound = pebble.ErrNotFound

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return err
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

func eventKey(project, branch string, seq uint64) []byte {
	return []byte(fmt.Sprintf("proj:%s:branch:%s:evt:%020d", project, branch, seq))
}

func eventPrefix(project, branch string) []byte {
	return []byte("proj:" + project + ":branch:" + branch + ":evt:")
}

func branchMetaKey(project, branch string) []byte {
	return []byte("proj:" + project + ":branch:" + branch + ":meta")
}

func snapshotKey(project, branch string) []byte {
	return []byte("proj:" + project + ":branch:" + branch + ":snap")
}

func projectMetaKey(project string) []byte {
	return []byte("proj:" + project + ":meta")
}

// AppendEvent durably writes one event. The write is synced before the call
// returns, so a successful append survives a process restart. Callers are
// responsible for sequence assignment; the store never reorders.
func (s *Store) AppendEvent(project, branch string, ev models.Event) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := eventKey(project, branch, ev.Seq)
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		logger.Error("append_event_failed", "project", project, "branch", branch, "seq", ev.Seq, "error", err)
		return err
	}
	logger.Debug("event_appended", "project", project, "branch", branch, "seq", ev.Seq)
	return nil
}

// ReadSince returns all events on a branch with seq > fromSeq, in increasing
// sequence order. A fresh call re-reads from storage.
func (s *Store) ReadSince(project, branch string, fromSeq uint64) ([]models.Event, error) {
	return s.ReadRange(project, branch, fromSeq, 0)
}

// ReadRange returns events with fromSeq < seq <= toSeq in increasing order.
// toSeq == 0 means no upper bound.
func (s *Store) ReadRange(project, branch string, fromSeq, toSeq uint64) ([]models.Event, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	prefix := eventPrefix(project, branch)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	start := eventKey(project, branch, fromSeq+1)
	var out []models.Event
	for iter.SeekGE(start); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var ev models.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event record %q: %w", iter.Key(), err)
		}
		if toSeq > 0 && ev.Seq > toSeq {
			break
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

// LastSeq scans a branch's event run and returns the highest stored
// sequence number, or 0 when the branch has no events. Used to rehydrate
// branch counters after a restart.
func (s *Store) LastSeq(project, branch string) (uint64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not opened")
	}
	prefix := eventPrefix(project, branch)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	// upper bound: the prefix with its last byte bumped
	upper := append(append([]byte(nil), prefix...), 0xff)
	var last uint64
	for iter.SeekLT(upper); iter.Valid(); iter.Prev() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var ev models.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return 0, fmt.Errorf("corrupt event record %q: %w", iter.Key(), err)
		}
		last = ev.Seq
		break
	}
	return last, iter.Error()
}

// PruneThrough deletes individual event records with seq <= upToSeq.
// Callers must only prune sequences already covered by a durable snapshot.
func (s *Store) PruneThrough(project, branch string, upToSeq uint64) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not opened")
	}
	prefix := eventPrefix(project, branch)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var ev models.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			iter.Close()
			return 0, fmt.Errorf("corrupt event record %q: %w", iter.Key(), err)
		}
		if ev.Seq > upToSeq {
			break
		}
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := s.db.Delete(k, pebble.Sync); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// ReadSnapshot returns the branch's current snapshot, or ErrNotFound.
func (s *Store) ReadSnapshot(project, branch string) (*models.Snapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	v, closer, err := s.db.Get(snapshotKey(project, branch))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var snap models.Snapshot
	if err := json.Unmarshal(v, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot record: %w", err)
	}
	return &snap, nil
}

// WriteSnapshot replaces the branch's snapshot record.
func (s *Store) WriteSnapshot(project, branch string, snap models.Snapshot) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.db.Set(snapshotKey(project, branch), data, pebble.Sync); err != nil {
		logger.Error("write_snapshot_failed", "project", project, "branch", branch, "error", err)
		return err
	}
	logger.Info("snapshot_saved", "project", project, "branch", branch, "up_to_seq", snap.UpToSeq)
	return nil
}

// SaveBranchMeta persists branch metadata under its reserved key.
func (s *Store) SaveBranchMeta(meta models.BranchMeta) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal branch meta: %w", err)
	}
	return s.db.Set(branchMetaKey(meta.Project, meta.Name), data, pebble.Sync)
}

// GetBranchMeta returns the stored metadata for a branch, or ErrNotFound.
func (s *Store) GetBranchMeta(project, branch string) (*models.BranchMeta, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	v, closer, err := s.db.Get(branchMetaKey(project, branch))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var meta models.BranchMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return nil, fmt.Errorf("corrupt branch meta: %w", err)
	}
	return &meta, nil
}

// SaveProject persists project metadata.
func (s *Store) SaveProject(p models.Project) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	return s.db.Set(projectMetaKey(p.Name), data, pebble.Sync)
}

// GetProject returns stored project metadata, or ErrNotFound.
func (s *Store) GetProject(name string) (*models.Project, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	v, closer, err := s.db.Get(projectMetaKey(name))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var p models.Project
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, fmt.Errorf("corrupt project meta: %w", err)
	}
	return &p, nil
}

// ListProjects returns all saved project metadata values. Within a
// project's key run the `:meta` record sorts last ("branch:" < "meta"), so
// the scan seeks straight to each project's meta record instead of walking
// its event records.
func (s *Store) ListProjects() ([]models.Project, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	lower := []byte("proj:")
	upper := []byte("proj;") // ':'+1 bounds the whole keyspace
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Project
	for iter.SeekGE(lower); iter.Valid(); {
		rest := iter.Key()[len(lower):]
		i := bytes.IndexByte(rest, ':')
		if i < 0 {
			iter.Next()
			continue
		}
		metaKey := projectMetaKey(string(rest[:i]))
		if !bytes.Equal(iter.Key(), metaKey) {
			iter.SeekGE(metaKey)
			if !iter.Valid() {
				break
			}
			if !bytes.Equal(iter.Key(), metaKey) {
				// Project meta missing; the seek landed on the next project.
				continue
			}
		}
		var p models.Project
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("corrupt project meta %q: %w", metaKey, err)
		}
		out = append(out, p)
		iter.Next()
	}
	return out, iter.Error()
}

// ListBranches returns metadata for all branches of a project, seeking to
// each branch's `:meta` record and past its `:snap` record so the scan
// never touches event records.
func (s *Store) ListBranches(project string) ([]models.BranchMeta, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	prefix := []byte("proj:" + project + ":branch:")
	upper := append(append([]byte(nil), prefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.BranchMeta
	for iter.SeekGE(prefix); iter.Valid(); {
		rest := iter.Key()[len(prefix):]
		i := bytes.IndexByte(rest, ':')
		if i < 0 {
			iter.Next()
			continue
		}
		branch := string(rest[:i])
		metaKey := branchMetaKey(project, branch)
		if !bytes.Equal(iter.Key(), metaKey) {
			iter.SeekGE(metaKey)
		}
		if iter.Valid() && bytes.Equal(iter.Key(), metaKey) {
			var meta models.BranchMeta
			if err := json.Unmarshal(iter.Value(), &meta); err != nil {
				return nil, fmt.Errorf("corrupt branch meta %q: %w", metaKey, err)
			}
			out = append(out, meta)
		}
		// Jump past this branch's remaining records (the snap record).
		branchEnd := append([]byte("proj:"+project+":branch:"+branch+":"), 0xff)
		iter.SeekGE(branchEnd)
	}
	return out, iter.Error()
}
