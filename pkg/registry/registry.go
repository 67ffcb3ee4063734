package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/NeatMonster/IDAConnect/pkg/logger"
	"github.com/NeatMonster/IDAConnect/pkg/models"
	"github.com/NeatMonster/IDAConnect/pkg/store"
)

// ErrNotFound is returned by Get for an unknown project/branch pair.
var ErrNotFound = errors.New("branch not found")

// ErrBadName is returned when a project or branch name is not addressable.
var ErrBadName = errors.New("invalid project or branch name")

// Names become storage key components, so keep them to a safe charset.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidName reports whether s is usable as a project or branch name.
func ValidName(s string) bool { return nameRe.MatchString(s) }

// Registry is the process-wide catalog of branch handles. It is an explicit
// instance owned by the application, created at startup and passed to every
// component that needs it. Concurrent resolves of the same key return the
// same handle and create the underlying storage exactly once.
type Registry struct {
	mu       sync.Mutex
	st       *store.Store
	branches map[string]*Branch

	// onCreate is invoked once per newly materialized branch handle.
	onCreate func(*Branch)
}

// Branch is the in-memory handle for one branch. Its mutex is the branch's
// single serialization point: the sequence counter is only read or advanced
// while it is held. Everything else treats observed sequence numbers as
// read-only.
type Branch struct {
	Project string
	Name    string

	mu          sync.Mutex
	lastSeq     uint64
	snapshotSeq uint64
	createdTS   int64
	updatedTS   int64
}

// New creates a Registry backed by the given store.
func New(st *store.Store) *Registry {
	return &Registry{st: st, branches: make(map[string]*Branch)}
}

// OnCreate registers a hook called once per branch handle materialization.
// Must be called before the registry is shared across goroutines.
func (r *Registry) OnCreate(fn func(*Branch)) { r.onCreate = fn }

func key(project, branch string) string { return project + "/" + branch }

// ResolveOrCreate returns the handle for (project, branch), creating the
// project and branch records on first reference.
func (r *Registry) ResolveOrCreate(project, branch string) (*Branch, error) {
	if !ValidName(project) || !ValidName(branch) {
		return nil, ErrBadName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.branches[key(project, branch)]; ok {
		return b, nil
	}
	b, err := r.load(project, branch, true)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Get returns the handle for an existing (project, branch) or ErrNotFound.
// Unlike ResolveOrCreate it never creates storage.
func (r *Registry) Get(project, branch string) (*Branch, error) {
	if !ValidName(project) || !ValidName(branch) {
		return nil, ErrBadName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.branches[key(project, branch)]; ok {
		return b, nil
	}
	b, err := r.load(project, branch, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// load materializes a handle from storage, creating records when create is
// set. Caller holds r.mu.
func (r *Registry) load(project, branch string, create bool) (*Branch, error) {
	meta, err := r.st.GetBranchMeta(project, branch)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		if !create {
			return nil, err
		}
		now := time.Now().UTC().UnixNano()
		if _, perr := r.st.GetProject(project); errors.Is(perr, store.ErrNotFound) {
			if err := r.st.SaveProject(models.Project{Name: project, CreatedTS: now}); err != nil {
				return nil, fmt.Errorf("create project %s: %w", project, err)
			}
			logger.Info("project_created", "project", project)
		} else if perr != nil {
			return nil, perr
		}
		meta = &models.BranchMeta{Project: project, Name: branch, CreatedTS: now, UpdatedTS: now}
		if err := r.st.SaveBranchMeta(*meta); err != nil {
			return nil, fmt.Errorf("create branch %s/%s: %w", project, branch, err)
		}
		logger.Info("branch_created", "project", project, "branch", branch)
	default:
		return nil, err
	}

	// The persisted LastSeq may trail the log (it is refreshed lazily), so
	// take the maximum of the metadata, an actual tail scan and the snapshot
	// record. The snapshot matters when its covered events were pruned and
	// the metadata save after compaction was lost: the tail scan then sees
	// nothing, and stale metadata alone would hand out numbers the snapshot
	// already covers.
	last, err := r.st.LastSeq(project, branch)
	if err != nil {
		return nil, fmt.Errorf("rehydrate %s/%s: %w", project, branch, err)
	}
	if meta.LastSeq > last {
		last = meta.LastSeq
	}
	snapSeq := meta.SnapshotSeq
	snap, serr := r.st.ReadSnapshot(project, branch)
	switch {
	case serr == nil:
		if snap.UpToSeq > snapSeq {
			snapSeq = snap.UpToSeq
		}
		if snap.UpToSeq > last {
			last = snap.UpToSeq
		}
	case errors.Is(serr, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("rehydrate %s/%s: %w", project, branch, serr)
	}
	b := &Branch{
		Project:     project,
		Name:        branch,
		lastSeq:     last,
		snapshotSeq: snapSeq,
		createdTS:   meta.CreatedTS,
		updatedTS:   meta.UpdatedTS,
	}
	r.branches[key(project, branch)] = b
	if r.onCreate != nil {
		r.onCreate(b)
	}
	return b, nil
}

// Handles returns a snapshot of all materialized branch handles.
func (r *Registry) Handles() []*Branch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Branch, 0, len(r.branches))
	for _, b := range r.branches {
		out = append(out, b)
	}
	return out
}

// LastSeq returns the branch's current sequence counter.
func (b *Branch) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// SnapshotSeq returns the sequence covered by the current snapshot.
func (b *Branch) SnapshotSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotSeq
}

// SetSnapshotSeq records that a snapshot now covers seq. It never moves the
// marker backwards.
func (b *Branch) SetSnapshotSeq(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.snapshotSeq {
		b.snapshotSeq = seq
	}
}

// Meta returns a point-in-time copy of the branch's metadata record.
func (b *Branch) Meta() models.BranchMeta {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.BranchMeta{
		Project:     b.Project,
		Name:        b.Name,
		CreatedTS:   b.createdTS,
		UpdatedTS:   b.updatedTS,
		LastSeq:     b.lastSeq,
		SnapshotSeq: b.snapshotSeq,
	}
}

// Sequence serializes one append on this branch. fn receives the next
// sequence number and must complete the durable write (and any in-order
// side effects) before returning. When fn returns nil the counter advances;
// on error it stays untouched, so a retried append reuses the number.
func (b *Branch) Sequence(fn func(seq uint64) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.lastSeq + 1
	if err := fn(next); err != nil {
		return err
	}
	b.lastSeq = next
	b.updatedTS = time.Now().UTC().UnixNano()
	return nil
}
