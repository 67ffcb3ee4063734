package compactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/NeatMonster/IDAConnect/pkg/logger"
	"github.com/NeatMonster/IDAConnect/pkg/models"
	"github.com/NeatMonster/IDAConnect/pkg/registry"
	"github.com/NeatMonster/IDAConnect/pkg/store"
	"github.com/NeatMonster/IDAConnect/pkg/telemetry"
)

// Options controls the compaction schedule and policy.
type Options struct {
	Enabled bool
	// Cron selects when compaction sweeps run.
	Cron string
	// Threshold is the number of events past the last snapshot that makes
	// a branch due for compaction.
	Threshold int
	// Prune removes individual event records once a snapshot covers them.
	Prune bool
}

// Compactor periodically folds branch event logs into snapshots to bound
// replay cost. It runs out-of-band from live traffic: a sweep only takes a
// branch's lock for the instant needed to read its counters.
type Compactor struct {
	st   *store.Store
	reg  *registry.Registry
	opts Options
}

func New(st *store.Store, reg *registry.Registry, opts Options) *Compactor {
	if opts.Threshold <= 0 {
		opts.Threshold = 100
	}
	return &Compactor{st: st, reg: reg, opts: opts}
}

// Start launches the scheduler if enabled and returns a cancel func.
func (c *Compactor) Start(ctx context.Context) (context.CancelFunc, error) {
	if !c.opts.Enabled {
		logger.Info("compactor_disabled")
		return func() {}, nil
	}
	cronExpr := c.opts.Cron
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid snapshot cron expression: %s", c.opts.Cron)
	}
	logger.Info("compactor_enabled", "cron", cronExpr, "threshold", c.opts.Threshold, "prune", c.opts.Prune)
	ctx2, cancel := context.WithCancel(ctx)
	go c.runScheduler(ctx2, cronExpr)
	return cancel, nil
}

// runScheduler computes the next cron tick and sleeps until then.
func (c *Compactor) runScheduler(ctx context.Context, cronExpr string) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("compactor_schedule_failed", "cron", cronExpr, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			logger.Info("compactor_stopping")
			return
		case <-time.After(next.Sub(now)):
		}
		c.RunOnce()
	}
}

// RunOnce sweeps every materialized branch and compacts the ones past the
// threshold. Exposed so tests and admin triggers can run sweeps on demand.
func (c *Compactor) RunOnce() {
	for _, br := range c.reg.Handles() {
		pending := br.LastSeq() - br.SnapshotSeq()
		if pending < uint64(c.opts.Threshold) {
			continue
		}
		if err := c.CompactBranch(br); err != nil {
			logger.Error("compact_failed", "project", br.Project, "branch", br.Name, "error", err)
		}
	}
}

// CompactBranch folds the previous snapshot and the event tail into a new
// snapshot at the branch's current sequence. The fold is cumulative: the
// new snapshot replays identically to the full log from seq 1.
func (c *Compactor) CompactBranch(br *registry.Branch) error {
	upTo := br.LastSeq()
	var base models.Snapshot
	prev, err := c.st.ReadSnapshot(br.Project, br.Name)
	switch {
	case err == nil:
		base = *prev
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}
	if base.UpToSeq >= upTo {
		return nil
	}
	tail, err := c.st.ReadRange(br.Project, br.Name, base.UpToSeq, upTo)
	if err != nil {
		return err
	}
	snap := models.Snapshot{
		UpToSeq: upTo,
		TakenTS: time.Now().UTC().UnixNano(),
		Events:  append(base.Events, tail...),
	}
	if err := c.st.WriteSnapshot(br.Project, br.Name, snap); err != nil {
		return err
	}
	br.SetSnapshotSeq(upTo)
	if err := c.st.SaveBranchMeta(br.Meta()); err != nil {
		logger.Warn("snapshot_meta_save_failed", "project", br.Project, "branch", br.Name, "error", err)
	}
	telemetry.SnapshotsTaken.Inc()
	if c.opts.Prune {
		n, err := c.st.PruneThrough(br.Project, br.Name, upTo)
		if err != nil {
			logger.Warn("prune_failed", "project", br.Project, "branch", br.Name, "error", err)
		} else if n > 0 {
			logger.Info("events_pruned", "project", br.Project, "branch", br.Name, "count", n, "up_to_seq", upTo)
		}
	}
	return nil
}
