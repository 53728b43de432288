// Package maintenance runs the periodic background sweeps a long-lived
// partition replica needs but the Raft core itself never schedules on its
// own: snapshot compaction once enough entries have accumulated past the
// last snapshot. Session expiration is already swept inline on every apply
// (pkg/raft/apply.go), so it needs no separate job here.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/raft"
)

// Replica is the subset of *pkg/raft.Replica a compaction job needs.
type Replica interface {
	AppliedIndex() uint64
	SnapshotIndex() uint64
	TakeSnapshot(ctx context.Context, index uint64) error
}

var _ Replica = (*raft.Replica)(nil)

// Scheduler runs one cron job per partition replica, compacting it once
// its applied index has outrun its last snapshot by at least
// snapshotEntries.
type Scheduler struct {
	cron            *cron.Cron
	logger          *zap.Logger
	snapshotEntries uint64
}

// NewScheduler constructs a Scheduler. snapshotEntries is the log-growth
// threshold that triggers a compaction. interval is not used here: each
// job's cadence is the cron spec passed to AddReplica.
func NewScheduler(interval time.Duration, snapshotEntries uint64, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:            cron.New(cron.WithSeconds()),
		logger:          logger,
		snapshotEntries: snapshotEntries,
	}
}

// AddReplica schedules a compaction check for one partition replica on
// every tick of the scheduler's interval.
func (s *Scheduler) AddReplica(partitionID string, replica Replica, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		applied := replica.AppliedIndex()
		lastSnapshot := replica.SnapshotIndex()
		if applied <= lastSnapshot || applied-lastSnapshot < s.snapshotEntries {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := replica.TakeSnapshot(ctx, applied); err != nil {
			s.logger.Warn("maintenance: snapshot failed", zap.String("partition", partitionID), zap.Error(err))
			return
		}
		s.logger.Info("maintenance: snapshot taken", zap.String("partition", partitionID), zap.Uint64("index", applied))
	})
	return err
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
