package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// ReconcileArgs is the queue job that triggers a full reconciliation pass.
type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile_stale_jobs" }

// Worker runs a reconciliation pass when the periodic job fires.
type Worker struct {
	river.WorkerDefaults[ReconcileArgs]
	poller *Poller
	log    *slog.Logger
}

func NewWorker(poller *Poller, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{poller: poller, log: log}
}

func (w *Worker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	_, err := w.poller.Run(ctx, nil)
	return err
}

// PeriodicJob schedules the reconciliation pass at the given interval,
// including one run at startup to sweep anything left over from downtime.
func PeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
