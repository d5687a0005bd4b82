package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/renderloop/backend/internal/jobs"
	"github.com/renderloop/backend/internal/metrics"
	"github.com/renderloop/backend/internal/models"
	"github.com/renderloop/backend/internal/provider"
)

// Engine is the lifecycle surface the poller drives.
type Engine interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error)
	ResolveSuccess(ctx context.Context, jobID uuid.UUID, artifact jobs.ResultArtifact) (jobs.Resolution, error)
	ResolveFailure(ctx context.Context, jobID uuid.UUID, errMsg string) (jobs.Resolution, error)
}

// StaleFinder locates jobs stuck in a non-terminal state past the threshold.
type StaleFinder interface {
	FindStale(ctx context.Context, olderThan time.Duration, userID *uuid.UUID) ([]*models.GenerationJob, error)
}

// StatusQuerier polls the provider for the true state of a submitted job.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, modelID, correlationID string) (provider.StatusResult, error)
}

// Report aggregates one reconciliation pass for observability. It is a
// reporting side effect, not part of the consistency contract.
type Report struct {
	Checked        int `json:"checked"`
	Recovered      int `json:"recovered"`
	StillRunning   int `json:"still_running"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	PersistRetries int `json:"persist_retries"`
}

// Poller drives stale jobs to a terminal state when their webhook was lost.
// It races freely with the webhook handler; the engine's terminal-is-final
// guard is the only synchronization.
type Poller struct {
	finder     StaleFinder
	engine     Engine
	gateway    StatusQuerier
	staleAfter time.Duration
	log        *slog.Logger
}

func NewPoller(finder StaleFinder, engine Engine, gateway StatusQuerier, staleAfter time.Duration, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		finder:     finder,
		engine:     engine,
		gateway:    gateway,
		staleAfter: staleAfter,
		log:        log,
	}
}

// Run reconciles every stale job, optionally scoped to one user.
func (p *Poller) Run(ctx context.Context, userID *uuid.UUID) (Report, error) {
	var report Report

	stale, err := p.finder.FindStale(ctx, p.staleAfter, userID)
	if err != nil {
		return report, fmt.Errorf("find stale jobs: %w", err)
	}

	for _, j := range stale {
		report.Checked++
		p.reconcileOne(ctx, j.ID, &report)
	}

	p.log.Info("reconciliation pass done",
		"checked", report.Checked,
		"recovered", report.Recovered,
		"still_running", report.StillRunning,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"persist_retries", report.PersistRetries,
	)
	return report, nil
}

func (p *Poller) reconcileOne(ctx context.Context, jobID uuid.UUID, report *Report) {
	// Re-read right before acting: a webhook may have resolved the job
	// between the stale query and now.
	job, err := p.engine.GetJob(ctx, jobID)
	if err != nil {
		p.log.Error("reconcile: re-read job", "job_id", jobID, "error", err)
		report.Skipped++
		metrics.ReconcileOutcomes.WithLabelValues("skipped").Inc()
		return
	}
	if models.IsTerminalStatus(job.Status) {
		report.Skipped++
		metrics.ReconcileOutcomes.WithLabelValues("skipped").Inc()
		return
	}

	if job.CorrelationID == nil {
		// Submission never confirmed; there is nothing to poll.
		p.failJob(ctx, job.ID, jobs.UnrecoverableJobMessage, report)
		return
	}

	status, err := p.gateway.QueryStatus(ctx, job.ModelID, *job.CorrelationID)
	if err != nil {
		// A query error fails the job immediately so it cannot stay stuck;
		// the refund fires with the failure transition.
		p.failJob(ctx, job.ID, fmt.Sprintf("status query failed: %v", err), report)
		return
	}

	switch status.State {
	case provider.StateInProgress:
		// Slow, not stuck. Leave it for the next cycle.
		report.StillRunning++
		metrics.ReconcileOutcomes.WithLabelValues("in_progress").Inc()

	case provider.StateCompleted:
		res, err := p.engine.ResolveSuccess(ctx, job.ID, jobs.ResultArtifact{
			URL:  status.Artifact.URL,
			Seed: status.Artifact.Seed,
		})
		if err != nil {
			// Artifact persistence failed; keep the job non-terminal and
			// retry on a later cycle. The provider's result was a success,
			// so converting to failed here would refund real work.
			p.log.Error("reconcile: persist recovered artifact", "job_id", job.ID, "error", err)
			report.PersistRetries++
			metrics.ReconcileOutcomes.WithLabelValues("errored").Inc()
			return
		}
		if res == jobs.ResolutionAlreadyTerminal {
			report.Skipped++
			metrics.ReconcileOutcomes.WithLabelValues("skipped").Inc()
			return
		}
		report.Recovered++
		metrics.ReconcileOutcomes.WithLabelValues("recovered").Inc()

	case provider.StateFailed:
		p.failJob(ctx, job.ID, status.Error, report)
	}
}

func (p *Poller) failJob(ctx context.Context, jobID uuid.UUID, msg string, report *Report) {
	res, err := p.engine.ResolveFailure(ctx, jobID, msg)
	if err != nil {
		p.log.Error("reconcile: resolve failure", "job_id", jobID, "error", err)
		report.Skipped++
		metrics.ReconcileOutcomes.WithLabelValues("skipped").Inc()
		return
	}
	if res == jobs.ResolutionAlreadyTerminal {
		report.Skipped++
		metrics.ReconcileOutcomes.WithLabelValues("skipped").Inc()
		return
	}
	report.Failed++
	metrics.ReconcileOutcomes.WithLabelValues("failed").Inc()
}
