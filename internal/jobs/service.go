package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/renderloop/backend/internal/models"
)

// ErrArtifactPersist wraps failures while downloading or storing a successful
// result. The job stays non-terminal so a later cycle can retry; it is never
// accepted as completed without a persisted artifact.
var ErrArtifactPersist = errors.New("artifact persist failed")

// UnrecoverableJobMessage is stored on jobs that went stale before the
// provider ever confirmed the submission. There is nothing to poll.
const UnrecoverableJobMessage = "submission was never confirmed by the provider; cannot recover"

// Resolution reports what a transition call actually did, so the webhook
// handler and the reconciliation poller can branch without comparing errors.
type Resolution int

const (
	ResolutionTransitioned Resolution = iota
	ResolutionAlreadyTerminal
)

func (r Resolution) String() string {
	if r == ResolutionAlreadyTerminal {
		return "already_terminal"
	}
	return "transitioned"
}

// ResultArtifact is a provider-produced result reference to materialize into
// our own storage.
type ResultArtifact struct {
	URL  string
	Seed string
}

// Store is the job persistence interface the engine runs on.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*models.GenerationJob, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.GenerationJob, error)
	SetCorrelationID(ctx context.Context, id uuid.UUID, correlationID string) error
	SetLastError(ctx context.Context, id uuid.UUID, msg string) error
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, outputRef string, outputSeed *string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	FindStale(ctx context.Context, olderThan time.Duration, userID *uuid.UUID) ([]*models.GenerationJob, error)
}

// Ledger is the subset of the credit ledger the engine needs.
type Ledger interface {
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, txType, description string, entity *models.RelatedEntity) error
	RefundByEntity(ctx context.Context, entity models.RelatedEntity, reason string) (int64, error)
}

// Gateway submits work to the external compute queue.
type Gateway interface {
	Submit(ctx context.Context, modelID string, input json.RawMessage, webhookURL string) (string, error)
}

// ArtifactStore materializes provider output into our own storage.
type ArtifactStore interface {
	Download(ctx context.Context, url string) (data []byte, contentType string, err error)
	Upload(ctx context.Context, data []byte, contentType string) (storageID string, err error)
}

// EventRecorder is the fire-and-forget observability sink.
type EventRecorder interface {
	Record(eventType string, userID *uuid.UUID, metadata any, sourceIP string)
}

// Service owns all writes to generation jobs. The webhook handler and the
// reconciliation poller call into it; neither mutates job rows directly.
type Service struct {
	repo       Store
	ledger     Ledger
	gateway    Gateway
	artifacts  ArtifactStore
	events     EventRecorder
	webhookURL string
	log        *slog.Logger
}

func NewService(repo Store, ledger Ledger, gateway Gateway, artifacts ArtifactStore, events EventRecorder, webhookURL string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:       repo,
		ledger:     ledger,
		gateway:    gateway,
		artifacts:  artifacts,
		events:     events,
		webhookURL: webhookURL,
		log:        log,
	}
}

// CreateJob records a pending job and debits the charge in one transaction,
// then submits to the provider. A failed submission refunds the debit
// immediately and leaves the job pending with the error stored: the user is
// never charged for work that never reached the provider's queue.
func (s *Service) CreateJob(ctx context.Context, userID uuid.UUID, modelID string, cost int64, input json.RawMessage) (*models.GenerationJob, error) {
	job := &models.GenerationJob{
		ID:            uuid.New(),
		UserID:        userID,
		ModelID:       modelID,
		Status:        models.JobStatusPending,
		InputParams:   input,
		ChargedAmount: cost,
	}
	entity := models.JobEntity(job.ID)

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.CreateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.ledger.Debit(ctx, tx, userID, cost, models.TxTypeGenerationCharge, "generation "+modelID, &entity); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	correlationID, err := s.gateway.Submit(ctx, modelID, input, s.webhookURL)
	if err != nil {
		msg := fmt.Sprintf("submission failed: %v", err)
		if _, refundErr := s.ledger.RefundByEntity(ctx, entity, msg); refundErr != nil {
			s.log.Error("refund after failed submission", "job_id", job.ID, "error", refundErr)
		}
		if setErr := s.repo.SetLastError(ctx, job.ID, msg); setErr != nil {
			s.log.Error("record submission error", "job_id", job.ID, "error", setErr)
		}
		return job, fmt.Errorf("submit %s: %w", modelID, err)
	}

	if err := s.repo.SetCorrelationID(ctx, job.ID, correlationID); err != nil {
		// The provider has the work; the poller can still fail the job at
		// staleness time, so surface rather than mask.
		return job, fmt.Errorf("store correlation id: %w", err)
	}
	job.CorrelationID = &correlationID

	if _, err := s.MarkProcessing(ctx, job.ID); err != nil {
		s.log.Warn("mark processing", "job_id", job.ID, "error", err)
	} else {
		job.Status = models.JobStatusProcessing
	}

	s.events.Record(models.EventGenerationSubmitted, &userID, map[string]any{
		"job_id":   job.ID,
		"model_id": modelID,
		"cost":     cost,
	}, "")
	return job, nil
}

// MarkProcessing moves pending to processing. Not load-bearing for
// correctness; a false return means the job had already moved on.
func (s *Service) MarkProcessing(ctx context.Context, jobID uuid.UUID) (Resolution, error) {
	moved, err := s.repo.MarkProcessing(ctx, jobID)
	if err != nil {
		return ResolutionAlreadyTerminal, err
	}
	if !moved {
		return ResolutionAlreadyTerminal, nil
	}
	return ResolutionTransitioned, nil
}

// ResolveSuccess persists the provider's artifact and completes the job.
// Terminal jobs are left untouched and no side effects re-run.
func (s *Service) ResolveSuccess(ctx context.Context, jobID uuid.UUID, artifact ResultArtifact) (Resolution, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return ResolutionAlreadyTerminal, err
	}
	if models.IsTerminalStatus(job.Status) {
		return ResolutionAlreadyTerminal, nil
	}

	data, contentType, err := s.artifacts.Download(ctx, artifact.URL)
	if err != nil {
		return ResolutionAlreadyTerminal, fmt.Errorf("%w: download %s: %v", ErrArtifactPersist, artifact.URL, err)
	}
	storageID, err := s.artifacts.Upload(ctx, data, contentType)
	if err != nil {
		return ResolutionAlreadyTerminal, fmt.Errorf("%w: upload: %v", ErrArtifactPersist, err)
	}

	var seed *string
	if artifact.Seed != "" {
		seed = &artifact.Seed
	}
	moved, err := s.repo.MarkCompleted(ctx, jobID, storageID, seed)
	if err != nil {
		return ResolutionAlreadyTerminal, err
	}
	if !moved {
		// A racing resolver won between our status read and the write.
		return ResolutionAlreadyTerminal, nil
	}

	s.events.Record(models.EventGenerationCompleted, &job.UserID, map[string]any{
		"job_id":     jobID,
		"model_id":   job.ModelID,
		"output_ref": storageID,
	}, "")
	s.log.Info("job completed", "job_id", jobID, "output_ref", storageID)
	return ResolutionTransitioned, nil
}

// ResolveFailure fails the job and refunds its charge in the same logical
// step. The status of a terminal job is left untouched, but a failed job
// with an outstanding charge still gets its refund; the ledger's
// existing-refund guard keeps it at most once per job.
func (s *Service) ResolveFailure(ctx context.Context, jobID uuid.UUID, errMsg string) (Resolution, error) {
	moved, err := s.repo.MarkFailed(ctx, jobID, errMsg)
	if err != nil {
		return ResolutionAlreadyTerminal, err
	}
	if !moved {
		// Already terminal. A failed job may still owe its refund when an
		// earlier attempt errored after the status write, so retry it here;
		// RefundByEntity is idempotent, and a completed job never reaches
		// the refund path.
		job, getErr := s.repo.GetByID(ctx, jobID)
		if getErr != nil {
			s.log.Warn("read terminal job", "job_id", jobID, "error", getErr)
			return ResolutionAlreadyTerminal, nil
		}
		if job.Status == models.JobStatusFailed {
			if _, refundErr := s.ledger.RefundByEntity(ctx, models.JobEntity(jobID), errMsg); refundErr != nil {
				return ResolutionAlreadyTerminal, fmt.Errorf("refund job %s: %w", jobID, refundErr)
			}
		}
		return ResolutionAlreadyTerminal, nil
	}

	refunded, err := s.ledger.RefundByEntity(ctx, models.JobEntity(jobID), errMsg)
	if err != nil {
		return ResolutionTransitioned, fmt.Errorf("refund job %s: %w", jobID, err)
	}

	job, getErr := s.repo.GetByID(ctx, jobID)
	if getErr == nil {
		s.events.Record(models.EventGenerationFailed, &job.UserID, map[string]any{
			"job_id":   jobID,
			"error":    errMsg,
			"refunded": refunded,
		}, "")
	}
	s.log.Info("job failed", "job_id", jobID, "refunded", refunded, "error", errMsg)
	return ResolutionTransitioned, nil
}

func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	return s.repo.GetByID(ctx, jobID)
}

func (s *Service) GetJobByCorrelationID(ctx context.Context, correlationID string) (*models.GenerationJob, error) {
	return s.repo.GetByCorrelationID(ctx, correlationID)
}

func (s *Service) ListJobs(ctx context.Context, userID uuid.UUID) ([]*models.GenerationJob, error) {
	return s.repo.ListByUser(ctx, userID)
}
