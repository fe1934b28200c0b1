package finalize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
)

// FinalizeJobArgs carries a terminal provider status into the queue. The
// provider callback acknowledges immediately; settlement (status update,
// refund on failure) happens here with river's retries behind it.
type FinalizeJobArgs struct {
	JobID          string `json:"job_id"`
	ProviderStatus string `json:"provider_status"`
	Message        string `json:"message,omitempty"`
}

func (FinalizeJobArgs) Kind() string { return "finalize_job" }

// JobService is the contract the worker needs to settle a job.
type JobService interface {
	ApplyProviderStatus(ctx context.Context, jobID, providerStatus, message string) error
}

type FinalizeWorker struct {
	river.WorkerDefaults[FinalizeJobArgs]
	jobService JobService
	logger     *slog.Logger
}

func NewFinalizeWorker(js JobService, logger *slog.Logger) *FinalizeWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FinalizeWorker{jobService: js, logger: logger}
}

func (w *FinalizeWorker) Work(ctx context.Context, job *river.Job[FinalizeJobArgs]) error {
	args := job.Args
	if err := w.jobService.ApplyProviderStatus(ctx, args.JobID, args.ProviderStatus, args.Message); err != nil {
		return fmt.Errorf("finalize job %s: %w", args.JobID, err)
	}
	w.logger.Info("job finalized", "job_id", args.JobID, "provider_status", args.ProviderStatus)
	return nil
}
