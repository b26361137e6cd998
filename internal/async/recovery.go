package async

import (
	"context"
	"errors"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
)

// Resolver returns the handler registered for a job type.
type Resolver func(constants.JobType) (Handler, bool)

// RecoveryReport counts what a recovery sweep did.
type RecoveryReport struct {
	Interrupted  int
	Redispatched int
	Rejected     int
}

const interruptedMessage = "job was processing when the previous process stopped"

// Recover is the startup sweep. Jobs left processing may have had side effects, so
// they are failed rather than re-run (at-most-once). Jobs left pending never reached
// a handler and are dispatched again.
func (s *Scheduler) Recover(ctx context.Context, resolve Resolver) (RecoveryReport, error) {
	var report RecoveryReport

	stuck, err := s.jobs.ListByStatus(ctx, constants.JobStatusProcessing)
	if err != nil {
		return report, err
	}
	for _, job := range stuck {
		jobErr := &entity.JobError{Message: interruptedMessage, Type: common.CodeInterrupted}
		if _, err := s.jobs.Transition(ctx, job.ID, constants.JobStatusFailed, nil, jobErr); err != nil {
			if errors.Is(err, common.ErrInvalidTransition) {
				continue
			}
			return report, err
		}
		s.logger.Warn("scheduler.recovery.interrupted", "job_id", job.ID, "job_type", job.JobType)
		report.Interrupted++
	}

	pending, err := s.jobs.ListByStatus(ctx, constants.JobStatusPending)
	if err != nil {
		return report, err
	}
	for _, job := range pending {
		handler, ok := resolve(job.JobType)
		payload, derr := entity.DecodePayload(job.JobType, job.Payload)
		if !ok || derr != nil {
			cause := derr
			if !ok {
				cause = common.InvalidInput("no handler for job type %q", job.JobType)
			}
			if err := s.reject(ctx, job.ID, cause); err != nil {
				return report, err
			}
			report.Rejected++
			continue
		}
		if err := s.Dispatch(ctx, job.ID, handler, payload); err != nil {
			return report, err
		}
		report.Redispatched++
	}

	s.logger.Info("scheduler.recovery.done",
		"interrupted", report.Interrupted, "redispatched", report.Redispatched, "rejected", report.Rejected)
	return report, nil
}

// reject fails a pending job that cannot run. The status machine only reaches failed
// through processing, so the job is claimed first.
func (s *Scheduler) reject(ctx context.Context, jobID string, cause error) error {
	if _, err := s.jobs.Transition(ctx, jobID, constants.JobStatusProcessing, nil, nil); err != nil {
		if errors.Is(err, common.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	jobErr := &entity.JobError{Message: cause.Error(), Type: common.Classify(cause)}
	_, err := s.jobs.Transition(ctx, jobID, constants.JobStatusFailed, nil, jobErr)
	if err == nil {
		s.logger.Warn("scheduler.recovery.rejected", "job_id", jobID, "error", cause)
	}
	return err
}
