package async

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
)

// ErrSchedulerClosed is returned by Dispatch once Shutdown has started.
var ErrSchedulerClosed = errors.New("scheduler is shutting down")

// Handler executes one job. Its return value becomes the job result.
type Handler func(ctx context.Context, jobID string, payload entity.Payload) (any, error)

// Task is one accepted dispatch waiting for a worker.
type Task struct {
	JobID       string
	Handler     Handler
	Payload     entity.Payload
	SubmittedAt time.Time
}

// Dispatcher accepts jobs for out-of-band execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, handler Handler, payload entity.Payload) error
	Shutdown(ctx context.Context)
}
