package async

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/neuroscan/internal/pipeline"
)

// ErrQueueClosed is returned by Enqueue once Shutdown has started.
var ErrQueueClosed = errors.New("queue is shutting down")

// Job is one analysis run waiting for a worker.
type Job struct {
	Request     pipeline.Request
	SubmittedAt time.Time
	TraceID     string
}

// Runner executes a pipeline request. *pipeline.Processor satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
