package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/pipeline"
)

type countingRunner struct {
	mu      sync.Mutex
	seen    []uuid.UUID
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (r *countingRunner) Run(ctx context.Context, req pipeline.Request) pipeline.Result {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}
	r.mu.Lock()
	r.seen = append(r.seen, req.SessionID)
	r.mu.Unlock()
	return pipeline.Result{SessionID: req.SessionID.String(), Status: constants.ResultStatusSuccess, SessionStatus: constants.SessionStatusCompleted}
}

func TestQueueRunsEveryJobAndDrains(t *testing.T) {
	r := &countingRunner{delay: 5 * time.Millisecond}
	var done atomic.Int32
	q := NewProcessorQueue(r, nil, WithWorkers(3), WithQueueSize(2),
		WithOnDone(func(Job, pipeline.Result) { done.Add(1) }))

	const n = 10
	for i := 0; i < n; i++ {
		if err := q.Enqueue(context.Background(), Job{Request: pipeline.Request{SessionID: uuid.New()}}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	if got := done.Load(); got != n {
		t.Fatalf("completed %d jobs, want %d", got, n)
	}
	if p := r.peak.Load(); p > 3 {
		t.Fatalf("peak concurrency %d exceeds worker count", p)
	}
}

func TestEnqueueAfterShutdown(t *testing.T) {
	q := NewProcessorQueue(&countingRunner{}, nil, WithWorkers(1))
	q.Shutdown(context.Background())
	q.Shutdown(context.Background()) // idempotent
	err := q.Enqueue(context.Background(), Job{Request: pipeline.Request{SessionID: uuid.New()}})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}
}

func TestEnqueueRespectsContextWhenFull(t *testing.T) {
	block := make(chan struct{})
	r := runnerFunc(func(ctx context.Context, req pipeline.Request) pipeline.Result {
		<-block
		return pipeline.Result{}
	})
	q := NewProcessorQueue(r, nil, WithWorkers(1), WithQueueSize(1))
	defer func() {
		close(block)
		q.Shutdown(context.Background())
	}()

	// one job in the worker, one in the buffer
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(context.Background(), Job{}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, Job{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

type runnerFunc func(ctx context.Context, req pipeline.Request) pipeline.Result

func (f runnerFunc) Run(ctx context.Context, req pipeline.Request) pipeline.Result { return f(ctx, req) }
