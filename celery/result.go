package celery

import (
	"context"
	"errors"
	"time"

	"github.com/taoh/tutorial/celery/backend"
	"github.com/taoh/tutorial/celery/serializer"
)

// DefaultPollInterval is used by AsyncResult.Get when interval is zero
const DefaultPollInterval = 100 * time.Millisecond

// AsyncResult refers to the outcome of a sent task
type AsyncResult struct {
	ID       string
	TaskName string

	app *App
}

// Result fetches the stored result. A task without a stored result is PENDING.
func (r *AsyncResult) Result(ctx context.Context) (*TaskResult, error) {
	_, _, be, _, err := r.app.connection()
	if err != nil {
		return nil, err
	}
	if be == nil {
		return nil, ErrNoBackend
	}

	message, err := be.GetResult(ctx, r.ID)
	if errors.Is(err, backend.ErrResultNotFound) {
		return &TaskResult{ID: r.ID, Status: Pending}, nil
	}
	if err != nil {
		return nil, err
	}
	s, err := serializer.NewSerializer(message.ContentType)
	if err != nil {
		return nil, err
	}
	var taskResult TaskResult
	if err := s.Deserialize(message.Body, &taskResult); err != nil {
		return nil, err
	}
	return &taskResult, nil
}

// State returns the current status of the task
func (r *AsyncResult) State(ctx context.Context) (ResultStatus, error) {
	taskResult, err := r.Result(ctx)
	if err != nil {
		return "", err
	}
	return taskResult.Status, nil
}

// Get polls the backend every interval until the task is ready or ctx is done
func (r *AsyncResult) Get(ctx context.Context, interval time.Duration) (*TaskResult, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		taskResult, err := r.Result(ctx)
		if err != nil {
			return nil, err
		}
		if taskResult.Status.Ready() {
			return taskResult, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Forget removes the stored result
func (r *AsyncResult) Forget(ctx context.Context) error {
	_, _, be, _, err := r.app.connection()
	if err != nil {
		return err
	}
	if be == nil {
		return ErrNoBackend
	}
	return be.Forget(ctx, r.ID)
}
