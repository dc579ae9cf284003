// Package jobs runs artifact regeneration in the background so that a save
// whose upload failed is retried without a user present.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"sitemark/api/internal/store"
)

const (
	TypeRegenerateArtifacts = "markup:regenerate-artifacts"
	DefaultQueue            = "markup"

	maxRetry   = 8
	uniqueness = time.Minute
)

type RegeneratePayload struct {
	DocumentID string `json:"documentId"`
	Reason     string `json:"reason,omitempty"`
}

func NewRegenerateTask(documentID, reason string) (*asynq.Task, error) {
	if documentID == "" {
		return nil, errors.New("document id is required")
	}
	payload, err := json.Marshal(RegeneratePayload{DocumentID: documentID, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeRegenerateArtifacts, payload), nil
}

// Regenerator rebuilds and uploads the artifacts for a stored document.
type Regenerator interface {
	RegenerateArtifacts(ctx context.Context, documentID string) error
}

// Enqueuer submits regeneration tasks to Redis.
type Enqueuer struct {
	client *asynq.Client
	queue  string
}

func NewEnqueuer(redisURL, queue string) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &Enqueuer{client: asynq.NewClient(redisOpt), queue: queue}, nil
}

// EnqueueRegenerate schedules a retry. A task already pending for the same
// document within the uniqueness window is not duplicated.
func (e *Enqueuer) EnqueueRegenerate(ctx context.Context, documentID, reason string) error {
	task, err := NewRegenerateTask(documentID, reason)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(maxRetry),
		asynq.Unique(uniqueness),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue regenerate: %w", err)
	}
	return nil
}

func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// Worker consumes regeneration tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

type WorkerConfig struct {
	RedisURL    string
	Queue       string
	Concurrency int
}

func NewWorker(cfg WorkerConfig, regen Regenerator, logger *zap.SugaredLogger) (*Worker, error) {
	if regen == nil {
		return nil, errors.New("regenerator is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(5*(1<<uint(n))) * time.Second
			if delay > 5*time.Minute {
				delay = 5 * time.Minute
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warnw("artifact task failed", "type", task.Type(), "payload", string(task.Payload()), "error", err)
		}),
		Logger: logger,
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeRegenerateArtifacts, HandleRegenerate(regen, logger))
	return &Worker{server: server, mux: mux}, nil
}

// Run blocks until the process receives a termination signal.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

// Start processes jobs in the background of an API process.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// HandleRegenerate decodes the payload and calls regen. Documents that no
// longer exist are dropped instead of retried.
func HandleRegenerate(regen Regenerator, logger *zap.SugaredLogger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload RegeneratePayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.DocumentID == "" {
			return fmt.Errorf("missing document id: %w", asynq.SkipRetry)
		}

		start := time.Now()
		err := regen.RegenerateArtifacts(ctx, payload.DocumentID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Infow("skipping artifacts for missing document", "document_id", payload.DocumentID)
			return fmt.Errorf("document %s: %v: %w", payload.DocumentID, err, asynq.SkipRetry)
		}
		if err != nil {
			return fmt.Errorf("regenerate %s: %w", payload.DocumentID, err)
		}
		logger.Infow("artifacts regenerated", "document_id", payload.DocumentID, "reason", payload.Reason, "duration", time.Since(start))
		return nil
	}
}
