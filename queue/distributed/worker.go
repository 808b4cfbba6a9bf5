package distributed

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/paritytech/substrate-archive/queue"
)

// TaskProcessor pairs an asynq task type with its handler.
type TaskProcessor interface {
	Type() string
	TaskHandler() asynq.HandlerFunc
}

// AsynqWorker consumes recovery messages and delegates the actual claim and
// execution to the durable queue.
type AsynqWorker struct {
	done chan struct{}

	name     string
	server   *RecoveryWorker
	handlers []TaskProcessor
}

func NewAsynqWorker(name string, server *RecoveryWorker, handlers ...TaskProcessor) *AsynqWorker {
	return &AsynqWorker{
		name:     name,
		server:   server,
		handlers: handlers,
	}
}

func (t *AsynqWorker) Run(ctx context.Context) error {
	t.done = make(chan struct{})
	defer close(t.done)

	mux := asynq.NewServeMux()
	for _, handler := range t.handlers {
		log.Infow("registered task handler", "type", handler.Type())
		mux.HandleFunc(handler.Type(), handler.TaskHandler())
	}

	t.server.ServerConfig.ErrorHandler = &ErrorHandler{}
	t.server.ServerConfig.Logger = log.With("name", t.name)

	server := asynq.NewServer(t.server.RedisConfig, t.server.ServerConfig)
	if err := server.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func (t *AsynqWorker) Done() <-chan struct{} {
	return t.done
}

// NewRecoverStorageProcessor returns the handler for TypeRecoverStorage
// messages.
func NewRecoverStorageProcessor(q *queue.Queue) *RecoverStorageProcessor {
	return &RecoverStorageProcessor{q: q}
}

type RecoverStorageProcessor struct {
	q *queue.Queue
}

func (p *RecoverStorageProcessor) Type() string {
	return TypeRecoverStorage
}

func (p *RecoverStorageProcessor) TaskHandler() asynq.HandlerFunc {
	return p.handleRecoverStorage
}

// handleRecoverStorage claims the height in the database and runs it. Task
// failures are recorded and retried through recovery_tasks, not through
// asynq, so the handler only surfaces errors asynq should redeliver for:
// failing to reach the database at all.
func (p *RecoverStorageProcessor) handleRecoverStorage(ctx context.Context, t *asynq.Task) error {
	var payload RecoverStoragePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	log.Debugw("recovery message received", "height", payload.Height)
	return p.q.ProcessHeight(ctx, payload.Height)
}

type ErrorHandler struct{}

func (e *ErrorHandler) HandleError(ctx context.Context, task *asynq.Task, err error) {
	switch task.Type() {
	case TypeRecoverStorage:
		var p RecoverStoragePayload
		if uerr := json.Unmarshal(task.Payload(), &p); uerr != nil {
			log.Errorw("failed to decode task payload (developer error?)", "error", uerr)
			return
		}
		log.Errorw("task failed", "height", p.Height, "type", task.Type(), "error", err)
	default:
		log.Errorw("unknown task type", "type", task.Type(), "error", err)
	}
}
