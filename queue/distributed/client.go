package distributed

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/config"
	"github.com/paritytech/substrate-archive/queue"
)

const (
	// QueueRecover is the asynq queue recovery messages are published on.
	QueueRecover = "recover"

	// TypeRecoverStorage is the asynq task type for a single-height storage
	// recovery message.
	TypeRecoverStorage = "storage:recover"
)

// RecoverStoragePayload is the redis message body. The authoritative task
// record stays in recovery_tasks; this only names the height to claim.
type RecoverStoragePayload struct {
	Height uint64
}

func NewRecoverStorageTask(height uint64) (*asynq.Task, error) {
	payload, err := json.Marshal(RecoverStoragePayload{Height: height})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRecoverStorage, payload), nil
}

// Client enqueues recovery work for remote workers. Every height is written
// to the database first; the redis publish is a latency optimization and its
// loss is repaired by the workers' own polling.
type Client struct {
	durable *queue.Queue
	c       *asynq.Client
}

func NewClient(durable *queue.Queue, cfg config.RedisConf) *Client {
	return &Client{
		durable: durable,
		c: asynq.NewClient(asynq.RedisClientOpt{
			Network:  cfg.Network,
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
	}
}

func (r *Client) EnqueueHeight(ctx context.Context, height uint64) error {
	return r.EnqueueHeights(ctx, []uint64{height})
}

func (r *Client) EnqueueHeights(ctx context.Context, heights []uint64) error {
	if err := r.durable.EnqueueHeights(ctx, heights); err != nil {
		return err
	}
	for _, h := range heights {
		task, err := NewRecoverStorageTask(h)
		if err != nil {
			return err
		}
		if _, err := r.c.EnqueueContext(ctx, task, asynq.Queue(QueueRecover)); err != nil {
			// The row is already durable; workers will find it on their
			// next poll.
			log.Warnw("publishing recovery message", "height", h, "error", err)
		}
	}
	return nil
}

func (r *Client) Close() error {
	if err := r.c.Close(); err != nil {
		return xerrors.Errorf("closing asynq client: %w", err)
	}
	return nil
}
