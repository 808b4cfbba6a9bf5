// Package distributed runs the storage recovery queue across processes. The
// database remains the source of truth for task state; redis only carries
// wake-up messages telling remote workers which height to claim.
package distributed

import (
	"github.com/hibiken/asynq"
	logging "github.com/ipfs/go-log/v2"

	"github.com/paritytech/substrate-archive/config"
)

var log = logging.Logger("archive/distributed")

// RecoveryWorker bundles the redis connection options and server tuning used
// to start an asynq server processing recovery tasks.
type RecoveryWorker struct {
	RedisConfig  asynq.RedisClientOpt
	ServerConfig asynq.Config
}

func NewRecoveryWorker(cfg config.RedisConf, concurrency int) *RecoveryWorker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RecoveryWorker{
		RedisConfig: asynq.RedisClientOpt{
			Network:  cfg.Network,
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		},
		ServerConfig: asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueRecover: 1,
			},
			StrictPriority: false,
		},
	}
}
