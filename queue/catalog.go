package queue

import (
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/config"
)

// NewCatalog returns a Catalog configured with the values in config.QueueConf.
// Error is non-nil if a queue entry is missing its redis address.
func NewCatalog(cfg config.QueueConf) (*Catalog, error) {
	c := &Catalog{
		queues: map[string]config.RedisConf{},
	}

	for name, nc := range cfg.Redis {
		if nc.Addr == "" {
			return nil, xerrors.Errorf("queue %q: redis address required", name)
		}
		log.Debugw("registering queue", "name", name, "type", "redis")

		c.queues[name] = config.RedisConf{
			Network:  nc.Network,
			Addr:     nc.Addr,
			Username: nc.Username,
			Password: nc.Password,
			DB:       nc.DB,
			PoolSize: nc.PoolSize,
		}
	}
	return c, nil
}

// Catalog maps queue names to their redis configurations. It is used when the
// recovery queue is run in distributed mode.
type Catalog struct {
	queues map[string]config.RedisConf
}

// RedisConfig returns the configuration registered under name.
func (c *Catalog) RedisConfig(name string) (config.RedisConf, error) {
	if name == "" {
		return config.RedisConf{}, xerrors.Errorf("queue config name required")
	}

	n, exists := c.queues[name]
	if !exists {
		return config.RedisConf{}, xerrors.Errorf("unknown queue: %q", name)
	}
	return n, nil
}
