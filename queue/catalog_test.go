package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/substrate-archive/config"
	"github.com/paritytech/substrate-archive/queue"
)

func TestCatalog(t *testing.T) {
	t.Run("lookup", func(t *testing.T) {
		c, err := queue.NewCatalog(config.QueueConf{
			Redis: map[string]config.RedisConf{
				"recovery": {Addr: "127.0.0.1:6379", DB: 1},
			},
		})
		require.NoError(t, err)

		rc, err := c.RedisConfig("recovery")
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:6379", rc.Addr)
		assert.Equal(t, 1, rc.DB)
	})

	t.Run("unknown name", func(t *testing.T) {
		c, err := queue.NewCatalog(config.QueueConf{})
		require.NoError(t, err)

		_, err = c.RedisConfig("recovery")
		assert.Error(t, err)

		_, err = c.RedisConfig("")
		assert.Error(t, err)
	})

	t.Run("missing address rejected", func(t *testing.T) {
		_, err := queue.NewCatalog(config.QueueConf{
			Redis: map[string]config.RedisConf{
				"recovery": {DB: 1},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis address required")
	})
}
