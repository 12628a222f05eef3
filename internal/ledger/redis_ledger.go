package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLedgerConfig 描述 Redis 账本的连接参数。
type RedisLedgerConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLedger 把成本增量写入 Redis，计费侧通过同一前缀读取。
// total 用单独的 key 累加，按工作者的拆分放在 hash 里。
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger 创建 Redis 账本实例。
func NewRedisLedger(cfg RedisLedgerConfig) (*RedisLedger, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "taskforge:costs"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisLedger{client: client, prefix: prefix}, nil
}

// Record 实现 Ledger 接口。
func (l *RedisLedger) Record(ctx context.Context, workerID, taskID string, cost float64) error {
	pipe := l.client.TxPipeline()
	pipe.IncrByFloat(ctx, l.prefix+":total", cost)
	pipe.HIncrByFloat(ctx, l.prefix+":workers", workerID, cost)
	pipe.HIncrByFloat(ctx, l.prefix+":tasks", taskID, cost)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 记账失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

var _ Ledger = (*RedisLedger)(nil)
