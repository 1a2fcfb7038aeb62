package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ReputeFlow-Escrow/internal/escrow"
)

// RedisSinkConfig 描述 Redis 事件流的连接参数。
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
}

// RedisSink 将事件以 JSON 形式 LPUSH 到 Redis 列表，下游消费者 BRPOP 读取。
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink 创建 Redis 事件流实例。
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "reputeflow:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisSink{client: client, stream: stream}, nil
}

// Publish 将事件投递到 Redis。
func (s *RedisSink) Publish(ctx context.Context, event escrow.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := s.client.LPush(ctx, s.stream, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ escrow.Sink = (*RedisSink)(nil)
