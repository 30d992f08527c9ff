package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTimeout = errors.New("queue timeout")

// Event is a provisioning lifecycle notification pushed for downstream
// consumers (billing, gateway cache invalidation, audit).
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	RecordID   string    `json:"record_id"`
	Code       string    `json:"code"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventTenantCreated  = "tenant.created"
	EventTenantDeleted  = "tenant.deleted"
	EventProductCreated = "product.created"
	EventProductDeleted = "product.deleted"
)

type RedisQueue struct {
	client    *redis.Client
	queueName string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:    client,
		queueName: "provisioning_events",
	}
}

func (q *RedisQueue) Push(ctx context.Context, evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := q.client.RPush(ctx, q.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to push event: %w", err)
	}

	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Event, error) {
	result, err := q.client.BLPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("failed to pop event: %w", err)
	}

	if len(result) < 2 {
		return nil, errors.New("invalid result from queue")
	}

	var evt Event
	if err := json.Unmarshal([]byte(result[1]), &evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &evt, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}
