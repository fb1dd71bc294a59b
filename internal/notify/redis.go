package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/passage/model"
)

// RedisPublisher appends notifications to a Redis stream. Consumers read the
// stream with their own consumer groups. It implements model.EventSink.
type RedisPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
	now    func() time.Time
}

// NewRedisPublisher creates a publisher writing to stream, trimming it to
// roughly maxLen entries. A maxLen of zero disables trimming.
func NewRedisPublisher(client redis.Cmdable, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen, now: time.Now}
}

// OnStepAssigned publishes a step_assigned message.
func (p *RedisPublisher) OnStepAssigned(ctx context.Context, exec model.StepExecution) error {
	return p.publish(ctx, assignedMessage(exec, p.now().UTC()))
}

// OnInstanceCompleted publishes an instance_completed message.
func (p *RedisPublisher) OnInstanceCompleted(ctx context.Context, inst model.WorkflowInstance) error {
	return p.publish(ctx, completedMessage(inst, p.now().UTC()))
}

func (p *RedisPublisher) publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", msg.Event, err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event":       msg.Event,
			"instance_id": msg.InstanceID,
			"payload":     payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("notify: redis xadd %q: %w", p.stream, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("notify: redis ping: %w", err)
	}
	return nil
}
