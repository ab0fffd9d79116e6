package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/metrics"
)

// ResourceUpdatedChannel is the pub/sub channel shared with the REST API.
const ResourceUpdatedChannel = "collab:resource:updated"

// RedisBus bridges resource.updated over Redis pub/sub for multi-instance
// deployments. Publishes run behind a circuit breaker; when it opens,
// messages are dropped rather than failing the REST caller.
type RedisBus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client exposes the underlying connection so the handshake rate limiter
// can share its store.
func (b *RedisBus) Client() *redis.Client {
	if b == nil {
		return nil
	}
	return b.client
}

func NewRedisBus(addr, password string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis Pub/Sub", zap.String("addr", addr))
	return &RedisBus{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (b *RedisBus) PublishResourceUpdated(ctx context.Context, update ResourceUpdate) error {
	if b == nil || b.client == nil {
		return nil
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(update)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal resource update: %w", err)
		}
		return nil, b.client.Publish(ctx, ResourceUpdatedChannel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping resource update",
				zap.String("resourceUuid", update.ResourceUUID))
			return nil
		}
		logging.Error(ctx, "Redis publish failed",
			zap.String("resourceUuid", update.ResourceUUID), zap.Error(err))
		return err
	}
	return nil
}

// SubscribeResourceUpdated runs a listener goroutine until ctx is
// cancelled. Malformed messages are logged and skipped.
func (b *RedisBus) SubscribeResourceUpdated(ctx context.Context, handler Handler) {
	if b == nil || b.client == nil {
		return
	}

	pubsub := b.client.Subscribe(ctx, ResourceUpdatedChannel)
	go func() {
		defer pubsub.Close()

		logging.Info(ctx, "Subscribed to Redis channel", zap.String("channel", ResourceUpdatedChannel))
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "Redis subscription channel closed",
						zap.String("channel", ResourceUpdatedChannel))
					return
				}
				var update ResourceUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					logging.Error(context.Background(), "Failed to unmarshal resource update",
						zap.Error(err), zap.String("raw", msg.Payload))
					continue
				}
				dispatch(handler, update)
			}
		}
	}()
}

// Ping verifies connectivity for readiness probes.
func (b *RedisBus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts the connection down.
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
