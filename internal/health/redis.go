package health

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// RedisChecker implements health checking for Redis.
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends a PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// ErrNATSDisconnected is returned while the NATS connection is not usable.
var ErrNATSDisconnected = errors.New("nats connection is not connected")

// NATSChecker reports the state of a NATS connection.
type NATSChecker struct {
	status func() nats.Status
}

// NewNATSChecker creates a checker for conn.
func NewNATSChecker(conn *nats.Conn) *NATSChecker {
	return &NATSChecker{status: conn.Status}
}

// HealthCheck fails unless the connection is connected. A reconnecting
// connection counts as down.
func (n *NATSChecker) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.status() != nats.CONNECTED {
		return ErrNATSDisconnected
	}
	return nil
}
