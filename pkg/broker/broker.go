package broker

import (
	"circlesync/pkg/envelope"
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker publishes envelopes on Redis pub/sub channels.
type Broker struct {
	rdb     *redis.Client
	timeout time.Duration
}

func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb, timeout: 2 * time.Second}
}

func (b *Broker) Publish(channel string, env envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.rdb.Publish(ctx, channel, data).Err()
}

// Broadcast publishes data as an event caused by userID.
func (b *Broker) Broadcast(channel string, action, service, userID string, data interface{}) error {
	env, err := envelope.NewEvent(action, service, data)
	if err != nil {
		return err
	}
	env.UserID = userID
	return b.Publish(channel, env)
}
