package codegen

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisPersister stores the generator's counter in a single Redis key.
// Redis is a natural fit here: the counter is a small scalar that must
// survive restarts but needs no relational structure or transactions.
type RedisPersister struct {
	client *redis.Client
	key    string
}

// NewRedisPersister builds a Persister backed by an existing Redis client.
func NewRedisPersister(client *redis.Client, key string) *RedisPersister {
	if key == "" {
		key = "lobbybroker:codegen:counter"
	}
	return &RedisPersister{client: client, key: key}
}

func (p *RedisPersister) Load(ctx context.Context) (uint64, error) {
	val, err := p.client.Get(ctx, p.key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *RedisPersister) Save(ctx context.Context, counter uint64) error {
	return p.client.Set(ctx, p.key, strconv.FormatUint(counter, 10), 0).Err()
}
