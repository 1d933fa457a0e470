package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps tracker state in one Redis hash per run name, one field
// per rate sheet. Each Put sets only its own fields, so hosts sharing a run
// never overwrite each other's entries.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to the server at url and verifies the connection.
func NewRedisStore(ctx context.Context, url, runName string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, key: "ratesheets:tracker:" + runName}, nil
}

func (r *RedisStore) Load(ctx context.Context) (map[string]Entry, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", r.key, err)
	}
	entries := make(map[string]Entry, len(raw))
	for code, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("parsing entry %s: %w", code, err)
		}
		entries[code] = e
	}
	return entries, nil
}

func (r *RedisStore) Put(ctx context.Context, changed map[string]Entry) error {
	if len(changed) == 0 {
		return nil
	}
	fields := make(map[string]any, len(changed))
	for code, e := range changed {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		fields[code] = string(data)
	}
	if err := r.client.HSet(ctx, r.key, fields).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", r.key, err)
	}
	return nil
}

// Clear removes the run's hash.
func (r *RedisStore) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
