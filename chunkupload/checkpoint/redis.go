package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "uploadsession:checkpoint:"

// Redis stores checkpoints in Redis, so uploads can be resumed from another machine.
// The session metadata is a string key, the recorded parts a hash keyed by offset.
// Both expire after ttl.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ chunkupload.CheckpointStore = (*Redis)(nil)

// NewRedis ...
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKeys(key string) (string, string) {
	base := redisKeyPrefix + hashKey(key)
	return base, base + ":parts"
}

// Load ...
func (s *Redis) Load(ctx context.Context, key string) (*chunkupload.Checkpoint, error) {
	metaKey, partsKey := redisKeys(key)

	b, err := s.client.Get(ctx, metaKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cp, err := decodeCheckpoint(b)
	if err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, partsKey).Result()
	if err != nil {
		return nil, err
	}
	cp.Parts = nil
	for _, v := range fields {
		part, err := decodePart([]byte(v))
		if err != nil {
			return nil, err
		}
		cp.Parts = append(cp.Parts, part)
	}
	sortParts(cp.Parts)

	return cp, nil
}

// Save replaces the checkpoint and its recorded parts.
func (s *Redis) Save(ctx context.Context, checkpoint chunkupload.Checkpoint) error {
	metaKey, partsKey := redisKeys(checkpoint.Key)

	parts := checkpoint.Parts
	checkpoint.Parts = nil
	b, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}

	values := make([]interface{}, 0, 2*len(parts))
	for _, p := range parts {
		pb, err := json.Marshal(p)
		if err != nil {
			return err
		}
		values = append(values, offsetField(p.Offset), string(pb))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, metaKey, b, s.ttl)
		pipe.Del(ctx, partsKey)
		if len(values) > 0 {
			pipe.HSet(ctx, partsKey, values...)
			s.expire(ctx, pipe, partsKey)
		}
		return nil
	})
	return err
}

// RecordPart ...
func (s *Redis) RecordPart(ctx context.Context, key string, part chunkupload.PartDescriptor) error {
	_, partsKey := redisKeys(key)
	b, err := json.Marshal(part)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, partsKey, offsetField(part.Offset), string(b))
		s.expire(ctx, pipe, partsKey)
		return nil
	})
	return err
}

// expire applies the ttl; a zero ttl keeps keys forever.
func (s *Redis) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
}

// Delete ...
func (s *Redis) Delete(ctx context.Context, key string) error {
	metaKey, partsKey := redisKeys(key)
	return s.client.Del(ctx, metaKey, partsKey).Err()
}
