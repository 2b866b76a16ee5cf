package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/TritonDataCenter/rebalancer/common"
)

// record is the on-wire shape stored per key: the opaque value plus the
// etag the server hands out on every successful write.
type record struct {
	Value json.RawMessage `json:"value"`
	Etag  string          `json:"etag"`
}

// RedisStore is the default production implementation of Store: one redis
// client per shard, since the external metadata store is itself sharded by
// a small integer. Optimistic concurrency is implemented with
// redis WATCH/MULTI rather than a server-side CAS primitive, since go-redis
// exposes transactions but not a native compare-and-swap command.
type RedisStore struct {
	clients map[common.ShardId]*redis.Client
}

// NewRedisStore dials one client per shard in shardAddrs (shard id -> addr).
func NewRedisStore(shardAddrs map[common.ShardId]string) *RedisStore {
	clients := make(map[common.ShardId]*redis.Client, len(shardAddrs))
	for shard, addr := range shardAddrs {
		clients[shard] = redis.NewClient(&redis.Options{Addr: addr})
	}
	return &RedisStore{clients: clients}
}

func (s *RedisStore) Close() error {
	var firstErr error
	for _, c := range s.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func redisKey(bucket, key string) string {
	return bucket + ":" + key
}

func (s *RedisStore) client(shard common.ShardId) (*redis.Client, error) {
	c, ok := s.clients[shard]
	if !ok {
		return nil, fmt.Errorf("metadata: unknown shard %d", shard)
	}
	return c, nil
}

func (s *RedisStore) Get(ctx context.Context, shard common.ShardId, bucket, key string) (json.RawMessage, common.Etag, error) {
	c, err := s.client(shard)
	if err != nil {
		return nil, "", err
	}
	raw, err := c.Get(ctx, redisKey(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, "", fmt.Errorf("decoding metadata record %s: %w", key, err)
	}
	return rec.Value, common.Etag(rec.Etag), nil
}

// Put performs a WATCH-guarded read-compare-write: the transaction function
// re-reads the current etag inside the watch and aborts with ErrEtagConflict
// if it doesn't match ifEtag, giving callers server-side CAS semantics.
func (s *RedisStore) Put(ctx context.Context, shard common.ShardId, bucket, key string, value json.RawMessage, ifEtag common.Etag) (common.Etag, error) {
	c, err := s.client(shard)
	if err != nil {
		return "", err
	}
	rk := redisKey(bucket, key)
	newEtag := common.Etag(uuid.NewString())

	txErr := c.Watch(ctx, func(tx *redis.Tx) error {
		var curEtag string
		raw, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			curEtag = ""
		case err != nil:
			return err
		default:
			var cur record
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("decoding metadata record %s: %w", key, err)
			}
			curEtag = cur.Etag
		}

		if curEtag != string(ifEtag) {
			return ErrEtagConflict
		}

		payload, err := json.Marshal(record{Value: value, Etag: string(newEtag)})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, rk, payload, 0)
			return nil
		})
		return err
	}, rk)

	if txErr != nil {
		if errors.Is(txErr, ErrEtagConflict) {
			return "", ErrEtagConflict
		}
		return "", txErr
	}
	return newEtag, nil
}
