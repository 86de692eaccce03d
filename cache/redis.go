package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pierrec/lz4/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// KeyPrefix namespaces the entries, so sessions can share one
	// Redis instance.
	KeyPrefix string
	// KeyExpiration bounds an entry's lifetime.  Zero keeps entries
	// until Reset.
	KeyExpiration time.Duration
}

// RedisStore keeps entries in Redis, LZ4-compressed, so hunts can be
// resumed across processes.
type RedisStore struct {
	metrics
	client *redis.Client
	prefix string
	expiry time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, conf RedisConfig, registerer prometheus.Registerer) *RedisStore {
	prefix := conf.KeyPrefix
	if prefix == "" {
		prefix = "hunt:"
	}
	return &RedisStore{
		metrics: newMetrics(registerer),
		client:  client,
		prefix:  prefix,
		expiry:  conf.KeyExpiration,
	}
}

func (s *RedisStore) key(fingerprint string) string {
	return s.prefix + fingerprint
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	b, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.misses.WithLabelValues("redis").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	b, err = decodePayload(b)
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false, fmt.Errorf("cache entry %s: %w", fingerprint, err)
	}
	s.hits.WithLabelValues("redis").Inc()
	return &e, true, nil
}

func (s *RedisStore) Contains(ctx context.Context, fingerprint string) bool {
	n, err := s.client.Exists(ctx, s.key(fingerprint)).Result()
	return err == nil && n > 0
}

// Put stores the batch through a transactional pipeline, so a reader
// sees either every entry or none.
func (s *RedisStore) Put(ctx context.Context, entries []*Entry) error {
	pipe := s.client.TxPipeline()
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("cache entry %s: %w", e.Fingerprint, err)
		}
		pipe.Set(ctx, s.key(e.Fingerprint), encodePayload(b), s.expiry)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

const (
	formatNone = 0x00
	formatLZ4  = 0x01
)

// encodePayload LZ4-compresses a payload, falling back to the raw
// bytes when compression does not shrink them.  The header carries the
// format and the uncompressed size.
func encodePayload(b []byte) []byte {
	format := byte(formatNone)
	payload := b
	if len(b) > 1 {
		// Size the destination one byte short so compression fails
		// unless it actually saves space.
		dst := make([]byte, len(b)-1)
		var c lz4.Compressor
		zlen, err := c.CompressBlock(b, dst)
		if err == nil && zlen > 0 {
			format = formatLZ4
			payload = dst[:zlen]
		}
	}
	out := make([]byte, 0, len(payload)+binary.MaxVarintLen64+1)
	out = append(out, format)
	out = binary.AppendUvarint(out, uint64(len(b)))
	return append(out, payload...)
}

func decodePayload(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("cache payload too short")
	}
	format := b[0]
	size, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return nil, fmt.Errorf("cache payload has a bad size header")
	}
	payload := b[1+n:]
	switch format {
	case formatNone:
		return payload, nil
	case formatLZ4:
		out := make([]byte, size)
		if _, err := lz4.UncompressBlock(payload, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("cache payload has unknown format 0x%02x", format)
}
