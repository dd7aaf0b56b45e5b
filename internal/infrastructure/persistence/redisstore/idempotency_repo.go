// Package redisstore keeps idempotency records in Redis. Keys expire after
// the retention period, and Cleanup removes older records explicitly.
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

const (
	// DefaultTTL matches the default idempotency retention
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultKeyPrefix namespaces idempotency keys
	DefaultKeyPrefix = "receipts:idem:"

	scanBatch = 200
)

// IdempotencyRepository implements port.IdempotencyRepository on Redis
type IdempotencyRepository struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewClient parses a redis:// URL into a client
func NewClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// NewIdempotencyRepository creates the repository. Empty prefix and
// non-positive ttl use the defaults.
func NewIdempotencyRepository(rdb *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *IdempotencyRepository {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IdempotencyRepository{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

// recordKey hashes the tuple so message ids with separators or spaces cannot
// collide
func (r *IdempotencyRepository) recordKey(orgID, alias, messageID string) string {
	sum := sha256.Sum256([]byte(orgID + "\x00" + alias + "\x00" + messageID))
	return r.prefix + "rec:" + hex.EncodeToString(sum[:])
}

func (r *IdempotencyRepository) idKey(id string) string {
	return r.prefix + "id:" + id
}

// Insert stores rec with SETNX; false means the key already exists
func (r *IdempotencyRepository) Insert(ctx context.Context, rec *entity.IdempotencyRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode idempotency record: %w", err)
	}

	key := r.recordKey(rec.OrgID, rec.Alias, rec.MessageID)
	set, err := r.rdb.SetNX(ctx, key, payload, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency SETNX: %w", err)
	}
	if !set {
		return false, nil
	}

	if err := r.rdb.Set(ctx, r.idKey(rec.ID), key, r.ttl).Err(); err != nil {
		r.logger.Warn("Failed to index idempotency record id", zap.String("id", rec.ID), zap.Error(err))
	}
	return true, nil
}

// FindByKey returns the record for the key, or nil
func (r *IdempotencyRepository) FindByKey(ctx context.Context, orgID, alias, messageID string) (*entity.IdempotencyRecord, error) {
	return r.load(ctx, r.recordKey(orgID, alias, messageID))
}

func (r *IdempotencyRepository) load(ctx context.Context, key string) (*entity.IdempotencyRecord, error) {
	payload, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency GET: %w", err)
	}
	var rec entity.IdempotencyRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// SetEmailID attaches the email id, keeping the record's remaining TTL
func (r *IdempotencyRepository) SetEmailID(ctx context.Context, id, emailID string) error {
	key, err := r.rdb.Get(ctx, r.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency record not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("idempotency id lookup: %w", err)
	}

	rec, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("idempotency record not found: %s", id)
	}
	rec.EmailID = &emailID

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	// XX so an expired record is not resurrected
	if err := r.rdb.SetArgs(ctx, key, payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency SET: %w", err)
	}
	return nil
}

// DeleteOlderThan scans the record keys and deletes those processed before
// cutoff
func (r *IdempotencyRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	iter := r.rdb.Scan(ctx, 0, r.prefix+"rec:*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rec, err := r.load(ctx, key)
		if err != nil {
			r.logger.Warn("Skipping unreadable idempotency record", zap.String("key", key), zap.Error(err))
			continue
		}
		if rec == nil || !rec.ProcessedAt.Before(cutoff) {
			continue
		}
		n, err := r.rdb.Del(ctx, key, r.idKey(rec.ID)).Result()
		if err != nil {
			return deleted, fmt.Errorf("idempotency DEL: %w", err)
		}
		if n > 0 {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("idempotency SCAN: %w", err)
	}
	return deleted, nil
}

var _ port.IdempotencyRepository = (*IdempotencyRepository)(nil)
