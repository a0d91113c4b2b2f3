package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bizflow/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FireLedger remembers which time-driven rule fired for which entity in
// which bucket (usually a UTC day).
type FireLedger interface {
	HasFired(ctx context.Context, ruleID uint, entityID, bucket string) (bool, error)
	MarkFired(ctx context.Context, ruleID uint, entityID, bucket string) error
	// CheckAndMark records the fire and reports whether this call recorded it
	// first. Concurrent callers for the same key see exactly one true.
	CheckAndMark(ctx context.Context, ruleID uint, entityID, bucket string) (bool, error)
}

// DayBucket formats t as the UTC day used for idle-fire deduplication.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type fireKey struct {
	ruleID   uint
	entityID string
	bucket   string
}

// MemoryFireLedger is a process-local ledger for tests and single-node runs.
type MemoryFireLedger struct {
	mu    sync.Mutex
	fired map[fireKey]time.Time
}

func NewMemoryFireLedger() *MemoryFireLedger {
	return &MemoryFireLedger{fired: make(map[fireKey]time.Time)}
}

func (l *MemoryFireLedger) HasFired(_ context.Context, ruleID uint, entityID, bucket string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.fired[fireKey{ruleID, entityID, bucket}]
	return ok, nil
}

func (l *MemoryFireLedger) MarkFired(ctx context.Context, ruleID uint, entityID, bucket string) error {
	_, err := l.CheckAndMark(ctx, ruleID, entityID, bucket)
	return err
}

func (l *MemoryFireLedger) CheckAndMark(_ context.Context, ruleID uint, entityID, bucket string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := fireKey{ruleID, entityID, bucket}
	if _, ok := l.fired[key]; ok {
		return false, nil
	}
	l.fired[key] = time.Now()
	return true, nil
}

// GormFireLedger relies on the unique (rule_id, entity_id, bucket) index.
type GormFireLedger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormFireLedger(db *gorm.DB) *GormFireLedger {
	return &GormFireLedger{db: db, now: time.Now}
}

func (l *GormFireLedger) HasFired(ctx context.Context, ruleID uint, entityID, bucket string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.AutomationFire{}).
		Where("rule_id = ? AND entity_id = ? AND bucket = ?", ruleID, entityID, bucket).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check fire ledger: %w", err)
	}
	return count > 0, nil
}

func (l *GormFireLedger) MarkFired(ctx context.Context, ruleID uint, entityID, bucket string) error {
	_, err := l.CheckAndMark(ctx, ruleID, entityID, bucket)
	return err
}

func (l *GormFireLedger) CheckAndMark(ctx context.Context, ruleID uint, entityID, bucket string) (bool, error) {
	fire := &models.AutomationFire{
		RuleID:   ruleID,
		EntityID: entityID,
		Bucket:   bucket,
		FiredAt:  l.now(),
	}
	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fire)
	if result.Error != nil {
		return false, fmt.Errorf("mark fire ledger: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

const fireKeyPrefix = "bizflow:fire:"

// RedisFireLedger shares fire facts across scanner instances. Day bucket keys
// expire after ttl, which must exceed the bucket width. Date bucket keys never
// expire, since a date value fires once for as long as it is stored.
type RedisFireLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisFireLedger(client *redis.Client, ttl time.Duration) *RedisFireLedger {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisFireLedger{client: client, ttl: ttl}
}

func redisFireKey(ruleID uint, entityID, bucket string) string {
	return fmt.Sprintf("%s%d:%s:%s", fireKeyPrefix, ruleID, entityID, bucket)
}

// DateBucketPrefix marks buckets keyed by a stored date value rather than a day.
const DateBucketPrefix = "date:"

func (l *RedisFireLedger) expiry(bucket string) time.Duration {
	if strings.HasPrefix(bucket, DateBucketPrefix) {
		return 0
	}
	return l.ttl
}

func (l *RedisFireLedger) HasFired(ctx context.Context, ruleID uint, entityID, bucket string) (bool, error) {
	n, err := l.client.Exists(ctx, redisFireKey(ruleID, entityID, bucket)).Result()
	if err != nil {
		return false, fmt.Errorf("check fire ledger: %w", err)
	}
	return n > 0, nil
}

func (l *RedisFireLedger) MarkFired(ctx context.Context, ruleID uint, entityID, bucket string) error {
	_, err := l.CheckAndMark(ctx, ruleID, entityID, bucket)
	return err
}

// CheckAndMark uses SET NX so only one caller wins the key.
func (l *RedisFireLedger) CheckAndMark(ctx context.Context, ruleID uint, entityID, bucket string) (bool, error) {
	ok, err := l.client.SetNX(ctx, redisFireKey(ruleID, entityID, bucket), "1", l.expiry(bucket)).Result()
	if err != nil {
		return false, fmt.Errorf("mark fire ledger: %w", err)
	}
	return ok, nil
}
