package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DuplicateChecker tracks which submitters have filed each content reference.
type DuplicateChecker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDuplicateChecker 创建重复提交检测器，ttl 为 0 时记录永不过期
func NewDuplicateChecker(rdb *redis.Client, ttl time.Duration) *DuplicateChecker {
	return &DuplicateChecker{rdb: rdb, ttl: ttl}
}

// Record notes that submitter filed ref and returns how many distinct submitters have.
func (d *DuplicateChecker) Record(ctx context.Context, ref, submitter string) (int64, error) {
	key := duplicateKey(ref)

	pipe := d.rdb.TxPipeline()
	pipe.SAdd(ctx, key, submitter)
	card := pipe.SCard(ctx, key)
	if d.ttl > 0 {
		pipe.Expire(ctx, key, d.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record submission of %s: %w", ref, err)
	}
	return card.Val(), nil
}

// CheckDuplicate reports true when at most one submitter has filed ref.
func (d *DuplicateChecker) CheckDuplicate(ctx context.Context, ref string) (bool, error) {
	n, err := d.rdb.SCard(ctx, duplicateKey(ref)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read submissions of %s: %w", ref, err)
	}
	return n <= 1, nil
}

func duplicateKey(ref string) string {
	return "oracle:submissions:" + ref
}
