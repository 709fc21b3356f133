package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 记录已处理完成的事件，redis 不可用时放行
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func dedupKey(handler, id string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, id)
}

// Seen 已成功处理过返回 true；redis 不可用时返回 false，交给下游的幂等处理
func (d *Deduper) Seen(ctx context.Context, handler, id string) bool {
	key := dedupKey(handler, id)

	n, err := d.rdb.Exists(ctx, key).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.Error(err),
		)
		return false
	}

	if n > 0 {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.String("dedup_key", key),
		)
		return true
	}
	return false
}

// MarkDone 只在事件已持久生效后调用，进程在此之前崩溃时重投仍会被处理
func (d *Deduper) MarkDone(ctx context.Context, handler, id string) {
	if err := d.rdb.Set(ctx, dedupKey(handler, id), 1, d.ttl).Err(); err != nil {
		d.logger.Warn("Failed to record dedup key",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}
