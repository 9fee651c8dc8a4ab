package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// HandoutLimiter 基于Redis的分发频率限制：同一个代理在短期窗口内
// 被分发超过上限后暂时跳过，把负载摊到其它代理上。
// Redis不可用时放行，限流只是优化而不是正确性保障。
type HandoutLimiter struct {
	rdb    *redis.Client
	logger *zap.Logger
	limit  int
	window time.Duration
}

// NewHandoutLimiter 创建分发频率限制器
func NewHandoutLimiter(rdb *redis.Client, logger *zap.Logger, limit int, window time.Duration) *HandoutLimiter {
	return &HandoutLimiter{
		rdb:    rdb,
		logger: logger,
		limit:  limit,
		window: window,
	}
}

// Allow 检查代理是否还能被分发
func (l *HandoutLimiter) Allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	redisKey := fmt.Sprintf("ratelimit:handout:%s", key)
	count, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		l.logger.Debug("限流检查失败，放行",
			zap.String("代理", key),
			zap.Error(err),
		)
		return true
	}
	if count == 1 {
		l.rdb.Expire(ctx, redisKey, l.window)
	}
	return count <= int64(l.limit)
}
