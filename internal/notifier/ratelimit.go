package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrRateLimited 收件人触发限流；该次发送记为失败结果，不在线重试
var ErrRateLimited = errors.New("recipient rate limit exceeded")

// SMSRateLimiter 按手机号的滑动分钟窗限流
// Redis INCR + 首次计数时设置 TTL，进程重启不丢窗口
type SMSRateLimiter struct {
	client    *redis.Client
	perMinute int
}

// NewSMSRateLimiter 创建短信限流器
func NewSMSRateLimiter(client *redis.Client, perMinute int) *SMSRateLimiter {
	return &SMSRateLimiter{
		client:    client,
		perMinute: perMinute,
	}
}

// Allow 检查并计数一次发送
// 超过限额返回 ErrRateLimited；Redis 故障时放行（限流失效优于报警丢失）
func (l *SMSRateLimiter) Allow(ctx context.Context, phone string) error {
	window := time.Now().Unix() / 60
	key := fmt.Sprintf("sms:rate:%s:%d", phone, window)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return nil
	}
	if count == 1 {
		l.client.Expire(ctx, key, 2*time.Minute)
	}

	if count > int64(l.perMinute) {
		return fmt.Errorf("%w: %s sent %d in current window", ErrRateLimited, phone, count)
	}
	return nil
}
