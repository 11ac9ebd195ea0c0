package notifier

import (
	"context"
	"errors"
	"time"

	"guardlink-ingest/internal/metrics"
	"guardlink-ingest/internal/models"

	"go.uber.org/zap"
)

// Channel 通知渠道名
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Recipients 各渠道收件人
type Recipients struct {
	SMS   []string // 手机号
	Email []string // 邮箱
	Push  []string // 设备 token
}

// NotificationResult 单次渠道发送结果
// 无论成败都记录时延，用于运维 SLO 追踪
type NotificationResult struct {
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
	Success   bool    `json:"success"`
	LatencyMs int64   `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// smsSender / emailSender / pushSender provider 抽象（测试注入假实现）
type smsSender interface {
	Configured() bool
	Send(ctx context.Context, phone string, alert *models.DeviceAlert) error
}

type emailSender interface {
	Configured() bool
	Send(ctx context.Context, recipient string, alert *models.DeviceAlert) error
}

type pushSender interface {
	Configured() bool
	Send(ctx context.Context, token string, alert *models.DeviceAlert) error
}

// rateLimiter 短信限流抽象
type rateLimiter interface {
	Allow(ctx context.Context, phone string) error
}

// Dispatcher 按级别多渠道报警分发器
// 渠道之间完全隔离：任一渠道失败只产生一条失败结果，不中断其余渠道；
// 分发器自身的边界内不向外抛异常
type Dispatcher struct {
	sms     smsSender
	email   emailSender
	push    pushSender
	limiter rateLimiter
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher 创建分发器
func NewDispatcher(
	sms smsSender,
	email emailSender,
	push pushSender,
	limiter rateLimiter,
	timeout time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		sms:     sms,
		email:   email,
		push:    push,
		limiter: limiter,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// channelsFor 级别到渠道的映射
// CRITICAL/HIGH → SMS + Email + Push；MEDIUM → Email + Push；LOW → Email
func channelsFor(severity models.Severity) []Channel {
	switch severity {
	case models.SeverityCritical, models.SeverityHigh:
		return []Channel{ChannelSMS, ChannelEmail, ChannelPush}
	case models.SeverityMedium:
		return []Channel{ChannelEmail, ChannelPush}
	default:
		return []Channel{ChannelEmail}
	}
}

// Notify 分发一条报警到按级别选定的全部渠道
// 返回每次发送尝试的结果列表；永不 panic、永不返回 error
func (d *Dispatcher) Notify(ctx context.Context, alert *models.DeviceAlert, recipients Recipients) []NotificationResult {
	var results []NotificationResult

	for _, channel := range channelsFor(alert.Severity) {
		switch channel {
		case ChannelSMS:
			for _, phone := range recipients.SMS {
				results = append(results, d.attemptSMS(ctx, alert, phone))
			}
		case ChannelEmail:
			for _, addr := range recipients.Email {
				results = append(results, d.attempt(ctx, ChannelEmail, addr, alert, d.email.Send))
			}
		case ChannelPush:
			for _, token := range recipients.Push {
				results = append(results, d.attempt(ctx, ChannelPush, token, alert, d.push.Send))
			}
		}
	}

	for _, res := range results {
		outcome := "success"
		if !res.Success {
			outcome = "failure"
		}
		d.metrics.Notifications.WithLabelValues(string(res.Channel), outcome).Inc()
		d.metrics.NotifyLatency.WithLabelValues(string(res.Channel)).
			Observe(float64(res.LatencyMs) / 1000.0)
	}

	return results
}

// attemptSMS 短信发送（先过限流）
func (d *Dispatcher) attemptSMS(ctx context.Context, alert *models.DeviceAlert, phone string) NotificationResult {
	start := time.Now()

	if err := d.limiter.Allow(ctx, phone); err != nil {
		d.logger.Warn("SMS rate limited",
			zap.String("alert_id", alert.AlertID),
			zap.String("recipient", phone),
		)
		return NotificationResult{
			Channel:   ChannelSMS,
			Recipient: phone,
			Success:   false,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     err.Error(),
		}
	}

	return d.attempt(ctx, ChannelSMS, phone, alert, d.sms.Send)
}

// attempt 单渠道单收件人发送，错误转结果值，不向上传播
func (d *Dispatcher) attempt(
	ctx context.Context,
	channel Channel,
	recipient string,
	alert *models.DeviceAlert,
	send func(ctx context.Context, recipient string, alert *models.DeviceAlert) error,
) NotificationResult {
	start := time.Now()

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := send(sendCtx, recipient, alert)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		level := d.logger.Warn
		if errors.Is(err, ErrChannelUnconfigured) {
			level = d.logger.Debug
		}
		level("Notification attempt failed",
			zap.String("alert_id", alert.AlertID),
			zap.String("channel", string(channel)),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
		return NotificationResult{
			Channel:   channel,
			Recipient: recipient,
			Success:   false,
			LatencyMs: latency,
			Error:     err.Error(),
		}
	}

	return NotificationResult{
		Channel:   channel,
		Recipient: recipient,
		Success:   true,
		LatencyMs: latency,
	}
}

// ChannelSucceeded 结果列表中某渠道是否至少成功一次（回写通知标记用）
func ChannelSucceeded(results []NotificationResult, channel Channel) bool {
	for _, res := range results {
		if res.Channel == channel && res.Success {
			return true
		}
	}
	return false
}
