package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"guardlink-ingest/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// NOCBroadcaster NOC 看板广播
// CRITICAL 报警额外推送到 Redis Stream，独立于短信/邮件/推送渠道
type NOCBroadcaster struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewNOCBroadcaster 创建 NOC 广播器
func NewNOCBroadcaster(client *redis.Client, stream string, logger *zap.Logger) *NOCBroadcaster {
	return &NOCBroadcaster{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// BroadcastCritical 推送 CRITICAL 报警到 NOC Stream
func (b *NOCBroadcaster) BroadcastCritical(ctx context.Context, alert *models.DeviceAlert) error {
	if alert.Severity != models.SeverityCritical {
		return nil
	}

	payload := map[string]interface{}{
		"type":       "critical_alert",
		"alert_id":   alert.AlertID,
		"tenant_id":  alert.TenantID,
		"source_id":  alert.SourceID,
		"site_id":    alert.SiteID,
		"alert_type": string(alert.AlertType),
		"severity":   string(alert.Severity),
		"message":    alert.Message,
	}
	if alert.Location != nil {
		payload["latitude"] = alert.Location.Latitude
		payload["longitude"] = alert.Location.Longitude
	}

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal NOC payload: %w", err)
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish to NOC stream %s: %w", b.stream, err)
	}

	b.logger.Info("Broadcast critical alert to NOC",
		zap.String("alert_id", alert.AlertID),
		zap.String("stream", b.stream),
	)
	return nil
}
