package gateway

import (
	"context"
	"strings"
	"time"

	"guardlink-ingest/internal/metrics"
	"guardlink-ingest/internal/models"
	"guardlink-ingest/internal/mqtt"
	"guardlink-ingest/internal/worker"

	"go.uber.org/zap"
)

// 允许的主题前缀及其订阅 QoS
// 报警走最高等级，系统健康尽力而为
const (
	PrefixDevice = "device/"
	PrefixGuard  = "guard/"
	PrefixSensor = "sensor/"
	PrefixAlert  = "alert/"
	PrefixSystem = "system/"

	QoSSystem    byte = 0
	QoSTelemetry byte = 1
	QoSAlert     byte = 2
)

// Handler 类型化消息处理器（由 service 层实现，在工作池内执行）
type Handler interface {
	HandleTelemetry(ctx context.Context, payload *models.TelemetryPayload, meta models.ReceiptMeta) error
	HandleGps(ctx context.Context, payload *models.GpsPayload, meta models.ReceiptMeta) error
	HandleSensor(ctx context.Context, payload *models.SensorPayload, meta models.ReceiptMeta) error
	HandleAlert(ctx context.Context, payload *models.AlertPayload, meta models.ReceiptMeta) error
	HandleSystem(ctx context.Context, payload *models.SystemPayload, meta models.ReceiptMeta) error
}

// Gateway 总线入口
// paho 的网络循环按约定单线程调用 OnMessage；这里只做
// 校验、类型化和入队，重活交给工作池，绝不阻塞网络循环。
// 任何拒绝都只记日志和指标，不向 paho 回调传播
type Gateway struct {
	client          *mqtt.Client
	pool            *worker.Pool
	handler         Handler
	maxPayloadBytes int
	brokerID        string
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

// NewGateway 创建总线入口
func NewGateway(
	client *mqtt.Client,
	pool *worker.Pool,
	handler Handler,
	maxPayloadBytes int,
	brokerID string,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		client:          client,
		pool:            pool,
		handler:         handler,
		maxPayloadBytes: maxPayloadBytes,
		brokerID:        brokerID,
		logger:          logger,
		metrics:         m,
	}
}

// Subscribe 订阅全部允许前缀
func (g *Gateway) Subscribe() error {
	subscriptions := []struct {
		filter string
		qos    byte
	}{
		{PrefixDevice + "#", QoSTelemetry},
		{PrefixGuard + "#", QoSTelemetry},
		{PrefixSensor + "#", QoSTelemetry},
		{PrefixAlert + "#", QoSAlert},
		{PrefixSystem + "#", QoSSystem},
	}

	for _, sub := range subscriptions {
		if err := g.client.Subscribe(sub.filter, sub.qos, g.OnMessage); err != nil {
			return err
		}
		g.logger.Info("Subscribed to topic filter",
			zap.String("filter", sub.filter),
			zap.Uint8("qos", sub.qos),
		)
	}

	return nil
}

// Unsubscribe 退订全部前缀（关闭流程第一步，停止新消息流入）
func (g *Gateway) Unsubscribe() error {
	return g.client.Unsubscribe(
		PrefixDevice+"#",
		PrefixGuard+"#",
		PrefixSensor+"#",
		PrefixAlert+"#",
		PrefixSystem+"#",
	)
}

// OnMessage 单条消息入口
func (g *Gateway) OnMessage(topic string, qos byte, payload []byte) {
	prefix := topicPrefix(topic)
	if prefix == "" {
		g.metrics.MessagesRejected.WithLabelValues("unknown", "bad_topic").Inc()
		g.logger.Warn("Rejected message on unlisted topic",
			zap.String("topic", topic),
		)
		return
	}

	g.metrics.MessagesReceived.WithLabelValues(prefix).Inc()

	if len(payload) > g.maxPayloadBytes {
		g.metrics.MessagesRejected.WithLabelValues(prefix, "oversized").Inc()
		g.logger.Warn("Rejected oversized payload",
			zap.String("topic", topic),
			zap.Int("bytes", len(payload)),
			zap.Int("limit", g.maxPayloadBytes),
		)
		return
	}

	meta := models.ReceiptMeta{
		Topic:      topic,
		QoS:        qos,
		ReceivedAt: time.Now(),
		BrokerID:   g.brokerID,
	}

	// topicPrefix 只产出下列五个前缀之一，其余主题已在上方拒绝
	switch prefix {
	case PrefixDevice:
		g.routeTelemetry(topic, payload, meta)
	case PrefixGuard:
		g.routeGps(topic, payload, meta)
	case PrefixSensor:
		g.routeSensor(topic, payload, meta)
	case PrefixAlert:
		g.routeAlert(topic, payload, meta)
	case PrefixSystem:
		g.routeSystem(topic, payload, meta)
	}
}

func (g *Gateway) routeTelemetry(topic string, raw []byte, meta models.ReceiptMeta) {
	var payload models.TelemetryPayload
	if err := models.DecodeJSONObject(raw, &payload); err != nil {
		g.reject(PrefixDevice, topic, "not_json", err)
		return
	}
	if payload.DeviceID == "" {
		payload.DeviceID = topicEntityID(topic)
	}
	if _, err := models.ParseTimestamp(payload.Timestamp, meta.ReceivedAt); err != nil {
		g.reject(PrefixDevice, topic, "bad_timestamp", err)
		return
	}

	g.pool.Submit(worker.Task{
		Type: "telemetry",
		Do: func(ctx context.Context) error {
			return g.handler.HandleTelemetry(ctx, &payload, meta)
		},
	})
}

func (g *Gateway) routeGps(topic string, raw []byte, meta models.ReceiptMeta) {
	var payload models.GpsPayload
	if err := models.DecodeJSONObject(raw, &payload); err != nil {
		g.reject(PrefixGuard, topic, "not_json", err)
		return
	}
	if payload.GuardID == "" {
		payload.GuardID = topicEntityID(topic)
	}
	if _, err := models.ParseTimestamp(payload.Timestamp, meta.ReceivedAt); err != nil {
		g.reject(PrefixGuard, topic, "bad_timestamp", err)
		return
	}

	g.pool.Submit(worker.Task{
		Type: "gps",
		Do: func(ctx context.Context) error {
			return g.handler.HandleGps(ctx, &payload, meta)
		},
	})
}

func (g *Gateway) routeSensor(topic string, raw []byte, meta models.ReceiptMeta) {
	var payload models.SensorPayload
	if err := models.DecodeJSONObject(raw, &payload); err != nil {
		g.reject(PrefixSensor, topic, "not_json", err)
		return
	}
	if payload.SensorID == "" {
		payload.SensorID = topicEntityID(topic)
	}
	if _, err := models.ParseTimestamp(payload.Timestamp, meta.ReceivedAt); err != nil {
		g.reject(PrefixSensor, topic, "bad_timestamp", err)
		return
	}

	g.pool.Submit(worker.Task{
		Type: "sensor",
		Do: func(ctx context.Context) error {
			return g.handler.HandleSensor(ctx, &payload, meta)
		},
	})
}

func (g *Gateway) routeAlert(topic string, raw []byte, meta models.ReceiptMeta) {
	var payload models.AlertPayload
	if err := models.DecodeJSONObject(raw, &payload); err != nil {
		g.reject(PrefixAlert, topic, "not_json", err)
		return
	}
	if payload.SourceID == "" {
		payload.SourceID = topicEntityID(topic)
	}
	// alert/<id>/panic 这类主题尾段即报警类型
	if payload.AlertType == "" {
		payload.AlertType = topicSuffix(topic)
	}
	if _, err := models.ParseTimestamp(payload.Timestamp, meta.ReceivedAt); err != nil {
		g.reject(PrefixAlert, topic, "bad_timestamp", err)
		return
	}

	g.pool.Submit(worker.Task{
		Type: "alert",
		Do: func(ctx context.Context) error {
			return g.handler.HandleAlert(ctx, &payload, meta)
		},
	})
}

func (g *Gateway) routeSystem(topic string, raw []byte, meta models.ReceiptMeta) {
	var payload models.SystemPayload
	if err := models.DecodeJSONObject(raw, &payload); err != nil {
		g.reject(PrefixSystem, topic, "not_json", err)
		return
	}
	if payload.ComponentID == "" {
		payload.ComponentID = topicEntityID(topic)
	}

	g.pool.Submit(worker.Task{
		Type: "system",
		Do: func(ctx context.Context) error {
			return g.handler.HandleSystem(ctx, &payload, meta)
		},
	})
}

func (g *Gateway) reject(prefix, topic, reason string, err error) {
	g.metrics.MessagesRejected.WithLabelValues(prefix, reason).Inc()
	g.logger.Warn("Rejected message",
		zap.String("topic", topic),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// topicPrefix 返回命中的允许前缀，未命中返回空串
func topicPrefix(topic string) string {
	for _, prefix := range []string{PrefixDevice, PrefixGuard, PrefixSensor, PrefixAlert, PrefixSystem} {
		if strings.HasPrefix(topic, prefix) {
			return prefix
		}
	}
	return ""
}

// topicEntityID 主题第二段为实体 ID（device/<id>/...）
func topicEntityID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

// topicSuffix 主题末段
func topicSuffix(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[len(parts)-1]
	}
	return ""
}
