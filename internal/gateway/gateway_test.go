package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardlink-ingest/internal/metrics"
	"guardlink-ingest/internal/models"
	"guardlink-ingest/internal/worker"
)

// recordingHandler 记录各类型消息处理次数及最后一次载荷
type recordingHandler struct {
	mu        sync.Mutex
	telemetry []*models.TelemetryPayload
	gps       []*models.GpsPayload
	sensors   []*models.SensorPayload
	alerts    []*models.AlertPayload
	system    []*models.SystemPayload
}

func (h *recordingHandler) HandleTelemetry(_ context.Context, p *models.TelemetryPayload, _ models.ReceiptMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.telemetry = append(h.telemetry, p)
	return nil
}

func (h *recordingHandler) HandleGps(_ context.Context, p *models.GpsPayload, _ models.ReceiptMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gps = append(h.gps, p)
	return nil
}

func (h *recordingHandler) HandleSensor(_ context.Context, p *models.SensorPayload, _ models.ReceiptMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sensors = append(h.sensors, p)
	return nil
}

func (h *recordingHandler) HandleAlert(_ context.Context, p *models.AlertPayload, _ models.ReceiptMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, p)
	return nil
}

func (h *recordingHandler) HandleSystem(_ context.Context, p *models.SystemPayload, _ models.ReceiptMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.system = append(h.system, p)
	return nil
}

func (h *recordingHandler) counts() (telemetry, gps, sensors, alerts, system int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.telemetry), len(h.gps), len(h.sensors), len(h.alerts), len(h.system)
}

// 依赖主题校验与路由不触碰 mqtt 客户端，测试可直接注入 nil client
func setupGateway(t *testing.T) (*Gateway, *recordingHandler, *worker.Pool) {
	logger := zap.NewNop()
	m := metrics.New(logger)
	handler := &recordingHandler{}
	pool := worker.NewPool(worker.Config{
		Workers:      2,
		QueueSize:    64,
		RetryMax:     1,
		RetryBackoff: time.Millisecond,
	}, m, logger)

	gw := NewGateway(nil, pool, handler, 1024*1024, "test-broker", m, logger)
	return gw, handler, pool
}

func TestOnMessage_RoutesByPrefix(t *testing.T) {
	gw, handler, pool := setupGateway(t)

	gw.OnMessage("device/device-001/telemetry", 1, []byte(`{"battery_level":72,"timestamp":"2026-03-15T08:00:00Z"}`))
	gw.OnMessage("guard/guard-42/gps", 1, []byte(`{"tenant_id":"t1","latitude":40.71,"longitude":-74.0,"timestamp":"2026-03-15T08:00:00Z"}`))
	gw.OnMessage("sensor/door-7/reading", 1, []byte(`{"sensor_type":"DOOR","state":"OPEN","timestamp":"2026-03-15T08:00:00Z"}`))
	gw.OnMessage("alert/guard-42/panic", 2, []byte(`{"tenant_id":"t1","timestamp":"2026-03-15T08:00:00Z"}`))
	gw.OnMessage("system/broker-1/health", 0, []byte(`{"status":"healthy"}`))

	pool.Stop(2 * time.Second)

	telemetry, gps, sensors, alerts, system := handler.counts()
	assert.Equal(t, 1, telemetry)
	assert.Equal(t, 1, gps)
	assert.Equal(t, 1, sensors)
	assert.Equal(t, 1, alerts)
	assert.Equal(t, 1, system)
}

func TestOnMessage_FillsEntityIDFromTopic(t *testing.T) {
	gw, handler, pool := setupGateway(t)

	// 载荷未携带 ID：从主题第二段补齐
	gw.OnMessage("device/device-007/telemetry", 1, []byte(`{"battery_level":55}`))
	// 报警类型缺失：从主题末段补齐
	gw.OnMessage("alert/guard-42/panic", 2, []byte(`{"tenant_id":"t1"}`))

	pool.Stop(2 * time.Second)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.telemetry, 1)
	assert.Equal(t, "device-007", handler.telemetry[0].DeviceID)
	require.Len(t, handler.alerts, 1)
	assert.Equal(t, "guard-42", handler.alerts[0].SourceID)
	assert.Equal(t, "panic", handler.alerts[0].AlertType)
}

func TestOnMessage_RejectsUnlistedTopic(t *testing.T) {
	logger := zap.NewNop()
	m := metrics.New(logger)
	handler := &recordingHandler{}
	pool := worker.NewPool(worker.Config{
		Workers: 1, QueueSize: 8, RetryMax: 1, RetryBackoff: time.Millisecond,
	}, m, logger)
	gw := NewGateway(nil, pool, handler, 1024, "test-broker", m, logger)

	gw.OnMessage("admin/backdoor", 1, []byte(`{"foo":"bar"}`))
	gw.OnMessage("metrics/foo", 1, []byte(`{}`))
	gw.OnMessage("", 1, []byte(`{}`))

	pool.Stop(2 * time.Second)

	telemetry, gps, sensors, alerts, system := handler.counts()
	assert.Zero(t, telemetry+gps+sensors+alerts+system)

	// 未列入白名单的主题全部计为 bad_topic 拒绝
	assert.InDelta(t, 3.0,
		testutil.ToFloat64(m.MessagesRejected.WithLabelValues("unknown", "bad_topic")), 1e-9)
}

func TestOnMessage_RejectsOversizedPayload(t *testing.T) {
	logger := zap.NewNop()
	m := metrics.New(logger)
	handler := &recordingHandler{}
	pool := worker.NewPool(worker.Config{
		Workers: 1, QueueSize: 8, RetryMax: 1, RetryBackoff: time.Millisecond,
	}, m, logger)
	gw := NewGateway(nil, pool, handler, 64, "test-broker", m, logger)

	big := make([]byte, 65)
	gw.OnMessage("device/device-001/telemetry", 1, big)

	pool.Stop(2 * time.Second)

	telemetry, _, _, _, _ := handler.counts()
	assert.Zero(t, telemetry)
}

func TestOnMessage_RejectsMalformedJSON(t *testing.T) {
	gw, handler, pool := setupGateway(t)

	gw.OnMessage("device/device-001/telemetry", 1, []byte(`not json at all`))
	gw.OnMessage("device/device-001/telemetry", 1, []byte(`[1,2,3]`)) // 非对象
	gw.OnMessage("device/device-001/telemetry", 1, []byte(`"scalar"`))

	pool.Stop(2 * time.Second)

	telemetry, _, _, _, _ := handler.counts()
	assert.Zero(t, telemetry)
}

func TestOnMessage_RejectsBadTimestamp(t *testing.T) {
	gw, handler, pool := setupGateway(t)

	gw.OnMessage("device/device-001/telemetry", 1, []byte(`{"battery_level":72,"timestamp":"yesterday afternoon"}`))
	// 空时间戳合法：回退为接收时间
	gw.OnMessage("device/device-002/telemetry", 1, []byte(`{"battery_level":72}`))

	pool.Stop(2 * time.Second)

	telemetry, _, _, _, _ := handler.counts()
	assert.Equal(t, 1, telemetry)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, PrefixDevice, topicPrefix("device/abc/telemetry"))
	assert.Equal(t, PrefixAlert, topicPrefix("alert/guard-42/panic"))
	assert.Equal(t, "", topicPrefix("metrics/foo"))

	assert.Equal(t, "guard-42", topicEntityID("alert/guard-42/panic"))
	assert.Equal(t, "", topicEntityID("alert"))

	assert.Equal(t, "panic", topicSuffix("alert/guard-42/panic"))
	assert.Equal(t, "", topicSuffix("alert/guard-42"))
}
