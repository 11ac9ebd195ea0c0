package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardlink-ingest/internal/batch"
	"guardlink-ingest/internal/cluster"
	"guardlink-ingest/internal/geofence"
	"guardlink-ingest/internal/metrics"
	"guardlink-ingest/internal/models"
	"guardlink-ingest/internal/notifier"
	"guardlink-ingest/internal/repository"
	"guardlink-ingest/internal/worker"
)

// ---- 测试替身 ----

type fakeTelemetrySink struct {
	mu       sync.Mutex
	readings []*models.TelemetryReading
}

func (s *fakeTelemetrySink) BulkInsert(_ context.Context, readings []*models.TelemetryReading) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings...)
	return int64(len(readings)), nil
}

type fakeGpsSink struct {
	mu    sync.Mutex
	fixes []*models.GpsFix
}

func (s *fakeGpsSink) BulkInsert(_ context.Context, fixes []*models.GpsFix) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes = append(s.fixes, fixes...)
	return int64(len(fixes)), nil
}

type fakeSensorSink struct{}

func (s *fakeSensorSink) BulkInsert(_ context.Context, readings []*models.SensorReading) (int64, error) {
	return int64(len(readings)), nil
}

// fakeSender 记录每次发送的报警，可配置为全部失败
type fakeSender struct {
	mu     sync.Mutex
	fail   bool
	alerts []*models.DeviceAlert
}

func (f *fakeSender) Configured() bool { return true }

func (f *fakeSender) Send(_ context.Context, _ string, alert *models.DeviceAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	if f.fail {
		return assert.AnError
	}
	return nil
}

func (f *fakeSender) sent() []*models.DeviceAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.DeviceAlert, len(f.alerts))
	copy(out, f.alerts)
	return out
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(_ context.Context, _ string) error { return nil }

type fakePolygonSource struct {
	polygons []*models.GeofencePolygon
}

func (s *fakePolygonSource) EnabledPolygons(_ context.Context, _ string) ([]*models.GeofencePolygon, error) {
	return s.polygons, nil
}

// ---- 组装 ----

type handlerFixture struct {
	handler  *IngestHandler
	mock     sqlmock.Sqlmock
	sms      *fakeSender
	email    *fakeSender
	push     *fakeSender
	gpsSink  *fakeGpsSink
	telSink  *fakeTelemetrySink
	redisCli *redis.Client
}

func newHandlerFixture(t *testing.T, sendersFail bool, polygons []*models.GeofencePolygon) *handlerFixture {
	logger := zap.NewNop()
	m := metrics.New(logger)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	redisCli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisCli.Close() })

	telSink := &fakeTelemetrySink{}
	gpsSink := &fakeGpsSink{}
	accumulator := batch.NewAccumulator(batch.Config{
		BatchSize:     100,
		FlushInterval: time.Hour,
		FlushTimeout:  time.Second,
		StopTimeout:   time.Second,
	}, telSink, gpsSink, &fakeSensorSink{}, m, logger)
	t.Cleanup(func() { accumulator.Stop() })

	engine := geofence.NewEngine(&fakePolygonSource{polygons: polygons}, time.Minute, logger)

	clusterer := cluster.NewClusterer(cluster.Config{
		JoinThreshold:     0.5,
		SuppressThreshold: 0.9,
		InactiveAfter:     4 * time.Hour,
	}, m, logger)

	sms := &fakeSender{fail: sendersFail}
	email := &fakeSender{fail: sendersFail}
	push := &fakeSender{fail: sendersFail}
	dispatcher := notifier.NewDispatcher(sms, email, push, allowAllLimiter{}, time.Second, m, logger)

	noc := notifier.NewNOCBroadcaster(redisCli, "noc:critical-alerts", logger)
	alertRepo := repository.NewAlertRepository(db, logger)

	handler := NewIngestHandler(
		accumulator, engine, clusterer, dispatcher, noc, alertRepo,
		notifier.Recipients{
			SMS:   []string{"+15550100"},
			Email: []string{"ops@example.com"},
			Push:  []string{"device-token-1"},
		},
		models.SeverityHigh, 15, m, logger,
	)

	return &handlerFixture{
		handler: handler, mock: mock,
		sms: sms, email: email, push: push,
		gpsSink: gpsSink, telSink: telSink,
		redisCli: redisCli,
	}
}

func receiptMeta(topic string, qos byte) models.ReceiptMeta {
	return models.ReceiptMeta{
		Topic:      topic,
		QoS:        qos,
		ReceivedAt: time.Now(),
		BrokerID:   "test-broker",
	}
}

// ---- 端到端路径 ----

// 恐慌按钮：即使全部通知渠道不可达，报警仍然恰好落库一次，
// 位置保真，且每个已配置渠道至少尝试发送一次
func TestHandleAlert_PanicPersistsAndNotifiesAllChannels(t *testing.T) {
	fx := newHandlerFixture(t, true, nil)

	lat, lon := 40.712800, -74.006000
	fx.mock.ExpectExec(`INSERT INTO device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := &models.AlertPayload{
		SourceID:  "guard-42",
		TenantID:  "tenant-1",
		AlertType: "panic",
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: "2026-03-15T08:00:00Z",
	}

	err := fx.handler.HandleAlert(context.Background(), payload, receiptMeta("alert/guard-42/panic", 2))
	require.NoError(t, err)

	// 恰好一次 INSERT，渠道全挂也没有第二次
	require.NoError(t, fx.mock.ExpectationsWereMet())

	// 每个已配置渠道至少尝试一次
	require.NotEmpty(t, fx.sms.sent())
	require.NotEmpty(t, fx.email.sent())
	require.NotEmpty(t, fx.push.sent())

	// 级别与位置保真
	alert := fx.sms.sent()[0]
	assert.Equal(t, models.AlertPanic, alert.AlertType)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	require.NotNil(t, alert.Location)
	assert.InDelta(t, lat, alert.Location.Latitude, 1e-4)
	assert.InDelta(t, lon, alert.Location.Longitude, 1e-4)

	// CRITICAL 同时推送 NOC 看板流
	entries, err := fx.redisCli.XLen(context.Background(), "noc:critical-alerts").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), entries)
}

func TestHandleAlert_PersistFailureIsRetryable(t *testing.T) {
	fx := newHandlerFixture(t, false, nil)

	fx.mock.ExpectExec(`INSERT INTO device_alerts`).
		WillReturnError(sql.ErrConnDone)

	payload := &models.AlertPayload{
		SourceID:  "guard-42",
		AlertType: "panic",
		Timestamp: "2026-03-15T08:00:00Z",
	}

	err := fx.handler.HandleAlert(context.Background(), payload, receiptMeta("alert/guard-42/panic", 2))
	require.Error(t, err)
	// 落库失败交给工作池重试，绝不能标记为不可重试
	assert.NotErrorIs(t, err, worker.ErrPermanent)
	// 落库失败后不得发出任何通知
	assert.Empty(t, fx.sms.sent())
	assert.Empty(t, fx.email.sent())
}

func TestHandleAlert_MissingSourceIsPermanent(t *testing.T) {
	fx := newHandlerFixture(t, false, nil)

	payload := &models.AlertPayload{AlertType: "panic"}
	err := fx.handler.HandleAlert(context.Background(), payload, receiptMeta("alert", 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrPermanent)
}

func TestHandleAlert_DuplicateSuppressedWithoutNotification(t *testing.T) {
	fx := newHandlerFixture(t, false, nil)

	// 第一条：新聚类 → 通知（LOW 仅邮件）→ 回写标记
	fx.mock.ExpectExec(`INSERT INTO device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectExec(`UPDATE device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 第二条近重复：落库后被抑制，无通知
	fx.mock.ExpectExec(`INSERT INTO device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectExec(`UPDATE device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := &models.AlertPayload{
		SourceID:  "sensor-7",
		TenantID:  "tenant-1",
		SiteID:    "site-1",
		AlertType: "equipment_failure",
		Severity:  "LOW",
		Timestamp: "2026-03-15T08:00:00Z",
	}
	meta := receiptMeta("alert/sensor-7/equipment_failure", 2)

	require.NoError(t, fx.handler.HandleAlert(context.Background(), payload, meta))
	require.NoError(t, fx.handler.HandleAlert(context.Background(), payload, meta))

	require.NoError(t, fx.mock.ExpectationsWereMet())
	// 只有第一条触发了通知
	assert.Len(t, fx.email.sent(), 1)
}

func TestHandleGps_ViolationSynthesizesAlert(t *testing.T) {
	// 围栏在原点附近，点远在纽约 → 越界
	fence := &models.GeofencePolygon{
		PolygonID: "p1",
		TenantID:  "tenant-1",
		Enabled:   true,
		Vertices: []models.GeoPoint{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 1},
			{Latitude: 1, Longitude: 1},
			{Latitude: 1, Longitude: 0},
		},
	}
	fx := newHandlerFixture(t, false, []*models.GeofencePolygon{fence})

	fx.mock.ExpectExec(`INSERT INTO device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectExec(`UPDATE device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := &models.GpsPayload{
		GuardID:   "guard-42",
		TenantID:  "tenant-1",
		Latitude:  40.7128,
		Longitude: -74.006,
		Timestamp: "2026-03-15T08:00:00Z",
	}

	err := fx.handler.HandleGps(context.Background(), payload, receiptMeta("guard/guard-42/gps", 1))
	require.NoError(t, err)
	require.NoError(t, fx.mock.ExpectationsWereMet())

	// GPS 记录本身仍然入批，带越界标记
	fx.gpsSink.mu.Lock()
	buffered := len(fx.gpsSink.fixes)
	fx.gpsSink.mu.Unlock()
	assert.Zero(t, buffered) // 未达批大小，仍在缓冲区

	// 合成报警为 HIGH → 三渠道齐发
	require.NotEmpty(t, fx.sms.sent())
	alert := fx.sms.sent()[0]
	assert.Equal(t, models.AlertGeofenceViolation, alert.AlertType)
	assert.Equal(t, models.SeverityHigh, alert.Severity)
	require.NotNil(t, alert.Location)
	assert.InDelta(t, 40.7128, alert.Location.Latitude, 1e-6)
}

func TestHandleGps_InsideGeofenceNoAlert(t *testing.T) {
	fence := &models.GeofencePolygon{
		PolygonID: "p1",
		TenantID:  "tenant-1",
		Enabled:   true,
		Vertices: []models.GeoPoint{
			{Latitude: 40, Longitude: -75},
			{Latitude: 40, Longitude: -73},
			{Latitude: 41, Longitude: -73},
			{Latitude: 41, Longitude: -75},
		},
	}
	fx := newHandlerFixture(t, false, []*models.GeofencePolygon{fence})

	payload := &models.GpsPayload{
		GuardID:   "guard-42",
		TenantID:  "tenant-1",
		Latitude:  40.7128,
		Longitude: -74.006,
		Timestamp: "2026-03-15T08:00:00Z",
	}

	err := fx.handler.HandleGps(context.Background(), payload, receiptMeta("guard/guard-42/gps", 1))
	require.NoError(t, err)
	require.NoError(t, fx.mock.ExpectationsWereMet())
	assert.Empty(t, fx.sms.sent())
}

func TestHandleGps_InvalidCoordinatesPermanent(t *testing.T) {
	fx := newHandlerFixture(t, false, nil)

	payload := &models.GpsPayload{
		GuardID:   "guard-42",
		TenantID:  "tenant-1",
		Latitude:  91.0,
		Longitude: 0,
	}

	err := fx.handler.HandleGps(context.Background(), payload, receiptMeta("guard/guard-42/gps", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrPermanent)
}

func TestHandleTelemetry_LowBatterySynthesizesAlert(t *testing.T) {
	fx := newHandlerFixture(t, false, nil)

	fx.mock.ExpectExec(`INSERT INTO device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectExec(`UPDATE device_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	battery := 10
	payload := &models.TelemetryPayload{
		DeviceID:     "device-001",
		BatteryLevel: &battery,
		Timestamp:    "2026-03-15T08:00:00Z",
	}

	err := fx.handler.HandleTelemetry(context.Background(), payload, receiptMeta("device/device-001/telemetry", 1))
	require.NoError(t, err)
	require.NoError(t, fx.mock.ExpectationsWereMet())

	// MEDIUM → 邮件 + 推送，无短信
	assert.Empty(t, fx.sms.sent())
	require.NotEmpty(t, fx.email.sent())
	require.NotEmpty(t, fx.push.sent())
	assert.Equal(t, models.AlertLowBattery, fx.email.sent()[0].AlertType)
}

func TestHandleTelemetry_BatteryOutOfRangePermanent(t *testing.T) {
	fx := newHandlerFixture(t, false, nil)

	battery := 150
	payload := &models.TelemetryPayload{
		DeviceID:     "device-001",
		BatteryLevel: &battery,
	}

	err := fx.handler.HandleTelemetry(context.Background(), payload, receiptMeta("device/device-001/telemetry", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrPermanent)
}

func TestNormalizeAlertType(t *testing.T) {
	assert.Equal(t, models.AlertPanic, normalizeAlertType("panic"))
	assert.Equal(t, models.AlertPanic, normalizeAlertType("PANIC"))
	assert.Equal(t, models.AlertSOS, normalizeAlertType("sos"))
	assert.Equal(t, models.AlertOther, normalizeAlertType("something_weird"))
	assert.Equal(t, models.AlertType(""), normalizeAlertType(""))
}

func TestDefaultSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, defaultSeverity(models.AlertPanic))
	assert.Equal(t, models.SeverityCritical, defaultSeverity(models.AlertFire))
	assert.Equal(t, models.SeverityHigh, defaultSeverity(models.AlertIntrusion))
	assert.Equal(t, models.SeverityMedium, defaultSeverity(models.AlertLowBattery))
	assert.Equal(t, models.SeverityLow, defaultSeverity(models.AlertOther))
}
