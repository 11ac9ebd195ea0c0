package service

import (
	"context"
	"encoding/json"
	"fmt"

	"guardlink-ingest/internal/batch"
	"guardlink-ingest/internal/cluster"
	"guardlink-ingest/internal/geofence"
	"guardlink-ingest/internal/metrics"
	"guardlink-ingest/internal/models"
	"guardlink-ingest/internal/notifier"
	"guardlink-ingest/internal/repository"
	"guardlink-ingest/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IngestHandler 类型化消息处理（实现 gateway.Handler，在工作池内执行）
// 报警路径的铁律：先落库后通知——所有通知渠道全挂也不丢 panic 事件
type IngestHandler struct {
	accumulator *batch.Accumulator
	geofence    *geofence.Engine
	clusterer   *cluster.Clusterer
	dispatcher  *notifier.Dispatcher
	noc         *notifier.NOCBroadcaster
	alertRepo   *repository.AlertRepository
	recipients  notifier.Recipients

	violationSeverity   models.Severity
	lowBatteryThreshold int

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewIngestHandler 创建消息处理器
func NewIngestHandler(
	accumulator *batch.Accumulator,
	geofenceEngine *geofence.Engine,
	clusterer *cluster.Clusterer,
	dispatcher *notifier.Dispatcher,
	noc *notifier.NOCBroadcaster,
	alertRepo *repository.AlertRepository,
	recipients notifier.Recipients,
	violationSeverity models.Severity,
	lowBatteryThreshold int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IngestHandler {
	return &IngestHandler{
		accumulator:         accumulator,
		geofence:            geofenceEngine,
		clusterer:           clusterer,
		dispatcher:          dispatcher,
		noc:                 noc,
		alertRepo:           alertRepo,
		recipients:          recipients,
		violationSeverity:   violationSeverity,
		lowBatteryThreshold: lowBatteryThreshold,
		logger:              logger,
		metrics:             m,
	}
}

// HandleTelemetry 遥测入批；低电量合成 LOW_BATTERY 报警走正常报警路径
func (h *IngestHandler) HandleTelemetry(ctx context.Context, payload *models.TelemetryPayload, meta models.ReceiptMeta) error {
	if payload.DeviceID == "" {
		return worker.Permanent(fmt.Errorf("telemetry missing device_id"))
	}
	if payload.BatteryLevel != nil && (*payload.BatteryLevel < 0 || *payload.BatteryLevel > 100) {
		return worker.Permanent(fmt.Errorf("battery_level %d out of range", *payload.BatteryLevel))
	}

	deviceTS, err := models.ParseTimestamp(payload.Timestamp, meta.ReceivedAt)
	if err != nil {
		return worker.Permanent(err)
	}

	status := models.ConnectivityStatus(payload.ConnectivityStatus)
	if status == "" {
		status = models.ConnectivityUnknown
	}

	h.accumulator.AddTelemetry(&models.TelemetryReading{
		DeviceID:           payload.DeviceID,
		BatteryLevel:       payload.BatteryLevel,
		SignalStrength:     payload.SignalStrength,
		Temperature:        payload.Temperature,
		ConnectivityStatus: status,
		DeviceTimestamp:    deviceTS,
		ReceivedAt:         meta.ReceivedAt,
		RawPayload:         mustJSON(payload),
	})

	if h.lowBatteryThreshold > 0 && payload.BatteryLevel != nil && *payload.BatteryLevel <= h.lowBatteryThreshold {
		alert := &models.DeviceAlert{
			AlertID:     uuid.New().String(),
			SourceID:    payload.DeviceID,
			SourceType:  "device",
			AlertType:   models.AlertLowBattery,
			Severity:    models.SeverityMedium,
			Message:     fmt.Sprintf("Device %s battery at %d%%", payload.DeviceID, *payload.BatteryLevel),
			Status:      models.StatusNew,
			TriggeredAt: deviceTS,
			ReceivedAt:  meta.ReceivedAt,
			RawPayload:  mustJSON(payload),
		}
		if err := h.processAlert(ctx, alert); err != nil {
			return err
		}
	}

	return nil
}

// HandleGps 围栏判定 → 入批；越界合成报警，与其他报警同一条路径
func (h *IngestHandler) HandleGps(ctx context.Context, payload *models.GpsPayload, meta models.ReceiptMeta) error {
	if payload.GuardID == "" {
		return worker.Permanent(fmt.Errorf("gps missing guard_id"))
	}
	// 围栏引擎假定坐标已校验，越过这里的非法坐标直接丢弃
	if !models.ValidCoordinates(payload.Latitude, payload.Longitude) {
		return worker.Permanent(fmt.Errorf("invalid coordinates (%f, %f) for guard %s",
			payload.Latitude, payload.Longitude, payload.GuardID))
	}

	deviceTS, err := models.ParseTimestamp(payload.Timestamp, meta.ReceivedAt)
	if err != nil {
		return worker.Permanent(err)
	}

	inAny, violated := false, false
	if payload.TenantID != "" {
		inAny, violated, err = h.geofence.Evaluate(ctx, payload.TenantID, payload.Latitude, payload.Longitude)
		if err != nil {
			// 围栏查询失败是瞬时基础设施错误，交给工作池重试
			return fmt.Errorf("geofence evaluation failed: %w", err)
		}
	}

	h.accumulator.AddGps(&models.GpsFix{
		GuardID:           payload.GuardID,
		TenantID:          payload.TenantID,
		Latitude:          payload.Latitude,
		Longitude:         payload.Longitude,
		AccuracyM:         payload.AccuracyM,
		InGeofence:        inAny,
		GeofenceViolation: violated,
		DeviceTimestamp:   deviceTS,
		ReceivedAt:        meta.ReceivedAt,
		RawPayload:        mustJSON(payload),
	})

	if violated {
		alert := &models.DeviceAlert{
			AlertID:    uuid.New().String(),
			TenantID:   payload.TenantID,
			SourceID:   payload.GuardID,
			SourceType: "guard",
			AlertType:  models.AlertGeofenceViolation,
			Severity:   h.violationSeverity,
			Message: fmt.Sprintf("Guard %s outside all geofences at (%.6f, %.6f)",
				payload.GuardID, payload.Latitude, payload.Longitude),
			Location:    &models.AlertLocation{Latitude: payload.Latitude, Longitude: payload.Longitude},
			Status:      models.StatusNew,
			TriggeredAt: deviceTS,
			ReceivedAt:  meta.ReceivedAt,
			RawPayload:  mustJSON(payload),
		}
		if err := h.processAlert(ctx, alert); err != nil {
			return err
		}
	}

	return nil
}

// HandleSensor 传感器记录入批
func (h *IngestHandler) HandleSensor(ctx context.Context, payload *models.SensorPayload, meta models.ReceiptMeta) error {
	if payload.SensorID == "" {
		return worker.Permanent(fmt.Errorf("sensor reading missing sensor_id"))
	}

	deviceTS, err := models.ParseTimestamp(payload.Timestamp, meta.ReceivedAt)
	if err != nil {
		return worker.Permanent(err)
	}

	h.accumulator.AddSensor(&models.SensorReading{
		SensorID:        payload.SensorID,
		SensorType:      models.ParseSensorType(payload.SensorType),
		NumericValue:    payload.NumericValue,
		DiscreteState:   payload.DiscreteState,
		DeviceTimestamp: deviceTS,
		ReceivedAt:      meta.ReceivedAt,
		RawPayload:      mustJSON(payload),
	})

	return nil
}

// HandleAlert 总线报警消息
func (h *IngestHandler) HandleAlert(ctx context.Context, payload *models.AlertPayload, meta models.ReceiptMeta) error {
	if payload.SourceID == "" {
		return worker.Permanent(fmt.Errorf("alert missing source_id"))
	}
	alertType := normalizeAlertType(payload.AlertType)
	if alertType == "" {
		return worker.Permanent(fmt.Errorf("alert missing alert_type"))
	}

	triggeredAt, err := models.ParseTimestamp(payload.Timestamp, meta.ReceivedAt)
	if err != nil {
		return worker.Permanent(err)
	}

	severity := models.ParseSeverity(payload.Severity)
	if payload.Severity == "" {
		severity = defaultSeverity(alertType)
	}

	message := payload.Message
	if message == "" {
		message = fmt.Sprintf("%s alert from %s", alertType, payload.SourceID)
	}

	alert := &models.DeviceAlert{
		AlertID:     uuid.New().String(),
		TenantID:    payload.TenantID,
		SourceID:    payload.SourceID,
		SourceType:  "device",
		SiteID:      payload.SiteID,
		AlertType:   alertType,
		Severity:    severity,
		Message:     message,
		Status:      models.StatusNew,
		TriggeredAt: triggeredAt,
		ReceivedAt:  meta.ReceivedAt,
		RawPayload:  mustJSON(payload),
	}
	if payload.Latitude != nil && payload.Longitude != nil &&
		models.ValidCoordinates(*payload.Latitude, *payload.Longitude) {
		alert.Location = &models.AlertLocation{
			Latitude:  *payload.Latitude,
			Longitude: *payload.Longitude,
		}
	}

	return h.processAlert(ctx, alert)
}

// HandleSystem 系统健康心跳（尽力而为，只更新健康指标）
func (h *IngestHandler) HandleSystem(ctx context.Context, payload *models.SystemPayload, meta models.ReceiptMeta) error {
	if payload.ComponentID == "" {
		return nil
	}

	healthy := 0.0
	switch payload.Status {
	case "ok", "healthy", "up", "online":
		healthy = 1.0
	}
	h.metrics.SystemHealth.WithLabelValues(payload.ComponentID).Set(healthy)
	return nil
}

// processAlert 报警统一处理路径：落库 → 聚类 → 通知
func (h *IngestHandler) processAlert(ctx context.Context, alert *models.DeviceAlert) error {
	// 1. 落库（安全关键，失败交给工作池重试）
	if err := h.alertRepo.Insert(ctx, alert); err != nil {
		return fmt.Errorf("failed to persist alert: %w", err)
	}

	// 2. 聚类（噪声压缩；CRITICAL 永不被抑制）
	result := h.clusterer.ClusterAlert(alert)
	if result.Suppressed {
		if err := h.alertRepo.MarkSuppressed(ctx, alert.AlertID); err != nil {
			h.logger.Warn("Failed to persist suppression status",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err),
			)
		}
		h.logger.Info("Alert suppressed into cluster",
			zap.String("alert_id", alert.AlertID),
			zap.String("cluster_id", result.Cluster.ClusterID),
		)
		return nil
	}

	// 3. NOC 看板广播（CRITICAL 专属，独立于通知渠道）
	if alert.IsCritical() {
		if err := h.noc.BroadcastCritical(ctx, alert); err != nil {
			h.logger.Warn("NOC broadcast failed",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err),
			)
		}
	}

	// 4. 通知：仅新聚类、级别抬升或 CRITICAL；通知失败不影响已落库的报警
	if !result.Created && !result.Escalated && !alert.IsCritical() {
		return nil
	}

	results := h.dispatcher.Notify(ctx, alert, h.recipients)

	smsOK := notifier.ChannelSucceeded(results, notifier.ChannelSMS)
	emailOK := notifier.ChannelSucceeded(results, notifier.ChannelEmail)
	pushOK := notifier.ChannelSucceeded(results, notifier.ChannelPush)
	if smsOK || emailOK || pushOK {
		if err := h.alertRepo.UpdateNotificationFlags(ctx, alert.AlertID, smsOK, emailOK, pushOK); err != nil {
			h.logger.Warn("Failed to update notification flags",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err),
			)
		}
	}

	alert.SMSSent = alert.SMSSent || smsOK
	alert.EmailSent = alert.EmailSent || emailOK
	alert.PushSent = alert.PushSent || pushOK

	h.logger.Info("Alert processed",
		zap.String("alert_id", alert.AlertID),
		zap.String("alert_type", string(alert.AlertType)),
		zap.String("severity", string(alert.Severity)),
		zap.String("cluster_id", result.Cluster.ClusterID),
		zap.Bool("new_cluster", result.Created),
		zap.Int("notification_attempts", len(results)),
	)

	return nil
}

// normalizeAlertType 主题尾段/载荷字段到报警类型
func normalizeAlertType(s string) models.AlertType {
	switch s {
	case "panic", "PANIC":
		return models.AlertPanic
	case "sos", "SOS":
		return models.AlertSOS
	case "intrusion", "INTRUSION":
		return models.AlertIntrusion
	case "fire", "FIRE":
		return models.AlertFire
	case "geofence_violation", "GEOFENCE_VIOLATION":
		return models.AlertGeofenceViolation
	case "low_battery", "LOW_BATTERY":
		return models.AlertLowBattery
	case "offline", "OFFLINE":
		return models.AlertOffline
	case "device_offline", "DEVICE_OFFLINE":
		return models.AlertDeviceOffline
	case "ticket_escalated", "TICKET_ESCALATED":
		return models.AlertTicketEscalated
	case "attendance_anomaly", "ATTENDANCE_ANOMALY":
		return models.AlertAttendanceAnomaly
	case "equipment_failure", "EQUIPMENT_FAILURE":
		return models.AlertEquipmentFailure
	case "":
		return ""
	default:
		return models.AlertOther
	}
}

// mustJSON 载荷原文归档（raw_payload 列）
func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// defaultSeverity 载荷未携带级别时按类型推定
func defaultSeverity(t models.AlertType) models.Severity {
	switch t {
	case models.AlertPanic, models.AlertSOS, models.AlertFire:
		return models.SeverityCritical
	case models.AlertIntrusion, models.AlertGeofenceViolation:
		return models.SeverityHigh
	case models.AlertLowBattery, models.AlertOffline, models.AlertDeviceOffline,
		models.AlertEquipmentFailure, models.AlertTicketEscalated:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
