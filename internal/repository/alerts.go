package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"guardlink-ingest/internal/models"

	"go.uber.org/zap"
)

// AlertRepository 设备报警仓库
// 报警落库是安全关键路径：通知失败不得影响报警记录本身
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建设备报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// Insert 插入报警记录
func (r *AlertRepository) Insert(ctx context.Context, alert *models.DeviceAlert) error {
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if alert.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}

	var lat, lon *float64
	if alert.Location != nil {
		lat = &alert.Location.Latitude
		lon = &alert.Location.Longitude
	}

	query := `
		INSERT INTO device_alerts (
			alert_id,
			tenant_id,
			source_id,
			source_type,
			site_id,
			alert_type,
			severity,
			message,
			latitude,
			longitude,
			status,
			sms_sent,
			email_sent,
			push_sent,
			triggered_at,
			received_at,
			raw_payload
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		ON CONFLICT (alert_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.TenantID,
		alert.SourceID,
		alert.SourceType,
		alert.SiteID,
		string(alert.AlertType),
		string(alert.Severity),
		alert.Message,
		lat,
		lon,
		string(alert.Status),
		alert.SMSSent,
		alert.EmailSent,
		alert.PushSent,
		alert.TriggeredAt,
		alert.ReceivedAt,
		alert.RawPayload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert device_alert: %w", err)
	}

	return nil
}

// Acknowledge 确认报警（仅允许 NEW → ACKNOWLEDGED）
func (r *AlertRepository) Acknowledge(ctx context.Context, alertID, userID string) error {
	query := `
		UPDATE device_alerts
		SET status = $1, acknowledged_by = $2, acknowledged_at = $3
		WHERE alert_id = $4 AND status = $5
	`

	result, err := r.db.ExecContext(ctx, query,
		string(models.StatusAcknowledged), userID, time.Now(), alertID, string(models.StatusNew))
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("alert %s not found or not in NEW status", alertID)
	}
	return nil
}

// Resolve 解决报警（仅允许 NEW/ACKNOWLEDGED → RESOLVED）
func (r *AlertRepository) Resolve(ctx context.Context, alertID string) error {
	query := `
		UPDATE device_alerts
		SET status = $1, resolved_at = $2
		WHERE alert_id = $3 AND status IN ($4, $5)
	`

	result, err := r.db.ExecContext(ctx, query,
		string(models.StatusResolved), time.Now(), alertID,
		string(models.StatusNew), string(models.StatusAcknowledged))
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("alert %s not found or already terminal", alertID)
	}
	return nil
}

// MarkSuppressed 聚类抑制（仅允许 NEW → SUPPRESSED；CRITICAL 在聚类层拦截）
func (r *AlertRepository) MarkSuppressed(ctx context.Context, alertID string) error {
	query := `
		UPDATE device_alerts
		SET status = $1
		WHERE alert_id = $2 AND status = $3 AND severity <> $4
	`

	_, err := r.db.ExecContext(ctx, query,
		string(models.StatusSuppressed), alertID,
		string(models.StatusNew), string(models.SeverityCritical))
	if err != nil {
		return fmt.Errorf("failed to mark alert suppressed: %w", err)
	}
	return nil
}

// UpdateNotificationFlags 回写通知发送标记
func (r *AlertRepository) UpdateNotificationFlags(ctx context.Context, alertID string, smsSent, emailSent, pushSent bool) error {
	query := `
		UPDATE device_alerts
		SET sms_sent = sms_sent OR $1,
		    email_sent = email_sent OR $2,
		    push_sent = push_sent OR $3
		WHERE alert_id = $4
	`

	_, err := r.db.ExecContext(ctx, query, smsSent, emailSent, pushSent, alertID)
	if err != nil {
		return fmt.Errorf("failed to update notification flags: %w", err)
	}
	return nil
}

// GetAlert 根据 alert_id 获取报警记录
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (*models.DeviceAlert, error) {
	query := `
		SELECT
			alert_id,
			tenant_id,
			source_id,
			source_type,
			site_id,
			alert_type,
			severity,
			message,
			latitude,
			longitude,
			status,
			acknowledged_by,
			acknowledged_at,
			resolved_at,
			sms_sent,
			email_sent,
			push_sent,
			triggered_at,
			received_at,
			raw_payload
		FROM device_alerts
		WHERE alert_id = $1
	`

	var alert models.DeviceAlert
	var alertType, severity, status string
	var lat, lon sql.NullFloat64
	var ackBy sql.NullString
	var ackAt, resolvedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, alertID).Scan(
		&alert.AlertID,
		&alert.TenantID,
		&alert.SourceID,
		&alert.SourceType,
		&alert.SiteID,
		&alertType,
		&severity,
		&alert.Message,
		&lat,
		&lon,
		&status,
		&ackBy,
		&ackAt,
		&resolvedAt,
		&alert.SMSSent,
		&alert.EmailSent,
		&alert.PushSent,
		&alert.TriggeredAt,
		&alert.ReceivedAt,
		&alert.RawPayload,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: %s", alertID)
		}
		return nil, fmt.Errorf("failed to query device_alert: %w", err)
	}

	alert.AlertType = models.AlertType(alertType)
	alert.Severity = models.Severity(severity)
	alert.Status = models.AlertStatus(status)
	if lat.Valid && lon.Valid {
		alert.Location = &models.AlertLocation{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if ackBy.Valid {
		alert.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		t := ackAt.Time
		alert.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}

	return &alert, nil
}
