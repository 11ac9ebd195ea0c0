package models

import (
	"time"
)

// AlertType 报警类型
type AlertType string

const (
	AlertPanic             AlertType = "PANIC"
	AlertSOS               AlertType = "SOS"
	AlertIntrusion         AlertType = "INTRUSION"
	AlertFire              AlertType = "FIRE"
	AlertGeofenceViolation AlertType = "GEOFENCE_VIOLATION"
	AlertLowBattery        AlertType = "LOW_BATTERY"
	AlertOffline           AlertType = "OFFLINE"
	AlertEquipmentFailure  AlertType = "EQUIPMENT_FAILURE"
	AlertDeviceOffline     AlertType = "DEVICE_OFFLINE"
	AlertTicketEscalated   AlertType = "TICKET_ESCALATED"
	AlertAttendanceAnomaly AlertType = "ATTENDANCE_ANOMALY"
	AlertOther             AlertType = "OTHER"
)

// Severity 报警级别
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Score 报警级别数值（LOW=1 .. CRITICAL=4），用于聚类特征与级别比较
func (s Severity) Score() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity 解析报警级别，未知值归为 MEDIUM
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// MaxSeverity 返回两个级别中较高的一个（聚类级别只升不降）
func MaxSeverity(a, b Severity) Severity {
	if b.Score() > a.Score() {
		return b
	}
	return a
}

// AlertStatus 报警状态
type AlertStatus string

const (
	StatusNew          AlertStatus = "NEW"
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	StatusResolved     AlertStatus = "RESOLVED"
	StatusFalseAlarm   AlertStatus = "FALSE_ALARM"
	StatusSuppressed   AlertStatus = "SUPPRESSED"
)

// CanTransition 状态迁移规则（单向）
// NEW → ACKNOWLEDGED / RESOLVED / FALSE_ALARM / SUPPRESSED
// ACKNOWLEDGED → RESOLVED
// 其余状态为终态
func (s AlertStatus) CanTransition(to AlertStatus) bool {
	switch s {
	case StatusNew:
		return to == StatusAcknowledged || to == StatusResolved ||
			to == StatusFalseAlarm || to == StatusSuppressed
	case StatusAcknowledged:
		return to == StatusResolved
	default:
		return false
	}
}

// AlertLocation 报警携带的位置信息（可选）
type AlertLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeviceAlert 设备/保安报警（对应 device_alerts 表）
type DeviceAlert struct {
	AlertID        string         `json:"alert_id" db:"alert_id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	SourceID       string         `json:"source_id" db:"source_id"` // 设备/保安/传感器 ID
	SourceType     string         `json:"source_type" db:"source_type"`
	SiteID         string         `json:"site_id" db:"site_id"`
	AlertType      AlertType      `json:"alert_type" db:"alert_type"`
	Severity       Severity       `json:"severity" db:"severity"`
	Message        string         `json:"message" db:"message"`
	Location       *AlertLocation `json:"location,omitempty" db:"-"`
	Status         AlertStatus    `json:"status" db:"status"`
	AcknowledgedBy *string        `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
	SMSSent        bool           `json:"sms_sent" db:"sms_sent"`
	EmailSent      bool           `json:"email_sent" db:"email_sent"`
	PushSent       bool           `json:"push_sent" db:"push_sent"`
	TriggeredAt    time.Time      `json:"triggered_at" db:"triggered_at"`
	ReceivedAt     time.Time      `json:"received_at" db:"received_at"`
	RawPayload     string         `json:"raw_payload" db:"raw_payload"` // JSONB
}

// IsCritical CRITICAL 报警永远不允许被聚类抑制
func (a *DeviceAlert) IsCritical() bool {
	return a.Severity == SeverityCritical
}
