package models

import (
	"time"
)

// AlertCluster 报警聚类（一个聚类代表一个底层事件）
// primary_alert 为首条/代表性报警；related_alerts 只增不减
type AlertCluster struct {
	ClusterID            string       `json:"cluster_id" db:"cluster_id"`
	TenantID             string       `json:"tenant_id" db:"tenant_id"`
	PrimaryAlert         *DeviceAlert `json:"primary_alert" db:"-"`
	RelatedAlertIDs      []string     `json:"related_alert_ids" db:"-"`
	AlertCount           int          `json:"alert_count" db:"alert_count"`
	SuppressedAlertCount int          `json:"suppressed_alert_count" db:"suppressed_alert_count"`
	CombinedSeverity     Severity     `json:"combined_severity" db:"combined_severity"` // 只升不降
	IsActive             bool         `json:"is_active" db:"is_active"`
	CreatedAt            time.Time    `json:"created_at" db:"created_at"`
	LastAlertAt          time.Time    `json:"last_alert_at" db:"last_alert_at"`
}
