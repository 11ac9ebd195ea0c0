package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReceiptMeta 消息接收元数据（由 IngestGateway 在入口处附加）
type ReceiptMeta struct {
	Topic      string    `json:"topic"`
	QoS        byte      `json:"qos"`
	ReceivedAt time.Time `json:"received_at"`
	BrokerID   string    `json:"broker_id"`
}

// TelemetryPayload device/* 主题载荷
type TelemetryPayload struct {
	DeviceID           string   `json:"device_id"`
	BatteryLevel       *int     `json:"battery_level,omitempty"`
	SignalStrength     *int     `json:"signal_strength,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	ConnectivityStatus string   `json:"connectivity_status,omitempty"`
	Timestamp          string   `json:"timestamp"`
}

// GpsPayload guard/* 主题载荷
type GpsPayload struct {
	GuardID   string   `json:"guard_id"`
	TenantID  string   `json:"tenant_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	AccuracyM *float64 `json:"accuracy_m,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// SensorPayload sensor/* 主题载荷
type SensorPayload struct {
	SensorID      string   `json:"sensor_id"`
	SensorType    string   `json:"sensor_type"`
	NumericValue  *float64 `json:"value,omitempty"`
	DiscreteState *string  `json:"state,omitempty"`
	Timestamp     string   `json:"timestamp"`
}

// AlertPayload alert/* 主题载荷
type AlertPayload struct {
	SourceID  string   `json:"source_id"`
	TenantID  string   `json:"tenant_id"`
	SiteID    string   `json:"site_id,omitempty"`
	AlertType string   `json:"alert_type"`
	Severity  string   `json:"severity,omitempty"`
	Message   string   `json:"message,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// SystemPayload system/* 主题载荷（尽力而为的健康心跳）
type SystemPayload struct {
	ComponentID string `json:"component_id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// ParseTimestamp 校验并解析 ISO-8601 时间戳
// 空字符串回退为 fallback（消息接收时间）
func ParseTimestamp(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp: %q", s)
}

// DecodeJSONObject 校验载荷为 JSON 对象并解码到目标结构
// 非对象（数组、标量、非法 JSON）一律拒绝
func DecodeJSONObject(payload []byte, dst interface{}) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
