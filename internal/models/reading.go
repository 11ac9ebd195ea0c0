package models

import (
	"time"
)

// ConnectivityStatus 设备连接状态
type ConnectivityStatus string

const (
	ConnectivityOnline   ConnectivityStatus = "ONLINE"
	ConnectivityOffline  ConnectivityStatus = "OFFLINE"
	ConnectivityDegraded ConnectivityStatus = "DEGRADED"
	ConnectivityUnknown  ConnectivityStatus = "UNKNOWN"
)

// SensorType 传感器类型
type SensorType string

const (
	SensorMotion      SensorType = "MOTION"
	SensorDoor        SensorType = "DOOR"
	SensorSmoke       SensorType = "SMOKE"
	SensorTemperature SensorType = "TEMPERATURE"
	SensorHumidity    SensorType = "HUMIDITY"
	SensorWaterLeak   SensorType = "WATER_LEAK"
	SensorIntrusion   SensorType = "INTRUSION"
	SensorGlassBreak  SensorType = "GLASS_BREAK"
	SensorUnknown     SensorType = "UNKNOWN"
)

// ParseSensorType 解析传感器类型，未知值归为 UNKNOWN
func ParseSensorType(s string) SensorType {
	switch SensorType(s) {
	case SensorMotion, SensorDoor, SensorSmoke, SensorTemperature,
		SensorHumidity, SensorWaterLeak, SensorIntrusion, SensorGlassBreak:
		return SensorType(s)
	default:
		return SensorUnknown
	}
}

// TelemetryReading 设备遥测记录（对应 telemetry_readings 表）
// 持久化后不可变；自然键为 (device_id, device_timestamp)
type TelemetryReading struct {
	DeviceID           string             `json:"device_id" db:"device_id"`
	BatteryLevel       *int               `json:"battery_level,omitempty" db:"battery_level"`       // 0-100
	SignalStrength     *int               `json:"signal_strength,omitempty" db:"signal_strength"`   // dBm
	Temperature        *float64           `json:"temperature,omitempty" db:"temperature"`           // 摄氏度
	ConnectivityStatus ConnectivityStatus `json:"connectivity_status" db:"connectivity_status"`
	DeviceTimestamp    time.Time          `json:"device_timestamp" db:"device_timestamp"`
	ReceivedAt         time.Time          `json:"received_at" db:"received_at"`
	RawPayload         string             `json:"raw_payload" db:"raw_payload"` // JSONB
}

// GpsFix 保安 GPS 定位记录（对应 gps_fixes 表）
// in_geofence / geofence_violation 在持久化前由 GeofenceEngine 计算
type GpsFix struct {
	GuardID           string    `json:"guard_id" db:"guard_id"`
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	Latitude          float64   `json:"latitude" db:"latitude"`   // WGS84
	Longitude         float64   `json:"longitude" db:"longitude"` // WGS84
	AccuracyM         *float64  `json:"accuracy_m,omitempty" db:"accuracy_m"`
	InGeofence        bool      `json:"in_geofence" db:"in_geofence"`
	GeofenceViolation bool      `json:"geofence_violation" db:"geofence_violation"`
	DeviceTimestamp   time.Time `json:"device_timestamp" db:"device_timestamp"`
	ReceivedAt        time.Time `json:"received_at" db:"received_at"`
	RawPayload        string    `json:"raw_payload" db:"raw_payload"` // JSONB
}

// SensorReading 二元/数值传感器记录（对应 sensor_readings 表）
type SensorReading struct {
	SensorID        string     `json:"sensor_id" db:"sensor_id"`
	SensorType      SensorType `json:"sensor_type" db:"sensor_type"`
	NumericValue    *float64   `json:"numeric_value,omitempty" db:"numeric_value"`
	DiscreteState   *string    `json:"discrete_state,omitempty" db:"discrete_state"`
	DeviceTimestamp time.Time  `json:"device_timestamp" db:"device_timestamp"`
	ReceivedAt      time.Time  `json:"received_at" db:"received_at"`
	RawPayload      string     `json:"raw_payload" db:"raw_payload"` // JSONB
}
