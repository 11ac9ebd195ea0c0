package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"guardlink-ingest/internal/models"

	"go.uber.org/zap"
)

// TelemetryRepository 设备遥测仓库
type TelemetryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTelemetryRepository 创建设备遥测仓库
func NewTelemetryRepository(db *sql.DB, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		db:     db,
		logger: logger,
	}
}

// BulkInsert 批量插入遥测记录
// 自然键 (device_id, device_timestamp) 冲突时忽略（幂等重试安全）
func (r *TelemetryRepository) BulkInsert(ctx context.Context, readings []*models.TelemetryReading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	const cols = 8
	valueStrings := make([]string, 0, len(readings))
	args := make([]interface{}, 0, len(readings)*cols)

	for i, rec := range readings {
		base := i * cols
		valueStrings = append(valueStrings, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			rec.DeviceID,
			rec.BatteryLevel,
			rec.SignalStrength,
			rec.Temperature,
			string(rec.ConnectivityStatus),
			rec.DeviceTimestamp,
			rec.ReceivedAt,
			rec.RawPayload,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO telemetry_readings (
			device_id,
			battery_level,
			signal_strength,
			temperature,
			connectivity_status,
			device_timestamp,
			received_at,
			raw_payload
		) VALUES %s
		ON CONFLICT (device_id, device_timestamp) DO NOTHING
	`, strings.Join(valueStrings, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert telemetry_readings: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return inserted, nil
}
