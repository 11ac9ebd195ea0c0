package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"guardlink-ingest/internal/models"

	"go.uber.org/zap"
)

// SensorRepository 传感器记录仓库
type SensorRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSensorRepository 创建传感器记录仓库
func NewSensorRepository(db *sql.DB, logger *zap.Logger) *SensorRepository {
	return &SensorRepository{
		db:     db,
		logger: logger,
	}
}

// BulkInsert 批量插入传感器记录
// 自然键 (sensor_id, device_timestamp) 冲突时忽略
func (r *SensorRepository) BulkInsert(ctx context.Context, readings []*models.SensorReading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	const cols = 7
	valueStrings := make([]string, 0, len(readings))
	args := make([]interface{}, 0, len(readings)*cols)

	for i, rec := range readings {
		base := i * cols
		placeholders := make([]string, cols)
		for j := 0; j < cols; j++ {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			rec.SensorID,
			string(rec.SensorType),
			rec.NumericValue,
			rec.DiscreteState,
			rec.DeviceTimestamp,
			rec.ReceivedAt,
			rec.RawPayload,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO sensor_readings (
			sensor_id,
			sensor_type,
			numeric_value,
			discrete_state,
			device_timestamp,
			received_at,
			raw_payload
		) VALUES %s
		ON CONFLICT (sensor_id, device_timestamp) DO NOTHING
	`, strings.Join(valueStrings, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert sensor_readings: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return inserted, nil
}
