package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"guardlink-ingest/internal/models"

	"go.uber.org/zap"
)

// GpsRepository GPS 定位记录仓库
type GpsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGpsRepository 创建 GPS 定位记录仓库
func NewGpsRepository(db *sql.DB, logger *zap.Logger) *GpsRepository {
	return &GpsRepository{
		db:     db,
		logger: logger,
	}
}

// BulkInsert 批量插入 GPS 定位记录
// 自然键 (guard_id, device_timestamp) 冲突时忽略
func (r *GpsRepository) BulkInsert(ctx context.Context, fixes []*models.GpsFix) (int64, error) {
	if len(fixes) == 0 {
		return 0, nil
	}

	const cols = 11
	valueStrings := make([]string, 0, len(fixes))
	args := make([]interface{}, 0, len(fixes)*cols)

	for i, fix := range fixes {
		base := i * cols
		placeholders := make([]string, cols)
		for j := 0; j < cols; j++ {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			fix.GuardID,
			fix.TenantID,
			fix.Latitude,
			fix.Longitude,
			fix.AccuracyM,
			fix.InGeofence,
			fix.GeofenceViolation,
			fix.DeviceTimestamp,
			fix.ReceivedAt,
			fix.RawPayload,
			nil, // site_id - 需要时从 guards 表 JOIN 获取
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO gps_fixes (
			guard_id,
			tenant_id,
			latitude,
			longitude,
			accuracy_m,
			in_geofence,
			geofence_violation,
			device_timestamp,
			received_at,
			raw_payload,
			site_id
		) VALUES %s
		ON CONFLICT (guard_id, device_timestamp) DO NOTHING
	`, strings.Join(valueStrings, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert gps_fixes: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return inserted, nil
}
