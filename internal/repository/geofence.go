package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"guardlink-ingest/internal/models"

	"go.uber.org/zap"
)

// GeofenceRepository 电子围栏仓库（只读，多边形由站点管理服务维护）
type GeofenceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGeofenceRepository 创建电子围栏仓库
func NewGeofenceRepository(db *sql.DB, logger *zap.Logger) *GeofenceRepository {
	return &GeofenceRepository{
		db:     db,
		logger: logger,
	}
}

// EnabledPolygons 查询租户启用的全部围栏多边形
// vertices 列为 JSONB：[{"latitude": .., "longitude": ..}, ...]
func (r *GeofenceRepository) EnabledPolygons(ctx context.Context, tenantID string) ([]*models.GeofencePolygon, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT
			polygon_id,
			tenant_id,
			name,
			vertices,
			enabled
		FROM geofence_polygons
		WHERE tenant_id = $1
		  AND enabled = true
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofence_polygons: %w", err)
	}
	defer rows.Close()

	var polygons []*models.GeofencePolygon
	for rows.Next() {
		var polygon models.GeofencePolygon
		var vertices []byte

		if err := rows.Scan(
			&polygon.PolygonID,
			&polygon.TenantID,
			&polygon.Name,
			&vertices,
			&polygon.Enabled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan geofence_polygon: %w", err)
		}

		if err := json.Unmarshal(vertices, &polygon.Vertices); err != nil {
			// 单个损坏的多边形跳过，不让整个租户围栏失效
			r.logger.Warn("Skipping geofence polygon with invalid vertices",
				zap.String("polygon_id", polygon.PolygonID),
				zap.Error(err),
			)
			continue
		}

		polygons = append(polygons, &polygon)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate geofence_polygons: %w", err)
	}

	return polygons, nil
}
