package geofence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"guardlink-ingest/internal/models"

	"go.uber.org/zap"
)

// PolygonSource 围栏多边形查询接口（由 repository.GeofenceRepository 实现）
type PolygonSource interface {
	EnabledPolygons(ctx context.Context, tenantID string) ([]*models.GeofencePolygon, error)
}

// cacheEntry 单个租户的围栏快照
type cacheEntry struct {
	polygons  []*models.GeofencePolygon
	expiresAt time.Time
}

// Engine 电子围栏判定引擎
// 高频 GPS 流量下通过短 TTL 缓存限制围栏查询量；
// 缓存刷新为整体替换，读方永远看到完整快照
type Engine struct {
	source PolygonSource
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry // 按 tenant_id
}

// NewEngine 创建围栏引擎
func NewEngine(source PolygonSource, ttl time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		source: source,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]*cacheEntry),
	}
}

// Evaluate 判定坐标点的围栏合规性
// inAny: 点位于租户至少一个启用围栏内（多围栏任一命中即合规）
// violated: 租户配置了至少一个启用围栏且点在全部围栏之外；
//           零围栏租户永远不产生 violated
// 调用方必须先完成坐标范围校验，本引擎假定输入已合法
func (e *Engine) Evaluate(ctx context.Context, tenantID string, lat, lon float64) (inAny bool, violated bool, err error) {
	polygons, err := e.tenantPolygons(ctx, tenantID)
	if err != nil {
		return false, false, fmt.Errorf("failed to load geofences for tenant %s: %w", tenantID, err)
	}

	if len(polygons) == 0 {
		return false, false, nil
	}

	for _, polygon := range polygons {
		if polygon.Contains(lat, lon) {
			return true, false, nil
		}
	}

	return false, true, nil
}

// tenantPolygons 读取租户围栏（带 TTL 缓存）
func (e *Engine) tenantPolygons(ctx context.Context, tenantID string) ([]*models.GeofencePolygon, error) {
	e.mu.RLock()
	entry, ok := e.cache[tenantID]
	e.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.polygons, nil
	}

	polygons, err := e.source.EnabledPolygons(ctx, tenantID)
	if err != nil {
		// 查询失败时若有过期快照则降级使用，避免瞬时数据库故障放大为误报
		if ok {
			e.logger.Warn("Geofence refresh failed, serving stale snapshot",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			return entry.polygons, nil
		}
		return nil, err
	}

	e.mu.Lock()
	e.cache[tenantID] = &cacheEntry{
		polygons:  polygons,
		expiresAt: time.Now().Add(e.ttl),
	}
	e.mu.Unlock()

	return polygons, nil
}

// Invalidate 主动失效某租户缓存（围栏配置变更通知时使用）
func (e *Engine) Invalidate(tenantID string) {
	e.mu.Lock()
	delete(e.cache, tenantID)
	e.mu.Unlock()
}
