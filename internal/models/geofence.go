package models

import "math"

// GeoPoint WGS84 坐标点
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ValidCoordinates 坐标范围校验（[-90,90] × [-180,180]）
func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// GeofencePolygon 租户电子围栏多边形（由站点管理服务维护，本服务只读）
type GeofencePolygon struct {
	PolygonID string     `json:"polygon_id" db:"polygon_id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	Name      string     `json:"name" db:"name"`
	Vertices  []GeoPoint `json:"vertices" db:"-"` // 顶点按环序排列，首尾不重复
	Enabled   bool       `json:"enabled" db:"enabled"`
}

// geoEpsilon 边界判定容差（度）
const geoEpsilon = 1e-9

// onSegment 点是否落在线段 a-b 上（含端点）
func onSegment(lat, lon float64, a, b GeoPoint) bool {
	cross := (b.Latitude-a.Latitude)*(lon-a.Longitude) - (b.Longitude-a.Longitude)*(lat-a.Latitude)
	if math.Abs(cross) > geoEpsilon {
		return false
	}
	return lat >= math.Min(a.Latitude, b.Latitude)-geoEpsilon &&
		lat <= math.Max(a.Latitude, b.Latitude)+geoEpsilon &&
		lon >= math.Min(a.Longitude, b.Longitude)-geoEpsilon &&
		lon <= math.Max(a.Longitude, b.Longitude)+geoEpsilon
}

// Contains 射线法判断点是否在多边形内部（边界视为内部）
func (p *GeofencePolygon) Contains(lat, lon float64) bool {
	n := len(p.Vertices)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := p.Vertices[i], p.Vertices[j]
		if onSegment(lat, lon, vi, vj) {
			return true
		}
		if (vi.Latitude > lat) != (vj.Latitude > lat) {
			cross := (vj.Longitude-vi.Longitude)*(lat-vi.Latitude)/(vj.Latitude-vi.Latitude) + vi.Longitude
			if lon < cross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
