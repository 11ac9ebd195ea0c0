package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidCoordinates(t *testing.T) {
	assert.True(t, ValidCoordinates(0, 0))
	assert.True(t, ValidCoordinates(-90, 180))
	assert.True(t, ValidCoordinates(90, -180))
	assert.False(t, ValidCoordinates(90.1, 0))
	assert.False(t, ValidCoordinates(0, 180.1))
	assert.False(t, ValidCoordinates(-91, -181))
}

func TestPolygonContains(t *testing.T) {
	polygon := &GeofencePolygon{
		Vertices: []GeoPoint{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 2},
			{Latitude: 2, Longitude: 2},
			{Latitude: 2, Longitude: 0},
		},
	}

	assert.True(t, polygon.Contains(1, 1))
	assert.False(t, polygon.Contains(3, 1))
	assert.False(t, polygon.Contains(-1, 1))
	assert.False(t, polygon.Contains(1, 5))
}

func TestPolygonContains_BoundaryIsInside(t *testing.T) {
	polygon := &GeofencePolygon{
		Vertices: []GeoPoint{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 2},
			{Latitude: 2, Longitude: 2},
			{Latitude: 2, Longitude: 0},
		},
	}

	// 边中点
	assert.True(t, polygon.Contains(0, 1), "下边中点算在内")
	assert.True(t, polygon.Contains(2, 1), "上边中点算在内")
	assert.True(t, polygon.Contains(1, 0), "左边中点算在内")
	assert.True(t, polygon.Contains(1, 2), "右边中点算在内")

	// 顶点
	assert.True(t, polygon.Contains(0, 0))
	assert.True(t, polygon.Contains(2, 2))

	// 贴近但不在边界上的外部点
	assert.False(t, polygon.Contains(2.001, 1))
	assert.False(t, polygon.Contains(1, -0.001))
}

func TestPolygonContains_Concave(t *testing.T) {
	// L 形多边形：凹口内的点不算在内
	polygon := &GeofencePolygon{
		Vertices: []GeoPoint{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 3},
			{Latitude: 1, Longitude: 3},
			{Latitude: 1, Longitude: 1},
			{Latitude: 3, Longitude: 1},
			{Latitude: 3, Longitude: 0},
		},
	}

	assert.True(t, polygon.Contains(0.5, 0.5))
	assert.True(t, polygon.Contains(0.5, 2.5))
	assert.True(t, polygon.Contains(2.5, 0.5))
	assert.False(t, polygon.Contains(2.5, 2.5), "凹口位置在多边形外")
}

func TestPolygonContains_DegenerateVertices(t *testing.T) {
	polygon := &GeofencePolygon{
		Vertices: []GeoPoint{
			{Latitude: 0, Longitude: 0},
			{Latitude: 1, Longitude: 1},
		},
	}
	assert.False(t, polygon.Contains(0.5, 0.5), "少于三个顶点永远不包含")
}

func TestAlertStatusTransitions(t *testing.T) {
	assert.True(t, StatusNew.CanTransition(StatusAcknowledged))
	assert.True(t, StatusNew.CanTransition(StatusSuppressed))
	assert.True(t, StatusAcknowledged.CanTransition(StatusResolved))

	// 单向：不允许回退或从终态出发
	assert.False(t, StatusAcknowledged.CanTransition(StatusNew))
	assert.False(t, StatusResolved.CanTransition(StatusAcknowledged))
	assert.False(t, StatusSuppressed.CanTransition(StatusNew))
	assert.False(t, StatusFalseAlarm.CanTransition(StatusResolved))
}

func TestSeverityScoreAndMax(t *testing.T) {
	assert.Equal(t, 1, SeverityLow.Score())
	assert.Equal(t, 4, SeverityCritical.Score())
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityMedium, SeverityCritical))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityLow))
}
