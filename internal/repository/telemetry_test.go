package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardlink-ingest/internal/models"
)

func makeReadings(n int) []*models.TelemetryReading {
	readings := make([]*models.TelemetryReading, 0, n)
	base := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		battery := 80 - i
		readings = append(readings, &models.TelemetryReading{
			DeviceID:           fmt.Sprintf("device-%03d", i),
			BatteryLevel:       &battery,
			ConnectivityStatus: models.ConnectivityOnline,
			DeviceTimestamp:    base.Add(time.Duration(i) * time.Second),
			ReceivedAt:         base.Add(time.Duration(i)*time.Second + 200*time.Millisecond),
			RawPayload:         `{"battery_level":80}`,
		})
	}
	return readings
}

func TestBulkInsertTelemetry_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTelemetryRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO telemetry_readings`).
		WillReturnResult(sqlmock.NewResult(0, 100))

	inserted, err := repo.BulkInsert(context.Background(), makeReadings(100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertTelemetry_RefetchIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTelemetryRepository(db, zap.NewNop())
	readings := makeReadings(10)

	// 首次写入全部落库
	mock.ExpectExec(`INSERT INTO telemetry_readings`).
		WillReturnResult(sqlmock.NewResult(0, 10))

	// 重放同一批：ON CONFLICT DO NOTHING，0 行受影响但无错误
	mock.ExpectExec(`INSERT INTO telemetry_readings`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.BulkInsert(context.Background(), readings)
	require.NoError(t, err)
	assert.Equal(t, int64(10), inserted)

	inserted, err = repo.BulkInsert(context.Background(), readings)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertTelemetry_EmptyBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTelemetryRepository(db, zap.NewNop())

	inserted, err := repo.BulkInsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertTelemetry_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTelemetryRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO telemetry_readings`).
		WillReturnError(fmt.Errorf("connection refused"))

	_, err = repo.BulkInsert(context.Background(), makeReadings(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry_readings")
	require.NoError(t, mock.ExpectationsWereMet())
}
