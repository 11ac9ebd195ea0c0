package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"guardlink-ingest/internal/metrics"
	"guardlink-ingest/internal/models"

	"go.uber.org/zap"
)

// TelemetrySink 遥测批量落库接口
type TelemetrySink interface {
	BulkInsert(ctx context.Context, readings []*models.TelemetryReading) (int64, error)
}

// GpsSink GPS 批量落库接口
type GpsSink interface {
	BulkInsert(ctx context.Context, fixes []*models.GpsFix) (int64, error)
}

// SensorSink 传感器批量落库接口
type SensorSink interface {
	BulkInsert(ctx context.Context, readings []*models.SensorReading) (int64, error)
}

// Config 批量累积器配置
type Config struct {
	BatchSize     int           // 触发立即落库的批大小
	FlushInterval time.Duration // 定时落库间隔（保证最大滞留时间）
	FlushTimeout  time.Duration // 单次落库超时
	StopTimeout   time.Duration // 停止时最终落库超时
}

// Accumulator 按类型分桶的内存批量累积器
// 锁只保护缓冲区的追加与换出，决不跨 I/O 持锁；
// 各记录类型的落库互相独立，一类卡住不影响其余类型
type Accumulator struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	telemetrySink TelemetrySink
	gpsSink       GpsSink
	sensorSink    SensorSink

	telemetryMu  sync.Mutex
	telemetryBuf []*models.TelemetryReading
	gpsMu        sync.Mutex
	gpsBuf       []*models.GpsFix
	sensorMu     sync.Mutex
	sensorBuf    []*models.SensorReading

	flushErrors atomic.Int64

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewAccumulator 创建批量累积器并启动定时落库
func NewAccumulator(
	cfg Config,
	telemetrySink TelemetrySink,
	gpsSink GpsSink,
	sensorSink SensorSink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Accumulator {
	a := &Accumulator{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		telemetrySink: telemetrySink,
		gpsSink:       gpsSink,
		sensorSink:    sensorSink,
		stopCh:        make(chan struct{}),
	}

	a.wg.Add(1)
	go a.flushLoop()

	return a
}

// AddTelemetry 追加遥测记录，达到批大小立即落库
func (a *Accumulator) AddTelemetry(reading *models.TelemetryReading) {
	a.telemetryMu.Lock()
	a.telemetryBuf = append(a.telemetryBuf, reading)
	full := len(a.telemetryBuf) >= a.cfg.BatchSize
	a.telemetryMu.Unlock()

	if full {
		a.flushTelemetry()
	}
}

// AddGps 追加 GPS 记录，达到批大小立即落库
func (a *Accumulator) AddGps(fix *models.GpsFix) {
	a.gpsMu.Lock()
	a.gpsBuf = append(a.gpsBuf, fix)
	full := len(a.gpsBuf) >= a.cfg.BatchSize
	a.gpsMu.Unlock()

	if full {
		a.flushGps()
	}
}

// AddSensor 追加传感器记录，达到批大小立即落库
func (a *Accumulator) AddSensor(reading *models.SensorReading) {
	a.sensorMu.Lock()
	a.sensorBuf = append(a.sensorBuf, reading)
	full := len(a.sensorBuf) >= a.cfg.BatchSize
	a.sensorMu.Unlock()

	if full {
		a.flushSensor()
	}
}

// FlushErrors 累计落库失败次数（用于管线自身健康报警）
func (a *Accumulator) FlushErrors() int64 {
	return a.flushErrors.Load()
}

// FlushAll 落库全部非空缓冲区（各类型独立，互不阻塞）
func (a *Accumulator) FlushAll() {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.flushTelemetry() }()
	go func() { defer wg.Done(); a.flushGps() }()
	go func() { defer wg.Done(); a.flushSensor() }()
	wg.Wait()
}

// Stop 停止定时器并做最终落库（有界超时）
func (a *Accumulator) Stop() {
	a.stopped.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()

	done := make(chan struct{})
	go func() {
		a.FlushAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(a.cfg.StopTimeout):
		a.logger.Warn("Final batch flush timed out",
			zap.Duration("timeout", a.cfg.StopTimeout),
		)
	}
}

// flushLoop 定时落库（保证最大滞留时间上界）
func (a *Accumulator) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.FlushAll()
		}
	}
}

func (a *Accumulator) flushCtx() (context.Context, context.CancelFunc) {
	timeout := a.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// flushTelemetry 换出遥测缓冲并批量落库；失败则放回缓冲等待下次触发
func (a *Accumulator) flushTelemetry() {
	a.telemetryMu.Lock()
	if len(a.telemetryBuf) == 0 {
		a.telemetryMu.Unlock()
		return
	}
	pending := a.telemetryBuf
	a.telemetryBuf = nil
	a.telemetryMu.Unlock()

	ctx, cancel := a.flushCtx()
	defer cancel()

	inserted, err := a.telemetrySink.BulkInsert(ctx, pending)
	if err != nil {
		a.flushErrors.Add(1)
		a.metrics.BatchFlushErrs.WithLabelValues("telemetry").Inc()
		a.logger.Error("Telemetry batch flush failed, keeping buffer for retry",
			zap.Int("batch_size", len(pending)),
			zap.Error(err),
		)
		a.telemetryMu.Lock()
		a.telemetryBuf = append(pending, a.telemetryBuf...)
		a.telemetryMu.Unlock()
		return
	}

	a.metrics.BatchFlushes.WithLabelValues("telemetry").Inc()
	a.metrics.BatchFlushRows.WithLabelValues("telemetry").Add(float64(len(pending)))
	a.logger.Debug("Telemetry batch flushed",
		zap.Int("batch_size", len(pending)),
		zap.Int64("inserted", inserted),
	)
}

// flushGps 换出 GPS 缓冲并批量落库；失败则放回缓冲等待下次触发
func (a *Accumulator) flushGps() {
	a.gpsMu.Lock()
	if len(a.gpsBuf) == 0 {
		a.gpsMu.Unlock()
		return
	}
	pending := a.gpsBuf
	a.gpsBuf = nil
	a.gpsMu.Unlock()

	ctx, cancel := a.flushCtx()
	defer cancel()

	inserted, err := a.gpsSink.BulkInsert(ctx, pending)
	if err != nil {
		a.flushErrors.Add(1)
		a.metrics.BatchFlushErrs.WithLabelValues("gps").Inc()
		a.logger.Error("GPS batch flush failed, keeping buffer for retry",
			zap.Int("batch_size", len(pending)),
			zap.Error(err),
		)
		a.gpsMu.Lock()
		a.gpsBuf = append(pending, a.gpsBuf...)
		a.gpsMu.Unlock()
		return
	}

	a.metrics.BatchFlushes.WithLabelValues("gps").Inc()
	a.metrics.BatchFlushRows.WithLabelValues("gps").Add(float64(len(pending)))
	a.logger.Debug("GPS batch flushed",
		zap.Int("batch_size", len(pending)),
		zap.Int64("inserted", inserted),
	)
}

// flushSensor 换出传感器缓冲并批量落库；失败则放回缓冲等待下次触发
func (a *Accumulator) flushSensor() {
	a.sensorMu.Lock()
	if len(a.sensorBuf) == 0 {
		a.sensorMu.Unlock()
		return
	}
	pending := a.sensorBuf
	a.sensorBuf = nil
	a.sensorMu.Unlock()

	ctx, cancel := a.flushCtx()
	defer cancel()

	inserted, err := a.sensorSink.BulkInsert(ctx, pending)
	if err != nil {
		a.flushErrors.Add(1)
		a.metrics.BatchFlushErrs.WithLabelValues("sensor").Inc()
		a.logger.Error("Sensor batch flush failed, keeping buffer for retry",
			zap.Int("batch_size", len(pending)),
			zap.Error(err),
		)
		a.sensorMu.Lock()
		a.sensorBuf = append(pending, a.sensorBuf...)
		a.sensorMu.Unlock()
		return
	}

	a.metrics.BatchFlushes.WithLabelValues("sensor").Inc()
	a.metrics.BatchFlushRows.WithLabelValues("sensor").Add(float64(len(pending)))
	a.logger.Debug("Sensor batch flushed",
		zap.Int("batch_size", len(pending)),
		zap.Int64("inserted", inserted),
	)
}
