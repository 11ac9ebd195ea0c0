package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"guardlink-ingest/internal/metrics"

	"go.uber.org/zap"
)

// ErrPermanent 不可重试错误标记（域校验失败等）
// 用 Permanent() 包装后工作池不再重试，直接记为任务失败
var ErrPermanent = errors.New("permanent task error")

// Permanent 把错误标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Task 工作池任务
type Task struct {
	Type string // telemetry / gps / sensor / alert / geofence-violation
	Do   func(ctx context.Context) error
}

// Config 工作池配置
type Config struct {
	Workers      int           // 并发工作协程数
	QueueSize    int           // 有界队列容量
	RetryMax     int           // 瞬时错误最大尝试次数
	RetryBackoff time.Duration // 初始退避，指数递增
}

// Pool 有界工作池
// 总线网络循环只做入队，重活（落库/通知/聚类）全部在这里执行；
// 瞬时错误有界指数退避重试，校验错误不重试
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	closed  bool
	queue   chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped sync.Once
}

// NewPool 创建并启动工作池
func NewPool(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		queue:   make(chan Task, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run()
	}

	return p
}

// Submit 非阻塞入队
// 队列满时返回 false，调用方记指标后丢弃（绝不阻塞网络循环）；
// Stop 之后提交同样安全丢弃——退订后总线客户端仍可能送达已缓冲的消息
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.metrics.TaskFailures.WithLabelValues(task.Type).Inc()
		p.logger.Warn("Worker pool stopped, dropping late task",
			zap.String("task_type", task.Type),
		)
		return false
	}

	select {
	case p.queue <- task:
		return true
	default:
		p.metrics.TaskFailures.WithLabelValues(task.Type).Inc()
		p.logger.Error("Worker queue full, dropping task",
			zap.String("task_type", task.Type),
		)
		return false
	}
}

// Stop 排空在途任务后停止（有界超时）
// 调用方需保证先停止上游入队（先退订再排空）
func (p *Pool) Stop(timeout time.Duration) {
	p.stopped.Do(func() {
		// 写锁下置位并关闭队列：与 Submit 的读锁互斥，
		// 保证不会向已关闭的通道发送
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("Worker pool drain timed out, cancelling in-flight tasks",
			zap.Duration("timeout", timeout),
		)
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) run() {
	defer p.wg.Done()

	for task := range p.queue {
		p.execute(task)
	}
}

// execute 执行单个任务，瞬时错误指数退避重试
func (p *Pool) execute(task Task) {
	backoff := p.cfg.RetryBackoff

	for attempt := 1; ; attempt++ {
		err := task.Do(p.ctx)
		if err == nil {
			return
		}

		if errors.Is(err, ErrPermanent) {
			// 校验类失败：带原因记日志后丢弃，不重试
			p.metrics.TaskFailures.WithLabelValues(task.Type).Inc()
			p.logger.Warn("Task dropped on permanent error",
				zap.String("task_type", task.Type),
				zap.Error(err),
			)
			return
		}

		if attempt >= p.cfg.RetryMax {
			p.metrics.TaskFailures.WithLabelValues(task.Type).Inc()
			p.logger.Error("Task failed after retries",
				zap.String("task_type", task.Type),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}

		p.metrics.TaskRetries.Inc()
		p.logger.Warn("Task failed, retrying",
			zap.String("task_type", task.Type),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
