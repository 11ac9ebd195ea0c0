package cluster

import (
	"sync"
	"time"

	"guardlink-ingest/internal/metrics"
	"guardlink-ingest/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config 聚类配置
type Config struct {
	JoinThreshold     float64       // 并入已有聚类的相似度阈值
	SuppressThreshold float64       // 自动抑制的相似度阈值（恒不抑制 CRITICAL）
	InactiveAfter     time.Duration // 超过该时长无新报警的聚类失活
}

// activeCluster 活跃聚类的内存状态
type activeCluster struct {
	cluster  *models.AlertCluster
	features FeatureVector       // 代表性报警的特征向量
	entities map[string]struct{} // 覆盖的去重实体
	gapSum   float64             // 并入间隔累计（分钟），用于历史平均间隔
}

// meanGapMinutes 聚类的历史平均报警间隔（分钟）；单条聚类为 0
func (ac *activeCluster) meanGapMinutes() float64 {
	if ac.cluster.AlertCount <= 1 {
		return 0
	}
	return ac.gapSum / float64(ac.cluster.AlertCount-1)
}

// entityCountWith 并入该实体后的去重实体数
func (ac *activeCluster) entityCountWith(sourceID string) int {
	if _, ok := ac.entities[sourceID]; ok {
		return len(ac.entities)
	}
	return len(ac.entities) + 1
}

// Result 单次聚类判定结果
type Result struct {
	Cluster    *models.AlertCluster
	Created    bool // 新建聚类
	Escalated  bool // 并入后聚类级别被抬升
	Suppressed bool // 报警被自动抑制（已改写 alert.Status）
}

// Clusterer 报警相似度聚类器
// 把风暴式重复报警折叠为少量可操作事件；
// 抑制只是降噪手段，被抑制的报警仍然落库可审计
type Clusterer struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	active  map[string]*activeCluster // 按 cluster_id
	created int64
	joined  int64
}

// NewClusterer 创建聚类器
func NewClusterer(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Clusterer {
	return &Clusterer{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		active:  make(map[string]*activeCluster),
	}
}

// ClusterAlert 聚类判定
// 相似度超过 JoinThreshold 的最佳活跃聚类吸收该报警；
// 额外超过 SuppressThreshold 且非 CRITICAL 时报警被标记 SUPPRESSED；
// 无匹配聚类时以该报警为代表新建聚类
func (c *Clusterer) ClusterAlert(alert *models.DeviceAlert) Result {
	now := time.Now()
	features := Extract(alert)

	c.mu.Lock()
	defer c.mu.Unlock()

	var best *activeCluster
	bestSim := 0.0

	for _, ac := range c.active {
		if !ac.cluster.IsActive || ac.cluster.TenantID != alert.TenantID {
			continue
		}

		// 候选侧取本次到达的实际间隔与并入后的实体数，
		// 聚类侧取历史平均间隔与当前实体数；偏差作为距离罚项
		candidate := features.WithContext(now.Sub(ac.cluster.LastAlertAt), ac.entityCountWith(alert.SourceID))
		reference := ac.features.WithContextMinutes(ac.meanGapMinutes(), len(ac.entities))
		sim := Similarity(candidate, reference)

		if sim > bestSim {
			bestSim = sim
			best = ac
		}
	}

	if best != nil && bestSim >= c.cfg.JoinThreshold {
		prevSeverity := best.cluster.CombinedSeverity
		best.cluster.RelatedAlertIDs = append(best.cluster.RelatedAlertIDs, alert.AlertID)
		best.cluster.AlertCount++
		best.cluster.CombinedSeverity = models.MaxSeverity(prevSeverity, alert.Severity)
		best.gapSum += now.Sub(best.cluster.LastAlertAt).Minutes()
		best.cluster.LastAlertAt = now
		best.entities[alert.SourceID] = struct{}{}
		c.joined++
		c.metrics.ClusterJoins.Inc()

		suppressed := false
		if bestSim >= c.cfg.SuppressThreshold && !alert.IsCritical() {
			alert.Status = models.StatusSuppressed
			best.cluster.SuppressedAlertCount++
			c.metrics.AlertsSupprsd.Inc()
			suppressed = true
		}

		c.logger.Debug("Alert joined cluster",
			zap.String("alert_id", alert.AlertID),
			zap.String("cluster_id", best.cluster.ClusterID),
			zap.Float64("similarity", bestSim),
			zap.Bool("suppressed", suppressed),
		)

		return Result{
			Cluster:    best.cluster,
			Created:    false,
			Escalated:  best.cluster.CombinedSeverity.Score() > prevSeverity.Score(),
			Suppressed: suppressed,
		}
	}

	newCluster := &models.AlertCluster{
		ClusterID:        uuid.New().String(),
		TenantID:         alert.TenantID,
		PrimaryAlert:     alert,
		RelatedAlertIDs:  []string{alert.AlertID},
		AlertCount:       1,
		CombinedSeverity: alert.Severity,
		IsActive:         true,
		CreatedAt:        now,
		LastAlertAt:      now,
	}

	c.active[newCluster.ClusterID] = &activeCluster{
		cluster:  newCluster,
		features: features,
		entities: map[string]struct{}{alert.SourceID: {}},
	}
	c.created++
	c.metrics.ClustersCreated.Inc()

	c.logger.Debug("New alert cluster created",
		zap.String("alert_id", alert.AlertID),
		zap.String("cluster_id", newCluster.ClusterID),
		zap.Float64("best_similarity", bestSim),
	)

	return Result{Cluster: newCluster, Created: true, Suppressed: false}
}

// SweepInactive 失活扫描：最后报警早于失活窗口的聚类出列
// 返回本次失活的聚类数
func (c *Clusterer) SweepInactive(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	swept := 0
	for id, ac := range c.active {
		if now.Sub(ac.cluster.LastAlertAt) > c.cfg.InactiveAfter {
			ac.cluster.IsActive = false
			delete(c.active, id)
			swept++
		}
	}

	if swept > 0 {
		c.logger.Info("Deactivated inactive alert clusters",
			zap.Int("count", swept),
			zap.Int("remaining_active", len(c.active)),
		)
	}
	return swept
}

// StartSweeper 启动后台失活扫描
func (c *Clusterer) StartSweeper(stopCh <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				c.SweepInactive(time.Now())
			}
		}
	}()
}

// ActiveClusterCount 当前活跃聚类数
func (c *Clusterer) ActiveClusterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// CompressionRatio 报警压缩比（吸收的报警总数 / 聚类数）
func (c *Clusterer) CompressionRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.created == 0 {
		return 0
	}
	return float64(c.created+c.joined) / float64(c.created)
}
