package cluster

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"guardlink-ingest/internal/models"
)

// FeatureVector 报警特征向量
// 类别特征以 FNV 哈希编码，数值特征归一化后参与加权距离
type FeatureVector struct {
	AlertTypeHash   uint64  // 类别：报警类型
	SourceTypeHash  uint64  // 类别：实体类型（device/guard/sensor/...）
	SiteHash        uint64  // 类别：站点/实体归属
	CorrelationHash uint64  // 类别：关联键 hash(alert_type|site_id)
	SeverityScore   float64 // 数值：1..4
	HourOfDay       float64 // 数值：0..23（环形距离）
	DayOfWeek       float64 // 数值：0..6（环形距离）

	// 聚类上下文特征（仅在与活跃聚类比较时存在）
	// 候选侧携带本次到达的实际值，聚类侧携带聚类的历史节奏；
	// 两侧偏差越大，候选越不像该聚类的延续
	HasContext       bool
	MinutesSinceLast float64 // 候选：距聚类上一条报警的分钟数；聚类：历史平均间隔
	EntityCount      float64 // 候选：并入后的去重实体数；聚类：当前去重实体数
}

// 特征权重。报警类型与关联键合计过半，
// 保证同类风暴跨小时聚合、异类报警不因时间相近而误并
const (
	weightAlertType   = 0.35
	weightCorrelation = 0.20
	weightSourceType  = 0.10
	weightSite        = 0.10
	weightSeverity    = 0.10
	weightHour        = 0.10
	weightDayOfWeek   = 0.05

	weightTimeSince   = 0.05
	weightEntityCount = 0.05
)

// contextTimeScale 上下文时间特征的归一化尺度（分钟）
const contextTimeScale = 240

// contextEntityScale 上下文实体数特征的归一化尺度
const contextEntityScale = 10

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// Extract 从报警提取特征向量
func Extract(alert *models.DeviceAlert) FeatureVector {
	ts := alert.TriggeredAt
	if ts.IsZero() {
		ts = alert.ReceivedAt
	}

	return FeatureVector{
		AlertTypeHash:   hashString(string(alert.AlertType)),
		SourceTypeHash:  hashString(alert.SourceType),
		SiteHash:        hashString(alert.SiteID),
		CorrelationHash: hashString(fmt.Sprintf("%s|%s", alert.AlertType, alert.SiteID)),
		SeverityScore:   float64(alert.Severity.Score()),
		HourOfDay:       float64(ts.Hour()),
		DayOfWeek:       float64(ts.Weekday()),
	}
}

// WithContext 附加聚类上下文特征
func (v FeatureVector) WithContext(sinceLast time.Duration, entityCount int) FeatureVector {
	return v.WithContextMinutes(sinceLast.Minutes(), entityCount)
}

// WithContextMinutes 以分钟为单位附加上下文，供历史平均间隔使用
func (v FeatureVector) WithContextMinutes(minutes float64, entityCount int) FeatureVector {
	v.HasContext = true
	v.MinutesSinceLast = minutes
	v.EntityCount = float64(entityCount)
	return v
}

// Similarity 加权归一化相似度，范围 [0, 1]
// 完全相同的向量相似度为 1.0；全部类别与数值特征均最大差异时趋近 0。
// 上下文特征只作为距离罚项，不进入归一化分母：
// 上下文完全一致时相似度与无上下文时相等，偏差只会降低相似度，
// 永远不会把阈值之下的报警对抬过阈值
func Similarity(a, b FeatureVector) float64 {
	distance := 0.0
	totalWeight := weightAlertType + weightCorrelation + weightSourceType +
		weightSite + weightSeverity + weightHour + weightDayOfWeek

	distance += weightAlertType * categoricalDistance(a.AlertTypeHash, b.AlertTypeHash)
	distance += weightCorrelation * categoricalDistance(a.CorrelationHash, b.CorrelationHash)
	distance += weightSourceType * categoricalDistance(a.SourceTypeHash, b.SourceTypeHash)
	distance += weightSite * categoricalDistance(a.SiteHash, b.SiteHash)
	distance += weightSeverity * math.Abs(a.SeverityScore-b.SeverityScore)/3.0
	distance += weightHour * circularDistance(a.HourOfDay, b.HourOfDay, 24)
	distance += weightDayOfWeek * circularDistance(a.DayOfWeek, b.DayOfWeek, 7)

	if a.HasContext && b.HasContext {
		distance += weightTimeSince *
			math.Min(math.Abs(a.MinutesSinceLast-b.MinutesSinceLast)/contextTimeScale, 1.0)
		distance += weightEntityCount *
			math.Min(math.Abs(a.EntityCount-b.EntityCount)/contextEntityScale, 1.0)
	}

	return math.Max(0, 1.0-distance/totalWeight)
}

func categoricalDistance(a, b uint64) float64 {
	if a == b {
		return 0
	}
	return 1
}

// circularDistance 环形数值距离归一化到 [0, 1]（小时、星期属于环形量）
func circularDistance(a, b, period float64) float64 {
	d := math.Abs(a - b)
	if d > period/2 {
		d = period - d
	}
	return d / (period / 2)
}
