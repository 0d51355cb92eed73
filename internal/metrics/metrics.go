// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プロバイダクライアント、認可フロー、ブロードキャストから利用する。
type MetricsCollector interface {
	RecordProviderCall(operation, outcome string, duration time.Duration)
	RecordDelivery(outcome string)
	RecordBroadcast(targets int, duration time.Duration)
	RecordStateRejection(reason string)
	RecordFlowCompleted(flow, result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	deliveries       *prometheus.CounterVec
	broadcasts       prometheus.Counter
	broadcastTargets prometheus.Histogram
	broadcastLatency prometheus.Histogram
	stateRejections  *prometheus.CounterVec
	flows            *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifylink_provider_calls_total",
			Help: "プロバイダ呼び出しの結果別合計数",
		}, []string{"operation", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifylink_provider_latency_seconds",
			Help:    "プロバイダ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifylink_deliveries_total",
			Help: "配信結果別の合計数",
		}, []string{"outcome"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifylink_broadcasts_total",
			Help: "ブロードキャスト実行の合計数",
		}),
		broadcastTargets: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifylink_broadcast_targets",
			Help:    "1回のブロードキャストの配信対象数",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		broadcastLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifylink_broadcast_latency_seconds",
			Help:    "ブロードキャスト全体の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		stateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifylink_state_rejections_total",
			Help: "stateトークン検証失敗の理由別合計数",
		}, []string{"reason"}),
		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifylink_authorization_flows_total",
			Help: "認可フローの完了結果別合計数",
		}, []string{"flow", "result"}),
	}

	reg.MustRegister(
		c.providerCalls,
		c.providerLatency,
		c.deliveries,
		c.broadcasts,
		c.broadcastTargets,
		c.broadcastLatency,
		c.stateRejections,
		c.flows,
	)

	return c
}

// RecordProviderCall はプロバイダ呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordProviderCall(operation, outcome string, duration time.Duration) {
	c.providerCalls.WithLabelValues(operation, outcome).Inc()
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDelivery は1件の配信結果を記録する。
func (c *Collector) RecordDelivery(outcome string) {
	c.deliveries.WithLabelValues(outcome).Inc()
}

// RecordBroadcast はブロードキャスト1回分の対象数と所要時間を記録する。
func (c *Collector) RecordBroadcast(targets int, duration time.Duration) {
	c.broadcasts.Inc()
	c.broadcastTargets.Observe(float64(targets))
	c.broadcastLatency.Observe(duration.Seconds())
}

// RecordStateRejection はstateトークンの拒否を記録する。
func (c *Collector) RecordStateRejection(reason string) {
	c.stateRejections.WithLabelValues(reason).Inc()
}

// RecordFlowCompleted は認可フローの結果を記録する。
func (c *Collector) RecordFlowCompleted(flow, result string) {
	c.flows.WithLabelValues(flow, result).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordProviderCall(string, string, time.Duration) {}
func (NopCollector) RecordDelivery(string) {}
func (NopCollector) RecordBroadcast(int, time.Duration) {}
func (NopCollector) RecordStateRejection(string) {}
func (NopCollector) RecordFlowCompleted(string, string) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
