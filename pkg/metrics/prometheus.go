package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "matchlist"

// Registry 汇总对外暴露的 Prometheus 指标
type Registry struct {
	reg *prometheus.Registry

	ListChanges *prometheus.CounterVec // 名单变更次数
	ListReloads *prometheus.CounterVec // 名单加载结果
	APIRequests *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ListChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_changes_total",
			Help:      "Number of change notifications per match list",
		}, []string{"list"}),
		ListReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_reloads_total",
			Help:      "Number of match list reloads by result",
		}, []string{"list", "result"}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Number of management API requests",
		}, []string{"method", "path", "status"}),
	}
}

// Gatherer 用于 /metrics 输出
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RegisterListSize 注册名单规则数量的 gauge
func (r *Registry) RegisterListSize(list string, size func() int) error {
	return r.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "list_rules",
		Help:        "Number of rules in the match list",
		ConstLabels: prometheus.Labels{"list": list},
	}, func() float64 { return float64(size()) }))
}

// RegisterClassifier 将匹配阶段的原子计数暴露为 counter
func (r *Registry) RegisterClassifier(m *ClassifierMetrics, lists []string) error {
	collectors := []prometheus.Collector{
		counterFunc("classifier_evaluated_total", "Connections evaluated against the match lists", nil, &m.Evaluated),
		counterFunc("classifier_matched_total", "Connections matching at least one list", nil, &m.Matched),
		counterFunc("classifier_unparsed_total", "Packets skipped without connection info", nil, &m.Unparsed),
	}
	for _, list := range lists {
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "classifier_list_matched_total",
			Help:        "Connections matched per list",
			ConstLabels: prometheus.Labels{"list": list},
		}, func() float64 { return float64(m.ListMatched(list)) }))
	}
	return r.register(collectors...)
}

// RegisterSource 将数据源的原子计数暴露为 counter
func (r *Registry) RegisterSource(m *SourceMetrics) error {
	return r.register(
		counterFunc("source_packets_total", "Packets read from the source", nil, &m.PacketsCaptured),
		counterFunc("source_bytes_total", "Bytes read from the source", nil, &m.BytesProcessed),
		counterFunc("source_errors_total", "Source read errors", nil, &m.ErrorCount),
	)
}

func (r *Registry) register(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := r.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func counterFunc(name, help string, labels prometheus.Labels, v *uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, func() float64 { return float64(atomic.LoadUint64(v)) })
}
