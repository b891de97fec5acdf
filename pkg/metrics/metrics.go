// Package metrics fans metric writes out to every configured backend.
package metrics

import (
	"time"

	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/metrics/dogstatsd"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"github.com/sovads/ledger/pkg/metrics/prometheus"
	"go.uber.org/zap"
)

// MetricsSinkConfig holds labels added to every metric the sink emits.
type MetricsSinkConfig struct {
	DefaultLabels []metricsTypes.MetricsLabel
}

// MetricsSink sends every metric to each configured client.
// A nil *MetricsSink is valid and drops everything.
type MetricsSink struct {
	config  *MetricsSinkConfig
	clients []metricsTypes.IMetricsClient
}

// NewMetricsSink creates a sink over clients. A nil cfg means no default labels.
func NewMetricsSink(cfg *MetricsSinkConfig, clients []metricsTypes.IMetricsClient) (*MetricsSink, error) {
	if cfg == nil {
		cfg = &MetricsSinkConfig{}
	}
	return &MetricsSink{
		config:  cfg,
		clients: clients,
	}, nil
}

// InitMetricsSinksFromConfig builds one client per enabled backend.
func InitMetricsSinksFromConfig(cfg *config.Config, l *zap.Logger) ([]metricsTypes.IMetricsClient, error) {
	clients := make([]metricsTypes.IMetricsClient, 0)

	if cfg.DataDogConfig.StatsdConfig.Enabled {
		dd, err := dogstatsd.NewDogStatsdMetricsClient(cfg.DataDogConfig.StatsdConfig.Url, l)
		if err != nil {
			l.Sugar().Errorw("Failed to create dogstatsd client", zap.Error(err))
			return nil, err
		}
		clients = append(clients, dd)
	}

	if cfg.PrometheusConfig.Enabled {
		pm, err := prometheus.NewPrometheusMetricsClient(&prometheus.PrometheusMetricsConfig{
			Metrics: metricsTypes.MetricTypes,
		}, l)
		if err != nil {
			l.Sugar().Errorw("Failed to create prometheus client", zap.Error(err))
			return nil, err
		}
		clients = append(clients, pm)
	}
	return clients, nil
}

func (ms *MetricsSink) withDefaults(labels []metricsTypes.MetricsLabel) []metricsTypes.MetricsLabel {
	if len(ms.config.DefaultLabels) == 0 {
		return labels
	}
	return append(append([]metricsTypes.MetricsLabel{}, ms.config.DefaultLabels...), labels...)
}

// Incr adds value to the named counter on every client.
func (ms *MetricsSink) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) {
	if ms == nil {
		return
	}
	for _, client := range ms.clients {
		_ = client.Incr(name, ms.withDefaults(labels), value)
	}
}

// Gauge sets the named gauge on every client.
func (ms *MetricsSink) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) {
	if ms == nil {
		return
	}
	for _, client := range ms.clients {
		_ = client.Gauge(name, value, ms.withDefaults(labels))
	}
}

// Timing records a duration on every client.
func (ms *MetricsSink) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) {
	if ms == nil {
		return
	}
	for _, client := range ms.clients {
		_ = client.Timing(name, value, ms.withDefaults(labels))
	}
}

// Flush pushes anything buffered by the clients.
func (ms *MetricsSink) Flush() {
	if ms == nil {
		return
	}
	for _, client := range ms.clients {
		client.Flush()
	}
}
