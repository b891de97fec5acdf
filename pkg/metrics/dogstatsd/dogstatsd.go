package dogstatsd

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"go.uber.org/zap"
)

const namespace = "sovads_ledger."

// DogStatsdMetricsClient sends metrics to a DataDog agent over statsd.
type DogStatsdMetricsClient struct {
	client *statsd.Client
	logger *zap.Logger
}

// NewDogStatsdMetricsClient connects to the agent at addr.
func NewDogStatsdMetricsClient(addr string, l *zap.Logger) (*DogStatsdMetricsClient, error) {
	client, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return nil, err
	}
	return &DogStatsdMetricsClient{
		client: client,
		logger: l,
	}, nil
}

func formatTags(labels []metricsTypes.MetricsLabel) []string {
	tags := make([]string, 0, len(labels))
	for _, label := range labels {
		tags = append(tags, fmt.Sprintf("%s:%s", label.Name, label.Value))
	}
	return tags
}

// Incr sends a count.
func (dd *DogStatsdMetricsClient) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) error {
	return dd.client.Count(name, int64(value), formatTags(labels), 1)
}

func (dd *DogStatsdMetricsClient) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) error {
	return dd.client.Gauge(name, value, formatTags(labels), 1)
}

func (dd *DogStatsdMetricsClient) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) error {
	return dd.client.Timing(name, value, formatTags(labels), 1)
}

// Flush sends whatever the client has buffered.
func (dd *DogStatsdMetricsClient) Flush() {
	if err := dd.client.Flush(); err != nil {
		dd.logger.Sugar().Warnw("Failed to flush dogstatsd client", zap.Error(err))
	}
}
