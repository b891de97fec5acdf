package metricsTypes

import "time"

// IMetricsClient is a single metrics backend the sink fans out to.
type IMetricsClient interface {
	Incr(name string, labels []MetricsLabel, value float64) error
	Gauge(name string, value float64, labels []MetricsLabel) error
	Timing(name string, value time.Duration, labels []MetricsLabel) error
	Flush()
}

// MetricsLabel is a name/value pair. Prometheus calls these labels, statsd calls them tags.
type MetricsLabel struct {
	Name  string
	Value string
}

// MetricsType is the instrument a metric is recorded with.
type MetricsType string

var (
	MetricsType_Incr   MetricsType = "incr"
	MetricsType_Gauge  MetricsType = "gauge"
	MetricsType_Timing MetricsType = "timing"
)

// MetricsTypeConfig declares a metric and the labels it accepts.
type MetricsTypeConfig struct {
	Name   string
	Labels []string
}

var (
	Metric_Incr_EventAdmitted      = "ingestion_event_admitted"
	Metric_Incr_EventRejected      = "ingestion_event_rejected"
	Metric_Incr_PointsGrantFailed  = "points_grant_failed"
	Metric_Incr_PointsRegranted    = "points_regranted"
	Metric_Incr_ClaimSettlement    = "vault_claim_settlement"
	Metric_Incr_Payout             = "treasury_payout"
	Metric_Incr_HttpRequest        = "rpc_http_request"
	Metric_Incr_ReconcilerResolved = "reconciler_resolved"
	Metric_Incr_PriceCacheHit      = "price_cache_hit"
	Metric_Incr_PriceCacheMiss     = "price_cache_miss"
	Metric_Incr_AdServed           = "ad_served"
	Metric_Incr_AuditHashComputed  = "audit_hash_computed"

	Metric_Gauge_ReconcilerPending = "reconciler_pending"
	Metric_Gauge_TreasuryBalance   = "treasury_balance"

	Metric_Timing_HttpDuration     = "rpc_http_duration"
	Metric_Timing_AdmitDuration    = "ingestion_admit_duration"
	Metric_Timing_TreasuryCall     = "treasury_call_duration"
	Metric_Timing_ReconcilerSweep  = "reconciler_sweep_duration"
)

var MetricTypes = map[MetricsType][]MetricsTypeConfig{
	MetricsType_Incr: {
		MetricsTypeConfig{
			Name:   Metric_Incr_EventAdmitted,
			Labels: []string{"type", "method"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_EventRejected,
			Labels: []string{"type", "kind"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_PointsGrantFailed,
			Labels: []string{"attempt"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_PointsRegranted,
			Labels: []string{"source"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_ClaimSettlement,
			Labels: []string{"outcome"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_Payout,
			Labels: []string{"kind", "status", "backend"},
		},
		MetricsTypeConfig{
			Name: Metric_Incr_HttpRequest,
			Labels: []string{
				"method",
				"path",
				"status_code",
				"client_ip",
			},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_ReconcilerResolved,
			Labels: []string{"target", "outcome"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_PriceCacheHit,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_PriceCacheMiss,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_AdServed,
			Labels: []string{"placement"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_AuditHashComputed,
			Labels: []string{"replaced"},
		},
	},
	MetricsType_Gauge: {
		MetricsTypeConfig{
			Name:   Metric_Gauge_ReconcilerPending,
			Labels: []string{"target"},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_TreasuryBalance,
			Labels: []string{},
		},
	},
	MetricsType_Timing: {
		MetricsTypeConfig{
			Name: Metric_Timing_HttpDuration,
			Labels: []string{
				"method",
				"path",
				"status_code",
				"client_ip",
			},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_AdmitDuration,
			Labels: []string{"type", "outcome"},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_TreasuryCall,
			Labels: []string{"operation", "backend", "hasError"},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_ReconcilerSweep,
			Labels: []string{"hasError"},
		},
	},
}
