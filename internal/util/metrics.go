package util

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders persisted",
	})

	OrdersPayingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paying_total",
		Help: "Total number of orders handed to a supplier",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders confirmed paid",
	})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of order requests rejected before or during routing",
	}, []string{"reason"})

	OrdersClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_closed_total",
		Help: "Total number of orders closed on expiry",
	})

	ChannelAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_attempts_total",
		Help: "Supplier call attempts by channel and outcome",
	}, []string{"channel", "supplier", "outcome"})

	ChannelAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_anomalies_total",
		Help: "Abnormal supplier responses by category",
	}, []string{"channel", "supplier", "category"})

	ChannelResponseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "channel_response_latency_seconds",
		Help:    "Latency of supplier adapter calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel", "supplier"})

	NotifyDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_deliveries_total",
		Help: "Merchant callback deliveries by outcome",
	}, []string{"outcome"})

	NotifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notify_delivery_latency_seconds",
		Help:    "Latency of merchant callback calls",
		Buckets: prometheus.DefBuckets,
	})

	NotifyQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notify_queue_depth",
		Help: "Depth of the notification queues",
	}, []string{"queue"})

	CircuitBreakerOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_circuit_breaker_opened_total",
		Help: "Number of times a merchant circuit breaker opened",
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_total",
		Help: "Operator alerts by category and disposition",
	}, []string{"category", "disposition"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

// ChannelMonitor forwards supplier response observations to Prometheus
type ChannelMonitor struct{}

// NewChannelMonitor creates a new channel monitor
func NewChannelMonitor() *ChannelMonitor {
	return &ChannelMonitor{}
}

// ObserveResponse records one adapter call
func (m *ChannelMonitor) ObserveResponse(channelID int64, supplier string, latency time.Duration, success bool) {
	channel := strconv.FormatInt(channelID, 10)
	ChannelResponseLatency.WithLabelValues(channel, supplier).Observe(latency.Seconds())

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	ChannelAttemptsTotal.WithLabelValues(channel, supplier, outcome).Inc()
}

// RecordAnomaly records an abnormal supplier response
func (m *ChannelMonitor) RecordAnomaly(channelID int64, supplier, category string) {
	ChannelAnomaliesTotal.WithLabelValues(strconv.FormatInt(channelID, 10), supplier, category).Inc()
}
