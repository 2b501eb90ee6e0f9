package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GrabRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_grab_requests_total",
		Help: "Total number of grab requests by outcome",
	}, []string{"outcome"})

	StockReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coupon_stock_reserve_latency_seconds",
		Help:    "Latency of atomic stock reservations",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	GrabPublishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupon_grab_publish_failed_total",
		Help: "Total number of grab events that could not be published",
	})

	StockCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_stock_compensations_total",
		Help: "Total number of stock releases after a failed publish",
	}, []string{"result"})

	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_events_consumed_total",
		Help: "Total number of consumed grab events by outcome",
	}, []string{"outcome"})

	EventProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coupon_event_processing_latency_seconds",
		Help:    "Latency of handling one consumed grab event",
		Buckets: prometheus.DefBuckets,
	})

	ShardWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_shard_writes_total",
		Help: "Total number of grab results written per shard",
	}, []string{"shard"})

	ShardQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coupon_shard_query_latency_seconds",
		Help:    "Latency of read queries including fan-out and merge",
		Buckets: prometheus.DefBuckets,
	}, []string{"query", "fanout"})

	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_cache_requests_total",
		Help: "Total number of user coupon cache lookups by result",
	}, []string{"result"})

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
