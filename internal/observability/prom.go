package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec
	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// Dispatcher
	DispatchTotal        *prometheus.CounterVec
	DispatchTickDuration prometheus.Histogram
	DispatchSkippedTotal *prometheus.CounterVec
	IsLeader             prometheus.Gauge

	// Occurrence lifecycle
	OccurrenceTransitions *prometheus.CounterVec
	OccurrenceDuration    *prometheus.HistogramVec

	// Circuit breaker
	BreakerState prometheus.Gauge // 0=closed 1=half_open 2=open

	// Zombie / auto-disable
	ZombiesDetected     prometheus.Counter
	AutoDisableTriggers prometheus.Counter

	// Bus queue depth observed by consumers
	BusQueueDepth *prometheus.GaugeVec
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "milvaion",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "milvaion",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "milvaion",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "dispatcher",
				Name:      "dispatched_total",
				Help:      "Occurrences dispatched, by worker class and job kind.",
			},
			[]string{"worker_class", "job_kind"},
		),
		DispatchTickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "milvaion",
				Subsystem: "dispatcher",
				Name:      "tick_duration_seconds",
				Help:      "Wall time of one dispatcher tick.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		DispatchSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "dispatcher",
				Name:      "skipped_total",
				Help:      "Firings skipped this tick, by reason.",
			},
			[]string{"reason"},
		),
		IsLeader: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "milvaion",
				Subsystem: "dispatcher",
				Name:      "is_leader",
				Help:      "1 if this node currently holds the dispatcher lease.",
			},
		),
		OccurrenceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "occurrence",
				Name:      "transitions_total",
				Help:      "Occurrence status transitions, by resulting status.",
			},
			[]string{"status"},
		),
		OccurrenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "milvaion",
				Subsystem: "occurrence",
				Name:      "duration_seconds",
				Help:      "Occurrence execution duration by terminal status.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"status"},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "milvaion",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Coordination-store circuit breaker state (0=closed 1=half_open 2=open).",
			},
		),
		ZombiesDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "zombie",
				Name:      "detected_total",
				Help:      "Occurrences reaped as zombies.",
			},
		),
		AutoDisableTriggers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "autodisable",
				Name:      "triggered_total",
				Help:      "Jobs auto-disabled due to repeated failure.",
			},
		),
		BusQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "milvaion",
				Subsystem: "bus",
				Name:      "queue_depth",
				Help:      "Last-observed depth of a bus queue, by queue name.",
			},
			[]string{"queue"},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal,
		p.DispatchTotal, p.DispatchTickDuration, p.DispatchSkippedTotal, p.IsLeader,
		p.OccurrenceTransitions, p.OccurrenceDuration,
		p.BreakerState, p.ZombiesDetected, p.AutoDisableTriggers, p.BusQueueDepth,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()

		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
