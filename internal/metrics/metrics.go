package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Tick loop
	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Total number of completed scheduler ticks.",
		},
	)
	ticksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_skipped_total",
			Help: "Ticks skipped before doing any work.",
		},
		[]string{"reason"}, // not_primary, gate_error, in_flight
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduler tick (seconds).",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	recipientsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_recipients_processed_total",
			Help: "Candidate recipients examined across all ticks.",
		},
	)

	// Deliveries
	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages successfully delivered to the gateway.",
		},
	)
	sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_send_failures_total",
			Help: "Delivery attempts that failed.",
		},
		[]string{"stage"}, // opt_out, transport, mark_sent
	)
	remindersSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reminders_sent_total",
			Help: "Owner reminders sent for windows with no queued message.",
		},
	)
	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sends_rate_limited_total",
			Help: "Due messages held back by the tier send ceiling.",
		},
		[]string{"tier"},
	)
	sendLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "send_lag_seconds",
			Help:    "Lag between the window opening and the actual send (seconds).",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Schedule computation
	scheduleComputeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedule_compute_failures_total",
			Help: "Windows that could not be computed and fell back to sentinels.",
		},
	)
	windowsRecomputed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedule_windows_recomputed_total",
			Help: "Cached windows recomputed because they were stale or missing.",
		},
	)

	// Kafka
	kafkaEventsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kafka_events_sent_total",
			Help: "Delivery events successfully published to Kafka.",
		},
	)
	kafkaErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_errors_total",
			Help: "Total number of Kafka-related errors.",
		},
		[]string{"component", "operation"},
	)

	// Store state (polled by the DB collector)
	unsentMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messages_unsent_count",
			Help: "Current number of queued, unsent messages.",
		},
	)
	brokenSchedules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recipients_broken_schedule_count",
			Help: "Recipients parked on the sentinel window (uncomputable cron).",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			ticksTotal,
			ticksSkipped,
			tickDuration,
			recipientsProcessed,

			messagesSent,
			sendFailures,
			remindersSent,
			rateLimited,
			sendLag,

			scheduleComputeFailures,
			windowsRecomputed,

			kafkaEventsSent,
			kafkaErrors,

			unsentMessages,
			brokenSchedules,
		)
		registerRedisMetrics()
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// --- Tick loop ---
func IncTick()                            { ticksTotal.Inc() }
func IncTickSkipped(reason string)        { ticksSkipped.WithLabelValues(reason).Inc() }
func ObserveTickDuration(d time.Duration) { tickDuration.Observe(d.Seconds()) }
func AddRecipientsProcessed(n int)        { recipientsProcessed.Add(float64(max0(n))) }

// --- Deliveries ---
func IncMessagesSent()            { messagesSent.Inc() }
func IncSendFailure(stage string) { sendFailures.WithLabelValues(stage).Inc() }
func IncRemindersSent()           { remindersSent.Inc() }
func IncRateLimited(tier string)  { rateLimited.WithLabelValues(tier).Inc() }
func ObserveSendLagSeconds(sec float64) {
	if sec < 0 {
		sec = 0
	}
	sendLag.Observe(sec)
}

// --- Schedule computation ---
func IncScheduleComputeFailure() { scheduleComputeFailures.Inc() }
func IncWindowRecomputed()       { windowsRecomputed.Inc() }

// --- Kafka ---
func IncKafkaEventSent() { kafkaEventsSent.Inc() }
func IncKafkaError(component, operation string) {
	kafkaErrors.WithLabelValues(component, operation).Inc()
}

// --- Store state ---
func SetUnsentMessagesCount(n int64) {
	if n < 0 {
		n = 0
	}
	unsentMessages.Set(float64(n))
}
func SetBrokenScheduleCount(n int64) {
	if n < 0 {
		n = 0
	}
	brokenSchedules.Set(float64(n))
}

// helpers
func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
