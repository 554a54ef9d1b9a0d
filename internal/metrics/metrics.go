// Package metrics holds the Prometheus collectors shared by the API and the worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	PredictionsSubmitted prometheus.Counter
	GamesSettled         *prometheus.CounterVec
	GamesGenerated       prometheus.Counter

	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	NotificationsSent *prometheus.CounterVec
	MarketFetches     *prometheus.CounterVec
	LLMCalls          *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	LiveClients       prometheus.Gauge
}

// New builds a Registry on its own prometheus.Registry so that tests and
// multiple processes never collide on the global default registerer.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "munymo_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "munymo_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route"}),
		PredictionsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "munymo_predictions_submitted_total",
			Help: "Predictions accepted",
		}),
		GamesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "munymo_games_settled_total",
			Help: "Games settled by winner (A, B, tie)",
		}, []string{"winner"}),
		GamesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "munymo_games_generated_total",
			Help: "Daily games generated",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "munymo_job_runs_total",
			Help: "Scheduler job runs by job and status",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "munymo_job_duration_seconds",
			Help:    "Scheduler job duration",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"job"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "munymo_notifications_total",
			Help: "Push notification deliveries by result",
		}, []string{"result"}),
		MarketFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "munymo_market_fetches_total",
			Help: "Market data fetches by result",
		}, []string{"result"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "munymo_llm_calls_total",
			Help: "LLM completions by result",
		}, []string{"result"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "munymo_stripe_webhook_events_total",
			Help: "Stripe webhook events by type and outcome",
		}, []string{"type", "outcome"}),
		LiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "munymo_live_clients",
			Help: "Connected websocket clients",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.HTTPRequests,
		r.HTTPDuration,
		r.PredictionsSubmitted,
		r.GamesSettled,
		r.GamesGenerated,
		r.JobRuns,
		r.JobDuration,
		r.NotificationsSent,
		r.MarketFetches,
		r.LLMCalls,
		r.WebhookEvents,
		r.LiveClients,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Nil-safe helpers so optional components can hold a nil *Registry.

func (r *Registry) ObserveMarketFetch(result string) {
	if r == nil {
		return
	}
	r.MarketFetches.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveLLMCall(result string) {
	if r == nil {
		return
	}
	r.LLMCalls.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveNotifications(success, failure int) {
	if r == nil {
		return
	}
	r.NotificationsSent.WithLabelValues("success").Add(float64(success))
	r.NotificationsSent.WithLabelValues("failure").Add(float64(failure))
}

func (r *Registry) ObservePrediction() {
	if r == nil {
		return
	}
	r.PredictionsSubmitted.Inc()
}

func (r *Registry) ObserveSettled(winner string) {
	if r == nil {
		return
	}
	r.GamesSettled.WithLabelValues(winner).Inc()
}

func (r *Registry) ObserveGenerated() {
	if r == nil {
		return
	}
	r.GamesGenerated.Inc()
}

func (r *Registry) ObserveJob(job, status string, seconds float64) {
	if r == nil {
		return
	}
	r.JobRuns.WithLabelValues(job, status).Inc()
	r.JobDuration.WithLabelValues(job).Observe(seconds)
}

func (r *Registry) ObserveWebhook(eventType, outcome string) {
	if r == nil {
		return
	}
	r.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (r *Registry) SetLiveClients(n int) {
	if r == nil {
		return
	}
	r.LiveClients.Set(float64(n))
}
