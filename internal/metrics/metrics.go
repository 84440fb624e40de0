// Package metrics exposes job, like and event counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/champi-dev/aipics/internal/domain"
)

const namespace = "aipics"

// Collector implements eventbus.Hooks, ledger.Recorder and
// orchestrator.Recorder.
type Collector struct {
	jobsSubmitted     *prometheus.CounterVec
	jobPolls          *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	submissions       *prometheus.CounterVec
	likesToggled      *prometheus.CounterVec
	likeNoops         prometheus.Counter
	eventsPublished   *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	subscribersDrop   *prometheus.CounterVec
	streamConnections prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Generation jobs handed to a provider.",
		}, []string{"provider"}),
		jobPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_polls_total",
			Help:      "Provider status polls.",
		}, []string{"provider"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status", "cause"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		}, []string{"status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_by_country_total",
			Help:      "Accepted prompt submissions by submitter country.",
		}, []string{"country"}),
		likesToggled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "likes_toggled_total",
			Help:      "Like toggles that changed the counter.",
		}, []string{"action"}),
		likeNoops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "like_noops_total",
			Help:      "Toggles that found the edge already in the requested state.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events accepted by the bus.",
		}, []string{"topic"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events rejected because the bus inbox was full or stopped.",
		}, []string{"topic"}),
		subscribersDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers closed for falling behind.",
		}, []string{"topic"}),
		streamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_connections",
			Help:      "Open websocket event streams.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobPolls,
		c.jobsFinished,
		c.jobDuration,
		c.submissions,
		c.likesToggled,
		c.likeNoops,
		c.eventsPublished,
		c.eventsDropped,
		c.subscribersDrop,
		c.streamConnections,
		c.httpRequests,
		c.httpLatency,
	)
	return c
}

func (c *Collector) JobSubmitted(provider string) { c.jobsSubmitted.WithLabelValues(provider).Inc() }

func (c *Collector) JobPolled(provider string) { c.jobPolls.WithLabelValues(provider).Inc() }

func (c *Collector) JobFinished(status domain.JobStatus, cause domain.FailureCause, elapsed time.Duration) {
	label := string(cause)
	if label == "" {
		label = "none"
	}
	c.jobsFinished.WithLabelValues(string(status), label).Inc()
	c.jobDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// SubmissionAccepted counts a submission under its country label.
func (c *Collector) SubmissionAccepted(country string) {
	c.submissions.WithLabelValues(country).Inc()
}

func (c *Collector) LikeToggled(liked bool) {
	action := "unlike"
	if liked {
		action = "like"
	}
	c.likesToggled.WithLabelValues(action).Inc()
}

func (c *Collector) LikeNoop() { c.likeNoops.Inc() }

func (c *Collector) EventPublished(topic string) { c.eventsPublished.WithLabelValues(topic).Inc() }

func (c *Collector) EventDropped(topic string) { c.eventsDropped.WithLabelValues(topic).Inc() }

func (c *Collector) SubscriberDropped(topic string) { c.subscribersDrop.WithLabelValues(topic).Inc() }

// StreamOpened and StreamClosed track websocket subscribers.
func (c *Collector) StreamOpened() { c.streamConnections.Inc() }

func (c *Collector) StreamClosed() { c.streamConnections.Dec() }

// HTTPRequest records one served request. route is the chi route pattern,
// not the raw path, to keep label cardinality bounded.
func (c *Collector) HTTPRequest(method, route string, status int, took time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
