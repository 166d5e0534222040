// Package obsmetrics exposes the orchestrator's Prometheus collectors, the
// same registry-plus-instrumentation-middleware shape the teacher's
// internal/app/metrics package used, adapted from HTTP/function/automation
// counters to the orchestrator's queue depth, claim latency, dispatcher
// assignment latency, robot liveness, audit chain health, and SLA breach
// counters named in SPEC_FULL.md's domain stack.
package obsmetrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every orchestrator-specific collector, kept distinct from
// prometheus.DefaultRegisterer so tests can build a throwaway instance.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator", Subsystem: "http", Name: "inflight_requests",
		Help: "Current number of in-flight control API requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator", Subsystem: "http", Name: "requests_total",
		Help: "Total control API requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator", Subsystem: "http", Name: "request_duration_seconds",
		Help:    "Duration of control API requests.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator", Subsystem: "dispatcher", Name: "queue_depth",
		Help: "Queued jobs awaiting dispatch, by tenant.",
	}, []string{"tenant_id"})

	claimLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator", Subsystem: "jobqueue", Name: "claim_latency_seconds",
		Help:    "Time from job enqueue to first claim.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	assignmentLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator", Subsystem: "dispatcher", Name: "assignment_latency_seconds",
		Help:    "Time dispatchOne spends selecting and assigning a robot.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	robotsOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator", Subsystem: "robots", Name: "online",
		Help: "Robots currently reporting a live heartbeat, by tenant.",
	}, []string{"tenant_id"})

	auditChainBroken = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator", Subsystem: "audit", Name: "chain_broken_total",
		Help: "Audit hash-chain verification failures detected.",
	})

	slaBreaches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator", Subsystem: "schedule", Name: "sla_breaches_total",
		Help: "Schedule SLA transitions into the breached state.",
	}, []string{"schedule_id"})
)

func init() {
	Registry.MustRegister(
		httpInFlight, httpRequests, httpDuration,
		queueDepth, claimLatency, assignmentLatency,
		robotsOnline, auditChainBroken, slaBreaches,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes Registry's collectors over HTTP for a scrape target.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InstrumentHandler wraps next with in-flight, count and latency
// instrumentation, the same middleware shape the teacher mounts ahead of
// its router.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// canonicalPath collapses a UUID path segment so /jobs/<uuid> and
// /jobs/<other-uuid> both land in the same requests_total series, the same
// cardinality guard the teacher's metrics package applies.
func canonicalPath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, seg := range segments {
		if looksLikeUUID(seg) {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHex(byte(c)) {
				return false
			}
		}
	}
	return true
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// SetQueueDepth records the queued-job count for tenantID.
func SetQueueDepth(tenantID string, depth int) {
	queueDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// ObserveClaimLatency records the delay between a job's scheduled_time and
// its first successful claim.
func ObserveClaimLatency(d time.Duration) {
	claimLatency.Observe(d.Seconds())
}

// ObserveAssignmentLatency records how long the dispatcher spent resolving
// and assigning one job.
func ObserveAssignmentLatency(d time.Duration) {
	assignmentLatency.Observe(d.Seconds())
}

// SetRobotsOnline records the live-robot count for tenantID.
func SetRobotsOnline(tenantID string, count int) {
	robotsOnline.WithLabelValues(tenantID).Set(float64(count))
}

// RecordAuditChainBroken increments the chain-break counter; callers invoke
// this exactly once per ChainBroken error the audit verifier surfaces.
func RecordAuditChainBroken() {
	auditChainBroken.Inc()
}

// RecordSLABreach increments the breach counter for scheduleID.
func RecordSLABreach(scheduleID string) {
	slaBreaches.WithLabelValues(scheduleID).Inc()
}
