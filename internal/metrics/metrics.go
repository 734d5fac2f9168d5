package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forPelevin/hlclip/internal/jobs"
	"github.com/forPelevin/hlclip/internal/keypool"
)

// Metrics collects credential pool and job events into a private registry.
type Metrics struct {
	reg *prometheus.Registry

	rotations          *prometheus.CounterVec
	credentialFailures *prometheus.CounterVec
	healthyKeys        prometheus.Gauge
	totalKeys          prometheus.Gauge

	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsInFlight  prometheus.Gauge
	jobDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec

	mu     sync.Mutex
	active map[string]*jobState
}

type jobState struct {
	started    time.Time
	stage      string
	stageStart time.Time
}

var (
	_ keypool.Observer = (*Metrics)(nil)
	_ jobs.Observer    = (*Metrics)(nil)
)

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlclip_key_rotations_total",
				Help: "Credential rotations by outcome",
			},
			[]string{"result"},
		),
		credentialFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlclip_key_failures_total",
				Help: "Credentials put on cooldown, by key and reason",
			},
			[]string{"key", "reason"},
		),
		healthyKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hlclip_keys_healthy",
			Help: "Credentials currently eligible for use",
		}),
		totalKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hlclip_keys_total",
			Help: "Credentials configured in the pool",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlclip_jobs_started_total",
			Help: "Jobs that entered processing",
		}),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlclip_jobs_finished_total",
				Help: "Jobs that reached a terminal state",
			},
			[]string{"status"},
		),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hlclip_jobs_in_flight",
			Help: "Jobs currently processing in this process",
		}),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hlclip_job_duration_seconds",
				Help:    "Wall time from processing to terminal state",
				Buckets: prometheus.ExponentialBuckets(5, 2, 10),
			},
			[]string{"status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hlclip_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"stage"},
		),
		active: make(map[string]*jobState),
	}
	m.reg.MustRegister(
		m.rotations,
		m.credentialFailures,
		m.healthyKeys,
		m.totalKeys,
		m.jobsStarted,
		m.jobsFinished,
		m.jobsInFlight,
		m.jobDuration,
		m.stageDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) CredentialFailed(index int, reason keypool.Reason, _ time.Duration) {
	m.credentialFailures.WithLabelValues(strconv.Itoa(index+1), reason.String()).Inc()
}

func (m *Metrics) Rotated(ok bool) {
	if ok {
		m.rotations.WithLabelValues("ok").Inc()
		return
	}
	m.rotations.WithLabelValues("exhausted").Inc()
}

func (m *Metrics) HealthyChanged(healthy, total int) {
	m.healthyKeys.Set(float64(healthy))
	m.totalKeys.Set(float64(total))
}

func (m *Metrics) OnEvent(_ context.Context, ev jobs.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.active[ev.JobID]
	if !ok {
		if ev.Status != jobs.StatusProcessing {
			if ev.Status.Terminal() {
				m.jobsFinished.WithLabelValues(string(ev.Status)).Inc()
			}
			return
		}
		st = &jobState{started: ev.At, stage: Stage(ev.Progress), stageStart: ev.At}
		m.active[ev.JobID] = st
		m.jobsStarted.Inc()
		m.jobsInFlight.Inc()
	}

	if ev.Status.Terminal() {
		m.stageDuration.WithLabelValues(st.stage).Observe(ev.At.Sub(st.stageStart).Seconds())
		m.jobDuration.WithLabelValues(string(ev.Status)).Observe(ev.At.Sub(st.started).Seconds())
		m.jobsFinished.WithLabelValues(string(ev.Status)).Inc()
		m.jobsInFlight.Dec()
		delete(m.active, ev.JobID)
		return
	}
	if stage := Stage(ev.Progress); stage != st.stage {
		m.stageDuration.WithLabelValues(st.stage).Observe(ev.At.Sub(st.stageStart).Seconds())
		st.stage = stage
		st.stageStart = ev.At
	}
}

// Stage names the pipeline stage a progress checkpoint belongs to.
func Stage(progress int) string {
	switch {
	case progress < 20:
		return "prepare"
	case progress < 45:
		return "acquire"
	case progress < 65:
		return "rank"
	case progress < 100:
		return "extract"
	default:
		return "finalize"
	}
}
