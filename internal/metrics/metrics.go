// Package metrics manages per-request metrics and the periodic autoscaling
// sample pushed to the controller.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"replicad/pkg/types"
)

var (
	replicaStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replicad",
			Subsystem: "replica",
			Name:      "starts_total",
			Help:      "The number of times this replica has been (re)started.",
		},
		[]string{"deployment", "replica"},
	)

	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replicad",
			Subsystem: "replica",
			Name:      "requests_total",
			Help:      "The number of requests processed by this replica.",
		},
		[]string{"deployment", "replica", "route"},
	)

	errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replicad",
			Subsystem: "replica",
			Name:      "errors_total",
			Help:      "The number of requests that raised an error in this replica.",
		},
		[]string{"deployment", "replica", "route"},
	)

	processingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replicad",
			Subsystem: "replica",
			Name:      "processing_latency_ms",
			Help:      "The latency for requests to be processed, in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"deployment", "replica", "route"},
	)

	pendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "replicad",
			Subsystem: "replica",
			Name:      "pending_requests",
			Help:      "The current number of pending requests.",
		},
		[]string{"deployment", "replica"},
	)

	runningGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "replicad",
			Subsystem: "replica",
			Name:      "running_requests",
			Help:      "The current number of requests being processed.",
		},
		[]string{"deployment", "replica"},
	)
)

func init() {
	prometheus.MustRegister(replicaStarts, requestCounter, errorCounter,
		processingLatency, pendingGauge, runningGauge)
}

// Recorder is the narrow interface the request envelope and the dispatch
// path record through.
type Recorder interface {
	RecordRequest(route, status string, latencyMS float64, isError bool)
	IncPending()
	PendingToRunning()
	DecRunning()
	DecPending()
	QueueDepth() types.QueueDepth
}

// ControllerClient receives periodic autoscaling samples. The real client
// lives in the control plane; tests supply fakes.
type ControllerClient interface {
	RecordAutoscalingSample(ctx context.Context, replica types.ReplicaID, ongoingAvg float64, sampledAt time.Time) error
}

// autoscalingRecordPeriod bounds how often the local ongoing-request sample
// is recorded, regardless of the push interval.
const autoscalingRecordPeriod = 500 * time.Millisecond

// Manager implements Recorder on prometheus and owns the autoscaling push
// loop.
type Manager struct {
	id         types.ReplicaID
	controller ControllerClient
	log        zerolog.Logger

	pending atomic.Int64
	running atomic.Int64

	mu    sync.Mutex
	asCfg *types.AutoscalingConfig
	store windowStore

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a Manager and bumps the restart counter.
func NewManager(id types.ReplicaID, controller ControllerClient, asCfg *types.AutoscalingConfig, log zerolog.Logger) *Manager {
	replicaStarts.WithLabelValues(id.DeploymentName, id.ReplicaTag).Inc()
	return &Manager{
		id:         id,
		controller: controller,
		asCfg:      asCfg,
		log:        log,
		stop:       make(chan struct{}),
	}
}

// Start launches the periodic autoscaling tasks. No-op when autoscaling is
// not configured or there is no controller to push to.
func (m *Manager) Start() {
	m.mu.Lock()
	cfg := m.asCfg
	m.mu.Unlock()
	if cfg == nil || m.controller == nil {
		return
	}
	m.wg.Add(2)
	go m.recordLoop()
	go m.pushLoop()
}

// Shutdown stops the background tasks.
func (m *Manager) Shutdown() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

// SetAutoscalingConfig dynamically updates the autoscaling parameters.
func (m *Manager) SetAutoscalingConfig(cfg *types.AutoscalingConfig) {
	m.mu.Lock()
	m.asCfg = cfg
	m.mu.Unlock()
}

// RecordRequest records one completed request.
func (m *Manager) RecordRequest(route, status string, latencyMS float64, isError bool) {
	processingLatency.WithLabelValues(m.id.DeploymentName, m.id.ReplicaTag, route).Observe(latencyMS)
	if isError {
		errorCounter.WithLabelValues(m.id.DeploymentName, m.id.ReplicaTag, route).Inc()
	} else {
		requestCounter.WithLabelValues(m.id.DeploymentName, m.id.ReplicaTag, route).Inc()
	}
	_ = status // reserved for per-status series; cardinality kept low for now
}

func (m *Manager) IncPending() {
	m.pending.Add(1)
	pendingGauge.WithLabelValues(m.id.DeploymentName, m.id.ReplicaTag).Inc()
}

func (m *Manager) DecPending() {
	m.pending.Add(-1)
	pendingGauge.WithLabelValues(m.id.DeploymentName, m.id.ReplicaTag).Dec()
}

func (m *Manager) PendingToRunning() {
	m.DecPending()
	m.running.Add(1)
	runningGauge.WithLabelValues(m.id.DeploymentName, m.id.ReplicaTag).Inc()
}

func (m *Manager) DecRunning() {
	m.running.Add(-1)
	runningGauge.WithLabelValues(m.id.DeploymentName, m.id.ReplicaTag).Dec()
}

// QueueDepth is servable at any time; it reads two atomics and never touches
// user code.
func (m *Manager) QueueDepth() types.QueueDepth {
	return types.QueueDepth{
		Pending: int(m.pending.Load()),
		Running: int(m.running.Load()),
	}
}

func (m *Manager) intervals() (record, push, lookBack time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.asCfg == nil {
		return 0, 0, 0, false
	}
	push = m.asCfg.MetricsInterval
	if push <= 0 {
		push = 10 * time.Second
	}
	record = autoscalingRecordPeriod
	if push < record {
		record = push
	}
	lookBack = m.asCfg.LookBackPeriod
	if lookBack <= 0 {
		lookBack = 30 * time.Second
	}
	return record, push, lookBack, true
}

func (m *Manager) recordLoop() {
	defer m.wg.Done()
	record, _, _, ok := m.intervals()
	if !ok {
		return
	}
	ticker := time.NewTicker(record)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.store.add(float64(m.QueueDepth().Total()), now)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) pushLoop() {
	defer m.wg.Done()
	_, push, _, ok := m.intervals()
	if !ok {
		return
	}
	ticker := time.NewTicker(push)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			_, _, lookBack, _ := m.intervals()
			avg := m.store.windowAverage(now.Add(-lookBack))
			ctx, cancel := context.WithTimeout(context.Background(), push)
			err := m.controller.RecordAutoscalingSample(ctx, m.id, avg, now)
			cancel()
			if err != nil {
				m.log.Warn().Err(err).Msg("failed to push autoscaling sample")
			}
		case <-m.stop:
			return
		}
	}
}

// windowStore keeps timestamped ongoing-request samples for look-back
// averaging.
type windowStore struct {
	mu     sync.Mutex
	points []point
}

type point struct {
	val float64
	at  time.Time
}

func (s *windowStore) add(val float64, at time.Time) {
	s.mu.Lock()
	s.points = append(s.points, point{val: val, at: at})
	s.mu.Unlock()
}

// windowAverage averages samples newer than since and prunes older ones.
func (s *windowStore) windowAverage(since time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.points[:0]
	var sum float64
	for _, p := range s.points {
		if p.at.Before(since) {
			continue
		}
		keep = append(keep, p)
		sum += p.val
	}
	s.points = keep
	if len(keep) == 0 {
		return 0
	}
	return sum / float64(len(keep))
}
