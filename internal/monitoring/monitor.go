// Package monitoring tracks fleet-wide request latency and per-agent
// resource samples.
//
// The request window keeps the most recent 1000 requests. The fleet meets
// its targets when the p95 latency is at most 5s, availability is at least
// 99.9% and no more than 100 requests are in flight. Agent samples come from
// the health sampler and are judged against the agent thresholds
// (response time 5s, CPU and memory 80%, error rate 5%).
package monitoring

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

// Targets and retention.
const (
	ResponseTimeTarget = 5 * time.Second
	AvailabilityTarget = 0.999
	MaxConcurrent      = 100
	RequestWindow      = 1000
	SampleWindow       = 60

	agentMaxResponseMs = 5000
	agentMaxCPU        = 0.8
	agentMaxMemory     = 0.8
	agentMaxErrorRate  = 0.05
)

// Fleet health levels.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

type requestMetric struct {
	id       string
	duration time.Duration
	success  bool
	at       time.Time
}

type agentSamples struct {
	samples []models.HealthMetrics
	last    time.Time
}

// Monitor implements contracts.PerformanceMonitor.
type Monitor struct {
	total      atomic.Int64
	successful atomic.Int64
	concurrent atomic.Int64

	mu     sync.RWMutex
	recent []requestMetric // ring, oldest first
	agents map[string]*agentSamples
}

func New() *Monitor {
	return &Monitor{
		recent: make([]requestMetric, 0, RequestWindow),
		agents: make(map[string]*agentSamples),
	}
}

// RecordRequest adds one completed request to the window.
func (m *Monitor) RecordRequest(requestID string, d time.Duration, success bool) {
	m.total.Add(1)
	if success {
		m.successful.Add(1)
	}
	m.mu.Lock()
	if len(m.recent) == RequestWindow {
		copy(m.recent, m.recent[1:])
		m.recent = m.recent[:RequestWindow-1]
	}
	m.recent = append(m.recent, requestMetric{id: requestID, duration: d, success: success, at: time.Now()})
	m.mu.Unlock()
}

// Begin marks a request in flight; the returned func ends it.
func (m *Monitor) Begin() func() {
	m.concurrent.Add(1)
	var once sync.Once
	return func() { once.Do(func() { m.concurrent.Add(-1) }) }
}

func (m *Monitor) Concurrent() int { return int(m.concurrent.Load()) }

// Summary computes the window statistics.
func (m *Monitor) Summary() models.PerformanceSummary {
	m.mu.RLock()
	durations := make([]time.Duration, len(m.recent))
	ok := 0
	for i, r := range m.recent {
		durations[i] = r.duration
		if r.success {
			ok++
		}
	}
	m.mu.RUnlock()

	s := models.PerformanceSummary{
		TotalRequests:      m.total.Load(),
		SuccessfulRequests: m.successful.Load(),
		ConcurrentRequests: m.Concurrent(),
		Availability:       1.0,
	}
	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		s.AverageResponse = average(durations)
		s.MedianResponse = median(durations)
		s.P95Response = percentile(durations, 0.95)
		s.Availability = float64(ok) / float64(len(durations))
	}

	meetsLatency := s.P95Response <= ResponseTimeTarget
	meetsAvailability := s.Availability >= AvailabilityTarget
	meetsConcurrency := s.ConcurrentRequests <= MaxConcurrent
	s.MeetsTargets = meetsLatency && meetsAvailability && meetsConcurrency

	switch {
	case s.MeetsTargets:
		s.Health = HealthHealthy
	case s.Availability > 0.95 && s.P95Response < 10*time.Second:
		s.Health = HealthDegraded
	default:
		s.Health = HealthCritical
	}
	return s
}

// MeetsFleetTargets reports whether the request window is inside the targets.
func (m *Monitor) MeetsFleetTargets() bool {
	return m.Summary().MeetsTargets
}

func average(d []time.Duration) time.Duration {
	var total time.Duration
	for _, v := range d {
		total += v
	}
	return total / time.Duration(len(d))
}

func median(sorted []time.Duration) time.Duration {
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(len(sorted)-1, idx))
	return sorted[idx]
}

// ── Per-agent samples ───────────────────────────────────────

func (m *Monitor) RecordAgentPerformance(agentID string, metrics models.HealthMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		a = &agentSamples{}
		m.agents[agentID] = a
	}
	if len(a.samples) == SampleWindow {
		a.samples = a.samples[1:]
	}
	a.samples = append(a.samples, metrics)
	a.last = time.Now().UTC()
}

// MeetsPerformanceRequirements judges the latest sample. Agents with no
// samples meet their requirements.
func (m *Monitor) MeetsPerformanceRequirements(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok || len(a.samples) == 0 {
		return true
	}
	latest := a.samples[len(a.samples)-1]
	return latest.ResponseTimeMs <= agentMaxResponseMs &&
		latest.CPUUsage <= agentMaxCPU &&
		latest.MemoryUsage <= agentMaxMemory &&
		latest.ErrorRate <= agentMaxErrorRate
}

func (m *Monitor) GetPerformanceData(agentID string) (*models.PerformanceData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok || len(a.samples) == 0 {
		return nil, false
	}
	var rt, errRate float64
	for _, s := range a.samples {
		rt += float64(s.ResponseTimeMs)
		errRate += s.ErrorRate
	}
	n := float64(len(a.samples))
	latest := a.samples[len(a.samples)-1]
	return &models.PerformanceData{
		AgentID:             agentID,
		Samples:             len(a.samples),
		Latest:              &latest,
		AverageResponseTime: rt / n,
		AverageErrorRate:    errRate / n,
		LastSampled:         a.last,
	}, true
}

// Forget drops an agent's samples (after uninstall).
func (m *Monitor) Forget(agentID string) {
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
}
