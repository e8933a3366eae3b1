package coordination

import (
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

// Metrics counts coordinations attributed to one agent.
type Metrics struct {
	agentID string

	mu         sync.Mutex
	total      int64
	successful int64
	totalTime  time.Duration
}

func NewMetrics(agentID string) *Metrics {
	return &Metrics{agentID: agentID}
}

func (m *Metrics) Record(d time.Duration, success bool) {
	m.mu.Lock()
	m.total++
	if success {
		m.successful++
	}
	m.totalTime += d
	m.mu.Unlock()
}

// SuccessRate is 1.0 until the agent has handled a request.
func (m *Metrics) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total == 0 {
		return 1.0
	}
	return float64(m.successful) / float64(m.total)
}

func (m *Metrics) Snapshot() models.AgentCoordinationMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := models.AgentCoordinationMetrics{
		AgentID:            m.agentID,
		TotalRequests:      m.total,
		SuccessfulRequests: m.successful,
		SuccessRate:        1.0,
	}
	if m.total > 0 {
		s.SuccessRate = float64(m.successful) / float64(m.total)
		s.AverageResponseTime = float64(m.totalTime.Milliseconds()) / float64(m.total)
	}
	return s
}
