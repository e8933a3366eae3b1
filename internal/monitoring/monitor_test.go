package monitoring_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/monitoring"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

var _ contracts.PerformanceMonitor = (*monitoring.Monitor)(nil)

func TestEmptyWindowMeetsTargets(t *testing.T) {
	m := monitoring.New()
	s := m.Summary()
	if !s.MeetsTargets || s.Health != monitoring.HealthHealthy {
		t.Errorf("Summary() = %+v, want healthy", s)
	}
	if s.Availability != 1.0 {
		t.Errorf("Availability = %v, want 1.0", s.Availability)
	}
}

func TestWindowStatistics(t *testing.T) {
	m := monitoring.New()
	for i := 1; i <= 100; i++ {
		m.RecordRequest(fmt.Sprintf("r%d", i), time.Duration(i)*10*time.Millisecond, true)
	}
	s := m.Summary()
	if s.P95Response != 950*time.Millisecond {
		t.Errorf("P95Response = %v, want 950ms", s.P95Response)
	}
	if s.MedianResponse != 505*time.Millisecond {
		t.Errorf("MedianResponse = %v, want 505ms", s.MedianResponse)
	}
	if !s.MeetsTargets {
		t.Error("MeetsTargets = false, want true")
	}
}

func TestWindowIsBounded(t *testing.T) {
	m := monitoring.New()
	// 1000 failures followed by 1000 successes: the failures fall out.
	for i := 0; i < monitoring.RequestWindow; i++ {
		m.RecordRequest("f", time.Millisecond, false)
	}
	for i := 0; i < monitoring.RequestWindow; i++ {
		m.RecordRequest("s", time.Millisecond, true)
	}
	s := m.Summary()
	if s.Availability != 1.0 {
		t.Errorf("Availability = %v, want 1.0 once failures leave the window", s.Availability)
	}
	if s.TotalRequests != 2*monitoring.RequestWindow {
		t.Errorf("TotalRequests = %d, want %d", s.TotalRequests, 2*monitoring.RequestWindow)
	}
}

func TestSlowRequestsDegrade(t *testing.T) {
	m := monitoring.New()
	for i := 0; i < 10; i++ {
		m.RecordRequest("r", 7*time.Second, true)
	}
	s := m.Summary()
	if s.MeetsTargets {
		t.Error("MeetsTargets = true with p95 of 7s")
	}
	if s.Health != monitoring.HealthDegraded {
		t.Errorf("Health = %q, want degraded", s.Health)
	}
}

func TestConcurrencyTracking(t *testing.T) {
	m := monitoring.New()
	end := m.Begin()
	if m.Concurrent() != 1 {
		t.Fatalf("Concurrent() = %d, want 1", m.Concurrent())
	}
	end()
	end()
	if m.Concurrent() != 0 {
		t.Errorf("Concurrent() = %d after end, want 0", m.Concurrent())
	}
}

func TestAgentRequirements(t *testing.T) {
	m := monitoring.New()
	if !m.MeetsPerformanceRequirements("a") {
		t.Error("agent with no samples should meet requirements")
	}

	m.RecordAgentPerformance("a", models.HealthMetrics{CPUUsage: 0.5, MemoryUsage: 0.5, ResponseTimeMs: 200})
	if !m.MeetsPerformanceRequirements("a") {
		t.Error("healthy sample should meet requirements")
	}

	m.RecordAgentPerformance("a", models.HealthMetrics{CPUUsage: 0.95, ResponseTimeMs: 200})
	if m.MeetsPerformanceRequirements("a") {
		t.Error("CPU at 95% should fail requirements")
	}

	data, ok := m.GetPerformanceData("a")
	if !ok {
		t.Fatal("GetPerformanceData() missing")
	}
	if data.Samples != 2 || data.AverageResponseTime != 200 {
		t.Errorf("GetPerformanceData() = %+v", data)
	}

	m.Forget("a")
	if _, ok := m.GetPerformanceData("a"); ok {
		t.Error("Forget() left samples behind")
	}
}
