package sla

import (
	"math"
	"testing"
	"time"

	"github.com/nimbleworks/chat_gateway/internal/config"
)

func testConfig() config.SLAConfig {
	return config.SLAConfig{
		UptimeTarget:      99.9,
		P95TargetMs:       500,
		ErrorRateTarget:   0.1,
		SlowThresholdMs:   1000,
		DegradedErrorPerc: 10,
		OutageErrorPerc:   50,
		StatusWindow:      time.Hour,
	}
}

func newTestService() (*Service, *time.Time) {
	svc := NewService(testConfig())
	current := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	now := &current
	svc.SetClock(func() time.Time { return *now })
	return svc, now
}

func TestReportHealthyTraffic(t *testing.T) {
	svc, _ := newTestService()
	for i := 0; i < 100; i++ {
		svc.RecordRequest("/chat/completions", "POST", 200, 100)
	}

	report := svc.Report("")
	if report.TotalRequests != 100 {
		t.Fatalf("expected 100 requests, got %d", report.TotalRequests)
	}
	if report.UptimePerc != 100 {
		t.Fatalf("expected 100%% uptime, got %v", report.UptimePerc)
	}
	if report.ErrorRatePerc != 0 {
		t.Fatalf("expected 0%% error rate, got %v", report.ErrorRatePerc)
	}
	if report.P95LatencyMs != 100 {
		t.Fatalf("expected p95=100, got %v", report.P95LatencyMs)
	}
	if report.SlowRequests != 0 {
		t.Fatalf("expected no slow requests, got %d", report.SlowRequests)
	}
	if !svc.WithinSLA(nil) {
		t.Fatal("healthy traffic must be within the default targets")
	}
}

func TestPercentileLinearInterpolation(t *testing.T) {
	svc, _ := newTestService()
	for ms := 10; ms <= 100; ms += 10 {
		svc.RecordRequest("/chat", "POST", 200, float64(ms))
	}

	report := svc.Report("")
	if math.Abs(report.P50LatencyMs-55) > 1e-9 {
		t.Fatalf("expected p50=55, got %v", report.P50LatencyMs)
	}
	if math.Abs(report.P95LatencyMs-95.5) > 1e-9 {
		t.Fatalf("expected p95=95.5, got %v", report.P95LatencyMs)
	}
	if math.Abs(report.P99LatencyMs-99.1) > 1e-9 {
		t.Fatalf("expected p99=99.1, got %v", report.P99LatencyMs)
	}
}

func TestPercentileEdgeCases(t *testing.T) {
	if got := percentile(nil, 0.95); got != 0 {
		t.Fatalf("empty sample should yield 0, got %v", got)
	}
	if got := percentile([]float64{42}, 0.99); got != 42 {
		t.Fatalf("single sample should yield itself, got %v", got)
	}
}

func TestReportEndpointFilterAndSlowRequests(t *testing.T) {
	svc, _ := newTestService()
	svc.RecordRequest("/chat", "POST", 200, 1500)
	svc.RecordRequest("/chat", "POST", 500, 50)
	svc.RecordRequest("/embeddings", "POST", 200, 20)

	report := svc.Report("/chat")
	if report.TotalRequests != 2 {
		t.Fatalf("expected 2 filtered requests, got %d", report.TotalRequests)
	}
	if report.SlowRequests != 1 {
		t.Fatalf("expected 1 slow request, got %d", report.SlowRequests)
	}
	if report.UptimePerc != 50 {
		t.Fatalf("expected 50%% uptime, got %v", report.UptimePerc)
	}
}

func TestReportEmptyDefaultsToFullUptime(t *testing.T) {
	svc, _ := newTestService()
	report := svc.Report("")
	if report.UptimePerc != 100 {
		t.Fatalf("zero traffic should report 100%% uptime, got %v", report.UptimePerc)
	}
	if !svc.WithinSLA(nil) {
		t.Fatal("zero traffic should be within SLA")
	}
}

func TestBreachesNamesEveryMetricOutsideTarget(t *testing.T) {
	svc, _ := newTestService()
	// Half the traffic fails and everything is slow: all three targets
	// are breached at once.
	for i := 0; i < 10; i++ {
		status := 200
		if i%2 == 0 {
			status = 502
		}
		svc.RecordRequest("/chat", "POST", status, 2000)
	}

	if svc.WithinSLA(nil) {
		t.Fatal("degraded traffic must not be within SLA")
	}
	breaches := svc.Breaches(nil)
	if len(breaches) != 3 {
		t.Fatalf("expected 3 breaches, got %d: %+v", len(breaches), breaches)
	}
	seen := map[string]string{}
	for _, b := range breaches {
		seen[b.Metric] = b.Severity
	}
	if seen["uptime"] != "critical" || seen["error_rate"] != "critical" {
		t.Fatalf("uptime and error_rate breaches should be critical: %v", seen)
	}
	if seen["p95_latency"] != "warning" {
		t.Fatalf("latency breach should be a warning: %v", seen)
	}
}

func TestStatusPageThresholds(t *testing.T) {
	svc, _ := newTestService()

	// chat: 5% errors -> operational.
	for i := 0; i < 100; i++ {
		status := 200
		if i < 5 {
			status = 500
		}
		svc.RecordRequest("/chat/completions", "POST", status, 50)
	}
	// embeddings: 20% errors -> degraded.
	for i := 0; i < 100; i++ {
		status := 200
		if i < 20 {
			status = 500
		}
		svc.RecordRequest("/embeddings", "POST", status, 50)
	}
	// files: 60% errors -> major outage, which also drives overall.
	for i := 0; i < 100; i++ {
		status := 200
		if i < 60 {
			status = 500
		}
		svc.RecordRequest("/files/upload", "POST", status, 50)
	}

	page := svc.Status()
	if page.Overall != StatusMajorOutage {
		t.Fatalf("expected overall major_outage, got %s", page.Overall)
	}
	want := map[string]ServiceStatus{
		"chat":       StatusOperational,
		"embeddings": StatusDegraded,
		"files":      StatusMajorOutage,
	}
	for _, state := range page.Services {
		if want[state.Service] != state.Status {
			t.Fatalf("service %s: expected %s, got %s", state.Service, want[state.Service], state.Status)
		}
	}
}

func TestStatusWindowExcludesOldEvents(t *testing.T) {
	svc, now := newTestService()

	svc.RecordRequest("/chat", "POST", 500, 50)
	*now = now.Add(2 * time.Hour)
	svc.RecordRequest("/chat", "POST", 200, 50)

	page := svc.Status()
	if page.Overall != StatusOperational {
		t.Fatalf("old failures outside the window must not count, got %s", page.Overall)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	svc, _ := newTestService()

	id := svc.RecordIncident("chat", "critical", "upstream provider down")
	if id == "" {
		t.Fatal("expected a generated incident id")
	}

	active := svc.ActiveIncidents()
	if len(active) != 1 || active[0].ID != id {
		t.Fatalf("expected one active incident, got %+v", active)
	}
	if active[0].ResolvedAt != nil {
		t.Fatal("fresh incident should not be resolved")
	}

	if err := svc.ResolveIncident(id); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(svc.ActiveIncidents()) != 0 {
		t.Fatal("resolved incident should leave the active list")
	}

	// Resolving twice keeps the original resolution time.
	if err := svc.ResolveIncident(id); err != nil {
		t.Fatalf("second resolve should be a no-op, got %v", err)
	}

	if err := svc.ResolveIncident("no-such-id"); err != ErrUnknownIncident {
		t.Fatalf("expected ErrUnknownIncident, got %v", err)
	}
}

func TestUptimeHistoryPerDay(t *testing.T) {
	svc, now := newTestService()

	*now = time.Date(2026, time.March, 9, 10, 0, 0, 0, time.UTC)
	svc.RecordRequest("/chat", "POST", 200, 50)
	svc.RecordRequest("/chat", "POST", 500, 50)

	*now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc.RecordRequest("/chat", "POST", 200, 50)

	history := svc.UptimeHistory(3)
	if len(history) != 3 {
		t.Fatalf("expected 3 days, got %d", len(history))
	}
	if history[0].Date != "2026-03-08" || history[0].Uptime != 100 {
		t.Fatalf("no-traffic day should default to 100%%: %+v", history[0])
	}
	if history[1].Date != "2026-03-09" || history[1].Uptime != 50 {
		t.Fatalf("expected 50%% on 2026-03-09: %+v", history[1])
	}
	if history[2].Date != "2026-03-10" || history[2].Uptime != 100 {
		t.Fatalf("expected 100%% on 2026-03-10: %+v", history[2])
	}
}

func TestResetClearsMonitor(t *testing.T) {
	svc, _ := newTestService()
	svc.RecordRequest("/chat", "POST", 500, 50)
	svc.RecordIncident("chat", "minor", "test")

	svc.Reset()
	if svc.Report("").TotalRequests != 0 {
		t.Fatal("reset should drop all events")
	}
	if len(svc.ActiveIncidents()) != 0 {
		t.Fatal("reset should drop all incidents")
	}
}
