package sla

import (
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbleworks/chat_gateway/internal/config"
)

var ErrUnknownIncident = errors.New("unknown incident")

// maxEvents bounds the in-memory event buffer. The trim drops the oldest
// entries as one filter-and-replace under the service lock.
const maxEvents = 100_000

// ServiceStatus is the rolled-up health of one logical service.
type ServiceStatus string

const (
	StatusOperational ServiceStatus = "operational"
	StatusDegraded    ServiceStatus = "degraded"
	StatusMajorOutage ServiceStatus = "major_outage"
)

// Event is one immutable request outcome.
type Event struct {
	Endpoint   string
	Method     string
	StatusCode int
	LatencyMs  float64
	Timestamp  time.Time
}

// Targets are the thresholds a report is judged against.
type Targets struct {
	UptimePerc    float64 `json:"uptime_perc"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	ErrorRatePerc float64 `json:"error_rate_perc"`
}

// Report summarizes outcome and latency statistics for an endpoint, or for
// all traffic when the endpoint filter is empty.
type Report struct {
	Endpoint      string  `json:"endpoint,omitempty"`
	TotalRequests int64   `json:"total_requests"`
	Successful    int64   `json:"successful"`
	UptimePerc    float64 `json:"uptime_perc"`
	ErrorRatePerc float64 `json:"error_rate_perc"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	SlowRequests  int64   `json:"slow_requests"`
}

// Breach names one metric currently outside its target.
type Breach struct {
	Metric   string `json:"metric"`
	Severity string `json:"severity"`
}

// Incident is a manually or automatically reported service disruption.
// The open -> resolved transition is one-way.
type Incident struct {
	ID          string     `json:"id"`
	Service     string     `json:"service"`
	Severity    string     `json:"severity"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// ServiceState is one row of the status page.
type ServiceState struct {
	Service   string        `json:"service"`
	Status    ServiceStatus `json:"status"`
	ErrorRate float64       `json:"error_rate"`
}

// StatusPage rolls the per-service states and active incidents up into one
// overall status (the worst across services).
type StatusPage struct {
	Overall   ServiceStatus  `json:"overall"`
	Services  []ServiceState `json:"services"`
	Incidents []Incident     `json:"incidents"`
}

// UptimeDay is one per-UTC-calendar-day uptime bucket.
type UptimeDay struct {
	Date   string  `json:"date"`
	Uptime float64 `json:"uptime"`
	Failed int64   `json:"failed"`
	Total  int64   `json:"total"`
}

// Service is the append-only SLA monitor: request outcomes, percentile and
// uptime computation, incident and status-page state.
type Service struct {
	cfg config.SLAConfig
	now func() time.Time

	mu        sync.RWMutex
	events    []Event
	incidents []*Incident
}

func NewService(cfg config.SLAConfig) *Service {
	if cfg.SlowThresholdMs <= 0 {
		cfg.SlowThresholdMs = 1000
	}
	if cfg.StatusWindow <= 0 {
		cfg.StatusWindow = time.Hour
	}
	return &Service{cfg: cfg, now: time.Now}
}

// DefaultTargets returns the configured SLA targets.
func (s *Service) DefaultTargets() Targets {
	return Targets{
		UptimePerc:    s.cfg.UptimeTarget,
		P95LatencyMs:  s.cfg.P95TargetMs,
		ErrorRatePerc: s.cfg.ErrorRateTarget,
	}
}

// RecordRequest appends one outcome. Success is any 2xx status; a request
// is slow above the configured latency threshold. Best-effort: the append
// never affects the primary response.
func (s *Service) RecordRequest(endpoint, method string, statusCode int, latencyMs float64) {
	event := Event{
		Endpoint:   endpoint,
		Method:     method,
		StatusCode: statusCode,
		LatencyMs:  latencyMs,
		Timestamp:  s.now(),
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	if len(s.events) > maxEvents {
		trimmed := make([]Event, maxEvents)
		copy(trimmed, s.events[len(s.events)-maxEvents:])
		s.events = trimmed
	}
	s.mu.Unlock()
}

// Report computes uptime, error rate, latency percentiles, and the slow
// request count, optionally filtered to one endpoint. Zero traffic reports
// 100% uptime.
func (s *Service) Report(endpoint string) Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := Report{Endpoint: endpoint, UptimePerc: 100}
	latencies := make([]float64, 0, len(s.events))
	for _, e := range s.events {
		if endpoint != "" && e.Endpoint != endpoint {
			continue
		}
		report.TotalRequests++
		if success(e.StatusCode) {
			report.Successful++
		}
		if e.LatencyMs > s.cfg.SlowThresholdMs {
			report.SlowRequests++
		}
		latencies = append(latencies, e.LatencyMs)
	}

	if report.TotalRequests > 0 {
		report.UptimePerc = float64(report.Successful) / float64(report.TotalRequests) * 100
	}
	report.ErrorRatePerc = 100 - report.UptimePerc

	sort.Float64s(latencies)
	report.P50LatencyMs = percentile(latencies, 0.50)
	report.P95LatencyMs = percentile(latencies, 0.95)
	report.P99LatencyMs = percentile(latencies, 0.99)
	return report
}

// WithinSLA reports whether uptime, p95 latency, and error rate all meet
// their targets simultaneously.
func (s *Service) WithinSLA(targets *Targets) bool {
	t := s.resolveTargets(targets)
	report := s.Report("")
	return report.UptimePerc >= t.UptimePerc &&
		report.P95LatencyMs <= t.P95LatencyMs &&
		report.ErrorRatePerc <= t.ErrorRatePerc
}

// Breaches lists every metric currently outside its target.
func (s *Service) Breaches(targets *Targets) []Breach {
	t := s.resolveTargets(targets)
	report := s.Report("")

	breaches := make([]Breach, 0, 3)
	if report.UptimePerc < t.UptimePerc {
		breaches = append(breaches, Breach{Metric: "uptime", Severity: "critical"})
	}
	if report.P95LatencyMs > t.P95LatencyMs {
		breaches = append(breaches, Breach{Metric: "p95_latency", Severity: "warning"})
	}
	if report.ErrorRatePerc > t.ErrorRatePerc {
		breaches = append(breaches, Breach{Metric: "error_rate", Severity: "critical"})
	}
	return breaches
}

// RecordIncident opens an incident and returns its id.
func (s *Service) RecordIncident(service, severity, description string) string {
	incident := &Incident{
		ID:          uuid.NewString(),
		Service:     service,
		Severity:    severity,
		Description: description,
		CreatedAt:   s.now(),
	}
	s.mu.Lock()
	s.incidents = append(s.incidents, incident)
	s.mu.Unlock()
	return incident.ID
}

// ResolveIncident closes an open incident. Resolving an unknown id is a
// failure, not a panic; a resolved incident never reopens.
func (s *Service) ResolveIncident(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, incident := range s.incidents {
		if incident.ID != id {
			continue
		}
		if incident.ResolvedAt == nil {
			ts := s.now()
			incident.ResolvedAt = &ts
		}
		return nil
	}
	return ErrUnknownIncident
}

// ActiveIncidents lists unresolved incidents, oldest first.
func (s *Service) ActiveIncidents() []Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := make([]Incident, 0)
	for _, incident := range s.incidents {
		if incident.ResolvedAt == nil {
			active = append(active, *incident)
		}
	}
	return active
}

// Status derives the status page from the rolling error rate per logical
// service over the status window. Overall is the worst status across
// services; rising error rates move a service one way through
// operational -> degraded -> major_outage.
func (s *Service) Status() StatusPage {
	s.mu.RLock()
	cutoff := s.now().Add(-s.cfg.StatusWindow)
	type counts struct{ total, failed int64 }
	perService := make(map[string]*counts)
	order := make([]string, 0)
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		name := serviceName(e.Endpoint)
		c := perService[name]
		if c == nil {
			c = &counts{}
			perService[name] = c
			order = append(order, name)
		}
		c.total++
		if !success(e.StatusCode) {
			c.failed++
		}
	}
	s.mu.RUnlock()

	page := StatusPage{Overall: StatusOperational, Services: make([]ServiceState, 0, len(order))}
	for _, name := range order {
		c := perService[name]
		rate := float64(0)
		if c.total > 0 {
			rate = float64(c.failed) / float64(c.total) * 100
		}
		status := StatusOperational
		switch {
		case rate >= s.cfg.OutageErrorPerc:
			status = StatusMajorOutage
		case rate >= s.cfg.DegradedErrorPerc:
			status = StatusDegraded
		}
		page.Services = append(page.Services, ServiceState{Service: name, Status: status, ErrorRate: rate})
		if statusRank(status) > statusRank(page.Overall) {
			page.Overall = status
		}
	}
	page.Incidents = s.ActiveIncidents()
	return page
}

// UptimeHistory returns per-UTC-calendar-day uptime for the trailing days,
// most recent last. Days with no traffic default to 100% uptime.
func (s *Service) UptimeHistory(days int) []UptimeDay {
	if days <= 0 {
		days = 7
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type counts struct{ total, failed int64 }
	perDay := make(map[string]*counts)
	for _, e := range s.events {
		day := e.Timestamp.UTC().Format("2006-01-02")
		c := perDay[day]
		if c == nil {
			c = &counts{}
			perDay[day] = c
		}
		c.total++
		if !success(e.StatusCode) {
			c.failed++
		}
	}

	today := s.now().UTC()
	history := make([]UptimeDay, 0, days)
	for i := days - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		day := UptimeDay{Date: date, Uptime: 100}
		if c := perDay[date]; c != nil && c.total > 0 {
			day.Total = c.total
			day.Failed = c.failed
			day.Uptime = float64(c.total-c.failed) / float64(c.total) * 100
		}
		history = append(history, day)
	}
	return history
}

// Reset restores the monitor to its empty initial state. Test hook.
func (s *Service) Reset() {
	s.mu.Lock()
	s.events = nil
	s.incidents = nil
	s.mu.Unlock()
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Service) resolveTargets(targets *Targets) Targets {
	if targets != nil {
		return *targets
	}
	return s.DefaultTargets()
}

func success(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// percentile interpolates linearly between order statistics:
// rank = (n-1) * p, value between the floor and ceiling ranks. This is a
// deliberate choice over nearest-rank; it changes boundary values.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := float64(n-1) * p
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

// serviceName maps an endpoint path onto its owning logical service.
func serviceName(endpoint string) string {
	trimmed := strings.TrimPrefix(endpoint, "/")
	if trimmed == "" {
		return "api"
	}
	if idx := strings.IndexByte(trimmed, '/'); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func statusRank(s ServiceStatus) int {
	switch s {
	case StatusMajorOutage:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
