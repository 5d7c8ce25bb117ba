package usage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimbleworks/chat_gateway/internal/config"
	"github.com/nimbleworks/chat_gateway/internal/timeutil"
)

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrInvalidPeriod = errors.New("invalid period")
)

// Period scopes an aggregation query to a trailing window.
type Period string

const (
	PeriodDay     Period = "day"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodAllTime Period = "all"
)

// ParsePeriod normalizes a query value; empty means all-time.
func ParsePeriod(raw string) (Period, error) {
	switch Period(strings.ToLower(strings.TrimSpace(raw))) {
	case PeriodDay:
		return PeriodDay, nil
	case PeriodWeek:
		return PeriodWeek, nil
	case PeriodMonth:
		return PeriodMonth, nil
	case PeriodAllTime, "":
		return PeriodAllTime, nil
	default:
		return "", ErrInvalidPeriod
	}
}

func (p Period) duration() (time.Duration, bool) {
	switch p {
	case PeriodDay:
		return 24 * time.Hour, true
	case PeriodWeek:
		return 7 * 24 * time.Hour, true
	case PeriodMonth:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Entry is one immutable usage record. Cost is USD.
type Entry struct {
	UserID       string
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	Cost         decimal.Decimal
	Timestamp    time.Time
	ChatID       string
}

// ModelBreakdown aggregates one model's share of a cost report.
type ModelBreakdown struct {
	Model        string  `json:"model"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Requests     int64   `json:"requests"`
}

// DailyCost is a per-calendar-day cost total.
type DailyCost struct {
	Date string  `json:"date"`
	Cost float64 `json:"cost"`
}

// CostReport summarizes spend over a period.
type CostReport struct {
	Period    Period           `json:"period"`
	TotalCost float64          `json:"total_cost"`
	ByModel   []ModelBreakdown `json:"by_model"`
	ByDay     []DailyCost      `json:"by_day"`
}

// ProviderBreakdown aggregates system-wide spend for one provider.
type ProviderBreakdown struct {
	Provider     string  `json:"provider"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Requests     int64   `json:"requests"`
}

// SystemCostReport summarizes spend across all users grouped by provider.
type SystemCostReport struct {
	Period     Period              `json:"period"`
	TotalCost  float64             `json:"total_cost"`
	ByProvider []ProviderBreakdown `json:"by_provider"`
	ByDay      []DailyCost         `json:"by_day"`
}

// Spender is one row of the top-spender leaderboard.
type Spender struct {
	UserID    string  `json:"user_id"`
	TotalCost float64 `json:"total_cost"`
	Requests  int64   `json:"requests"`
	TopModel  string  `json:"top_model"`
}

// Service is the append-only usage ledger: per-call token/cost records,
// aggregation, budget checks, and burn-rate projection. State is
// process-scoped; durable copies are a collaborator's job.
type Service struct {
	warnPerc float64
	loc      *time.Location
	now      func() time.Time

	mu      sync.RWMutex
	entries []Entry
	prices  map[string]Price
}

func NewService(cfg config.UsageConfig, overrides []config.ModelPriceEntry, loc *time.Location) *Service {
	warn := cfg.BudgetWarningPerc
	if warn <= 0 || warn >= 1 {
		warn = 0.8
	}
	return &Service{
		warnPerc: warn,
		loc:      timeutil.EnsureLocation(loc),
		now:      time.Now,
		prices:   mergePrices(overrides),
	}
}

// Record appends one usage entry. Timestamp defaults to now when omitted.
// The append path never fails; recording is best-effort instrumentation.
func (s *Service) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
}

// CalculateCost prices a call against the static table. Unknown models fail
// loudly; zero tokens cost zero. Decimal arithmetic keeps the result finite
// and non-negative for arbitrarily large token counts.
func (s *Service) CalculateCost(model string, inputTokens, outputTokens int64) (decimal.Decimal, error) {
	s.mu.RLock()
	p, ok := s.prices[model]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	if inputTokens <= 0 && outputTokens <= 0 {
		return decimal.Zero, nil
	}

	million := decimal.NewFromInt(1_000_000)
	in := p.Input.Mul(decimal.NewFromInt(inputTokens)).Div(million)
	out := p.Output.Mul(decimal.NewFromInt(outputTokens)).Div(million)
	total := in.Add(out)
	if total.IsNegative() {
		return decimal.Zero, nil
	}
	return total, nil
}

// UserCosts aggregates one user's spend over the trailing period: total,
// per-model breakdown, and per-calendar-day totals.
func (s *Service) UserCosts(userID string, period Period) CostReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff, bounded := s.cutoff(period)
	report := CostReport{Period: period}
	total := decimal.Zero
	byModel := make(map[string]*ModelBreakdown)
	modelOrder := make([]string, 0)
	byDay := make(map[string]decimal.Decimal)

	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		if bounded && e.Timestamp.Before(cutoff) {
			continue
		}
		total = total.Add(e.Cost)

		mb := byModel[e.Model]
		if mb == nil {
			mb = &ModelBreakdown{Model: e.Model}
			byModel[e.Model] = mb
			modelOrder = append(modelOrder, e.Model)
		}
		mb.Cost += costFloat(e.Cost)
		mb.InputTokens += e.InputTokens
		mb.OutputTokens += e.OutputTokens
		mb.Requests++

		day := timeutil.TruncateToDay(e.Timestamp, s.loc).Format("2006-01-02")
		byDay[day] = byDay[day].Add(e.Cost)
	}

	report.TotalCost = costFloat(total)
	for _, model := range modelOrder {
		report.ByModel = append(report.ByModel, *byModel[model])
	}
	report.ByDay = sortedDailyCosts(byDay)
	return report
}

// SystemCosts aggregates spend across all users grouped by provider.
func (s *Service) SystemCosts(period Period) SystemCostReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff, bounded := s.cutoff(period)
	report := SystemCostReport{Period: period}
	total := decimal.Zero
	byProvider := make(map[string]*ProviderBreakdown)
	providerOrder := make([]string, 0)
	byDay := make(map[string]decimal.Decimal)

	for _, e := range s.entries {
		if bounded && e.Timestamp.Before(cutoff) {
			continue
		}
		total = total.Add(e.Cost)

		pb := byProvider[e.Provider]
		if pb == nil {
			pb = &ProviderBreakdown{Provider: e.Provider}
			byProvider[e.Provider] = pb
			providerOrder = append(providerOrder, e.Provider)
		}
		pb.Cost += costFloat(e.Cost)
		pb.InputTokens += e.InputTokens
		pb.OutputTokens += e.OutputTokens
		pb.Requests++

		day := timeutil.TruncateToDay(e.Timestamp, s.loc).Format("2006-01-02")
		byDay[day] = byDay[day].Add(e.Cost)
	}

	report.TotalCost = costFloat(total)
	for _, provider := range providerOrder {
		report.ByProvider = append(report.ByProvider, *byProvider[provider])
	}
	report.ByDay = sortedDailyCosts(byDay)
	return report
}

// EstimateMonthlyBurn projects monthly spend from recent usage. A trailing
// week of data takes precedence over a trailing day; no usage projects zero.
func (s *Service) EstimateMonthlyBurn() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	weekTotal := decimal.Zero
	dayTotal := decimal.Zero
	weekSeen := false
	daySeen := false

	weekCutoff := now.Add(-7 * 24 * time.Hour)
	dayCutoff := now.Add(-24 * time.Hour)
	for _, e := range s.entries {
		if e.Timestamp.Before(weekCutoff) {
			continue
		}
		weekSeen = true
		weekTotal = weekTotal.Add(e.Cost)
		if !e.Timestamp.Before(dayCutoff) {
			daySeen = true
			dayTotal = dayTotal.Add(e.Cost)
		}
	}

	switch {
	case weekSeen:
		return costFloat(weekTotal.Div(decimal.NewFromInt(7)).Mul(decimal.NewFromInt(30)))
	case daySeen:
		return costFloat(dayTotal.Mul(decimal.NewFromInt(30)))
	default:
		return 0
	}
}

// ApproachingBudget reports whether the user's current-calendar-month spend
// has reached the warning share of the budget.
func (s *Service) ApproachingBudget(userID string, budgetCents int64) bool {
	if budgetCents <= 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().In(s.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)
	total := decimal.Zero
	for _, e := range s.entries {
		if e.UserID != userID || e.Timestamp.Before(monthStart) {
			continue
		}
		total = total.Add(e.Cost)
	}

	budget := decimal.NewFromInt(budgetCents).Div(decimal.NewFromInt(100))
	threshold := budget.Mul(decimal.NewFromFloat(s.warnPerc))
	return total.GreaterThanOrEqual(threshold)
}

// TopSpenders lists users descending by total cost. The most-used model is
// chosen by per-model request count with first-occurrence tie-breaking.
func (s *Service) TopSpenders(limit int) []Spender {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		total      decimal.Decimal
		requests   int64
		modelCount map[string]int64
		modelOrder []string
	}
	totals := make(map[string]*acc)
	userOrder := make([]string, 0)

	for _, e := range s.entries {
		a := totals[e.UserID]
		if a == nil {
			a = &acc{modelCount: make(map[string]int64)}
			totals[e.UserID] = a
			userOrder = append(userOrder, e.UserID)
		}
		a.total = a.total.Add(e.Cost)
		a.requests++
		if _, seen := a.modelCount[e.Model]; !seen {
			a.modelOrder = append(a.modelOrder, e.Model)
		}
		a.modelCount[e.Model]++
	}

	spenders := make([]Spender, 0, len(totals))
	for _, userID := range userOrder {
		a := totals[userID]
		top := ""
		var topCount int64 = -1
		for _, model := range a.modelOrder {
			if a.modelCount[model] > topCount {
				top = model
				topCount = a.modelCount[model]
			}
		}
		spenders = append(spenders, Spender{
			UserID:    userID,
			TotalCost: costFloat(a.total),
			Requests:  a.requests,
			TopModel:  top,
		})
	}

	sort.SliceStable(spenders, func(i, j int) bool {
		return spenders[i].TotalCost > spenders[j].TotalCost
	})
	if len(spenders) > limit {
		spenders = spenders[:limit]
	}
	return spenders
}

// ProviderFor returns the provider behind a priced model, or "" when the
// model is not in the price table.
func (s *Service) ProviderFor(model string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prices[model]; ok {
		return p.Provider
	}
	return ""
}

// Len reports the number of ledger entries.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Reset restores the ledger to its empty initial state. Test hook.
func (s *Service) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Service) cutoff(period Period) (time.Time, bool) {
	dur, bounded := period.duration()
	if !bounded {
		return time.Time{}, false
	}
	return s.now().Add(-dur), true
}

func sortedDailyCosts(byDay map[string]decimal.Decimal) []DailyCost {
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)
	out := make([]DailyCost, 0, len(days))
	for _, day := range days {
		out = append(out, DailyCost{Date: day, Cost: costFloat(byDay[day])})
	}
	return out
}

func costFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
