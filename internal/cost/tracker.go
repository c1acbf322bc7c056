// Package cost bills every LLM call against daily and monthly budgets.
// The ledger is guarded by a single mutex so the pre-commit budget check
// and the recording of a call are atomic.
package cost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// saveDebounce batches ledger writes after bursts of calls.
const saveDebounce = 2 * time.Second

// Record is one billed LLM call.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Stage     string    `json:"stage"`
	CardID    string    `json:"card_id"`
	Purpose   string    `json:"purpose"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Cost      float64   `json:"cost"`
}

// Result reports the outcome of a tracked call.
type Result struct {
	Cost             float64 `json:"cost"`
	DailyUsage       float64 `json:"daily_usage"`
	MonthlyUsage     float64 `json:"monthly_usage"`
	DailyRemaining   float64 `json:"daily_remaining"`
	MonthlyRemaining float64 `json:"monthly_remaining"`
	Alert            string  `json:"alert,omitempty"`
}

// Budgets caps spend in dollars. AlertThreshold is the fraction of a
// budget at which the result carries an alert.
type Budgets struct {
	Daily          float64
	Monthly        float64
	AlertThreshold float64
}

// BudgetExceededError reports a call refused by the pre-commit check.
// Nothing is billed and the call must not be retried.
type BudgetExceededError struct {
	Scope     string // daily or monthly
	Projected float64
	Budget    float64
	Spent     float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: call would bring spend to $%.4f of $%.2f (already spent $%.4f)",
		e.Scope, e.Projected, e.Budget, e.Spent)
}

// Stats summarizes the ledger.
type Stats struct {
	TotalCost      float64            `json:"total_cost"`
	TotalCalls     int                `json:"total_calls"`
	TotalTokensIn  int                `json:"total_tokens_in"`
	TotalTokensOut int                `json:"total_tokens_out"`
	ByStage        map[string]float64 `json:"by_stage"`
	ByModel        map[string]float64 `json:"by_model"`
	ByProvider     map[string]float64 `json:"by_provider"`
	AvgCostPerCall float64            `json:"avg_cost_per_call"`
}

// Tracker is the LLM spend ledger.
type Tracker struct {
	mu      sync.Mutex
	records []Record
	pricing map[string]ModelPrice
	budgets Budgets
	path    string
	logger  *zap.Logger

	saveTimer *time.Timer
	nowFn     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLedgerPath enables durable storage of the ledger.
func WithLedgerPath(path string) Option {
	return func(t *Tracker) { t.path = path }
}

// WithLogger sets the tracker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithPricing replaces the tariff table.
func WithPricing(pricing map[string]ModelPrice) Option {
	return func(t *Tracker) { t.pricing = pricing }
}

// NewTracker builds a tracker. When a ledger path is configured, prior
// records are loaded so budgets survive restarts.
func NewTracker(budgets Budgets, opts ...Option) (*Tracker, error) {
	if budgets.AlertThreshold <= 0 {
		budgets.AlertThreshold = 0.8
	}
	t := &Tracker{
		pricing: defaultPricing,
		budgets: budgets,
		logger:  zap.NewNop(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.path != "" {
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Track bills one LLM call. The projected cost is checked against both
// budgets before anything is recorded; on refusal the ledger is
// unchanged.
func (t *Tracker) Track(model, provider string, tokensIn, tokensOut int, stage, cardID, purpose string) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	cost := callCost(priceFor(t.pricing, model), tokensIn, tokensOut)
	daily := t.usageSinceLocked(dayStart(now))
	monthly := t.usageSinceLocked(monthStart(now))

	if t.budgets.Daily > 0 && daily+cost > t.budgets.Daily {
		return nil, &BudgetExceededError{Scope: "daily", Projected: daily + cost, Budget: t.budgets.Daily, Spent: daily}
	}
	if t.budgets.Monthly > 0 && monthly+cost > t.budgets.Monthly {
		return nil, &BudgetExceededError{Scope: "monthly", Projected: monthly + cost, Budget: t.budgets.Monthly, Spent: monthly}
	}

	t.records = append(t.records, Record{
		Timestamp: now,
		Model:     model,
		Provider:  provider,
		Stage:     stage,
		CardID:    cardID,
		Purpose:   purpose,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
	})
	daily += cost
	monthly += cost
	t.scheduleSaveLocked()

	result := &Result{
		Cost:             cost,
		DailyUsage:       daily,
		MonthlyUsage:     monthly,
		DailyRemaining:   t.budgets.Daily - daily,
		MonthlyRemaining: t.budgets.Monthly - monthly,
		Alert:            t.alertLocked(daily, monthly),
	}

	t.logger.Debug("tracked llm call",
		zap.String("model", model),
		zap.String("stage", stage),
		zap.Float64("cost", cost),
		zap.Float64("daily_usage", daily))
	return result, nil
}

// alertLocked builds the alert string once usage crosses the threshold.
func (t *Tracker) alertLocked(daily, monthly float64) string {
	var alert string
	if t.budgets.Daily > 0 && daily >= t.budgets.AlertThreshold*t.budgets.Daily {
		alert = fmt.Sprintf("daily budget %.0f%% consumed ($%.4f of $%.2f)",
			daily/t.budgets.Daily*100, daily, t.budgets.Daily)
	}
	if t.budgets.Monthly > 0 && monthly >= t.budgets.AlertThreshold*t.budgets.Monthly {
		if alert != "" {
			alert += "; "
		}
		alert += fmt.Sprintf("monthly budget %.0f%% consumed ($%.4f of $%.2f)",
			monthly/t.budgets.Monthly*100, monthly, t.budgets.Monthly)
	}
	return alert
}

// DailyUsage returns spend since local midnight.
func (t *Tracker) DailyUsage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageSinceLocked(dayStart(t.nowFn()))
}

// MonthlyUsage returns spend since the first of the month.
func (t *Tracker) MonthlyUsage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageSinceLocked(monthStart(t.nowFn()))
}

// Stats summarizes the whole ledger.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		ByStage:    make(map[string]float64),
		ByModel:    make(map[string]float64),
		ByProvider: make(map[string]float64),
	}
	for _, r := range t.records {
		s.TotalCost += r.Cost
		s.TotalCalls++
		s.TotalTokensIn += r.TokensIn
		s.TotalTokensOut += r.TokensOut
		s.ByStage[r.Stage] += r.Cost
		s.ByModel[r.Model] += r.Cost
		s.ByProvider[r.Provider] += r.Cost
	}
	if s.TotalCalls > 0 {
		s.AvgCostPerCall = s.TotalCost / float64(s.TotalCalls)
	}
	return s
}

// Cleanup drops records older than the horizon and returns how many
// were removed.
func (t *Tracker) Cleanup(days int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.nowFn().AddDate(0, 0, -days)
	kept := t.records[:0]
	removed := 0
	for _, r := range t.records {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.records = kept
	if removed > 0 {
		t.scheduleSaveLocked()
	}
	return removed
}

// Flush writes the ledger immediately.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.saveTimer != nil {
		t.saveTimer.Stop()
		t.saveTimer = nil
	}
	return t.saveLocked()
}

// Close flushes and stops the autosave timer.
func (t *Tracker) Close() error {
	return t.Flush()
}

func (t *Tracker) usageSinceLocked(since time.Time) float64 {
	var total float64
	for _, r := range t.records {
		if !r.Timestamp.Before(since) {
			total += r.Cost
		}
	}
	return total
}

func dayStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

type ledgerFile struct {
	Version string   `json:"version"`
	Records []Record `json:"records"`
}

// scheduleSaveLocked debounces ledger writes.
func (t *Tracker) scheduleSaveLocked() {
	if t.path == "" {
		return
	}
	if t.saveTimer != nil {
		t.saveTimer.Stop()
	}
	t.saveTimer = time.AfterFunc(saveDebounce, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if err := t.saveLocked(); err != nil {
			t.logger.Warn("failed to save usage ledger", zap.Error(err))
		}
	})
}

func (t *Tracker) saveLocked() error {
	if t.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	data, err := json.MarshalIndent(ledgerFile{Version: "1.0", Records: t.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse ledger %s: %w", t.path, err)
	}
	t.records = file.Records
	return nil
}
