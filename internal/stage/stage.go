// Package stage defines the unit-of-work contract for the delivery
// pipeline. A stage receives the card plus the shared pipeline context
// and returns a result document; the strategy decides ordering, retries,
// and parallelism.
package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"artemis/internal/kanban"
)

// Name identifies a pipeline stage.
type Name string

const (
	ProjectAnalysis Name = "project_analysis"
	Architecture    Name = "architecture"
	Dependencies    Name = "dependencies"
	Development     Name = "development"
	CodeReview      Name = "code_review"
	Validation      Name = "validation"
	Arbitration     Name = "arbitration"
	Integration     Name = "integration"
	Testing         Name = "testing"
)

// Order is the canonical dependency order. Arbitration slots between
// validation and integration when a plan enables it; testing closes the
// run.
var Order = []Name{
	ProjectAnalysis,
	Architecture,
	Dependencies,
	Development,
	CodeReview,
	Validation,
	Arbitration,
	Integration,
	Testing,
}

// CoreStages can never be filtered out of a run, whatever the router
// decides.
var CoreStages = map[Name]bool{
	Development: true,
	CodeReview:  true,
	Validation:  true,
	Integration: true,
	Testing:     true,
}

// Result status values. Code review uses the PASS/FAIL pair for its
// verdict; everything else reports success or failed.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
)

// Result is the document a stage produces. Every result carries a
// "status" key; code review additionally sets total_critical_issues,
// total_high_issues, and reviews[].
type Result map[string]any

// Status returns the result's status string, or "" when absent.
func (r Result) Status() string {
	s, _ := r["status"].(string)
	return s
}

// OK reports whether the result counts as a pass for control flow.
func (r Result) OK() bool {
	switch r.Status() {
	case StatusSuccess, StatusPass, StatusSkipped:
		return true
	}
	return false
}

// Int reads an integer field tolerating the float64 that JSON decoding
// produces.
func (r Result) Int(key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Stage is one executable pipeline unit.
type Stage interface {
	Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error)
	Name() Name
}

// Func adapts a function to the Stage interface. Tests and fallbacks
// use it to script stage behavior.
type Func struct {
	StageName Name
	Fn        func(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error)
}

func (f Func) Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	return f.Fn(ctx, card, pctx)
}

func (f Func) Name() Name { return f.StageName }

// Registry holds the available stage implementations keyed by name.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stages map[Name]Stage
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[Name]Stage)}
}

// Register adds a stage. Registering the same name twice is an error.
func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stages[s.Name()]; exists {
		return fmt.Errorf("stage already registered: %s", s.Name())
	}
	r.stages[s.Name()] = s
	return nil
}

// MustRegister registers a stage and panics on duplicates. Use for
// static wiring at startup.
func (r *Registry) MustRegister(s Stage) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns the stage registered under name, or nil.
func (r *Registry) Get(name Name) Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stages[name]
}

// Names returns the registered stage names sorted by canonical order,
// unknown names last in lexical order.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Name, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	rank := make(map[Name]int, len(Order))
	for i, n := range Order {
		rank[n] = i
	}
	sort.Slice(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		if iok && jok {
			return ri < rj
		}
		if iok != jok {
			return iok
		}
		return names[i] < names[j]
	})
	return names
}

// Ordered resolves names against the registry preserving the given
// order. Unregistered names are skipped.
func (r *Registry) Ordered(names []Name) []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stage, 0, len(names))
	for _, n := range names {
		if s, ok := r.stages[n]; ok {
			out = append(out, s)
		}
	}
	return out
}
