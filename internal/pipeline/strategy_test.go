package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"artemis/internal/kanban"
	"artemis/internal/observer"
	"artemis/internal/planner"
	"artemis/internal/stage"
	"artemis/internal/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietSupervisor() *supervisor.Supervisor {
	return supervisor.New(supervisor.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func strategyCard() *kanban.Card {
	return &kanban.Card{ID: "card-9", Title: "wire the widget", Priority: kanban.PriorityMedium, StoryPoints: 3}
}

func okStage(name stage.Name) stage.Stage {
	return stage.Func{StageName: name, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		return stage.Result{"status": stage.StatusSuccess}, nil
	}}
}

type eventLog struct {
	mu     sync.Mutex
	events []observer.Event
}

func (l *eventLog) Notify(e observer.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []observer.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]observer.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func TestStrategySequentialHappyPath(t *testing.T) {
	var order []string
	mk := func(name stage.Name) stage.Stage {
		return stage.Func{StageName: name, Fn: func(_ context.Context, _ *kanban.Card, _ *stage.Context) (stage.Result, error) {
			order = append(order, string(name))
			return stage.Result{"status": stage.StatusSuccess}, nil
		}}
	}

	s := NewStrategy(quietSupervisor())
	pctx := stage.NewContext(nil)
	plan := &planner.Plan{ParallelDevelopers: 1}
	outcome := s.Execute(context.Background(), strategyCard(), plan,
		[]stage.Stage{mk(stage.ProjectAnalysis), mk(stage.Validation), mk(stage.Integration)}, pctx)

	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, []string{"project_analysis", "validation", "integration"}, order)
	assert.Len(t, outcome.Results, 3)

	result, ok := pctx.Result(stage.Validation)
	require.True(t, ok)
	assert.Equal(t, stage.StatusSuccess, result.Status())
}

func TestStrategyHaltsOnStageError(t *testing.T) {
	ran := map[string]bool{}
	failing := stage.Func{StageName: stage.Validation, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		ran["validation"] = true
		return nil, errors.New("validation exploded")
	}}
	after := stage.Func{StageName: stage.Integration, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		ran["integration"] = true
		return stage.Result{"status": stage.StatusSuccess}, nil
	}}

	sup := supervisor.New(supervisor.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, sup.Register(stage.Validation, &supervisor.RecoveryStrategy{MaxRetries: 0, BreakerThreshold: 10}))

	s := NewStrategy(sup)
	outcome := s.Execute(context.Background(), strategyCard(), &planner.Plan{ParallelDevelopers: 1},
		[]stage.Stage{failing, after}, stage.NewContext(nil))

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, "validation", outcome.FailedStage)
	assert.Contains(t, outcome.Error, "validation exploded")
	assert.True(t, ran["validation"])
	assert.False(t, ran["integration"], "stages after the failure must not run")
}

func TestStrategyParallelDevelopers(t *testing.T) {
	var concurrent, peak int32
	dev := stage.Func{StageName: stage.Development, Fn: func(ctx context.Context, _ *kanban.Card, _ *stage.Context) (stage.Result, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return stage.Result{"status": stage.StatusSuccess, "developer": stage.DeveloperFrom(ctx)}, nil
	}}

	var sawResults int
	review := stage.Func{StageName: stage.CodeReview, Fn: func(_ context.Context, _ *kanban.Card, pctx *stage.Context) (stage.Result, error) {
		raw, _ := pctx.Get(stage.KeyDeveloperResults)
		results, _ := raw.([]stage.Result)
		sawResults = len(results)
		return stage.Result{"status": stage.StatusPass}, nil
	}}

	s := NewStrategy(quietSupervisor(), WithMaxParallelDevelopers(3))
	plan := &planner.Plan{ParallelDevelopers: 3, ExecutionStrategy: planner.ExecutionParallel}
	outcome := s.Execute(context.Background(), strategyCard(), plan,
		[]stage.Stage{dev, review}, stage.NewContext(nil))

	assert.Equal(t, OutcomeSuccess, outcome.Status)
	require.Len(t, outcome.DeveloperResults, 3)
	assert.Equal(t, 3, sawResults, "all developer results must exist before code_review runs")
	assert.GreaterOrEqual(t, peak, int32(2), "workers should overlap")

	seen := map[string]bool{}
	for _, r := range outcome.DeveloperResults {
		developer, _ := r["developer"].(string)
		seen[developer] = true
	}
	assert.Len(t, seen, 3)
}

func TestStrategyDeveloperFailureIsResultNotError(t *testing.T) {
	dev := stage.Func{StageName: stage.Development, Fn: func(ctx context.Context, _ *kanban.Card, _ *stage.Context) (stage.Result, error) {
		if stage.DeveloperFrom(ctx) == "developer-2" {
			return nil, errors.New("worker two crashed")
		}
		return stage.Result{"status": stage.StatusSuccess, "developer": stage.DeveloperFrom(ctx)}, nil
	}}

	sup := supervisor.New(supervisor.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, sup.Register(stage.Development, &supervisor.RecoveryStrategy{MaxRetries: 0, BreakerThreshold: 10}))

	s := NewStrategy(sup, WithMaxParallelDevelopers(3))
	outcome := s.Execute(context.Background(), strategyCard(), &planner.Plan{ParallelDevelopers: 2},
		[]stage.Stage{dev}, stage.NewContext(nil))

	assert.Equal(t, OutcomeSuccess, outcome.Status, "worker failures never fail the development stage")
	require.Len(t, outcome.DeveloperResults, 2)

	statuses := map[string]string{}
	for _, r := range outcome.DeveloperResults {
		developer, _ := r["developer"].(string)
		status, _ := r["status"].(string)
		statuses[developer] = status
	}
	assert.Equal(t, stage.StatusSuccess, statuses["developer-1"])
	assert.Equal(t, stage.StatusFailed, statuses["developer-2"])
}

func TestStrategyCodeReviewRetryLoop(t *testing.T) {
	devRuns := 0
	dev := stage.Func{StageName: stage.Development, Fn: func(ctx context.Context, _ *kanban.Card, pctx *stage.Context) (stage.Result, error) {
		devRuns++
		return stage.Result{
			"status":    stage.StatusSuccess,
			"developer": stage.DeveloperFrom(ctx),
			"feedback":  pctx.GetString(stage.KeyPreviousReviewFeed),
		}, nil
	}}

	reviewRuns := 0
	review := stage.Func{StageName: stage.CodeReview, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		reviewRuns++
		if reviewRuns <= 2 {
			return stage.Result{
				"status":                stage.StatusFail,
				"total_critical_issues": reviewRuns,
				"total_high_issues":     0,
				"issues":                []string{fmt.Sprintf("attempt %d issue", reviewRuns)},
			}, nil
		}
		return stage.Result{"status": stage.StatusPass, "total_critical_issues": 0}, nil
	}}

	validationRuns := 0
	validation := stage.Func{StageName: stage.Validation, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		validationRuns++
		return stage.Result{"status": stage.StatusSuccess}, nil
	}}

	s := NewStrategy(quietSupervisor(), WithMaxReviewRetries(2))
	pctx := stage.NewContext(nil)
	outcome := s.Execute(context.Background(), strategyCard(), &planner.Plan{ParallelDevelopers: 1},
		[]stage.Stage{dev, review, validation}, pctx)

	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, 3, devRuns, "development runs once per review attempt")
	assert.Equal(t, 3, reviewRuns)
	assert.Equal(t, 1, validationRuns, "stages after the loop run once")

	require.Len(t, outcome.RetryHistory, 2)
	assert.Equal(t, 1, outcome.RetryHistory[0].Attempt)
	assert.Equal(t, 1, outcome.RetryHistory[0].CriticalIssues)
	assert.Equal(t, 2, outcome.RetryHistory[1].CriticalIssues)
	assert.Contains(t, outcome.RetryHistory[1].Feedback, "attempt 2 issue")
}

func TestStrategyCodeReviewExhausted(t *testing.T) {
	dev := okStage(stage.Development)
	review := stage.Func{StageName: stage.CodeReview, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		return stage.Result{"status": stage.StatusFail, "total_critical_issues": 1}, nil
	}}

	s := NewStrategy(quietSupervisor(), WithMaxReviewRetries(1))
	outcome := s.Execute(context.Background(), strategyCard(), &planner.Plan{ParallelDevelopers: 1},
		[]stage.Stage{dev, review}, stage.NewContext(nil))

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, "code_review", outcome.FailedStage)
	assert.Len(t, outcome.RetryHistory, 1)
}

func TestStrategyEventOrdering(t *testing.T) {
	log := &eventLog{}
	hub := observer.NewHub()
	hub.Attach(log)

	s := NewStrategy(quietSupervisor(), WithHub(hub))
	plan := &planner.Plan{ParallelDevelopers: 1}
	outcome := s.Execute(context.Background(), strategyCard(), plan,
		[]stage.Stage{okStage(stage.Development), okStage(stage.CodeReview)}, stage.NewContext(nil))
	require.Equal(t, OutcomeSuccess, outcome.Status)

	types := log.types()
	idx := func(want observer.EventType) int {
		for i, tt := range types {
			if tt == want {
				return i
			}
		}
		return -1
	}
	require.GreaterOrEqual(t, idx(observer.DeveloperCompleted), 0)
	require.GreaterOrEqual(t, idx(observer.CodeReviewStarted), 0)
	assert.Less(t, idx(observer.DeveloperStarted), idx(observer.DeveloperCompleted))
	assert.Less(t, idx(observer.DeveloperCompleted), idx(observer.CodeReviewStarted))
	assert.Less(t, idx(observer.CodeReviewStarted), idx(observer.CodeReviewCompleted))
}

func TestStrategyParallelClampedByConfig(t *testing.T) {
	var workers int32
	dev := stage.Func{StageName: stage.Development, Fn: func(ctx context.Context, _ *kanban.Card, _ *stage.Context) (stage.Result, error) {
		atomic.AddInt32(&workers, 1)
		return stage.Result{"status": stage.StatusSuccess, "developer": stage.DeveloperFrom(ctx)}, nil
	}}

	s := NewStrategy(quietSupervisor(), WithMaxParallelDevelopers(2))
	outcome := s.Execute(context.Background(), strategyCard(), &planner.Plan{ParallelDevelopers: 3},
		[]stage.Stage{dev}, stage.NewContext(nil))

	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.EqualValues(t, 2, workers, "config cap overrides the plan")
	assert.Len(t, outcome.DeveloperResults, 2)
}
