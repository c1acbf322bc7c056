package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artemis/internal/cost"
	"artemis/internal/kanban"
	"artemis/internal/messenger"
	"artemis/internal/observer"
	"artemis/internal/persist"
	"artemis/internal/planner"
	"artemis/internal/stage"
	"artemis/internal/state"
	"artemis/internal/supervisor"
)

type fakeBoard struct {
	cards map[string]*kanban.Card
}

func (f *fakeBoard) FindCard(id string) (*kanban.Card, error) {
	card, ok := f.cards[id]
	if !ok {
		return nil, kanban.ErrCardNotFound
	}
	return card, nil
}

func bugfixCard() *kanban.Card {
	return &kanban.Card{
		ID:          "card-42",
		Title:       "fix small typo",
		Description: "fix small typo in the greeting",
		Priority:    kanban.PriorityMedium,
		StoryPoints: 3,
		Column:      kanban.ColumnReady,
	}
}

// registryOf builds a registry where every named stage succeeds,
// except overrides.
func registryOf(overrides map[stage.Name]stage.Stage) *stage.Registry {
	r := stage.NewRegistry()
	for _, name := range stage.Order {
		if st, ok := overrides[name]; ok {
			r.MustRegister(st)
			continue
		}
		name := name
		r.MustRegister(stage.Func{StageName: name, Fn: func(ctx context.Context, _ *kanban.Card, _ *stage.Context) (stage.Result, error) {
			result := stage.Result{"status": stage.StatusSuccess}
			if name == stage.Development {
				result["developer"] = stage.DeveloperFrom(ctx)
			}
			if name == stage.CodeReview {
				result["status"] = stage.StatusPass
			}
			return result, nil
		}})
	}
	return r
}

type orchFixture struct {
	orch  *Orchestrator
	bus   *messenger.MockMessenger
	store persist.Store
	dir   string
}

func newFixture(t *testing.T, card *kanban.Card, overrides map[stage.Name]stage.Stage) *orchFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := persist.New(persist.Config{Type: "json", Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sup := supervisor.New(supervisor.WithSleep(func(context.Context, time.Duration) error { return nil }))
	bus := messenger.NewMockMessenger("orchestrator")

	orch, err := New(Deps{
		Board:      &fakeBoard{cards: map[string]*kanban.Card{card.ID: card}},
		Planner:    planner.New(),
		Registry:   registryOf(overrides),
		Supervisor: sup,
		Strategy:   NewStrategy(sup, WithHub(observer.NewHub())),
		Hub:        observer.NewHub(),
		Machine:    state.NewMachine(),
		Bus:        bus,
		Store:      store,
		ReportDir:  dir,
	})
	require.NoError(t, err)
	return &orchFixture{orch: orch, bus: bus, store: store, dir: dir}
}

func TestOrchestratorHappyPathSimpleBugfix(t *testing.T) {
	f := newFixture(t, bugfixCard(), nil)

	report, err := f.orch.Run(context.Background(), "card-42", ModeFull, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.True(t, report.Success())
	require.NotNil(t, report.WorkflowPlan)
	assert.Equal(t, planner.ComplexitySimple, report.WorkflowPlan.Complexity)
	assert.Equal(t, planner.TaskBugfix, report.WorkflowPlan.TaskType)
	assert.Equal(t, 1, report.WorkflowPlan.ParallelDevelopers)
	assert.Len(t, report.ExecutionResult.DeveloperResults, 1)

	// Simple cards skip the analysis stages; the report still lists
	// them, marked skipped.
	skipped := map[string]bool{}
	for _, s := range report.Stages {
		if s.Skipped {
			skipped[s.Name] = true
		}
	}
	assert.True(t, skipped["project_analysis"])
	assert.True(t, skipped["architecture"])

	// Snapshot is terminal: completed with no current stage.
	saved, err := f.store.LoadPipelineState(context.Background(), "card-42")
	require.NoError(t, err)
	assert.Equal(t, persist.StatusCompleted, saved.Status)
	assert.Empty(t, saved.CurrentStage)
	assert.NotNil(t, saved.CompletedAt)
	assert.Contains(t, saved.StagesCompleted, "development")

	// Report file lands in the report dir.
	data, err := os.ReadFile(filepath.Join(f.dir, "card-42_report.json"))
	require.NoError(t, err)
	var onDisk Report
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, report.Status, onDisk.Status)
}

func TestOrchestratorComplexFeatureArbitration(t *testing.T) {
	card := &kanban.Card{
		ID:          "card-77",
		Title:       "integrate distributed scalability api",
		Description: "integrate distributed scalability api across services",
		Priority:    kanban.PriorityHigh,
		StoryPoints: 13,
	}
	arbRan := false
	overrides := map[stage.Name]stage.Stage{
		stage.Arbitration: stage.Func{StageName: stage.Arbitration, Fn: func(_ context.Context, _ *kanban.Card, pctx *stage.Context) (stage.Result, error) {
			arbRan = true
			pctx.Set(stage.KeyWinningDeveloper, "developer-1")
			return stage.Result{"status": stage.StatusSuccess, "winner": "developer-1", "confidence": "high"}, nil
		}},
	}
	f := newFixture(t, card, overrides)

	report, err := f.orch.Run(context.Background(), "card-77", ModeFull, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, planner.ComplexityComplex, report.WorkflowPlan.Complexity)
	assert.Equal(t, 3, report.WorkflowPlan.ParallelDevelopers)
	assert.True(t, arbRan, "arbitration runs for parallel plans")
	assert.Len(t, report.ExecutionResult.DeveloperResults, 3)
}

func TestOrchestratorCodeReviewRetryThenPass(t *testing.T) {
	reviewRuns := 0
	devRuns := 0
	overrides := map[stage.Name]stage.Stage{
		stage.Development: stage.Func{StageName: stage.Development, Fn: func(ctx context.Context, _ *kanban.Card, _ *stage.Context) (stage.Result, error) {
			devRuns++
			return stage.Result{"status": stage.StatusSuccess, "developer": stage.DeveloperFrom(ctx)}, nil
		}},
		stage.CodeReview: stage.Func{StageName: stage.CodeReview, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
			reviewRuns++
			if reviewRuns <= 2 {
				return stage.Result{"status": stage.StatusFail, "total_critical_issues": 3}, nil
			}
			return stage.Result{"status": stage.StatusPass}, nil
		}},
	}
	f := newFixture(t, bugfixCard(), overrides)

	report, err := f.orch.Run(context.Background(), "card-42", ModeFull, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 3, devRuns)
	assert.Equal(t, 3, reviewRuns)
	require.Len(t, report.ExecutionResult.RetryHistory, 2)
	assert.Equal(t, 3, report.ExecutionResult.RetryHistory[0].CriticalIssues)
}

func TestOrchestratorCodeReviewExhaustedFails(t *testing.T) {
	overrides := map[stage.Name]stage.Stage{
		stage.CodeReview: stage.Func{StageName: stage.CodeReview, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
			return stage.Result{"status": stage.StatusFail, "total_critical_issues": 1}, nil
		}},
	}
	f := newFixture(t, bugfixCard(), overrides)

	report, err := f.orch.Run(context.Background(), "card-42", ModeFull, "")
	require.NoError(t, err)

	assert.Equal(t, StatusFailedCodeReview, report.Status)
	assert.False(t, report.Success())
	assert.Len(t, report.ExecutionResult.RetryHistory, 2, "default review retry budget is two")

	saved, err := f.store.LoadPipelineState(context.Background(), "card-42")
	require.NoError(t, err)
	assert.Equal(t, persist.StatusFailed, saved.Status)
}

func TestOrchestratorBudgetExceededTerminatesImmediately(t *testing.T) {
	devRuns := 0
	overrides := map[stage.Name]stage.Stage{
		stage.Development: stage.Func{StageName: stage.Development, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
			devRuns++
			return nil, &cost.BudgetExceededError{Scope: "daily", Projected: 0.02, Budget: 0.01}
		}},
	}
	f := newFixture(t, bugfixCard(), overrides)

	report, err := f.orch.Run(context.Background(), "card-42", ModeFull, "")
	require.NoError(t, err)

	assert.Equal(t, "FAILED_DEVELOPMENT", report.Status)
	assert.Equal(t, 1, devRuns, "budget errors are never retried")
}

func TestOrchestratorSingleStageMode(t *testing.T) {
	ran := map[stage.Name]bool{}
	overrides := map[stage.Name]stage.Stage{}
	for _, name := range stage.Order {
		name := name
		overrides[name] = stage.Func{StageName: name, Fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
			ran[name] = true
			return stage.Result{"status": stage.StatusSuccess}, nil
		}}
	}
	f := newFixture(t, bugfixCard(), overrides)

	report, err := f.orch.Run(context.Background(), "card-42", ModeSingle, "validation")
	require.NoError(t, err)

	assert.Equal(t, "STOPPED_AT_VALIDATION", report.Status)
	assert.True(t, report.Success())
	assert.True(t, ran[stage.Validation])
	assert.False(t, ran[stage.Development])
}

func TestOrchestratorUnknownSingleStage(t *testing.T) {
	f := newFixture(t, bugfixCard(), nil)
	_, err := f.orch.Run(context.Background(), "card-42", ModeSingle, "no_such_stage")
	require.Error(t, err)
}

func TestOrchestratorUnknownCard(t *testing.T) {
	f := newFixture(t, bugfixCard(), nil)
	_, err := f.orch.Run(context.Background(), "card-missing", ModeFull, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, kanban.ErrCardNotFound))
}

func TestOrchestratorResumeSkipsCompletedStages(t *testing.T) {
	card := &kanban.Card{
		ID:          "card-55",
		Title:       "integrate new storage architecture",
		Description: "integrate the distributed storage architecture api",
		Priority:    kanban.PriorityHigh,
		StoryPoints: 8,
	}

	ran := map[stage.Name]int{}
	overrides := map[stage.Name]stage.Stage{}
	for _, name := range stage.Order {
		name := name
		overrides[name] = stage.Func{StageName: name, Fn: func(ctx context.Context, _ *kanban.Card, _ *stage.Context) (stage.Result, error) {
			ran[name]++
			result := stage.Result{"status": stage.StatusSuccess}
			if name == stage.Development {
				result["developer"] = stage.DeveloperFrom(ctx)
			}
			if name == stage.CodeReview {
				result["status"] = stage.StatusPass
			}
			return result, nil
		}}
	}
	f := newFixture(t, card, overrides)

	// Simulate the crash: a snapshot with architecture already done.
	require.NoError(t, f.store.SavePipelineState(context.Background(), &persist.PipelineState{
		CardID:          "card-55",
		Status:          persist.StatusRunning,
		StagesCompleted: []string{"project_analysis", "architecture"},
		StageResults: map[string]map[string]any{
			"project_analysis": {"status": "success"},
			"architecture":     {"status": "success", "decision": "use sqlite"},
		},
	}))

	resumable, err := f.store.GetResumablePipelines(context.Background())
	require.NoError(t, err)
	assert.Contains(t, resumable, "card-55")

	report, err := f.orch.Run(context.Background(), "card-55", ModeContinue, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Zero(t, ran[stage.ProjectAnalysis], "completed stages are not re-run")
	assert.Zero(t, ran[stage.Architecture])
	assert.Equal(t, 1, ran[stage.Development])

	saved, err := f.store.LoadPipelineState(context.Background(), "card-55")
	require.NoError(t, err)
	assert.Contains(t, saved.StagesCompleted, "architecture")
	assert.Contains(t, saved.StagesCompleted, "development")
}

func TestOrchestratorCheckpointsPerStageRun(t *testing.T) {
	f := newFixture(t, bugfixCard(), nil)

	_, err := f.orch.Run(context.Background(), "card-42", ModeFull, "")
	require.NoError(t, err)

	checkpoints, err := f.store.LoadStageCheckpoints(context.Background(), "card-42")
	require.NoError(t, err)
	require.NotEmpty(t, checkpoints)

	byStage := map[string][]persist.Checkpoint{}
	for _, cp := range checkpoints {
		byStage[cp.StageName] = append(byStage[cp.StageName], cp)
	}
	require.NotEmpty(t, byStage["development"])
	final := byStage["development"][len(byStage["development"])-1]
	assert.Equal(t, persist.CheckpointCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
}

func TestOrchestratorAnnouncesOverMessenger(t *testing.T) {
	f := newFixture(t, bugfixCard(), nil)

	_, err := f.orch.Run(context.Background(), "card-42", ModeFull, "")
	require.NoError(t, err)

	sent := f.bus.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, messenger.Broadcast, sent[0].ToAgent)
	events := make([]string, 0, len(sent))
	for _, m := range sent {
		if e, ok := m.Data["event"].(string); ok {
			events = append(events, e)
		}
	}
	assert.Contains(t, events, string(observer.PipelineStarted))
	assert.Contains(t, events, string(observer.PipelineCompleted))
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name    string
		outcome *Outcome
		mode    Mode
		stage   string
		want    string
	}{
		{"success full", &Outcome{Status: OutcomeSuccess}, ModeFull, "", StatusCompleted},
		{"success single", &Outcome{Status: OutcomeSuccess}, ModeSingle, "testing", "STOPPED_AT_TESTING"},
		{"review failure", &Outcome{Status: OutcomeFailed, FailedStage: "code_review"}, ModeFull, "", StatusFailedCodeReview},
		{"stage failure", &Outcome{Status: OutcomeFailed, FailedStage: "validation"}, ModeFull, "", "FAILED_VALIDATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveStatus(tt.outcome, tt.mode, tt.stage))
		})
	}
}
