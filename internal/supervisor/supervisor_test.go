package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"artemis/internal/cost"
	"artemis/internal/kanban"
	"artemis/internal/messenger"
	"artemis/internal/sandbox"
	"artemis/internal/stage"
	"artemis/internal/state"
)

func TestMain(m *testing.M) {
	// go.opencensus.io starts a background worker in package init (pulled
	// in transitively through the genai client); it is not ours to stop.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func testCard() *kanban.Card {
	return &kanban.Card{ID: "card-123", Title: "Supervised work"}
}

// flakyStage fails the first n calls and then succeeds.
type flakyStage struct {
	mu       sync.Mutex
	name     stage.Name
	failures int
	calls    int
}

func (f *flakyStage) Name() stage.Name { return f.name }

func (f *flakyStage) Execute(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("transient failure %d", f.calls)
	}
	return stage.Result{"status": stage.StatusSuccess}, nil
}

func (f *flakyStage) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// sleepRecorder captures retry delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestSuccessUpdatesHealth(t *testing.T) {
	sup := New()
	st := &flakyStage{name: stage.Development}

	result, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, stage.StatusSuccess, result.Status())

	health, ok := sup.Health(stage.Development)
	require.True(t, ok)
	assert.Equal(t, 1, health.Executions)
	assert.Equal(t, 0, health.Failures)
	assert.False(t, health.CircuitOpen)

	stats := sup.Statistics()
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 0, stats.TotalFailures)
}

func TestRetriesWithExponentialBackoff(t *testing.T) {
	recorder := &sleepRecorder{}
	sup := New(WithSleep(recorder.sleep))
	require.NoError(t, sup.Register(stage.Development, &RecoveryStrategy{
		MaxRetries:        3,
		RetryDelay:        100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}))

	st := &flakyStage{name: stage.Development, failures: 2}
	result, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, stage.StatusSuccess, result.Status())
	assert.Equal(t, 3, st.callCount())

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, recorder.all())

	stats := sup.Statistics()
	assert.Equal(t, 2, stats.TotalRetries)
	assert.Equal(t, 3, stats.TotalExecutions)
	assert.Equal(t, 2, stats.TotalFailures)
}

func TestExhaustedRetriesReturnStageError(t *testing.T) {
	bus := messenger.NewMockMessenger("supervisor")
	recorder := &sleepRecorder{}
	sup := New(WithSleep(recorder.sleep), WithMessenger(bus))
	require.NoError(t, sup.Register(stage.Validation, &RecoveryStrategy{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}))

	st := &flakyStage{name: stage.Validation, failures: 99}
	_, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.Error(t, err)

	var stageErr *PipelineStageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, stage.Validation, stageErr.StageName)
	assert.Equal(t, 3, stageErr.Attempts)
	assert.Equal(t, 3, st.callCount())

	sent := bus.Sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Equal(t, messenger.TypeError, last.MessageType)
	assert.Equal(t, messenger.Broadcast, last.ToAgent)
	assert.Equal(t, "card-123", last.CardID)
}

func TestBudgetExceededTerminatesImmediately(t *testing.T) {
	sup := New(WithSleep((&sleepRecorder{}).sleep))
	require.NoError(t, sup.Register(stage.Development, &RecoveryStrategy{MaxRetries: 5}))

	calls := 0
	st := stage.Func{StageName: stage.Development, Fn: func(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
		calls++
		return nil, fmt.Errorf("llm call refused: %w", &cost.BudgetExceededError{
			Scope: "daily", Projected: 0.02, Budget: 0.01, Spent: 0.009,
		})
	}}

	_, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var budgetErr *cost.BudgetExceededError
	assert.ErrorAs(t, err, &budgetErr)
}

func TestSecurityRefusalTerminatesImmediately(t *testing.T) {
	sup := New(WithSleep((&sleepRecorder{}).sleep))
	require.NoError(t, sup.Register(stage.Validation, &RecoveryStrategy{MaxRetries: 5}))

	calls := 0
	st := stage.Func{StageName: stage.Validation, Fn: func(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
		calls++
		return nil, &sandbox.SecurityError{Risk: "high", Findings: []string{"process_spawn"}}
	}}

	_, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var secErr *sandbox.SecurityError
	assert.ErrorAs(t, err, &secErr)
}

func TestBreakerOpensOnThresholdAndSkips(t *testing.T) {
	sup := New(WithSleep((&sleepRecorder{}).sleep))
	require.NoError(t, sup.Register(stage.Testing, &RecoveryStrategy{
		MaxRetries:       5,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	}))

	st := &flakyStage{name: stage.Testing, failures: 99}
	_, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.Error(t, err)

	var stageErr *PipelineStageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, 2, stageErr.Attempts, "breaker should abort the retry loop")

	health, _ := sup.Health(stage.Testing)
	assert.True(t, health.CircuitOpen)
	assert.Equal(t, 1, sup.Statistics().BreakersOpened)

	// While open, the stage is skipped without being invoked.
	result, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, stage.StatusSkipped, result.Status())
	assert.Equal(t, SkipReasonBreaker, result["reason"])
	assert.Equal(t, 2, st.callCount())
}

func TestBreakerFallback(t *testing.T) {
	sup := New(WithSleep((&sleepRecorder{}).sleep))
	require.NoError(t, sup.Register(stage.Testing, &RecoveryStrategy{
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
		Fallback: func(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
			return stage.Result{"status": stage.StatusSuccess, "source": "fallback"}, nil
		},
	}))

	st := &flakyStage{name: stage.Testing, failures: 99}
	_, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.Error(t, err)

	result, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, "fallback", result["source"])
	assert.Equal(t, 1, st.callCount())
}

func TestBreakerResetsAfterCooldown(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sup := New(
		WithSleep((&sleepRecorder{}).sleep),
		WithClock(func() time.Time { return current }),
	)
	require.NoError(t, sup.Register(stage.Testing, &RecoveryStrategy{
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
	}))

	st := &flakyStage{name: stage.Testing, failures: 1}
	_, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.Error(t, err)
	health, _ := sup.Health(stage.Testing)
	require.True(t, health.CircuitOpen)

	current = current.Add(2 * time.Minute)

	result, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, stage.StatusSuccess, result.Status())

	health, _ = sup.Health(stage.Testing)
	assert.False(t, health.CircuitOpen)
	assert.Equal(t, 1, health.Executions, "health resets fully on the post-cooldown probe")
	assert.Equal(t, 0, health.Failures)
}

func TestRegisterIsImmutable(t *testing.T) {
	sup := New()
	require.NoError(t, sup.Register(stage.Development, nil))
	assert.Error(t, sup.Register(stage.Development, &RecoveryStrategy{MaxRetries: 9}))
}

func TestTimeoutWatcherDetects(t *testing.T) {
	bus := messenger.NewMockMessenger("supervisor")
	sup := New(WithSleep((&sleepRecorder{}).sleep), WithMessenger(bus))
	require.NoError(t, sup.Register(stage.Development, &RecoveryStrategy{
		MaxRetries: 0,
		Timeout:    50 * time.Millisecond,
	}))

	st := stage.Func{StageName: stage.Development, Fn: func(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
		<-ctx.Done()
		// Outlive the watcher timer so detection is deterministic.
		time.Sleep(30 * time.Millisecond)
		return nil, ctx.Err()
	}}

	_, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 1, sup.Statistics().TimeoutsDetected)

	sent := bus.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, messenger.TypeNotification, sent[0].MessageType)
}

func TestStateMachineTransitions(t *testing.T) {
	machine := state.NewMachine()
	sup := New(WithSleep((&sleepRecorder{}).sleep), WithStateMachine(machine))
	require.NoError(t, sup.Register(stage.Development, &RecoveryStrategy{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}))

	st := &flakyStage{name: stage.Development, failures: 1}
	_, err := sup.Execute(context.Background(), st, testCard(), stage.NewContext(nil))
	require.NoError(t, err)

	assert.Equal(t, state.StageCompleted, machine.StageStates()["development"])

	var seen []state.PipelineState
	for _, event := range machine.History() {
		seen = append(seen, event.State)
	}
	assert.Contains(t, seen, state.StateStageRunning)
	assert.Contains(t, seen, state.StateStageCompleted)
}

func TestParseProcStat(t *testing.T) {
	line := []byte("1234 (python app) R 1 1234 1234 0 -1 4194304 100 0 0 0 500 250 0 0 20 0 1 0 100 1000000 100")
	st, err := parseProcStat(line)
	require.NoError(t, err)
	assert.Equal(t, byte('R'), st.state)
	assert.Equal(t, uint64(750), st.cpuJiffies)
	assert.False(t, st.zombie())

	zombie := []byte("99 (dead) Z 1 99 99 0 -1 4194304 0 0 0 0 0 0 0 0 20 0 1 0 100 0 0")
	st, err = parseProcStat(zombie)
	require.NoError(t, err)
	assert.True(t, st.zombie())

	_, err = parseProcStat([]byte("garbage"))
	assert.Error(t, err)
}

func TestHangEscalation(t *testing.T) {
	tracker := newPIDTracker()
	tracker.add(42)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// First observation only primes the sample.
	assert.Equal(t, hangNone, tracker.observe(42, procStat{state: 'R', cpuJiffies: 0}, now))

	// Flat-out CPU: 30s of jiffies per 30s of wall time.
	cpu := uint64(0)
	step := func() hangAction {
		now = now.Add(30 * time.Second)
		cpu += 30 * clockTicksPerSecond
		return tracker.observe(42, procStat{state: 'R', cpuJiffies: cpu}, now)
	}

	// The first high sample starts the clock; SIGTERM lands once the
	// streak passes five minutes.
	action := hangNone
	for i := 0; i < 12; i++ {
		action = step()
		if action != hangNone {
			break
		}
	}
	assert.Equal(t, hangTerm, action)

	// Still burning CPU after the grace period: SIGKILL and forget.
	assert.Equal(t, hangKill, step())
	assert.Empty(t, tracker.pids())
}

func TestHangResetOnIdle(t *testing.T) {
	tracker := newPIDTracker()
	tracker.add(7)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tracker.observe(7, procStat{state: 'R', cpuJiffies: 0}, now)
	now = now.Add(30 * time.Second)
	tracker.observe(7, procStat{state: 'R', cpuJiffies: 30 * clockTicksPerSecond}, now)

	// An idle window clears the high-CPU streak.
	now = now.Add(30 * time.Second)
	assert.Equal(t, hangNone, tracker.observe(7, procStat{state: 'R', cpuJiffies: 30 * clockTicksPerSecond}, now))

	now = now.Add(10 * time.Minute)
	assert.Equal(t, hangNone, tracker.observe(7, procStat{state: 'R', cpuJiffies: 40 * clockTicksPerSecond}, now))
}

func TestZombieIsReaped(t *testing.T) {
	tracker := newPIDTracker()
	tracker.add(11)
	now := time.Now()

	assert.Equal(t, hangReap, tracker.observe(11, procStat{state: 'Z'}, now))
	assert.Empty(t, tracker.pids())
}

func TestLoadStrategiesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	content := `version: "1"
default:
  max_retries: 1
  retry_delay: 50ms
stages:
  development:
    timeout: 10m
    breaker_threshold: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	set, err := LoadStrategies(path)
	require.NoError(t, err)

	assert.Equal(t, 1, set.Default.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, set.Default.RetryDelay)

	dev := set.Stages[stage.Development]
	assert.Equal(t, 1, dev.MaxRetries, "stage inherits the file default")
	assert.Equal(t, 10*time.Minute, dev.Timeout)
	assert.Equal(t, 2, dev.BreakerThreshold)

	_, err = LoadStrategies(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadStrategiesRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default:\n  retry_delay: soon\n"), 0644))

	_, err := LoadStrategies(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry_delay")
}

func TestHangDetectionStartStops(t *testing.T) {
	sup := New()
	ctx, cancel := context.WithCancel(context.Background())
	sup.StartHangDetection(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	// goleak in TestMain verifies the scanner goroutine exits.
	time.Sleep(20 * time.Millisecond)
}

func TestErrorsDropRetryDelayWhenCancelled(t *testing.T) {
	sup := New()
	require.NoError(t, sup.Register(stage.Development, &RecoveryStrategy{
		MaxRetries: 3,
		RetryDelay: time.Hour,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	st := stage.Func{StageName: stage.Development, Fn: func(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
		cancel()
		return nil, errors.New("boom")
	}}

	start := time.Now()
	_, err := sup.Execute(ctx, st, testCard(), stage.NewContext(nil))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancelled context must not wait out the retry delay")
}
