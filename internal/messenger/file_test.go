package messenger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newFilePair(t *testing.T) (*FileMessenger, *FileMessenger, string) {
	t.Helper()
	root := t.TempDir()
	sender, err := NewFileMessenger(Config{Agent: "planner", MessageDir: root})
	require.NoError(t, err)
	receiver, err := NewFileMessenger(Config{Agent: "developer", MessageDir: root})
	require.NoError(t, err)
	return sender, receiver, root
}

func TestFileSendAndRead(t *testing.T) {
	sender, receiver, _ := newFilePair(t)
	ctx := t.Context()

	id, err := sender.Send(ctx, "developer", TypeRequest,
		map[string]any{"task": "implement login"}, "card-001", PriorityHigh, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := receiver.Read(ctx, Filter{}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ProtocolVersion, msgs[0].ProtocolVersion)
	assert.Equal(t, id, msgs[0].MessageID)
	assert.Equal(t, "planner", msgs[0].FromAgent)
	assert.Equal(t, "developer", msgs[0].ToAgent)
	assert.Equal(t, "implement login", msgs[0].Data["task"])

	// Non-consuming read leaves the message unread.
	msgs, err = receiver.Read(ctx, Filter{}, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = receiver.Read(ctx, Filter{}, true)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFileReadFilters(t *testing.T) {
	sender, receiver, _ := newFilePair(t)
	ctx := t.Context()

	_, err := sender.Send(ctx, "developer", TypeRequest, map[string]any{"n": float64(1)}, "card-001", PriorityHigh, nil)
	require.NoError(t, err)
	_, err = sender.Send(ctx, "developer", TypeNotification, map[string]any{"n": float64(2)}, "card-001", PriorityLow, nil)
	require.NoError(t, err)

	msgs, err := receiver.Read(ctx, Filter{Type: TypeNotification}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeNotification, msgs[0].MessageType)

	msgs, err = receiver.Read(ctx, Filter{Priority: PriorityHigh}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, PriorityHigh, msgs[0].Priority)

	msgs, err = receiver.Read(ctx, Filter{From: "nobody"}, false)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFileBroadcastFansOut(t *testing.T) {
	sender, receiver, root := newFilePair(t)
	reviewer, err := NewFileMessenger(Config{Agent: "reviewer", MessageDir: root})
	require.NoError(t, err)
	ctx := t.Context()

	_, err = sender.Send(ctx, Broadcast, TypeNotification, map[string]any{"event": "pipeline_started"}, "card-001", PriorityMedium, nil)
	require.NoError(t, err)

	for _, m := range []*FileMessenger{receiver, reviewer} {
		msgs, err := m.Read(ctx, Filter{}, false)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, Broadcast, msgs[0].ToAgent)
	}

	// The sender's own inbox stays empty.
	msgs, err := sender.Read(ctx, Filter{}, false)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFileQuarantinesMalformed(t *testing.T) {
	sender, receiver, root := newFilePair(t)
	ctx := t.Context()

	_, err := sender.Send(ctx, "developer", TypeRequest, map[string]any{"ok": true}, "card-001", PriorityMedium, nil)
	require.NoError(t, err)

	bad := filepath.Join(root, "developer", "00000000000000_x_to_developer_request.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	msgs, err := receiver.Read(ctx, Filter{}, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = os.Stat(bad + quarantineSuffix)
	assert.NoError(t, err)
}

func TestFileCollisionSuffix(t *testing.T) {
	root := t.TempDir()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender, err := NewFileMessenger(Config{Agent: "planner", MessageDir: root},
		WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	ctx := t.Context()

	_, err = sender.Send(ctx, "developer", TypeRequest, map[string]any{"n": float64(1)}, "c", PriorityLow, nil)
	require.NoError(t, err)
	_, err = sender.Send(ctx, "developer", TypeRequest, map[string]any{"n": float64(2)}, "c", PriorityLow, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "developer"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Len(t, names, 2)
	assert.Contains(t, names, "20260301120000_planner_to_developer_request.json")
	assert.Contains(t, names, "20260301120000_planner_to_developer_request_1.json")
}

func TestFileSharedState(t *testing.T) {
	sender, receiver, _ := newFilePair(t)
	ctx := t.Context()

	require.NoError(t, sender.UpdateSharedState(ctx, "card-001", map[string]any{"stage": "planning"}))
	require.NoError(t, receiver.UpdateSharedState(ctx, "card-001", map[string]any{"progress": float64(40)}))

	doc, err := sender.SharedState(ctx, "card-001")
	require.NoError(t, err)
	assert.Equal(t, "planning", doc["stage"])
	assert.Equal(t, float64(40), doc["progress"])

	require.NoError(t, sender.UpdateSharedState(ctx, "card-002", map[string]any{"stage": "testing"}))
	all, err := sender.SharedState(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileRegisterAndHeartbeat(t *testing.T) {
	sender, _, root := newFilePair(t)
	ctx := t.Context()

	require.NoError(t, sender.RegisterAgent(ctx, []string{"plan"}, "active"))
	require.NoError(t, sender.Heartbeat(ctx))

	body, err := os.ReadFile(filepath.Join(root, agentRegistryDir, "planner.json"))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"plan"`)
}

func TestFileCleanupRemovesConsumed(t *testing.T) {
	sender, receiver, root := newFilePair(t)
	ctx := t.Context()

	_, err := sender.Send(ctx, "developer", TypeRequest, map[string]any{"n": float64(1)}, "c", PriorityLow, nil)
	require.NoError(t, err)
	_, err = receiver.Read(ctx, Filter{}, true)
	require.NoError(t, err)

	require.NoError(t, receiver.Cleanup(ctx))

	entries, err := os.ReadDir(filepath.Join(root, "developer"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), readSuffix), "consumed file %s should be gone", e.Name())
	}
}

func TestFileWatchDeliversNewMessages(t *testing.T) {
	sender, receiver, _ := newFilePair(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ch, err := receiver.Watch(ctx)
	require.NoError(t, err)

	_, err = sender.Send(ctx, "developer", TypeNotification, map[string]any{"event": "ping"}, "card-001", PriorityMedium, nil)
	require.NoError(t, err)

	select {
	case msg := <-ch:
		assert.Equal(t, TypeNotification, msg.MessageType)
	case <-time.After(5 * time.Second):
		t.Fatal("no message from watcher")
	}

	cancel()
	for range ch {
	}
}

func TestMessageIDsUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newMessageID(now, "agent", map[string]any{"i": i})
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFactorySelectsBackend(t *testing.T) {
	root := t.TempDir()
	m, err := New(t.Context(), Config{Type: "file", Agent: "a", MessageDir: root})
	require.NoError(t, err)
	assert.Equal(t, "file", m.Type())
	require.NoError(t, m.Close())

	m, err = New(t.Context(), Config{Type: "mock", Agent: "a"})
	require.NoError(t, err)
	assert.Equal(t, "mock", m.Type())

	t.Setenv("ARTEMIS_MESSENGER_TYPE", "mock")
	m, err = New(t.Context(), Config{Agent: "a"})
	require.NoError(t, err)
	assert.Equal(t, "mock", m.Type())

	_, err = New(t.Context(), Config{Type: "bogus", Agent: "a"})
	require.Error(t, err)

	_, err = New(t.Context(), Config{Type: "mock"})
	require.Error(t, err, "missing agent name")
}

func TestMockRecordsSends(t *testing.T) {
	mock := NewMockMessenger("orchestrator")
	ctx := t.Context()

	id, err := mock.Send(ctx, "developer", TypeRequest, map[string]any{"go": true}, "card-001", PriorityHigh, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "orchestrator", sent[0].FromAgent)

	mock.Enqueue(Message{MessageType: TypeResponse, FromAgent: "developer"})
	msgs, err := mock.Read(ctx, Filter{Type: TypeResponse}, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = mock.Read(ctx, Filter{}, true)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, mock.UpdateSharedState(ctx, "card-001", map[string]any{"k": "v"}))
	doc, err := mock.SharedState(ctx, "card-001")
	require.NoError(t, err)
	assert.Equal(t, "v", doc["k"])
}
