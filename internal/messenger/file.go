package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	readSuffix       = ".read"
	quarantineSuffix = ".quarantine"
	sharedStateDir   = "_shared_state"
	agentRegistryDir = "_agents"
)

// FileMessenger exchanges messages through per-agent inbox directories.
// A message is a .json file; consuming renames it to .json.read,
// unparseable files are renamed to .json.quarantine and skipped.
type FileMessenger struct {
	agent  string
	root   string
	logger *zap.Logger
	nowFn  func() time.Time

	mu sync.Mutex
}

// NewFileMessenger creates the backend rooted at cfg.MessageDir,
// defaulting to .artemis/messages.
func NewFileMessenger(cfg Config, opts ...Option) (*FileMessenger, error) {
	o := buildOptions(opts)
	root := cfg.MessageDir
	if root == "" {
		root = filepath.Join(".artemis", "messages")
	}
	f := &FileMessenger{
		agent:  cfg.Agent,
		root:   root,
		logger: o.logger,
		nowFn:  o.nowFn,
	}
	for _, dir := range []string{f.inboxDir(f.agent), filepath.Join(root, sharedStateDir), filepath.Join(root, agentRegistryDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("messenger: create %s: %w", dir, err)
		}
	}
	return f, nil
}

func (f *FileMessenger) inboxDir(agent string) string {
	return filepath.Join(f.root, agent)
}

// Type reports the backend name.
func (f *FileMessenger) Type() string { return "file" }

// Close is a no-op for the file backend.
func (f *FileMessenger) Close() error { return nil }

// Send writes the message into the recipient inbox, or into every
// known inbox except the sender's for broadcast.
func (f *FileMessenger) Send(_ context.Context, to string, mtype MessageType, data map[string]any, cardID string, priority Priority, metadata map[string]any) (string, error) {
	now := f.nowFn().UTC()
	msg := Message{
		ProtocolVersion: ProtocolVersion,
		MessageID:       newMessageID(now, f.agent, data),
		Timestamp:       now,
		FromAgent:       f.agent,
		ToAgent:         to,
		MessageType:     mtype,
		CardID:          cardID,
		Priority:        priority,
		Data:            data,
		Metadata:        metadata,
	}
	body, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("messenger: marshal message: %w", err)
	}

	recipients := []string{to}
	if to == Broadcast {
		recipients, err = f.knownAgents()
		if err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, agent := range recipients {
		if agent == f.agent {
			continue
		}
		if err := f.deliver(agent, to, mtype, now, body); err != nil {
			return "", err
		}
	}
	return msg.MessageID, nil
}

// deliver writes one inbox copy, suffixing _N when the same-second name
// already exists.
func (f *FileMessenger) deliver(inboxOwner, to string, mtype MessageType, now time.Time, body []byte) error {
	dir := f.inboxDir(inboxOwner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("messenger: create inbox %s: %w", dir, err)
	}
	base := fmt.Sprintf("%s_%s_to_%s_%s", now.Format("20060102150405"), f.agent, to, mtype)
	name := base + ".json"
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s_%d.json", base, n)
	}
	return writeFileAtomic(filepath.Join(dir, name), body)
}

// knownAgents lists inbox directories, skipping the bookkeeping dirs.
func (f *FileMessenger) knownAgents() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("messenger: list agents: %w", err)
	}
	var agents []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		agents = append(agents, e.Name())
	}
	return agents, nil
}

// Read returns unread inbox messages matching the filter, in filename
// order. With consume the returned files are renamed to .read.
func (f *FileMessenger) Read(_ context.Context, filter Filter, consume bool) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.inboxDir(f.agent)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("messenger: read inbox: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Message
	for _, name := range names {
		path := filepath.Join(dir, name)
		body, err := os.ReadFile(path)
		if err != nil {
			f.logger.Warn("unreadable message file", zap.String("path", path), zap.Error(err))
			continue
		}
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			f.logger.Warn("quarantining malformed message", zap.String("path", path), zap.Error(err))
			if err := os.Rename(path, path+quarantineSuffix); err != nil {
				f.logger.Warn("quarantine rename failed", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		if !filter.matches(msg) {
			continue
		}
		out = append(out, msg)
		if consume {
			if err := os.Rename(path, path+readSuffix); err != nil {
				return nil, fmt.Errorf("messenger: mark read %s: %w", path, err)
			}
		}
	}
	return out, nil
}

// Watch tails the inbox with fsnotify and emits newly arriving messages
// without consuming them. The channel closes when ctx is done.
func (f *FileMessenger) Watch(ctx context.Context) (<-chan Message, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("messenger: watcher: %w", err)
	}
	if err := watcher.Add(f.inboxDir(f.agent)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("messenger: watch inbox: %w", err)
	}

	ch := make(chan Message, 16)
	go func() {
		defer close(ch)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				msg, ok := f.readOne(event.Name)
				if !ok {
					continue
				}
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("inbox watch error", zap.Error(err))
			}
		}
	}()
	return ch, nil
}

func (f *FileMessenger) readOne(path string) (Message, bool) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, false
	}
	return msg, true
}

// UpdateSharedState merges updates into the per-card state document.
func (f *FileMessenger) UpdateSharedState(_ context.Context, cardID string, updates map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.statePath(cardID)
	doc := map[string]any{}
	if body, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(body, &doc); err != nil {
			f.logger.Warn("resetting corrupt shared state", zap.String("card_id", cardID), zap.Error(err))
			doc = map[string]any{}
		}
	}
	for k, v := range updates {
		doc[k] = v
	}
	doc["updated_at"] = f.nowFn().UTC().Format(time.RFC3339Nano)

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("messenger: marshal state: %w", err)
	}
	return writeFileAtomic(path, body)
}

// SharedState returns one card's document, or all documents keyed by
// card id when cardID is empty.
func (f *FileMessenger) SharedState(_ context.Context, cardID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cardID != "" {
		return f.readStateDoc(f.statePath(cardID))
	}

	dir := filepath.Join(f.root, sharedStateDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("messenger: list shared state: %w", err)
	}
	all := map[string]any{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		doc, err := f.readStateDoc(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		all[strings.TrimSuffix(e.Name(), ".json")] = doc
	}
	return all, nil
}

func (f *FileMessenger) statePath(cardID string) string {
	return filepath.Join(f.root, sharedStateDir, cardID+".json")
}

func (f *FileMessenger) readStateDoc(path string) (map[string]any, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("messenger: read state: %w", err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("messenger: parse state %s: %w", path, err)
	}
	return doc, nil
}

// RegisterAgent records the local agent in the registry directory.
func (f *FileMessenger) RegisterAgent(_ context.Context, capabilities []string, status string) error {
	now := f.nowFn().UTC()
	info := AgentInfo{
		Agent:         f.agent,
		Capabilities:  capabilities,
		Status:        status,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	body, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("messenger: marshal registration: %w", err)
	}
	return writeFileAtomic(f.registryPath(), body)
}

// Heartbeat refreshes the registry timestamp.
func (f *FileMessenger) Heartbeat(ctx context.Context) error {
	body, err := os.ReadFile(f.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return f.RegisterAgent(ctx, nil, "active")
		}
		return fmt.Errorf("messenger: read registration: %w", err)
	}
	var info AgentInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return f.RegisterAgent(ctx, nil, "active")
	}
	info.LastHeartbeat = f.nowFn().UTC()
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("messenger: marshal registration: %w", err)
	}
	return writeFileAtomic(f.registryPath(), out)
}

func (f *FileMessenger) registryPath() string {
	return filepath.Join(f.root, agentRegistryDir, f.agent+".json")
}

// Cleanup deletes consumed messages from the local inbox.
func (f *FileMessenger) Cleanup(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.inboxDir(f.agent)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("messenger: cleanup: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), readSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			f.logger.Warn("cleanup remove failed", zap.String("name", e.Name()), zap.Error(err))
		}
	}
	return nil
}

func writeFileAtomic(path string, body []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("messenger: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("messenger: rename %s: %w", path, err)
	}
	return nil
}
