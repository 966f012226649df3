package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/memory"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeStore is an in-memory memory.Store for tool tests.
type fakeStore struct {
	entries     []*memory.Entry
	checkpoints map[string]*memory.Checkpoint
	saveErr     error
}

var _ memory.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{checkpoints: make(map[string]*memory.Checkpoint)}
}

func (f *fakeStore) Search(_ context.Context, query string, limit int) ([]*memory.Entry, error) {
	var out []*memory.Entry
	for _, e := range f.entries {
		if len(out) >= limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) Save(_ context.Context, entry *memory.Entry) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if entry.ID == "" {
		entry.ID = "fake-id"
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeStore) Update(_ context.Context, id string, req *memory.UpdateEntryRequest) (*memory.Entry, error) {
	for _, e := range f.entries {
		if e.ID == id {
			if req.Topic != nil {
				e.Topic = *req.Topic
			}
			if req.Decision != nil {
				e.Decision = *req.Decision
			}
			return e, nil
		}
	}
	return nil, assert.AnError
}

func (f *fakeStore) Get(_ context.Context, id string) (*memory.Entry, error) {
	for _, e := range f.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, assert.AnError
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, cp *memory.Checkpoint) error {
	f.checkpoints[cp.Name] = cp
	return nil
}

func (f *fakeStore) LoadCheckpoint(_ context.Context, name string) (*memory.Checkpoint, error) {
	cp, ok := f.checkpoints[name]
	if !ok {
		return nil, assert.AnError
	}
	return cp, nil
}

func (f *fakeStore) Prune(_ context.Context, _ int) (int64, error) { return 0, nil }
func (f *fakeStore) Close() error                                  { return nil }

func newTestExecutor(t *testing.T, home string, store memory.Store) *Executor {
	t.Helper()
	var provider StoreProvider
	if store != nil {
		provider = func() (memory.Store, error) { return store, nil }
	}
	return NewExecutor(Options{Home: home, Store: provider}, testLogger(t))
}

func TestUnknownTool(t *testing.T) {
	e := newTestExecutor(t, t.TempDir(), nil)

	_, err := e.Execute(context.Background(), "launch_missiles", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestReadInsideSandbox(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "foo.txt"), []byte("hello"), 0o644))
	e := newTestExecutor(t, home, nil)

	res, err := e.Execute(context.Background(), "Read", map[string]any{"path": "foo.txt"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)
}

func TestReadDeniesOutsideSandbox(t *testing.T) {
	e := newTestExecutor(t, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), "Read", map[string]any{"path": "/etc/passwd"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Access denied")
}

func TestReadDeniesSymlinkEscape(t *testing.T) {
	home := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(home, "link")))
	e := newTestExecutor(t, home, nil)

	res, err := e.Execute(context.Background(), "Read", map[string]any{"path": "link"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Access denied")
}

func TestWriteCreatesParents(t *testing.T) {
	home := t.TempDir()
	e := newTestExecutor(t, home, nil)

	res, err := e.Execute(context.Background(), "Write", map[string]any{
		"path":    "a/b/c.txt",
		"content": "nested",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	data, err := os.ReadFile(filepath.Join(home, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}

func TestBashRunsInHome(t *testing.T) {
	home := t.TempDir()
	e := newTestExecutor(t, home, nil)

	res, err := e.Execute(context.Background(), "Bash", map[string]any{"command": "pwd"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	// The home may itself be behind a symlink (macOS temp dirs).
	want, _ := filepath.EvalSymlinks(home)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Output))
	assert.Equal(t, want, got)
}

func TestBashNonZeroExit(t *testing.T) {
	e := newTestExecutor(t, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), "Bash", map[string]any{"command": "exit 3"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Data["exit_code"])
}

func TestBashTimeout(t *testing.T) {
	e := NewExecutor(Options{Home: t.TempDir(), BashTimeout: 50 * time.Millisecond}, testLogger(t))

	start := time.Now()
	res, err := e.Execute(context.Background(), "Bash", map[string]any{"command": "sleep 5"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBashOutputCap(t *testing.T) {
	e := NewExecutor(Options{Home: t.TempDir(), BashMaxOutput: 64}, testLogger(t))

	res, err := e.Execute(context.Background(), "Bash", map[string]any{
		"command": "yes x | head -c 4096",
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Output), 64)
}

// captureShell records the command it was asked to run and returns canned
// output.
type captureShell struct {
	command string
	workDir string
	output  string
}

func (c *captureShell) Run(_ context.Context, command, workDir string, _ int) (string, int, error) {
	c.command = command
	c.workDir = workDir
	return c.output, 0, nil
}

func TestCodeActRunsThroughShell(t *testing.T) {
	home := t.TempDir()
	shell := &captureShell{output: "hello from js"}
	e := NewExecutor(Options{Home: home, Shell: shell}, testLogger(t))

	res, err := e.Execute(context.Background(), "code_act", map[string]any{
		"code": "console.log('hello from js')",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello from js", res.Output)

	// The staged script runs with node in the agent home.
	assert.True(t, strings.HasPrefix(shell.command, "node .codeact-"), shell.command)
	assert.Equal(t, home, shell.workDir)

	// The scratch file is gone after the run.
	matches, err := filepath.Glob(filepath.Join(home, ".codeact-*.js"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCodeActRequiresCode(t *testing.T) {
	e := newTestExecutor(t, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), "code_act", map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestMemSaveAndSearch(t *testing.T) {
	store := newFakeStore()
	e := newTestExecutor(t, t.TempDir(), store)
	ctx := context.Background()

	res, err := e.Execute(ctx, "mem_save", map[string]any{
		"topic":      "contract_api",
		"decision":   "GET /v1/users returns a page of users",
		"confidence": 0.8,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, store.entries, 1)
	assert.Equal(t, 0.8, store.entries[0].Confidence)

	res, err = e.Execute(ctx, "mem_search", map[string]any{"query": "users"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "contract_api")
}

func TestMemUpdateAndCheckpoint(t *testing.T) {
	store := newFakeStore()
	store.entries = append(store.entries, &memory.Entry{ID: "e1", Topic: "old"})
	store.checkpoints["discord:1"] = &memory.Checkpoint{Name: "discord:1", Content: "snapshot"}
	e := newTestExecutor(t, t.TempDir(), store)
	ctx := context.Background()

	res, err := e.Execute(ctx, "mem_update", map[string]any{"id": "e1", "topic": "new"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "new", store.entries[0].Topic)

	res, err = e.Execute(ctx, "mem_load_checkpoint", map[string]any{"name": "discord:1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "snapshot", res.Output)
}

func TestMemToolsWithoutStore(t *testing.T) {
	e := newTestExecutor(t, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), "mem_search", map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "memory store unavailable")
}

func TestBrowserToolsDisabled(t *testing.T) {
	e := newTestExecutor(t, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), "browser_navigate", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not enabled")
}

// panicGateway forces a handler panic to verify boundary recovery.
type panicGateway struct{}

func (panicGateway) SendMessage(context.Context, string, string) error { panic("boom") }
func (panicGateway) SendFile(context.Context, string, string) error    { panic("boom") }
func (panicGateway) SendImage(context.Context, string, string) error   { panic("boom") }

func TestPanicIsRecovered(t *testing.T) {
	e := NewExecutor(Options{Home: t.TempDir(), Gateway: panicGateway{}}, testLogger(t))

	res, err := e.Execute(context.Background(), "discord_send", map[string]any{
		"channel_id": "1",
		"content":    "hi",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}
