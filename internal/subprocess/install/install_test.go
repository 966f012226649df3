package install

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentloop/agentloop/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

func TestResolveFoundInPath(t *testing.T) {
	// "ls" should always be in PATH on any test system
	path, err := Resolve(context.Background(), "ls", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("expected ls to be found in PATH: %v", err)
	}
	if path == "" {
		t.Error("expected non-empty path")
	}
}

func TestResolveNotFoundNoStrategy(t *testing.T) {
	_, err := Resolve(context.Background(), "nonexistent-binary-xyz-12345", nil, nil, testLogger())
	if err == nil {
		t.Error("expected error for nonexistent binary with no strategy")
	}
}

func TestResolveFoundInSearchPaths(t *testing.T) {
	tmpDir := t.TempDir()
	fakeBinary := filepath.Join(tmpDir, "my-runner")
	if err := os.WriteFile(fakeBinary, []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatalf("failed to create fake binary: %v", err)
	}

	path, err := Resolve(context.Background(), "my-runner", []string{fakeBinary}, nil, testLogger())
	if err != nil {
		t.Fatalf("expected to find binary in search paths: %v", err)
	}
	if path != fakeBinary {
		t.Errorf("expected %s, got %s", fakeBinary, path)
	}
}

type mockStrategy struct {
	binaryPath string
	err        error
	called     bool
}

func (m *mockStrategy) Name() string { return "mock" }
func (m *mockStrategy) Install(_ context.Context) (*Result, error) {
	m.called = true
	if m.err != nil {
		return nil, m.err
	}
	return &Result{BinaryPath: m.binaryPath}, nil
}

func TestResolveFallsBackToStrategy(t *testing.T) {
	tmpDir := t.TempDir()
	fakeBinary := filepath.Join(tmpDir, "installed-runner")
	if err := os.WriteFile(fakeBinary, []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatalf("failed to create fake binary: %v", err)
	}

	strategy := &mockStrategy{binaryPath: fakeBinary}
	path, err := Resolve(context.Background(), "nonexistent-binary-xyz-12345", nil, strategy, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strategy.called {
		t.Error("expected strategy to be called")
	}
	if path != fakeBinary {
		t.Errorf("expected %s, got %s", fakeBinary, path)
	}
}

func TestEnsureRunnerExplicitOverride(t *testing.T) {
	path, err := EnsureRunner(context.Background(), "claude", "/opt/bin/claude", t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/opt/bin/claude" {
		t.Errorf("expected override to pass through, got %s", path)
	}
}

func TestEnsureRunnerUnknownRunner(t *testing.T) {
	_, err := EnsureRunner(context.Background(), "gemini", "", t.TempDir(), testLogger())
	if err == nil {
		t.Error("expected error for unknown runner")
	}
}
