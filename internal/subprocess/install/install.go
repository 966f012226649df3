// Package install provisions the runner CLI binary when it is absent.
// Resolution order: explicit override, PATH, known install locations,
// then the runner's install strategy.
package install

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// Result reports where a strategy placed the binary.
type Result struct {
	BinaryPath string
}

// Strategy installs one runner CLI.
type Strategy interface {
	Name() string
	Install(ctx context.Context) (*Result, error)
}

// Resolve finds binary on PATH or among searchPaths (each entry a full
// candidate file path). When absent and a strategy is given, it installs
// the binary and returns the installed path.
func Resolve(ctx context.Context, binary string, searchPaths []string, strategy Strategy, log *logger.Logger) (string, error) {
	if p, err := exec.LookPath(binary); err == nil {
		log.Debug("runner binary on PATH", zap.String("binary", binary), zap.String("path", p))
		return p, nil
	}

	for _, p := range searchPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			log.Debug("runner binary at known location", zap.String("binary", binary), zap.String("path", p))
			return p, nil
		}
	}

	if strategy == nil {
		return "", fmt.Errorf("install: %s not found on PATH or known locations", binary)
	}

	log.Info("runner binary missing, installing",
		zap.String("binary", binary),
		zap.String("strategy", strategy.Name()))

	result, err := strategy.Install(ctx)
	if err != nil {
		return "", fmt.Errorf("install %s: %w", binary, err)
	}

	log.Info("runner binary installed",
		zap.String("binary", binary),
		zap.String("path", result.BinaryPath))
	return result.BinaryPath, nil
}

// EnsureRunner resolves the CLI for the named runner, auto-installing it
// under home/bin when missing. command, when non-empty, is an explicit
// override and is returned as-is.
func EnsureRunner(ctx context.Context, runner, command, home string, log *logger.Logger) (string, error) {
	if command != "" {
		return command, nil
	}

	binDir := filepath.Join(home, "bin")
	switch runner {
	case "", "claude":
		return Resolve(ctx, "claude", knownPaths("claude"),
			NewNpm(binDir, "claude", []string{"@anthropic-ai/claude-code"}, log), log)
	case "codex":
		return Resolve(ctx, "codex", knownPaths("codex"),
			NewTarball(binDir, "codex", codexTarball(), log), log)
	default:
		return "", fmt.Errorf("install: unknown runner %q", runner)
	}
}

// knownPaths lists the usual per-user install locations for binary.
func knownPaths(binary string) []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".local", "bin", binary),
			filepath.Join(home, ".npm-global", "bin", binary),
		)
	}
	paths = append(paths, filepath.Join("/usr/local/bin", binary))
	return paths
}
