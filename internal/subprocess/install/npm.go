package install

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// Npm installs a CLI from npm packages into a local prefix.
type Npm struct {
	binDir   string
	binary   string
	packages []string
	logger   *logger.Logger
}

// NewNpm builds an npm install strategy. binary is the executable name the
// packages provide under node_modules/.bin.
func NewNpm(binDir, binary string, packages []string, log *logger.Logger) *Npm {
	return &Npm{binDir: binDir, binary: binary, packages: packages, logger: log}
}

func (s *Npm) Name() string {
	return fmt.Sprintf("npm install %s", strings.Join(s.packages, " "))
}

func (s *Npm) Install(ctx context.Context) (*Result, error) {
	npmPath, err := exec.LookPath("npm")
	if err != nil {
		return nil, fmt.Errorf("npm not found: %w", err)
	}

	if err := os.MkdirAll(s.binDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", s.binDir, err)
	}

	args := append([]string{"install", "--prefix", s.binDir}, s.packages...)
	cmd := exec.CommandContext(ctx, npmPath, args...)
	cmd.Dir = s.binDir

	s.logger.Info("installing via npm", zap.Strings("packages", s.packages), zap.String("prefix", s.binDir))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("npm install failed: %w\noutput: %s", err, string(output))
	}

	binaryPath := filepath.Join(s.binDir, "node_modules", ".bin", s.binary)
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("binary missing after install: %s", binaryPath)
	}

	s.logger.Info("npm install completed", zap.String("binary", binaryPath))
	return &Result{BinaryPath: binaryPath}, nil
}
