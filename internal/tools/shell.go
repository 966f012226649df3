package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShellRunner executes one shell command and returns its combined output.
// The default runs on the host; a container-backed runner can replace it.
type ShellRunner interface {
	Run(ctx context.Context, command, workDir string, maxOutput int) (output string, exitCode int, err error)
}

// hostShell runs commands through sh -c on the host.
type hostShell struct{}

var _ ShellRunner = hostShell{}

func (hostShell) Run(ctx context.Context, command, workDir string, maxOutput int) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir

	var buf cappedBuffer
	buf.limit = maxOutput
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if ctx.Err() == context.DeadlineExceeded {
		return output, -1, context.DeadlineExceeded
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, exitErr.ExitCode(), nil
	}
	if err != nil {
		return output, -1, err
	}
	return output, 0, nil
}

// cappedBuffer drops writes past the limit instead of failing the command.
type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.truncated = true
		_, _ = b.Buffer.Write(p[:remaining])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

// codeAct handles the code_act tool: the fenced js block lands in a
// scratch file under the agent home and runs with node through the shell
// runner, so the container sandbox applies when configured (the sandbox
// bind-mounts the home).
func (e *Executor) codeAct(ctx context.Context, input map[string]any) *Result {
	code := stringArg(input, "code")
	if strings.TrimSpace(code) == "" {
		return errResult("code_act requires code")
	}

	script := filepath.Join(e.opts.Home, ".codeact-"+uuid.NewString()+".js")
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return errResult("stage code_act script: %v", err)
	}
	defer os.Remove(script)

	ctx, cancel := context.WithTimeout(ctx, e.opts.BashTimeout)
	defer cancel()

	runner := e.opts.Shell
	if runner == nil {
		runner = hostShell{}
	}

	output, exitCode, err := runner.Run(ctx, "node "+filepath.Base(script), e.opts.Home, e.opts.BashMaxOutput)
	if errors.Is(err, context.DeadlineExceeded) {
		return errResult("code_act timed out after %s\n%s", e.opts.BashTimeout, output)
	}
	if err != nil {
		return errResult("code_act failed: %v\n%s", err, output)
	}
	if exitCode != 0 {
		return &Result{
			Success: false,
			Output:  output,
			Error:   fmt.Sprintf("exit code %d", exitCode),
			Data:    map[string]any{"exit_code": exitCode},
		}
	}
	return &Result{
		Success: true,
		Output:  output,
		Data:    map[string]any{"exit_code": 0},
	}
}

// bash handles the Bash tool: sh -c with the agent home as working
// directory, bounded output, and a wall timeout.
func (e *Executor) bash(ctx context.Context, input map[string]any) *Result {
	command := stringArg(input, "command")
	if strings.TrimSpace(command) == "" {
		return errResult("Bash requires a command")
	}

	workDir := e.opts.Home
	if dir := stringArg(input, "working_dir"); dir != "" {
		resolved, err := e.resolveSandboxPath(dir)
		if err != nil {
			return errResult("Access denied: working_dir %s is outside the agent home", dir)
		}
		workDir = resolved
	}

	timeout := e.opts.BashTimeout
	if secs := intArg(input, "timeout", 0); secs > 0 && time.Duration(secs)*time.Second < timeout {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runner := e.opts.Shell
	if runner == nil {
		runner = hostShell{}
	}

	output, exitCode, err := runner.Run(ctx, command, workDir, e.opts.BashMaxOutput)
	if errors.Is(err, context.DeadlineExceeded) {
		return errResult("command timed out after %s\n%s", timeout, output)
	}
	if err != nil {
		return errResult("command failed: %v\n%s", err, output)
	}
	if exitCode != 0 {
		return &Result{
			Success: false,
			Output:  output,
			Error:   fmt.Sprintf("exit code %d", exitCode),
			Data:    map[string]any{"exit_code": exitCode},
		}
	}
	return &Result{
		Success: true,
		Output:  output,
		Data:    map[string]any{"exit_code": 0},
	}
}
