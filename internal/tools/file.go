package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 1 * 1024 * 1024

// readFile handles the Read tool. Paths resolve inside the agent home; a
// path that escapes it (directly or through a symlink) is denied.
func (e *Executor) readFile(input map[string]any) *Result {
	path := stringArg(input, "path")
	if path == "" {
		return errResult("Read requires a path")
	}

	resolved, err := e.resolveSandboxPath(path)
	if err != nil {
		return errResult("Access denied: %s is outside the agent home", path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return errResult("read %s: %v", path, err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return errResult("read dir %s: %v", path, err)
		}
		var names []string
		for _, ent := range entries {
			name := ent.Name()
			if ent.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return okResult(strings.Join(names, "\n"))
	}
	if info.Size() > maxReadBytes {
		return errResult("%s is too large (%d bytes, limit %d)", path, info.Size(), maxReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errResult("read %s: %v", path, err)
	}
	return okResult(string(data))
}

// writeFile handles the Write tool, creating parent directories as needed.
func (e *Executor) writeFile(input map[string]any) *Result {
	path := stringArg(input, "path")
	content := stringArg(input, "content")
	if path == "" {
		return errResult("Write requires a path")
	}

	resolved, err := e.resolveSandboxPath(path)
	if err != nil {
		return errResult("Access denied: %s is outside the agent home", path)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errResult("create parent dirs for %s: %v", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return errResult("write %s: %v", path, err)
	}
	return okResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// resolveSandboxPath canonicalizes path and verifies it stays inside the
// agent home. Relative paths are rooted at the home; symlinks are resolved
// through the nearest existing ancestor so a link cannot escape.
func (e *Executor) resolveSandboxPath(path string) (string, error) {
	home, err := filepath.Abs(e.opts.Home)
	if err != nil {
		return "", err
	}
	if realHome, err := filepath.EvalSymlinks(home); err == nil {
		home = realHome
	}

	if strings.HasPrefix(path, "~/") || path == "~" {
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(home, path)
	}
	resolved := filepath.Clean(path)

	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		// File does not exist yet (Write): resolve the deepest existing
		// ancestor and re-append the remainder.
		ancestor := filepath.Dir(resolved)
		rest := filepath.Base(resolved)
		for {
			if realAncestor, aerr := filepath.EvalSymlinks(ancestor); aerr == nil {
				real = filepath.Join(realAncestor, rest)
				break
			}
			if ancestor == filepath.Dir(ancestor) {
				real = resolved
				break
			}
			rest = filepath.Join(filepath.Base(ancestor), rest)
			ancestor = filepath.Dir(ancestor)
		}
	}

	if !isPathInside(real, home) {
		return "", fmt.Errorf("path %s escapes %s", real, home)
	}
	return real, nil
}

// isPathInside reports whether child is at or below parent.
func isPathInside(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
