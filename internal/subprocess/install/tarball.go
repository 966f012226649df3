package install

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// TarballConfig describes a GitHub release tar.gz asset. {version} and
// {os}-{arch} placeholders in AssetPattern and BinaryPath expand per
// platform via Targets ("linux/amd64" -> release target name).
type TarballConfig struct {
	Owner        string
	Repo         string
	Version      string
	AssetPattern string
	BinaryPath   string
	Targets      map[string]string
}

// Tarball downloads and extracts a release archive from GitHub.
type Tarball struct {
	installDir string
	binary     string
	config     TarballConfig
	logger     *logger.Logger
}

// NewTarball builds a GitHub release tarball strategy.
func NewTarball(installDir, binary string, config TarballConfig, log *logger.Logger) *Tarball {
	return &Tarball{installDir: installDir, binary: binary, config: config, logger: log}
}

// codexTarball is the release layout of the MCP runner CLI.
func codexTarball() TarballConfig {
	return TarballConfig{
		Owner:        "openai",
		Repo:         "codex",
		Version:      "0.29.0",
		AssetPattern: "codex-{os}-{arch}.tar.gz",
		BinaryPath:   "codex-{os}-{arch}/codex",
		Targets: map[string]string{
			"linux/amd64":  "x86_64-unknown-linux-musl",
			"linux/arm64":  "aarch64-unknown-linux-musl",
			"darwin/amd64": "x86_64-apple-darwin",
			"darwin/arm64": "aarch64-apple-darwin",
		},
	}
}

func (s *Tarball) Name() string {
	return fmt.Sprintf("github tarball %s/%s v%s", s.config.Owner, s.config.Repo, s.config.Version)
}

func (s *Tarball) Install(ctx context.Context) (*Result, error) {
	target, err := s.resolveTarget()
	if err != nil {
		return nil, err
	}

	binaryPath := s.resolveBinaryPath(target)

	// A previous install leaves the extracted tree behind.
	if _, err := os.Stat(binaryPath); err == nil {
		s.logger.Info("binary already installed", zap.String("binary", binaryPath))
		return &Result{BinaryPath: binaryPath}, nil
	}

	url := s.buildURL(target)
	s.logger.Info("downloading release tarball",
		zap.String("url", url),
		zap.String("target", target))

	if err := s.download(ctx, url); err != nil {
		return nil, err
	}

	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("binary missing after extraction: %s", binaryPath)
	}

	s.logger.Info("tarball install completed", zap.String("binary", binaryPath))
	return &Result{BinaryPath: binaryPath}, nil
}

func (s *Tarball) resolveTarget() (string, error) {
	targetKey := runtime.GOOS + "/" + runtime.GOARCH
	target, ok := s.config.Targets[targetKey]
	if !ok {
		return "", fmt.Errorf("unsupported platform: %s", targetKey)
	}
	return target, nil
}

func (s *Tarball) buildURL(target string) string {
	asset := s.expandTemplate(s.config.AssetPattern, target)
	return fmt.Sprintf("https://github.com/%s/%s/releases/download/v%s/%s",
		s.config.Owner, s.config.Repo, s.config.Version, asset)
}

func (s *Tarball) resolveBinaryPath(target string) string {
	return filepath.Join(s.installDir, s.expandTemplate(s.config.BinaryPath, target))
}

func (s *Tarball) expandTemplate(tmpl, target string) string {
	r := strings.NewReplacer(
		"{version}", s.config.Version,
		"{os}-{arch}", target,
	)
	return r.Replace(tmpl)
}

func (s *Tarball) download(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d for %s", resp.StatusCode, url)
	}

	if err := os.MkdirAll(s.installDir, 0o755); err != nil {
		return fmt.Errorf("create install directory %s: %w", s.installDir, err)
	}

	return extractTarGz(resp.Body, s.installDir)
}

// extractTarGz decompresses and extracts a tar.gz stream into destDir.
func extractTarGz(r io.Reader, destDir string) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = gzReader.Close() }()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		if err := extractTarEntry(tarReader, header, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractTarEntry(tr *tar.Reader, header *tar.Header, destDir string) error {
	cleanName, err := sanitizeTarPath(header.Name, destDir)
	if err != nil {
		return err
	}

	target := filepath.Join(destDir, cleanName)

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(header.Mode))
	case tar.TypeReg:
		return writeFileFromTar(tr, target, os.FileMode(header.Mode))
	case tar.TypeSymlink:
		linkTarget := filepath.Join(filepath.Dir(target), header.Linkname)
		if !strings.HasPrefix(filepath.Clean(linkTarget), filepath.Clean(destDir)) {
			return fmt.Errorf("symlink %s -> %s escapes install directory", header.Name, header.Linkname)
		}
		_ = os.Remove(target)
		return os.Symlink(header.Linkname, target)
	default:
		// Devices, fifos and the rest are skipped.
		return nil
	}
}

func writeFileFromTar(tr *tar.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer func() { _ = f.Close() }()

	// Cap extraction size against decompression bombs.
	const maxFileSize = 1 << 30
	if _, err := io.Copy(f, io.LimitReader(tr, maxFileSize)); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

// sanitizeTarPath rejects entries that would escape destDir.
func sanitizeTarPath(name, destDir string) (string, error) {
	cleanName := filepath.Clean(name)
	if strings.HasPrefix(cleanName, "..") || strings.HasPrefix(cleanName, "/") {
		return "", fmt.Errorf("invalid tar entry path: %s", name)
	}
	absTarget := filepath.Join(destDir, cleanName)
	if !strings.HasPrefix(absTarget, filepath.Clean(destDir)+string(os.PathSeparator)) && absTarget != filepath.Clean(destDir) {
		return "", fmt.Errorf("tar entry %s would escape destination directory", name)
	}
	return cleanName, nil
}
