package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// ErrDisabled is returned by the Nop facade and by a closed rod browser.
var ErrDisabled = errors.New("browser is not enabled")

// Options configures the rod-backed browser.
type Options struct {
	// Headless launches the browser without a display.
	Headless bool

	// ControlURL attaches to an already-running browser instead of
	// launching one.
	ControlURL string

	// ArtifactDir receives screenshots and PDFs when the tool input gives
	// a bare file name.
	ArtifactDir string
}

// Rod drives a Chromium instance through go-rod. The browser and page are
// launched lazily on first use so a configured-but-unused browser costs
// nothing.
type Rod struct {
	opts   Options
	logger *logger.Logger

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	closed  bool
}

var _ Browser = (*Rod)(nil)

// NewRod creates the lazy rod facade.
func NewRod(opts Options, log *logger.Logger) *Rod {
	return &Rod{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "browser")),
	}
}

// ensurePage launches the browser and opens the single page on first use.
func (r *Rod) ensurePage(ctx context.Context) (*rod.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrDisabled
	}
	if r.page != nil {
		return r.page.Context(ctx), nil
	}

	controlURL := r.opts.ControlURL
	if controlURL == "" {
		u, err := launcher.New().Headless(r.opts.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}

	r.logger.Info("browser launched", zap.Bool("headless", r.opts.Headless))
	r.browser = b
	r.page = page
	return page.Context(ctx), nil
}

func (r *Rod) Navigate(ctx context.Context, url string) error {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return err
	}
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return page.WaitLoad()
}

func (r *Rod) Screenshot(ctx context.Context, path string, fullPage bool) (string, error) {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return "", err
	}
	data, err := page.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	out := r.artifactPath(path, "screenshot.png")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return out, nil
}

func (r *Rod) Click(ctx context.Context, selector string) error {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return err
	}
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (r *Rod) Type(ctx context.Context, selector, text string) error {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return err
	}
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	return el.Input(text)
}

func (r *Rod) GetText(ctx context.Context, selector string) (string, error) {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return "", err
	}
	el, err := page.Element(selector)
	if err != nil {
		return "", fmt.Errorf("find %q: %w", selector, err)
	}
	return el.Text()
}

func (r *Rod) Scroll(ctx context.Context, deltaY float64) error {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return err
	}
	return page.Mouse.Scroll(0, deltaY, 1)
}

func (r *Rod) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	_, err = page.Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

func (r *Rod) Evaluate(ctx context.Context, js string) (string, error) {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return "", err
	}
	res, err := page.Eval(js)
	if err != nil {
		return "", fmt.Errorf("evaluate: %w", err)
	}
	return res.Value.String(), nil
}

func (r *Rod) PDF(ctx context.Context, path string) (string, error) {
	page, err := r.ensurePage(ctx)
	if err != nil {
		return "", err
	}
	stream, err := page.PDF(&proto.PagePrintToPDF{})
	if err != nil {
		return "", fmt.Errorf("pdf: %w", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("read pdf stream: %w", err)
	}
	out := r.artifactPath(path, "page.pdf")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	return out, nil
}

// Close shuts the page and browser down. Further calls fail with ErrDisabled.
func (r *Rod) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	r.page = nil
	return err
}

// artifactPath places relative output names in the artifact directory.
func (r *Rod) artifactPath(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	if r.opts.ArtifactDir != "" {
		_ = os.MkdirAll(r.opts.ArtifactDir, 0o755)
		return filepath.Join(r.opts.ArtifactDir, path)
	}
	return path
}
