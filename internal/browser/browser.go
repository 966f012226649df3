// Package browser abstracts the headless browser behind the browser_* tools.
package browser

import (
	"context"
	"time"
)

// Browser is the facade the tool executor drives. Implementations own the
// underlying browser and a single active page.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, path string, fullPage bool) (string, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	GetText(ctx context.Context, selector string) (string, error)
	Scroll(ctx context.Context, deltaY float64) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Evaluate(ctx context.Context, js string) (string, error)
	PDF(ctx context.Context, path string) (string, error)
	Close(ctx context.Context) error
}

// Nop is used when the browser is disabled; every call reports that.
type Nop struct{}

var _ Browser = (*Nop)(nil)

func (Nop) Navigate(context.Context, string) error { return ErrDisabled }
func (Nop) Screenshot(context.Context, string, bool) (string, error) {
	return "", ErrDisabled
}
func (Nop) Click(context.Context, string) error                { return ErrDisabled }
func (Nop) Type(context.Context, string, string) error         { return ErrDisabled }
func (Nop) GetText(context.Context, string) (string, error)    { return "", ErrDisabled }
func (Nop) Scroll(context.Context, float64) error              { return ErrDisabled }
func (Nop) WaitFor(context.Context, string, time.Duration) error {
	return ErrDisabled
}
func (Nop) Evaluate(context.Context, string) (string, error) { return "", ErrDisabled }
func (Nop) PDF(context.Context, string) (string, error)      { return "", ErrDisabled }
func (Nop) Close(context.Context) error                      { return nil }
