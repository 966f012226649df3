package tools

import (
	"context"
	"fmt"
	"time"
)

// browserTool dispatches the browser_* tools to the injected facade.
func (e *Executor) browserTool(ctx context.Context, name string, input map[string]any) *Result {
	b := e.opts.Browser

	switch name {
	case "browser_navigate":
		url := stringArg(input, "url")
		if url == "" {
			return errResult("browser_navigate requires a url")
		}
		if err := b.Navigate(ctx, url); err != nil {
			return errResult("navigate: %v", err)
		}
		return okResult(fmt.Sprintf("navigated to %s", url))

	case "browser_screenshot":
		path, err := b.Screenshot(ctx, stringArg(input, "path"), boolArg(input, "full_page"))
		if err != nil {
			return errResult("screenshot: %v", err)
		}
		return &Result{Success: true, Output: path, Data: map[string]any{"path": path}}

	case "browser_click":
		selector := stringArg(input, "selector")
		if selector == "" {
			return errResult("browser_click requires a selector")
		}
		if err := b.Click(ctx, selector); err != nil {
			return errResult("click: %v", err)
		}
		return okResult(fmt.Sprintf("clicked %s", selector))

	case "browser_type":
		selector := stringArg(input, "selector")
		if selector == "" {
			return errResult("browser_type requires a selector")
		}
		if err := b.Type(ctx, selector, stringArg(input, "text")); err != nil {
			return errResult("type: %v", err)
		}
		return okResult(fmt.Sprintf("typed into %s", selector))

	case "browser_get_text":
		selector := stringArg(input, "selector")
		if selector == "" {
			return errResult("browser_get_text requires a selector")
		}
		text, err := b.GetText(ctx, selector)
		if err != nil {
			return errResult("get text: %v", err)
		}
		return okResult(text)

	case "browser_scroll":
		delta, ok := floatArg(input, "delta_y")
		if !ok {
			delta = 600
		}
		if err := b.Scroll(ctx, delta); err != nil {
			return errResult("scroll: %v", err)
		}
		return okResult(fmt.Sprintf("scrolled %.0f", delta))

	case "browser_wait_for":
		selector := stringArg(input, "selector")
		if selector == "" {
			return errResult("browser_wait_for requires a selector")
		}
		timeout := time.Duration(intArg(input, "timeout", 30)) * time.Second
		if err := b.WaitFor(ctx, selector, timeout); err != nil {
			return errResult("wait for: %v", err)
		}
		return okResult(fmt.Sprintf("%s appeared", selector))

	case "browser_evaluate":
		js := stringArg(input, "js")
		if js == "" {
			js = stringArg(input, "expression")
		}
		if js == "" {
			return errResult("browser_evaluate requires js")
		}
		out, err := b.Evaluate(ctx, js)
		if err != nil {
			return errResult("evaluate: %v", err)
		}
		return okResult(out)

	case "browser_pdf":
		path, err := b.PDF(ctx, stringArg(input, "path"))
		if err != nil {
			return errResult("pdf: %v", err)
		}
		return &Result{Success: true, Output: path, Data: map[string]any{"path": path}}

	case "browser_close":
		if err := b.Close(ctx); err != nil {
			return errResult("close: %v", err)
		}
		return okResult("browser closed")
	}

	return errResult("unhandled tool %s", name)
}
