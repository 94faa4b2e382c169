package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/felixgeelhaar/foreman/internal/errors"
	"github.com/felixgeelhaar/foreman/internal/log"
)

const (
	defaultBrowserTimeout = 2 * time.Minute
	maxPageTextBytes      = 64 * 1024
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// BrowserAgent satisfies run_browser_agent calls by driving a
// headless browser toward the first URL named in the goal and
// reporting what it found there.
type BrowserAgent struct {
	timeout time.Duration
	logger  *log.Logger
}

// NewBrowserAgent creates an agent with the given per-goal timeout.
// A zero timeout uses the default.
func NewBrowserAgent(timeout time.Duration, logger *log.Logger) *BrowserAgent {
	if timeout <= 0 {
		timeout = defaultBrowserTimeout
	}
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &BrowserAgent{timeout: timeout, logger: logger}
}

// Run executes one natural-language goal. The goal must reference at
// least one URL; the agent visits it and returns the page title plus
// a bounded extract of its visible text.
func (a *BrowserAgent) Run(ctx context.Context, goal string) (string, error) {
	target := urlPattern.FindString(goal)
	if target == "" {
		return "", errors.NewInvalidArgumentsError("goal", "must reference at least one http(s) URL")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	launch := launcher.New().Headless(true).NoSandbox(true)
	controlURL, err := launch.Launch()
	if err != nil {
		return "", errors.NewExternalToolError("browser", fmt.Errorf("launch browser: %w", err))
	}
	defer launch.Cleanup()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return "", errors.NewExternalToolError("browser", fmt.Errorf("connect browser: %w", err))
	}
	defer browser.Close()

	a.logger.InfoContext(ctx, "browser goal started", "url", target)

	page, err := browser.Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		return "", errors.NewExternalToolError("browser", fmt.Errorf("open %s: %w", target, err))
	}
	if err := page.WaitLoad(); err != nil {
		return "", errors.NewExternalToolError("browser", fmt.Errorf("load %s: %w", target, err))
	}

	info, err := page.Info()
	if err != nil {
		return "", errors.NewExternalToolError("browser", fmt.Errorf("inspect %s: %w", target, err))
	}

	body, err := page.Element("body")
	if err != nil {
		return "", errors.NewExternalToolError("browser", fmt.Errorf("read %s: %w", target, err))
	}
	text, err := body.Text()
	if err != nil {
		return "", errors.NewExternalToolError("browser", fmt.Errorf("read %s: %w", target, err))
	}
	if len(text) > maxPageTextBytes {
		text = text[:maxPageTextBytes] + "\n... (truncated)"
	}

	a.logger.InfoContext(ctx, "browser goal finished", "url", target, "title", info.Title)
	return fmt.Sprintf("title: %s\nurl: %s\n\n%s", info.Title, info.URL, strings.TrimSpace(text)), nil
}
