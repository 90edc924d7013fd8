// Package browser owns the browser session a run drives: opening it from
// driver options, translating selectors and releasing it exactly once.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/scrape-flow/logging"
	"github.com/scrape-flow/workflow"
)

// Session is the page handle the interpreter and extractor use. A session is
// owned by a single run and is not safe for concurrent use.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// Exists reports whether sel currently matches at least one element.
	// It never waits.
	Exists(ctx context.Context, sel workflow.Selector) (bool, error)
	Fill(ctx context.Context, sel workflow.Selector, value string) error
	Click(ctx context.Context, sel workflow.Selector) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Opener starts a new session.
type Opener interface {
	Open(ctx context.Context, opts workflow.DriverOptions) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, opts workflow.DriverOptions) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, opts workflow.DriverOptions) (Session, error) {
	return f(ctx, opts)
}

// ChromeOpener launches a local Chrome through chromedp.
type ChromeOpener struct {
	// ExecPath overrides Chrome discovery when set.
	ExecPath string
	// ForceHeadless runs headless regardless of the document, e.g. under a service manager.
	ForceHeadless bool
	Logger        *zap.Logger
}

// Open starts the browser and a first tab.
func (o *ChromeOpener) Open(ctx context.Context, opts workflow.DriverOptions) (Session, error) {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("browser")

	headless := opts.Headless || o.ForceHeadless
	allocOpts, err := allocatorOptions(headless, opts.Extra)
	if err != nil {
		return nil, &workflow.DriverError{Op: "open", Err: err}
	}
	if o.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(o.ExecPath))
	}

	// The browser outlives individual operations; only Close ends it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	// Debug output carries typed keystrokes, so only log and error output is wired.
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logging.Printf(logger)),
		chromedp.WithErrorf(logging.Warnf(logger)),
	)
	s := &ChromeSession{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger,
	}

	stop := context.AfterFunc(ctx, cancel)
	err = chromedp.Run(browserCtx)
	stop()
	if err != nil {
		s.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &workflow.DriverError{Op: "open", Err: err}
	}

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			logger.Info("Accepting dialog", zap.String("type", string(e.Type)))
			go chromedp.Run(browserCtx, page.HandleJavaScriptDialog(true))
		}
	})

	if headless {
		logger.Info("Browser started", zap.String("mode", "headless"))
	} else {
		logger.Info("Browser started", zap.String("mode", "visible"))
	}
	return s, nil
}

func allocatorOptions(headless bool, extra map[string]json.RawMessage) ([]chromedp.ExecAllocatorOption, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	for name, raw := range extra {
		v, err := flagValue(raw)
		if err != nil {
			return nil, fmt.Errorf("driver option %q: %w", name, err)
		}
		opts = append(opts, chromedp.Flag(name, v))
	}
	return opts, nil
}

// flagValue turns a JSON scalar into a Chrome command-line flag value.
func flagValue(raw json.RawMessage) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case bool, string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return nil, fmt.Errorf("must be a string, number or boolean")
	}
}

// ChromeSession drives one Chrome tab.
type ChromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// run executes actions on the tab while honoring ctx, which is normally the
// caller's per-action deadline.
func (s *ChromeSession) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.ctx.Err() != nil {
			return &workflow.DriverError{Op: op, Err: s.ctx.Err()}
		}
		return err
	}
	return nil
}

func (s *ChromeSession) Navigate(ctx context.Context, url string) error {
	s.logger.Info("Navigating", zap.String("url", url))
	if err := s.run(ctx, "navigate",
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	return nil
}

func (s *ChromeSession) Exists(ctx context.Context, sel workflow.Selector) (bool, error) {
	q, err := Translate(sel)
	if err != nil {
		return false, err
	}
	var nodes []*cdp.Node
	if err := s.run(ctx, "query", chromedp.Nodes(q.Expr, &nodes, q.By(), chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (s *ChromeSession) Fill(ctx context.Context, sel workflow.Selector, value string) error {
	q, err := Translate(sel)
	if err != nil {
		return err
	}
	// The value is never part of the returned error.
	if err := s.run(ctx, "fill",
		chromedp.Clear(q.Expr, q.By(), chromedp.NodeVisible),
		chromedp.SendKeys(q.Expr, value, q.By(), chromedp.NodeVisible),
	); err != nil {
		return fmt.Errorf("failed to fill %s: %w", sel, err)
	}
	return nil
}

func (s *ChromeSession) Click(ctx context.Context, sel workflow.Selector) error {
	q, err := Translate(sel)
	if err != nil {
		return err
	}
	if err := s.run(ctx, "click", chromedp.Click(q.Expr, q.By(), chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("failed to click %s: %w", sel, err)
	}
	return nil
}

func (s *ChromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, "read", chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}
	return html, nil
}

// Close shuts the tab and then the browser process. Repeated calls return
// the first result.
func (s *ChromeSession) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = &workflow.DriverError{Op: "close", Err: err}
		}
		s.cancel()
		s.allocCancel()
		s.logger.Info("Browser closed")
	})
	return s.closeErr
}
