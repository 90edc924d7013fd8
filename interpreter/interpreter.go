// Package interpreter drives a browser session through a workflow's login
// sequence. Actions run strictly in document order; the first failure stops
// the sequence.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrape-flow/browser"
	"github.com/scrape-flow/credentials"
	"github.com/scrape-flow/workflow"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
	DefaultNavTimeout   = 30 * time.Second
)

// State is the position of the state machine.
type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer is told about every action the interpreter executes.
type Observer interface {
	ActionStarted(index int, a workflow.Action)
	ActionFinished(index int, a workflow.Action, elapsed time.Duration, err error)
}

// Options tune the interpreter. Zero values take the defaults.
type Options struct {
	// DefaultTimeout bounds every action other than wait_for_element.
	DefaultTimeout time.Duration
	// NavTimeout bounds the initial navigation to login_url.
	NavTimeout   time.Duration
	PollInterval time.Duration
	// Now is the clock used for one-time codes.
	Now      func() time.Time
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = DefaultNavTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Outcome is the terminal state of one run of the action sequence.
type Outcome struct {
	State State
	// Index of the failing action; -1 when navigation to login_url failed.
	Index int
	Kind  workflow.ActionKind
	// Executed counts actions that completed successfully.
	Executed int
	Err      error
}

// Interpreter executes action sequences. It holds no per-run state and may
// be shared by concurrent runs, each with its own session.
type Interpreter struct {
	resolver credentials.Resolver
	codes    credentials.CodeGenerator
	opts     Options
	logger   *zap.Logger
}

// New returns an interpreter. codes defaults to the standard 30s/6 digit TOTP.
func New(resolver credentials.Resolver, codes credentials.CodeGenerator, logger *zap.Logger, opts Options) *Interpreter {
	if codes == nil {
		codes = credentials.DefaultTOTP()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{
		resolver: resolver,
		codes:    codes,
		opts:     opts.withDefaults(),
		logger:   logger.Named("interpreter"),
	}
}

// Run moves Idle → Running(i) → Completed | Failed(i). The caller owns the
// session and closes it.
func (in *Interpreter) Run(ctx context.Context, s browser.Session, cfg *workflow.Config) Outcome {
	return in.RunWith(ctx, s, cfg, nil)
}

// RunWith is Run with resolver used in place of the interpreter's own for
// this run only. A nil resolver keeps the interpreter's.
func (in *Interpreter) RunWith(ctx context.Context, s browser.Session, cfg *workflow.Config, resolver credentials.Resolver) Outcome {
	if resolver == nil {
		resolver = in.resolver
	}

	if cfg.LoginURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, in.opts.NavTimeout)
		err := s.Navigate(navCtx, cfg.LoginURL)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			var derr *workflow.DriverError
			if !errors.As(err, &derr) {
				err = &workflow.DriverError{Op: "navigate", Err: err}
			}
			in.logger.Error("Navigation failed", zap.String("url", cfg.LoginURL), zap.Error(err))
			return Outcome{State: Failed, Index: -1, Err: err}
		}
	}

	for i, a := range cfg.Actions {
		log := in.logger.With(zap.Int("index", i), zap.String("kind", string(a.Kind())), zap.Stringer("selector", a.Target()))
		log.Debug("Running action")
		if in.opts.Observer != nil {
			in.opts.Observer.ActionStarted(i, a)
		}

		start := time.Now()
		err := in.execute(ctx, s, a, resolver)
		elapsed := time.Since(start)

		if in.opts.Observer != nil {
			in.opts.Observer.ActionFinished(i, a, elapsed, err)
		}
		if err != nil {
			log.Warn("Action failed", zap.Duration("elapsed", elapsed), zap.Error(err))
			return Outcome{
				State:    Failed,
				Index:    i,
				Kind:     a.Kind(),
				Executed: i,
				Err: &workflow.ActionError{
					Index:    i,
					Kind:     a.Kind(),
					Selector: a.Target(),
					Err:      err,
				},
			}
		}
		log.Info("Action completed", zap.Duration("elapsed", elapsed))
	}
	return Outcome{State: Completed, Index: -1, Executed: len(cfg.Actions)}
}

func (in *Interpreter) execute(ctx context.Context, s browser.Session, a workflow.Action, resolver credentials.Resolver) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch a := a.(type) {
	case workflow.FindAndFill:
		value, err := in.value(ctx, a.Value, resolver)
		if err != nil {
			return err
		}
		return in.fill(ctx, s, a.Selector, value)

	case workflow.FindAndFillTOTP:
		secret, err := in.secret(ctx, a.Secret, resolver)
		if err != nil {
			return err
		}
		code, err := in.codes.Generate(secret, in.opts.Now())
		if err != nil {
			return &workflow.AuthInputError{Ref: a.Secret, Err: err}
		}
		return in.fill(ctx, s, a.Selector, code)

	case workflow.Click:
		actCtx, cancel := context.WithTimeout(ctx, in.opts.DefaultTimeout)
		defer cancel()
		if err := in.locate(ctx, actCtx, s, a.Selector, in.notFound(a.Selector)); err != nil {
			return err
		}
		return in.act(ctx, actCtx, a.Selector, func(c context.Context) error { return s.Click(c, a.Selector) })

	case workflow.WaitForElement:
		waitCtx, cancel := context.WithTimeout(ctx, a.Timeout)
		defer cancel()
		return in.locate(ctx, waitCtx, s, a.Selector, func() error {
			return &workflow.TimeoutError{Selector: a.Selector, Timeout: a.Timeout}
		})

	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}

func (in *Interpreter) fill(ctx context.Context, s browser.Session, sel workflow.Selector, value string) error {
	actCtx, cancel := context.WithTimeout(ctx, in.opts.DefaultTimeout)
	defer cancel()
	if err := in.locate(ctx, actCtx, s, sel, in.notFound(sel)); err != nil {
		return err
	}
	return in.act(ctx, actCtx, sel, func(c context.Context) error { return s.Fill(c, sel, value) })
}

func (in *Interpreter) notFound(sel workflow.Selector) func() error {
	return func() error {
		return &workflow.ElementNotFoundError{Selector: sel, Waited: in.opts.DefaultTimeout}
	}
}

// act runs a session operation under the action's deadline.
func (in *Interpreter) act(parent, actCtx context.Context, sel workflow.Selector, op func(context.Context) error) error {
	err := op(actCtx)
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if actCtx.Err() != nil {
		return &workflow.ElementNotFoundError{Selector: sel, Waited: in.opts.DefaultTimeout}
	}
	return err
}

// locate polls until sel is present. It checks immediately, then every
// PollInterval until bounded's deadline passes, and reports expiry through
// expired. Cancellation of parent is returned as is.
func (in *Interpreter) locate(parent, bounded context.Context, s browser.Session, sel workflow.Selector, expired func() error) error {
	ticker := time.NewTicker(in.opts.PollInterval)
	defer ticker.Stop()

	for {
		found, err := s.Exists(bounded, sel)
		if err == nil && found {
			return nil
		}
		if err != nil && bounded.Err() == nil {
			var derr *workflow.DriverError
			if errors.As(err, &derr) {
				return err
			}
			return &workflow.DriverError{Op: "query", Err: err}
		}

		select {
		case <-bounded.Done():
			if perr := parent.Err(); perr != nil {
				return perr
			}
			return expired()
		case <-ticker.C:
		}
	}
}

func (in *Interpreter) value(ctx context.Context, v workflow.ValueSource, resolver credentials.Resolver) (string, error) {
	if !v.IsSecret() {
		return v.Literal, nil
	}
	s, err := in.secret(ctx, v.Secret, resolver)
	if err != nil {
		return "", err
	}
	return s.Reveal(), nil
}

func (in *Interpreter) secret(ctx context.Context, ref workflow.SecretRef, resolver credentials.Resolver) (credentials.Secret, error) {
	if resolver == nil {
		return credentials.Secret{}, &workflow.AuthInputError{Ref: ref, Err: workflow.MissingSecret(ref)}
	}
	s, err := resolver.Resolve(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return credentials.Secret{}, ctx.Err()
		}
		return credentials.Secret{}, &workflow.AuthInputError{Ref: ref, Err: err}
	}
	return s, nil
}
