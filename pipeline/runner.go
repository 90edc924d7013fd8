// Package pipeline runs workflow documents end to end: validate, open a
// session, interpret the actions, extract, write and close.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrape-flow/browser"
	"github.com/scrape-flow/credentials"
	"github.com/scrape-flow/extract"
	"github.com/scrape-flow/interpreter"
	"github.com/scrape-flow/sink"
	"github.com/scrape-flow/workflow"
)

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, res *Result) error
}

// Options configure a Runner.
type Options struct {
	Interpreter interpreter.Options
	Recorder    Recorder
	Now         func() time.Time
}

// Runner executes pipelines. Runs share no mutable state; each one owns its
// session for its whole duration.
type Runner struct {
	sessions *browser.Manager
	resolver credentials.Resolver
	interp   *interpreter.Interpreter
	engine   *extract.Engine
	recorder Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewRunner wires the run stages together.
func NewRunner(opener browser.Opener, resolver credentials.Resolver, out sink.Sink, logger *zap.Logger, opts Options) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	iopts := opts.Interpreter
	if iopts.Observer == nil {
		iopts.Observer = actionMetrics{}
	}
	return &Runner{
		sessions: browser.NewManager(opener, logger),
		resolver: resolver,
		interp:   interpreter.New(resolver, credentials.DefaultTOTP(), logger, iopts),
		engine:   extract.NewEngine(out, logger),
		recorder: opts.Recorder,
		now:      opts.Now,
		logger:   logger.Named("pipeline"),
	}
}

// Job is one entry of a batch. Config takes precedence over Document.
type Job struct {
	Name     string
	Document []byte
	Config   *workflow.Config
	// Secrets are consulted before the runner's resolver, for this job only.
	Secrets credentials.Resolver
	// IsolateSecrets limits resolution to Secrets. Documents from untrusted
	// callers set it so they cannot read the runner's environment.
	IsolateSecrets bool
}

// Run validates raw and executes it. An invalid document yields a failed
// result without opening a session.
func (r *Runner) Run(ctx context.Context, name string, raw []byte) *Result {
	return r.run(ctx, Job{Name: name, Document: raw})
}

// RunConfig executes an already validated configuration.
func (r *Runner) RunConfig(ctx context.Context, name string, cfg *workflow.Config, secrets credentials.Resolver) *Result {
	return r.run(ctx, Job{Name: name, Config: cfg, Secrets: secrets})
}

// RunJob executes a single job.
func (r *Runner) RunJob(ctx context.Context, job Job) *Result {
	return r.run(ctx, job)
}

// RunAll executes jobs concurrently, at most parallelism at a time, and
// returns results in input order. A failing job does not stop the others.
func (r *Runner) RunAll(ctx context.Context, jobs []Job, parallelism int) []*Result {
	results := make([]*Result, len(jobs))
	var g errgroup.Group
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = r.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) run(ctx context.Context, job Job) *Result {
	res := &Result{
		RunID:     newRunID(),
		Pipeline:  job.Name,
		Status:    StatusSuccess,
		Targets:   []TargetResult{},
		StartedAt: r.now().UTC(),
	}
	log := r.logger.With(zap.String("run_id", res.RunID), zap.String("pipeline", job.Name))
	log.Info("Run started")

	cfg := job.Config
	if cfg == nil {
		var err error
		cfg, err = workflow.Validate(job.Document)
		if err != nil {
			res.fail(err)
			return r.finish(ctx, log, res)
		}
	}

	err := r.sessions.WithSession(ctx, cfg.DriverOptions, func(ctx context.Context, s browser.Session) error {
		out := r.interp.RunWith(ctx, s, cfg, r.secrets(job))
		if out.State != interpreter.Completed {
			idx := out.Index
			res.FailedIndex = &idx
			res.FailedKind = out.Kind
			return out.Err
		}
		for _, o := range r.engine.Run(ctx, s, cfg.DataExtraction) {
			t := TargetResult{Target: o.Target, Destination: o.Destination, Rows: o.Rows}
			if o.Err != nil {
				t.Error = o.Err.Error()
				t.ErrorKind = Classify(o.Err)
			}
			res.Targets = append(res.Targets, t)
		}
		return nil
	})
	if err != nil {
		res.fail(err)
	}
	return r.finish(ctx, log, res)
}

func (r *Runner) secrets(job Job) credentials.Resolver {
	switch {
	case job.IsolateSecrets && job.Secrets == nil:
		return credentials.StaticResolver{}
	case job.IsolateSecrets, r.resolver == nil:
		return job.Secrets
	case job.Secrets != nil:
		return credentials.Chain{job.Secrets, r.resolver}
	default:
		return r.resolver
	}
}

func (r *Runner) finish(ctx context.Context, log *zap.Logger, res *Result) *Result {
	res.FinishedAt = r.now().UTC()
	observeResult(res)

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration()),
		zap.Int("targets", len(res.Targets)),
	}
	if res.Status == StatusFailed {
		if res.FailedIndex != nil {
			fields = append(fields, zap.Int("failed_index", *res.FailedIndex), zap.String("failed_kind", string(res.FailedKind)))
		}
		fields = append(fields, zap.String("error_kind", res.ErrorKind), zap.Error(res.Err))
		log.Warn("Run failed", fields...)
	} else {
		log.Info("Run finished", fields...)
	}

	if r.recorder != nil {
		// Recording must survive a cancelled run context.
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.recorder.RecordRun(recCtx, res); err != nil {
			log.Warn("Failed to record run", zap.Error(err))
		}
	}
	return res
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
