package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scrape-flow/credentials"
	"github.com/scrape-flow/pipeline"
	"github.com/scrape-flow/store"
)

var (
	// ErrBadRequest marks requests that name neither or both of pipeline and document.
	ErrBadRequest = errors.New("bad request")
	// ErrNoCatalog is returned for named runs when no pipeline store is configured.
	ErrNoCatalog = errors.New("no pipeline store configured")
)

// Request asks for one run, either of a stored pipeline or of an inline
// document. Stored pipelines may also read the daemon's environment; inline
// documents resolve Secrets only.
type Request struct {
	Pipeline string            `json:"pipeline,omitempty"`
	Document json.RawMessage   `json:"document,omitempty"`
	Secrets  map[string]string `json:"secrets,omitempty"`
}

// Executor runs a single job.
type Executor interface {
	RunJob(ctx context.Context, job pipeline.Job) *pipeline.Result
}

// Catalog looks up stored pipelines.
type Catalog interface {
	GetPipeline(ctx context.Context, name string) (*store.Pipeline, error)
	ListPipelines(ctx context.Context) ([]store.Pipeline, error)
}

// Dispatcher turns remote requests into runner jobs. It is shared by the gRPC
// service and the websocket channel.
type Dispatcher struct {
	exec    Executor
	catalog Catalog
	slots   *semaphore.Weighted
	logger  *zap.Logger
}

// NewDispatcher allows at most parallelism concurrent runs. catalog may be nil.
func NewDispatcher(exec Executor, catalog Catalog, parallelism int, logger *zap.Logger) *Dispatcher {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		exec:    exec,
		catalog: catalog,
		slots:   semaphore.NewWeighted(int64(parallelism)),
		logger:  logger.Named("dispatch"),
	}
}

// Dispatch waits for a free slot and runs the request. Run failures are
// reported in the result; the error covers unusable requests only.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*pipeline.Result, error) {
	job, err := d.job(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.slots.Release(1)

	// Only secret names are logged.
	names := make([]string, 0, len(req.Secrets))
	for k := range req.Secrets {
		names = append(names, k)
	}
	d.logger.Info("Dispatching run", zap.String("pipeline", job.Name), zap.Strings("secrets", names))
	return d.exec.RunJob(ctx, job), nil
}

func (d *Dispatcher) job(ctx context.Context, req Request) (pipeline.Job, error) {
	name := strings.TrimSpace(req.Pipeline)
	inline := len(req.Document) > 0 && string(req.Document) != "null"
	var job pipeline.Job
	switch {
	case name != "" && inline:
		return job, fmt.Errorf("%w: pipeline and document are mutually exclusive", ErrBadRequest)
	case name == "" && !inline:
		return job, fmt.Errorf("%w: pipeline or document is required", ErrBadRequest)
	case inline:
		// Inline documents come from the caller, so they only see the
		// caller's own secrets.
		return pipeline.Job{
			Name:           "inline",
			Document:       req.Document,
			Secrets:        credentials.StaticResolver(req.Secrets),
			IsolateSecrets: true,
		}, nil
	default:
		if d.catalog == nil {
			return job, ErrNoCatalog
		}
		p, err := d.catalog.GetPipeline(ctx, name)
		if err != nil {
			return job, err
		}
		job = pipeline.Job{Name: p.Name, Document: p.Config}
	}
	if len(req.Secrets) > 0 {
		job.Secrets = credentials.StaticResolver(req.Secrets)
	}
	return job, nil
}

// Pipelines lists stored pipeline names.
func (d *Dispatcher) Pipelines(ctx context.Context) ([]store.Pipeline, error) {
	if d.catalog == nil {
		return nil, nil
	}
	return d.catalog.ListPipelines(ctx)
}
