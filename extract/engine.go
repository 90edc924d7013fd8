// Package extract pulls tables out of the rendered page once the login
// sequence has completed and hands them to a sink.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/scrape-flow/sink"
	"github.com/scrape-flow/workflow"
)

// Page exposes the rendered document. browser.Session satisfies it.
type Page interface {
	HTML(ctx context.Context) (string, error)
}

// Method extracts one dataset from a parsed document.
type Method func(doc *goquery.Document, spec workflow.ExtractionSpec) (sink.Table, error)

// Outcome is the per-target result of one extraction spec.
type Outcome struct {
	Target      string
	Destination string
	Rows        int
	// Err is a *workflow.ExtractionError or *workflow.WriteError.
	Err error
}

// OK reports whether the target was extracted and written.
func (o Outcome) OK() bool { return o.Err == nil }

// Engine runs extraction specs in order. A failing spec never stops the
// ones after it.
type Engine struct {
	methods map[workflow.ExtractionMethod]Method
	sink    sink.Sink
	logger  *zap.Logger
}

// NewEngine returns an engine with the built-in methods registered.
func NewEngine(s sink.Sink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		methods: map[workflow.ExtractionMethod]Method{
			workflow.MethodHTMLTable: HTMLTable,
		},
		sink:   s,
		logger: logger.Named("extract"),
	}
}

// Register adds or replaces a method.
func (e *Engine) Register(name workflow.ExtractionMethod, m Method) {
	e.methods[name] = m
}

// Run reads the page once and processes every spec against that snapshot.
func (e *Engine) Run(ctx context.Context, page Page, specs []workflow.ExtractionSpec) []Outcome {
	outcomes := make([]Outcome, 0, len(specs))
	if len(specs) == 0 {
		return outcomes
	}

	doc, pageErr := load(ctx, page)
	for _, spec := range specs {
		o := Outcome{Target: spec.TargetName, Destination: spec.OutputFile}
		if pageErr != nil {
			o.Err = &workflow.ExtractionError{Target: spec.TargetName, Reason: "page unavailable", Err: pageErr}
			outcomes = append(outcomes, o)
			continue
		}
		if err := ctx.Err(); err != nil {
			o.Err = &workflow.ExtractionError{Target: spec.TargetName, Reason: "cancelled", Err: err}
			outcomes = append(outcomes, o)
			continue
		}

		table, err := e.extract(doc, spec)
		if err != nil {
			o.Err = err
			e.logger.Warn("Extraction failed", zap.String("target", spec.TargetName), zap.Error(err))
			outcomes = append(outcomes, o)
			continue
		}
		if err := e.sink.Write(ctx, spec.OutputFile, table); err != nil {
			o.Err = err
			e.logger.Warn("Write failed", zap.String("target", spec.TargetName), zap.String("destination", spec.OutputFile), zap.Error(err))
			outcomes = append(outcomes, o)
			continue
		}
		o.Rows = len(table.Rows)
		e.logger.Info("Extracted",
			zap.String("target", spec.TargetName),
			zap.String("destination", spec.OutputFile),
			zap.Int("rows", o.Rows))
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (e *Engine) extract(doc *goquery.Document, spec workflow.ExtractionSpec) (sink.Table, error) {
	m, ok := e.methods[spec.Method]
	if !ok {
		return sink.Table{}, &workflow.ExtractionError{
			Target: spec.TargetName,
			Reason: fmt.Sprintf("unsupported method %q", spec.Method),
		}
	}
	return m(doc, spec)
}

func load(ctx context.Context, page Page) (*goquery.Document, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return doc, nil
}

// HTMLTable selects the TableIndex-th <table> in document order, nested
// tables included.
func HTMLTable(doc *goquery.Document, spec workflow.ExtractionSpec) (sink.Table, error) {
	tables := doc.Find("table")
	n := tables.Length()
	if n == 0 {
		return sink.Table{}, &workflow.ExtractionError{Target: spec.TargetName, Reason: "no tables on page"}
	}
	if spec.TableIndex < 0 || spec.TableIndex >= n {
		return sink.Table{}, &workflow.ExtractionError{
			Target: spec.TargetName,
			Reason: fmt.Sprintf("table index %d out of range, page has %d", spec.TableIndex, n),
		}
	}
	return parseTable(tables.Eq(spec.TableIndex)), nil
}
