package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrape-flow/browser"
	"github.com/scrape-flow/config"
	"github.com/scrape-flow/credentials"
	"github.com/scrape-flow/interpreter"
	"github.com/scrape-flow/pipeline"
	"github.com/scrape-flow/sink"
	"github.com/scrape-flow/store"
	"github.com/scrape-flow/workflow"
)

const (
	formatPretty = "pretty"
	formatJSON   = "json"
)

// newOpener is replaced in tests.
var newOpener = func(cfg config.Config, logger *zap.Logger) browser.Opener {
	return &browser.ChromeOpener{
		ExecPath:      cfg.Browser.ExecPath,
		ForceHeadless: cfg.Browser.ForceHeadless,
		Logger:        logger,
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [FILE...]",
		Short: "Run workflow documents and stored pipelines",
		Long: "Run executes each workflow document and each --pipeline from the store.\n" +
			"Secrets are read from the environment variables the documents reference.\n" +
			"The exit status is non-zero when any run or extraction target failed.",
		RunE: runPipelines,
	}
	flags := cmd.Flags()
	flags.StringArray("pipeline", nil, "stored pipeline to run (repeatable)")
	flags.String("db", "", "pipeline store (default from settings when --pipeline is used); runs are recorded in it")
	flags.Int("parallel", 0, "maximum concurrent runs (default from settings)")
	flags.String("format", formatPretty, "output format (pretty|json)")
	flags.String("output-root", "", "directory output_file paths resolve against")
	flags.Bool("allow-outside-root", false, "let output_file be absolute or leave --output-root")
	flags.Duration("default-timeout", 0, "bound for actions other than wait_for_element")
	flags.Bool("headless", true, "override driver_options.headless for every run")
	return cmd
}

func runPipelines(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	names, _ := flags.GetStringArray("pipeline")
	if len(args) == 0 && len(names) == 0 {
		return fmt.Errorf("nothing to run: pass FILE arguments or --pipeline")
	}
	format, _ := flags.GetString("format")
	format = strings.ToLower(format)
	if format != formatPretty && format != formatJSON {
		return fmt.Errorf("unsupported format %q", format)
	}

	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if flags.Changed("parallel") {
		cfg.Parallelism, _ = flags.GetInt("parallel")
	}
	if flags.Changed("default-timeout") {
		cfg.Browser.DefaultTimeout, _ = flags.GetDuration("default-timeout")
	}
	if flags.Changed("output-root") {
		cfg.Output, _ = flags.GetString("output-root")
	}
	allowOutside, _ := flags.GetBool("allow-outside-root")
	dbPath, _ := flags.GetString("db")
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if dbPath != "" || len(names) > 0 {
		if dbPath == "" {
			dbPath = cfg.Database
		}
		if st, err = store.Open(dbPath); err != nil {
			return err
		}
		defer st.Close()
	}

	var headless *bool
	if flags.Changed("headless") {
		h, _ := flags.GetBool("headless")
		headless = &h
	}
	jobs, err := collectJobs(ctx, args, names, st, headless)
	if err != nil {
		return err
	}

	opts := pipeline.Options{
		Interpreter: interpreter.Options{
			DefaultTimeout: cfg.Browser.DefaultTimeout,
			PollInterval:   cfg.Browser.PollInterval,
		},
	}
	if st != nil {
		opts.Recorder = st
	}
	runner := pipeline.NewRunner(newOpener(cfg, logger), credentials.NewEnvResolver(), &sink.FileSink{Root: cfg.Output, AllowOutside: allowOutside}, logger, opts)
	results := runner.RunAll(ctx, jobs, cfg.Parallelism)

	out := cmd.OutOrStdout()
	switch format {
	case formatJSON:
		err = renderJSON(out, results)
	default:
		err = renderPretty(out, results)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(results))
	}
	return nil
}

// collectJobs builds one job per file and per stored pipeline. Unreadable
// files abort; invalid documents become failed runs.
func collectJobs(ctx context.Context, files, names []string, st *store.Store, headless *bool) ([]pipeline.Job, error) {
	jobs := make([]pipeline.Job, 0, len(files)+len(names))
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jobs = append(jobs, newJob(name, raw, headless))
	}
	for _, name := range names {
		p, err := st.GetPipeline(ctx, name)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, newJob(p.Name, p.Config, headless))
	}
	return jobs, nil
}

func newJob(name string, raw []byte, headless *bool) pipeline.Job {
	if headless == nil {
		return pipeline.Job{Name: name, Document: raw}
	}
	cfg, err := workflow.Validate(raw)
	if err != nil {
		return pipeline.Job{Name: name, Document: raw}
	}
	cfg.DriverOptions.Headless = *headless
	return pipeline.Job{Name: name, Config: cfg}
}
