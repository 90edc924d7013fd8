package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrape-flow/browser"
	"github.com/scrape-flow/config"
	"github.com/scrape-flow/credentials"
	"github.com/scrape-flow/interpreter"
	"github.com/scrape-flow/pipeline"
	"github.com/scrape-flow/remote"
	"github.com/scrape-flow/server"
	"github.com/scrape-flow/sink"
	"github.com/scrape-flow/store"
	"github.com/scrape-flow/updater"
)

// Daemon runs the long-lived surfaces: gRPC, metrics, the remote channel and
// periodic self-update.
type Daemon struct {
	cfg     config.Config
	version string
	logger  *zap.Logger

	// RestartOnUpdate restarts the installed service after an update is applied.
	RestartOnUpdate bool

	// opener replaces the Chrome opener when set.
	opener browser.Opener
	listen func(network, addr string) (net.Listener, error)
}

// NewDaemon returns a daemon that drives Chrome.
func NewDaemon(cfg config.Config, version string, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logger,
		listen:  net.Listen,
	}
}

// sessionOpener is built on demand so it logs through the daemon's current
// logger, which Program may have replaced.
func (d *Daemon) sessionOpener() browser.Opener {
	if d.opener != nil {
		return d.opener
	}
	return &browser.ChromeOpener{
		ExecPath:      d.cfg.Browser.ExecPath,
		ForceHeadless: d.cfg.Browser.ForceHeadless,
		Logger:        d.logger,
	}
}

// Run serves until ctx is cancelled or a surface fails.
func (d *Daemon) Run(ctx context.Context) error {
	log := d.logger.Named("daemon")

	opts := pipeline.Options{
		Interpreter: interpreter.Options{
			DefaultTimeout: d.cfg.Browser.DefaultTimeout,
			PollInterval:   d.cfg.Browser.PollInterval,
		},
	}
	var catalog server.Catalog
	if d.cfg.Database != "" {
		st, err := store.Open(d.cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()
		opts.Recorder = st
		catalog = st
	}

	runner := pipeline.NewRunner(d.sessionOpener(), credentials.NewEnvResolver(), &sink.FileSink{Root: d.cfg.Output}, d.logger, opts)
	dispatcher := server.NewDispatcher(runner, catalog, d.cfg.Parallelism, d.logger)

	lis, err := d.listen("tcp", d.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.GRPC.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := server.New(dispatcher, d.version, d.logger)
	gs := srv.NewGRPCServer()
	g.Go(func() error { return srv.Serve(gctx, gs, lis) })

	if d.cfg.Metrics.Addr != "" {
		mlis, err := d.listen("tcp", d.cfg.Metrics.Addr)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.Metrics.Addr, err)
		}
		g.Go(func() error { return d.serveMetrics(gctx, mlis) })
	}

	if d.cfg.Remote.URL != "" {
		rc := remote.New(remote.Config{
			URL:          d.cfg.Remote.URL,
			APIKey:       d.cfg.Remote.APIKey,
			Name:         d.cfg.Remote.Name,
			Capabilities: d.cfg.Remote.Capabilities,
		}, dispatcher, d.logger)
		g.Go(func() error { return rc.Run(gctx) })
	}

	if d.cfg.Update.Enabled {
		d.startAutoUpdate(gctx)
	}

	log.Info("Daemon started",
		zap.String("version", d.version),
		zap.String("grpc", d.cfg.GRPC.Addr),
		zap.String("metrics", d.cfg.Metrics.Addr),
		zap.Bool("remote", d.cfg.Remote.URL != ""),
		zap.Bool("auto_update", d.cfg.Update.Enabled),
	)
	err = g.Wait()
	log.Info("Daemon stopped")
	return err
}

func (d *Daemon) serveMetrics(ctx context.Context, lis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	})
	defer stop()

	d.logger.Named("metrics").Info("Metrics listening", zap.String("addr", lis.Addr().String()))
	if err := hs.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}

func (d *Daemon) startAutoUpdate(ctx context.Context) {
	log := d.logger.Named("daemon")
	cfg := updater.DefaultConfig(d.version)
	cfg.Owner = d.cfg.Update.Owner
	cfg.Repo = d.cfg.Update.Repo
	cfg.CheckInterval = d.cfg.Update.Interval

	up, err := updater.New(cfg, d.logger)
	if err != nil {
		log.Warn("Auto-update disabled", zap.Error(err))
		return
	}
	up.StartPeriodicCheck(ctx, func(version string) {
		if !d.RestartOnUpdate {
			log.Info("Update applied, restart to use it", zap.String("version", version))
			return
		}
		log.Info("Update applied, restarting service", zap.String("version", version))
		if err := updater.RestartService(ServiceName, d.logger); err != nil {
			log.Error("Failed to restart service", zap.Error(err))
		}
	})
}
