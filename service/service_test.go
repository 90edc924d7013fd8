package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	svc "github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/scrape-flow/browser"
	"github.com/scrape-flow/config"
	"github.com/scrape-flow/server"
	"github.com/scrape-flow/store"
	"github.com/scrape-flow/workflow"
)

type listeners struct {
	mu    sync.Mutex
	addrs map[string]string
	ready chan struct{}
}

func (l *listeners) listen(network, addr string) (net.Listener, error) {
	lis, err := net.Listen(network, "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.addrs[addr] = lis.Addr().String()
	if len(l.addrs) == 2 {
		close(l.ready)
	}
	l.mu.Unlock()
	return lis, nil
}

func (l *listeners) get(addr string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addrs[addr]
}

func TestDaemonServesGRPCAndMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "scrapeflow.db")
	cfg.Output = t.TempDir()
	cfg.GRPC.Addr = "grpc"
	cfg.Metrics.Addr = "metrics"

	d := NewDaemon(cfg, "1.4.0", zaptest.NewLogger(t))
	d.opener = browser.OpenerFunc(func(context.Context, workflow.DriverOptions) (browser.Session, error) {
		return nil, errors.New("chrome not installed")
	})
	ls := &listeners{addrs: map[string]string{}, ready: make(chan struct{})}
	d.listen = ls.listen

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-ls.ready:
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	}

	conn, err := grpc.NewClient(ls.get("grpc"), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client := server.NewClient(conn)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", health.GetFields()["version"].GetStringValue())

	in, err := structpb.NewStruct(map[string]any{
		"document": `{"actions": [{"type": "click", "selector": "id", "selector_value": "go"}], "data_extraction": []}`,
	})
	require.NoError(t, err)
	out, err := client.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "failed", out.GetFields()["status"].GetStringValue())
	assert.Equal(t, "driver", out.GetFields()["error_kind"].GetStringValue())

	resp, err := http.Get("http://" + ls.get("metrics") + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "scrapeflow_runs_total")

	require.NoError(t, conn.Close())
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	st, err := store.Open(cfg.Database)
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), "inline", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "driver", runs[0].ErrorKind)
}

func TestDaemonFailsOnBadDatabase(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfg := config.Default()
	cfg.Database = filepath.Join(blocker, "scrapeflow.db")
	d := NewDaemon(cfg, "dev", zaptest.NewLogger(t))
	d.listen = func(string, string) (net.Listener, error) {
		t.Error("listen should not be reached")
		return nil, errors.New("unreachable")
	}
	assert.Error(t, d.Run(context.Background()))
}

func TestBuildServiceArgs(t *testing.T) {
	assert.Equal(t, []string{"service", "run"}, buildServiceArgs(""))

	args := buildServiceArgs("scrapeflow.yml")
	require.Len(t, args, 4)
	assert.Equal(t, "--config", args[2])
	assert.True(t, filepath.IsAbs(args[3]))
	assert.True(t, strings.HasSuffix(args[3], "scrapeflow.yml"))
}

func TestNewServiceConfig(t *testing.T) {
	cfg := NewServiceConfig("/opt/scrapeflow/scrapeflow", []string{"service", "run"})
	assert.Equal(t, ServiceName, cfg.Name)
	assert.Equal(t, "/opt/scrapeflow/scrapeflow", cfg.Executable)
	assert.Equal(t, "automatic", cfg.Option["StartType"])
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Running", statusText(svc.StatusRunning))
	assert.Equal(t, "Stopped", statusText(svc.StatusStopped))
	assert.Equal(t, "Unknown", statusText(svc.StatusUnknown))
}

func TestProgramStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Database = ""
	cfg.Metrics.Addr = ""
	cfg.GRPC.Addr = "127.0.0.1:0"
	d := NewDaemon(cfg, "dev", zaptest.NewLogger(t))

	original := d.logger
	p := &Program{Daemon: d, LogFile: filepath.Join(t.TempDir(), "logs", "scrapeflow.log")}
	require.NoError(t, p.Start(nil))
	assert.NoError(t, p.Stop(nil))

	require.NotSame(t, original, d.logger, "the file log replaces the daemon logger")
	opener, ok := d.sessionOpener().(*browser.ChromeOpener)
	require.True(t, ok)
	assert.Same(t, d.logger, opener.Logger, "browser logs reach the service log file")
}

func TestSessionOpenerOverride(t *testing.T) {
	d := NewDaemon(config.Default(), "dev", zaptest.NewLogger(t))
	fake := browser.OpenerFunc(func(context.Context, workflow.DriverOptions) (browser.Session, error) {
		return nil, errors.New("unused")
	})
	d.opener = fake
	_, err := d.sessionOpener().Open(context.Background(), workflow.DriverOptions{})
	assert.EqualError(t, err, "unused")
}
