package updater

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	calls   atomic.Int32
	err     error
	applied atomic.Int32
}

func (f *fakeSource) DetectLatest(ctx context.Context, repo selfupdate.Repository) (*selfupdate.Release, bool, error) {
	f.calls.Add(1)
	return nil, false, f.err
}

func (f *fakeSource) UpdateTo(ctx context.Context, rel *selfupdate.Release, path string) error {
	f.applied.Add(1)
	return nil
}

func TestNormalizeVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", normalizeVersion("1.2.0"))
	assert.Equal(t, "v1.2.0", normalizeVersion("v1.2.0"))
	assert.Equal(t, "", normalizeVersion(""))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("1.0.0")
	assert.Equal(t, "scrape-flow/scrapeflow", cfg.slug())
	assert.Equal(t, time.Hour, cfg.CheckInterval)
	assert.Equal(t, "1.0.0", cfg.CurrentVersion)
}

func TestCheckWithoutRelease(t *testing.T) {
	src := &fakeSource{}
	u := newUpdater(DefaultConfig("1.0.0"), src, zaptest.NewLogger(t))

	version, updated, err := u.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Empty(t, version)
	assert.Zero(t, src.applied.Load())
}

func TestCheckPropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("rate limited")}
	u := newUpdater(DefaultConfig("1.0.0"), src, zaptest.NewLogger(t))

	_, _, err := u.CheckAndUpdate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestPeriodicCheckRunsUntilCancelled(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig("1.0.0")
	cfg.CheckInterval = 10 * time.Millisecond
	u := newUpdater(cfg, src, zaptest.NewLogger(t))
	u.startupDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	u.StartPeriodicCheck(ctx, func(string) { t.Error("no update expected") })
	assert.Eventually(t, func() bool { return src.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	time.Sleep(30 * time.Millisecond)
	settled := src.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, src.calls.Load(), settled+1)
}

func TestRestartCommands(t *testing.T) {
	cmds, err := restartCommands("windows", "scrapeflow")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"sc", "stop", "scrapeflow"}, {"sc", "start", "scrapeflow"}}, cmds)

	cmds, err = restartCommands("linux", "scrapeflow")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"systemctl", "restart", "scrapeflow"}}, cmds)

	_, err = restartCommands("plan9", "scrapeflow")
	assert.Error(t, err)
}
