package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scrape-flow/browser"
	"github.com/scrape-flow/credentials"
	"github.com/scrape-flow/interpreter"
	"github.com/scrape-flow/pipeline"
	"github.com/scrape-flow/sink"
	"github.com/scrape-flow/store"
	"github.com/scrape-flow/workflow"
)

const hostSecretDoc = `{
	"login_url": "https://collector.example.net/login",
	"actions": [{"type": "find_and_fill", "selector": "id", "selector_value": "user", "value_env_var": "SCRAPEFLOW_TEST_HOST_KEY"}],
	"data_extraction": []
}`

// formSession records every value typed into it.
type formSession struct {
	mu     sync.Mutex
	filled map[string]string
}

func (f *formSession) Navigate(context.Context, string) error                  { return nil }
func (f *formSession) Exists(context.Context, workflow.Selector) (bool, error) { return true, nil }
func (f *formSession) Click(context.Context, workflow.Selector) error          { return nil }
func (f *formSession) HTML(context.Context) (string, error)                    { return "<html></html>", nil }
func (f *formSession) Close() error                                            { return nil }

func (f *formSession) Fill(_ context.Context, sel workflow.Selector, v string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled[sel.Value] = v
	return nil
}

func (f *formSession) values() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.filled))
	for k, v := range f.filled {
		out[k] = v
	}
	return out
}

func newEnvDispatcher(t *testing.T) (*Dispatcher, *formSession, *store.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	page := &formSession{filled: map[string]string{}}
	opener := browser.OpenerFunc(func(context.Context, workflow.DriverOptions) (browser.Session, error) {
		return page, nil
	})
	st, err := store.Open(filepath.Join(t.TempDir(), "scrapeflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runner := pipeline.NewRunner(opener, credentials.NewEnvResolver(), &sink.FileSink{Root: t.TempDir()}, logger, pipeline.Options{
		Interpreter: interpreter.Options{DefaultTimeout: 100 * time.Millisecond, PollInterval: 5 * time.Millisecond},
	})
	return NewDispatcher(runner, st, 1, logger), page, st
}

func TestInlineDocumentCannotReadDaemonEnvironment(t *testing.T) {
	t.Setenv("SCRAPEFLOW_TEST_HOST_KEY", "daemon-private-key")
	d, page, _ := newEnvDispatcher(t)

	res, err := d.Dispatch(context.Background(), Request{Document: []byte(hostSecretDoc)})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.KindAuthInput, res.ErrorKind)
	assert.Empty(t, page.values())
	assert.NotContains(t, res.Error, "daemon-private-key")

	res, err = d.Dispatch(context.Background(), Request{
		Document: []byte(hostSecretDoc),
		Secrets:  map[string]string{"SCRAPEFLOW_TEST_HOST_KEY": "caller-value"},
	})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "caller-value", page.values()["user"])
}

func TestStoredPipelineReadsDaemonEnvironment(t *testing.T) {
	t.Setenv("SCRAPEFLOW_TEST_HOST_KEY", "operator-value")
	d, page, st := newEnvDispatcher(t)
	require.NoError(t, st.SavePipeline(context.Background(), "collector", []byte(hostSecretDoc)))

	res, err := d.Dispatch(context.Background(), Request{Pipeline: "collector"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "operator-value", page.values()["user"])
}
