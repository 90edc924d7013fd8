package interpreter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/scrape-flow/credentials"
	"github.com/scrape-flow/workflow"
)

// fakeSession is an in-memory page. Elements become present once their
// appear time has passed.
type fakeSession struct {
	mu        sync.Mutex
	start     time.Time
	appear    map[string]time.Duration
	clickErr  map[string]error
	navErr    error
	navigated []string
	calls     []string
	filled    map[string]string
}

func newFakeSession(present ...string) *fakeSession {
	f := &fakeSession{
		start:    time.Now(),
		appear:   map[string]time.Duration{},
		clickErr: map[string]error{},
		filled:   map[string]string{},
	}
	for _, v := range present {
		f.appear[v] = 0
	}
	return f
}

func (f *fakeSession) appearAfter(value string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appear[value] = d
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	return f.navErr
}

func (f *fakeSession) Exists(ctx context.Context, sel workflow.Selector) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.appear[sel.Value]
	return ok && time.Since(f.start) >= d, nil
}

func (f *fakeSession) Fill(_ context.Context, sel workflow.Selector, value string) error {
	f.record("fill " + sel.Value)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled[sel.Value] = value
	return nil
}

func (f *fakeSession) Click(_ context.Context, sel workflow.Selector) error {
	f.record("click " + sel.Value)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clickErr[sel.Value]
}

func (f *fakeSession) HTML(context.Context) (string, error) { return "", nil }
func (f *fakeSession) Close() error                         { return nil }

func id(v string) workflow.Selector { return workflow.Selector{Kind: workflow.SelectorID, Value: v} }

func fastOptions() Options {
	return Options{DefaultTimeout: 200 * time.Millisecond, PollInterval: 10 * time.Millisecond}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	s := newFakeSession("a", "c")
	in := New(credentials.StaticResolver{}, nil, zaptest.NewLogger(t), fastOptions())

	cfg := &workflow.Config{Actions: []workflow.Action{
		workflow.Click{Selector: id("a")},
		workflow.Click{Selector: id("b")}, // never present
		workflow.Click{Selector: id("c")},
	}}
	out := in.Run(context.Background(), s, cfg)

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 1, out.Index)
	assert.Equal(t, workflow.KindClick, out.Kind)
	assert.Equal(t, 1, out.Executed)
	assert.Equal(t, []string{"click a"}, s.calls, "c never runs")

	var aerr *workflow.ActionError
	require.ErrorAs(t, out.Err, &aerr)
	assert.Equal(t, 1, aerr.Index)
	assert.Equal(t, id("b"), aerr.Selector)
	var nf *workflow.ElementNotFoundError
	assert.ErrorAs(t, out.Err, &nf)
}

func TestRunCompletesAndFillsSecrets(t *testing.T) {
	s := newFakeSession("username", "password", "otp", "submit", "dashboard")
	resolver := credentials.StaticResolver{
		"PORTAL_USERNAME":    "ada",
		"PORTAL_PASSWORD":    "hunter2",
		"PORTAL_TOTP_SECRET": "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ",
	}
	opts := fastOptions()
	opts.Now = func() time.Time { return time.Unix(59, 0) }
	in := New(resolver, credentials.DefaultTOTP(), zaptest.NewLogger(t), opts)

	cfg := &workflow.Config{
		LoginURL: "https://portal.example.com/login",
		Actions: []workflow.Action{
			workflow.FindAndFill{Selector: id("username"), Value: workflow.ValueSource{Secret: workflow.SecretRef{EnvVar: "PORTAL_USERNAME"}}},
			workflow.FindAndFill{Selector: id("password"), Value: workflow.ValueSource{Secret: workflow.SecretRef{EnvVar: "PORTAL_PASSWORD"}}},
			workflow.FindAndFillTOTP{Selector: id("otp"), Secret: workflow.SecretRef{EnvVar: "PORTAL_TOTP_SECRET"}},
			workflow.Click{Selector: id("submit")},
			workflow.WaitForElement{Selector: id("dashboard"), Timeout: time.Second},
		},
	}
	out := in.Run(context.Background(), s, cfg)
	require.NoError(t, out.Err)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 5, out.Executed)
	assert.Equal(t, []string{"https://portal.example.com/login"}, s.navigated)
	assert.Equal(t, map[string]string{"username": "ada", "password": "hunter2", "otp": "287082"}, s.filled)
	assert.Equal(t, []string{"fill username", "fill password", "fill otp", "click submit"}, s.calls)
}

func TestLiteralValue(t *testing.T) {
	s := newFakeSession("q")
	in := New(nil, nil, zaptest.NewLogger(t), fastOptions())
	out := in.Run(context.Background(), s, &workflow.Config{Actions: []workflow.Action{
		workflow.FindAndFill{Selector: id("q"), Value: workflow.ValueSource{Literal: "invoices"}},
	}})
	require.NoError(t, out.Err)
	assert.Equal(t, "invoices", s.filled["q"])
}

func TestMissingSecretFailsBeforeTouchingPage(t *testing.T) {
	s := newFakeSession("otp")
	in := New(credentials.StaticResolver{}, nil, zaptest.NewLogger(t), fastOptions())
	out := in.Run(context.Background(), s, &workflow.Config{Actions: []workflow.Action{
		workflow.FindAndFillTOTP{Selector: id("otp"), Secret: workflow.SecretRef{EnvVar: "OTP_SEED"}},
	}})

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, out.Index)
	assert.Equal(t, workflow.KindFindAndFillTOTP, out.Kind)
	assert.Empty(t, s.calls)

	var aerr *workflow.ActionError
	require.ErrorAs(t, out.Err, &aerr)
	var auth *workflow.AuthInputError
	require.ErrorAs(t, out.Err, &auth)
	assert.Equal(t, "OTP_SEED", auth.Ref.EnvVar)
	var cerr *workflow.ConfigError
	require.ErrorAs(t, out.Err, &cerr)
	assert.ErrorIs(t, out.Err, workflow.ErrMissingSecret)
}

func TestSecretsResolvedLazily(t *testing.T) {
	s := newFakeSession("a")
	resolver := &countingResolver{values: map[string]string{}}
	in := New(resolver, nil, zaptest.NewLogger(t), fastOptions())
	out := in.Run(context.Background(), s, &workflow.Config{Actions: []workflow.Action{
		workflow.Click{Selector: id("missing")},
		workflow.FindAndFill{Selector: id("a"), Value: workflow.ValueSource{Secret: workflow.SecretRef{EnvVar: "NEVER_SET"}}},
	}})
	assert.Equal(t, 0, out.Index)
	assert.Zero(t, resolver.calls, "an action that never runs never resolves its secret")
}

type countingResolver struct {
	values map[string]string
	calls  int
}

func (r *countingResolver) Resolve(ctx context.Context, ref workflow.SecretRef) (credentials.Secret, error) {
	r.calls++
	return credentials.StaticResolver(r.values).Resolve(ctx, ref)
}

func TestSecretValuesNeverLeak(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := newFakeSession("user")
	s.clickErr["go"] = errors.New("detached node")
	s.appear["go"] = 0
	in := New(credentials.StaticResolver{"PW": "correct-horse"}, nil, zap.New(core), fastOptions())

	out := in.Run(context.Background(), s, &workflow.Config{Actions: []workflow.Action{
		workflow.FindAndFill{Selector: id("user"), Value: workflow.ValueSource{Secret: workflow.SecretRef{EnvVar: "PW"}}},
		workflow.Click{Selector: id("go")},
	}})
	require.Error(t, out.Err)
	assert.NotContains(t, out.Err.Error(), "correct-horse")
	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, "correct-horse")
		for _, f := range entry.Context {
			assert.NotContains(t, fmt.Sprint(f.String, f.Interface), "correct-horse")
		}
	}
}

func TestWaitSucceedsWhenElementAppears(t *testing.T) {
	s := newFakeSession()
	s.appearAfter("dashboard", 60*time.Millisecond)
	in := New(nil, nil, zaptest.NewLogger(t), fastOptions())

	start := time.Now()
	out := in.Run(context.Background(), s, &workflow.Config{Actions: []workflow.Action{
		workflow.WaitForElement{Selector: id("dashboard"), Timeout: 5 * time.Second},
	}})
	elapsed := time.Since(start)

	require.NoError(t, out.Err)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "returns promptly once present")
}

func TestWaitTimesOutNoEarlier(t *testing.T) {
	s := newFakeSession()
	in := New(nil, nil, zaptest.NewLogger(t), fastOptions())

	timeout := 120 * time.Millisecond
	start := time.Now()
	out := in.Run(context.Background(), s, &workflow.Config{Actions: []workflow.Action{
		workflow.WaitForElement{Selector: id("dashboard"), Timeout: timeout},
	}})
	elapsed := time.Since(start)

	var terr *workflow.TimeoutError
	require.ErrorAs(t, out.Err, &terr)
	assert.Equal(t, timeout, terr.Timeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestCancellationInterruptsWait(t *testing.T) {
	s := newFakeSession()
	in := New(nil, nil, zaptest.NewLogger(t), fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	out := in.Run(ctx, s, &workflow.Config{Actions: []workflow.Action{
		workflow.WaitForElement{Selector: id("dashboard"), Timeout: 10 * time.Second},
		workflow.Click{Selector: id("after")},
	}})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, out.Index)
	assert.ErrorIs(t, out.Err, context.Canceled)
	var terr *workflow.TimeoutError
	assert.False(t, errors.As(out.Err, &terr), "cancellation is not a timeout")
	assert.Empty(t, s.calls)
}

func TestNavigationFailure(t *testing.T) {
	s := newFakeSession("a")
	s.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	in := New(nil, nil, zaptest.NewLogger(t), fastOptions())
	out := in.Run(context.Background(), s, &workflow.Config{
		LoginURL: "https://nowhere.invalid/",
		Actions:  []workflow.Action{workflow.Click{Selector: id("a")}},
	})
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, -1, out.Index)
	var derr *workflow.DriverError
	require.ErrorAs(t, out.Err, &derr)
	assert.Equal(t, "navigate", derr.Op)
	assert.Empty(t, s.calls)
}

func TestRunWithOverrideResolver(t *testing.T) {
	s := newFakeSession("user")
	in := New(credentials.StaticResolver{"USER": "from-env"}, nil, zaptest.NewLogger(t), fastOptions())
	cfg := &workflow.Config{Actions: []workflow.Action{
		workflow.FindAndFill{Selector: id("user"), Value: workflow.ValueSource{Secret: workflow.SecretRef{EnvVar: "USER"}}},
	}}
	out := in.RunWith(context.Background(), s, cfg, credentials.StaticResolver{"USER": "from-request"})
	require.NoError(t, out.Err)
	assert.Equal(t, "from-request", s.filled["user"])
}

func TestRunWithResolverReplacesDefault(t *testing.T) {
	s := newFakeSession("user")
	in := New(credentials.StaticResolver{"HOST_KEY": "host-only"}, nil, zaptest.NewLogger(t), fastOptions())
	cfg := &workflow.Config{Actions: []workflow.Action{
		workflow.FindAndFill{Selector: id("user"), Value: workflow.ValueSource{Secret: workflow.SecretRef{EnvVar: "HOST_KEY"}}},
	}}
	out := in.RunWith(context.Background(), s, cfg, credentials.StaticResolver{})
	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, workflow.ErrMissingSecret)
	assert.Empty(t, s.filled)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) ActionStarted(i int, a workflow.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("start %d %s", i, a.Kind()))
}

func (r *recordingObserver) ActionFinished(i int, a workflow.Action, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("finish %d %s ok=%t", i, a.Kind(), err == nil))
}

func TestObserverSeesEachAction(t *testing.T) {
	s := newFakeSession("a")
	obs := &recordingObserver{}
	opts := fastOptions()
	opts.Observer = obs
	in := New(nil, nil, zaptest.NewLogger(t), opts)
	in.Run(context.Background(), s, &workflow.Config{Actions: []workflow.Action{
		workflow.Click{Selector: id("a")},
		workflow.Click{Selector: id("b")},
	}})
	assert.Equal(t, []string{
		"start 0 click", "finish 0 click ok=true",
		"start 1 click", "finish 1 click ok=false",
	}, obs.events)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "completed", Completed.String())
	assert.True(t, strings.HasPrefix(State(42).String(), "state("))
}
