package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrape-flow/workflow"
)

// base32 of the ASCII seed "12345678901234567890" from RFC 6238 appendix B.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestTOTPMatchesRFC6238Vectors(t *testing.T) {
	gen := DefaultTOTP()
	vectors := []struct {
		unix int64
		code string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, v := range vectors {
		code, err := gen.Generate(NewSecret(rfcSecret), time.Unix(v.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, v.code, code, "T=%d", v.unix)
	}
}

func TestTOTPIsDeterministic(t *testing.T) {
	gen := DefaultTOTP()
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	first, err := gen.Generate(NewSecret(rfcSecret), at)
	require.NoError(t, err)
	second, err := gen.Generate(NewSecret(rfcSecret), at)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 6)
}

func TestTOTPSameWindowSameCode(t *testing.T) {
	gen := DefaultTOTP()
	start := time.Unix(1111111080, 0) // start of a 30s window
	a, err := gen.Generate(NewSecret(rfcSecret), start)
	require.NoError(t, err)
	b, err := gen.Generate(NewSecret(rfcSecret), start.Add(29*time.Second))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, gen.Window(start), gen.Window(start.Add(29*time.Second)))
	assert.NotEqual(t, gen.Window(start), gen.Window(start.Add(30*time.Second)))
}

func TestTOTPDiffersAcrossWindows(t *testing.T) {
	gen := DefaultTOTP()
	base := time.Unix(1700000000, 0)
	seen := map[string]int{}
	for i := 0; i < 50; i++ {
		code, err := gen.Generate(NewSecret(rfcSecret), base.Add(time.Duration(i)*30*time.Second))
		require.NoError(t, err)
		seen[code]++
	}
	// 50 draws from a million codes; a handful of collisions would be suspicious.
	assert.GreaterOrEqual(t, len(seen), 48)
}

func TestTOTPAcceptsGroupedLowercaseSecret(t *testing.T) {
	gen := DefaultTOTP()
	at := time.Unix(59, 0)
	code, err := gen.Generate(NewSecret("gezd gnbv gy3t qojq gezd gnbv gy3t qojq"), at)
	require.NoError(t, err)
	assert.Equal(t, "287082", code)
}

func TestTOTPRejectsInvalidSecretWithoutEchoingIt(t *testing.T) {
	gen := TOTP{Digits: otp.DigitsSix}
	_, err := gen.Generate(NewSecret("not*base32!"), time.Now())
	require.ErrorIs(t, err, ErrInvalidTOTPSecret)
	assert.NotContains(t, err.Error(), "not*base32!")

	_, err = gen.Generate(NewSecret("   "), time.Now())
	require.ErrorIs(t, err, ErrInvalidTOTPSecret)
}

func TestSecretNeverFormats(t *testing.T) {
	s := NewSecret("hunter2")
	assert.Equal(t, "hunter2", s.Reveal())
	for _, out := range []string{
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%s", s),
		fmt.Sprintf("%+v", s),
		fmt.Sprintf("%#v", s),
		fmt.Sprint(s),
	} {
		assert.NotContains(t, out, "hunter2")
	}
	data, err := json.Marshal(struct{ Password Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("SCRAPEFLOW_TEST_PASSWORD", "s3cret")
	t.Setenv("SCRAPEFLOW_TEST_EMPTY", "")
	r := NewEnvResolver()
	ctx := context.Background()

	s, err := r.Resolve(ctx, workflow.SecretRef{EnvVar: "SCRAPEFLOW_TEST_PASSWORD"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", s.Reveal())

	for _, name := range []string{"SCRAPEFLOW_TEST_UNSET_VARIABLE", "SCRAPEFLOW_TEST_EMPTY"} {
		_, err = r.Resolve(ctx, workflow.SecretRef{EnvVar: name})
		require.ErrorIs(t, err, workflow.ErrMissingSecret)
		var cerr *workflow.ConfigError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, name, cerr.Path)
	}
}

func TestEnvResolverReadsAtPointOfUse(t *testing.T) {
	r := NewEnvResolver()
	ref := workflow.SecretRef{EnvVar: "SCRAPEFLOW_TEST_LATE"}
	_, err := r.Resolve(context.Background(), ref)
	require.ErrorIs(t, err, workflow.ErrMissingSecret)

	t.Setenv("SCRAPEFLOW_TEST_LATE", "now-present")
	s, err := r.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "now-present", s.Reveal())
}

func TestChainPrefersEarlierResolvers(t *testing.T) {
	chain := Chain{
		StaticResolver{"USER": "from-request"},
		StaticResolver{"USER": "from-env", "PASS": "env-pass"},
	}
	ctx := context.Background()

	s, err := chain.Resolve(ctx, workflow.SecretRef{EnvVar: "USER"})
	require.NoError(t, err)
	assert.Equal(t, "from-request", s.Reveal())

	s, err = chain.Resolve(ctx, workflow.SecretRef{EnvVar: "PASS"})
	require.NoError(t, err)
	assert.Equal(t, "env-pass", s.Reveal())

	_, err = chain.Resolve(ctx, workflow.SecretRef{EnvVar: "OTHER"})
	require.ErrorIs(t, err, workflow.ErrMissingSecret)
}

func TestResolverHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := StaticResolver{"A": "b"}.Resolve(ctx, workflow.SecretRef{EnvVar: "A"})
	require.ErrorIs(t, err, context.Canceled)
}
