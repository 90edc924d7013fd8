// Package credentials resolves secret references at the moment of use and
// derives time-based one-time codes from them.
package credentials

import (
	"context"
	"errors"
	"os"

	"github.com/scrape-flow/workflow"
)

const redacted = "[redacted]"

// Secret wraps a resolved value so it cannot leak through formatting,
// logging or serialization. Use Reveal at the single point of consumption.
type Secret struct {
	value string
}

// NewSecret wraps v.
func NewSecret(v string) Secret { return Secret{value: v} }

// Reveal returns the plain value.
func (s Secret) Reveal() string { return s.value }

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// MarshalJSON never emits the value.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Resolver maps a secret reference to its value. Implementations return a
// *workflow.ConfigError wrapping workflow.ErrMissingSecret when the reference
// cannot be satisfied.
type Resolver interface {
	Resolve(ctx context.Context, ref workflow.SecretRef) (Secret, error)
}

// EnvResolver reads process environment variables.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver returns a resolver backed by os.LookupEnv.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve looks the variable up now. An empty value counts as missing.
func (r *EnvResolver) Resolve(ctx context.Context, ref workflow.SecretRef) (Secret, error) {
	if err := ctx.Err(); err != nil {
		return Secret{}, err
	}
	v, ok := r.lookup(ref.EnvVar)
	if !ok || v == "" {
		return Secret{}, workflow.MissingSecret(ref)
	}
	return NewSecret(v), nil
}

// StaticResolver serves secrets from a fixed map, e.g. values supplied with a
// remote run request.
type StaticResolver map[string]string

// Resolve returns the mapped value for ref.
func (m StaticResolver) Resolve(ctx context.Context, ref workflow.SecretRef) (Secret, error) {
	if err := ctx.Err(); err != nil {
		return Secret{}, err
	}
	v, ok := m[ref.EnvVar]
	if !ok || v == "" {
		return Secret{}, workflow.MissingSecret(ref)
	}
	return NewSecret(v), nil
}

// Chain tries each resolver in order and returns the first value found. A
// resolver that reports a missing secret passes the lookup on; any other
// error stops the chain.
type Chain []Resolver

// Resolve walks the chain.
func (c Chain) Resolve(ctx context.Context, ref workflow.SecretRef) (Secret, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		s, err := r.Resolve(ctx, ref)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, workflow.ErrMissingSecret) {
			return Secret{}, err
		}
	}
	return Secret{}, workflow.MissingSecret(ref)
}
