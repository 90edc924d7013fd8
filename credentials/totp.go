package credentials

import (
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// DefaultPeriod is the RFC 6238 time step.
const DefaultPeriod = 30

// ErrInvalidTOTPSecret is returned for secrets that are not valid base32.
// The message never includes the secret.
var ErrInvalidTOTPSecret = errors.New("totp secret is not valid base32")

// CodeGenerator derives a one-time code from a shared secret at a given time.
type CodeGenerator interface {
	Generate(secret Secret, at time.Time) (string, error)
}

// TOTP generates RFC 6238 codes: HMAC over the counter floor(unix/Period).
type TOTP struct {
	Period    uint
	Digits    otp.Digits
	Algorithm otp.Algorithm
}

// DefaultTOTP is the 30 second, 6 digit, SHA-1 variant used by authenticator apps.
func DefaultTOTP() TOTP {
	return TOTP{Period: DefaultPeriod, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
}

// Generate is deterministic in (secret, at).
func (g TOTP) Generate(secret Secret, at time.Time) (string, error) {
	key := normalizeSecret(secret.Reveal())
	if key == "" {
		return "", ErrInvalidTOTPSecret
	}
	opts := totp.ValidateOpts{
		Period:    g.Period,
		Digits:    g.Digits,
		Algorithm: g.Algorithm,
	}
	if opts.Period == 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Digits == 0 {
		opts.Digits = otp.DigitsSix
	}
	code, err := totp.GenerateCodeCustom(key, at.UTC(), opts)
	if err != nil {
		return "", ErrInvalidTOTPSecret
	}
	return code, nil
}

// Window returns the moving counter for at.
func (g TOTP) Window(at time.Time) uint64 {
	period := g.Period
	if period == 0 {
		period = DefaultPeriod
	}
	return uint64(at.Unix()) / uint64(period)
}

// normalizeSecret accepts the grouped, lower-case forms authenticator
// enrollment pages display.
func normalizeSecret(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	return strings.ToUpper(s)
}
