// Package otp implements time-based one-time passwords (RFC 6238) for step-up.
package otp

import (
	"context"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	potp "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

var (
	// ErrUnsupportedStep is returned for step types this verifier cannot check.
	ErrUnsupportedStep = errors.New("unsupported step-up method")
	// ErrNoSecret is returned when the user has no enrolled OTP secret.
	ErrNoSecret = errors.New("user has no OTP secret")
	// ErrInvalidCode is returned for wrong, expired or replayed codes.
	ErrInvalidCode = errors.New("invalid one-time code")
)

const defaultIssuer = "TrustGate"

// Config holds TOTP parameters.
type Config struct {
	Issuer string
	// Digits is the code length. Default 6.
	Digits int
	// Period is the time step. Default 30s.
	Period time.Duration
	// Skew is the number of steps accepted on either side of now. Default 1; negative disables.
	Skew int
}

// TOTP generates and verifies codes and implements step-up verification.
type TOTP struct {
	issuer string
	digits int
	period time.Duration
	skew   int
	now    func() time.Time

	mu       sync.Mutex
	lastUsed map[string]int64 // user ID -> last accepted time step
}

// New creates a TOTP with defaults applied.
func New(cfg Config) *TOTP {
	t := &TOTP{
		issuer:   cfg.Issuer,
		digits:   cfg.Digits,
		period:   cfg.Period,
		skew:     cfg.Skew,
		now:      time.Now,
		lastUsed: make(map[string]int64),
	}
	if t.issuer == "" {
		t.issuer = defaultIssuer
	}
	if t.digits < 6 || t.digits > 8 {
		t.digits = 6
	}
	if t.period < time.Second {
		t.period = 30 * time.Second
	}
	switch {
	case t.skew == 0:
		t.skew = 1
	case t.skew < 0:
		t.skew = 0
	}
	return t
}

func (t *TOTP) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(t.period / time.Second),
		Skew:      uint(t.skew),
		Digits:    potp.Digits(t.digits),
		Algorithm: potp.AlgorithmSHA1,
	}
}

func (t *TOTP) generate(account string, secret []byte) (*potp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: account,
		Period:      uint(t.period / time.Second),
		Digits:      potp.Digits(t.digits),
		Algorithm:   potp.AlgorithmSHA1,
		Secret:      secret,
	})
}

// Enroll creates a random 160-bit secret for account and returns it with the
// otpauth:// URI that authenticator apps scan.
func (t *TOTP) Enroll(account string) (secret, uri string, err error) {
	key, err := t.generate(account, nil)
	if err != nil {
		return "", "", fmt.Errorf("generate otp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// GenerateSecret returns a random 160-bit base32 secret.
func GenerateSecret() (string, error) {
	secret, _, err := New(Config{}).Enroll(defaultIssuer)
	return secret, err
}

// ProvisioningURI returns the otpauth:// URI for an existing secret.
func (t *TOTP) ProvisioningURI(account, secret string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", fmt.Errorf("decode otp secret: %w", err)
	}
	key, err := t.generate(account, raw)
	if err != nil {
		return "", fmt.Errorf("build provisioning uri: %w", err)
	}
	return key.URL(), nil
}

// Code returns the code for secret at the given time.
func (t *TOTP) Code(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, t.opts())
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return code, nil
}

// Validate checks code against secret within the skew window and returns
// the time step it matched.
func (t *TOTP) Validate(secret, code string) (int64, error) {
	now := t.now()
	opts := t.opts()
	ok, err := totp.ValidateCustom(code, secret, now, opts)
	switch {
	case errors.Is(err, potp.ErrValidateSecretInvalidBase32):
		return 0, fmt.Errorf("decode otp secret: %w", err)
	case err != nil || !ok:
		return 0, ErrInvalidCode
	}

	code = strings.TrimSpace(code)
	step := now.Unix() / int64(opts.Period)
	for d := -t.skew; d <= t.skew; d++ {
		at := now.Add(time.Duration(d) * t.period)
		candidate, err := totp.GenerateCodeCustom(secret, at, opts)
		if err == nil && subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			return step + int64(d), nil
		}
	}
	return 0, ErrInvalidCode
}

// VerifyStep checks an OTP step-up response for user. A code is accepted
// at most once per user.
func (t *TOTP) VerifyStep(ctx context.Context, user *rbac.User, step authz.AuthStep, response string) error {
	if step != authz.StepOTP {
		return fmt.Errorf("%w: %s", ErrUnsupportedStep, step)
	}
	if user.OTPSecret == "" {
		return ErrNoSecret
	}
	counter, err := t.Validate(user.OTPSecret, response)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastUsed[user.ID]; ok && counter <= last {
		return fmt.Errorf("%w: code already used", ErrInvalidCode)
	}
	t.lastUsed[user.ID] = counter
	return nil
}
