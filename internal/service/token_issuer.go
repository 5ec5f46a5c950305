package service

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
)

// ErrInvalidToken is returned for tokens that fail signature, claim or session checks.
var ErrInvalidToken = errors.New("invalid token")

// Token types carried in the "typ" claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// TokenClaims are the claims of access and refresh tokens.
type TokenClaims struct {
	SessionID string   `json:"sid"`
	Roles     []string `json:"roles,omitempty"`
	Type      string   `json:"typ"`
	jwt.RegisteredClaims
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	// Algorithm is HS256, HS384 or HS512. Default: HS256.
	Algorithm  string
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenIssuer signs and verifies session tokens.
type TokenIssuer struct {
	cfg    TokenConfig
	method jwt.SigningMethod
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	var method jwt.SigningMethod
	switch cfg.Algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	return &TokenIssuer{cfg: cfg, method: method, now: time.Now}, nil
}

// Issue returns a signed access and refresh token pair for a session.
func (t *TokenIssuer) Issue(userID, sessionID string, roles []string) (*authz.Tokens, error) {
	now := t.now()
	access, err := t.sign(userID, sessionID, roles, TokenAccess, now, t.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := t.sign(userID, sessionID, nil, TokenRefresh, now, t.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &authz.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(t.cfg.AccessTTL).UTC(),
	}, nil
}

func (t *TokenIssuer) sign(userID, sessionID string, roles []string, typ string, now time.Time, ttl time.Duration) (string, error) {
	claims := TokenClaims{
		SessionID: sessionID,
		Roles:     slices.Clone(roles),
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    t.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if t.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{t.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(t.method, claims).SignedString(t.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token of the given type and returns its claims.
// Every failure wraps ErrInvalidToken.
func (t *TokenIssuer) Parse(token, typ string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.cfg.Issuer))
	}
	if t.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(t.cfg.Audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(*jwt.Token) (any, error) {
		return t.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, typ)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing subject or session", ErrInvalidToken)
	}
	return claims, nil
}
