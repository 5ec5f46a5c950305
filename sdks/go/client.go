package trustgate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Decision API paths.
const (
	pathAuthorize    = "/v1/authorize"
	pathAuthenticate = "/v1/authenticate"
	pathStepUp       = "/v1/step-up"
	pathLogout       = "/v1/logout"
	pathRefresh      = "/v1/refresh"
)

// Client talks to the TrustGate decision API.
type Client struct {
	serverAddr string
	failMode   string
	timeout    time.Duration
	httpClient *http.Client

	// Cache of ALLOW decisions.
	cache        sync.Map
	cacheTTL     time.Duration
	cacheMaxSize int
	cacheCount   int64
	cacheMu      sync.Mutex

	logger *slog.Logger
}

type cacheEntry struct {
	decision  *Decision
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a new TrustGate client.
// It reads configuration from TRUSTGATE_* environment variables by default.
// Options override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:   os.Getenv("TRUSTGATE_SERVER_ADDR"),
		failMode:     envOrDefault("TRUSTGATE_FAIL_MODE", "closed"),
		timeout:      parseDurationEnv("TRUSTGATE_TIMEOUT", 5*time.Second),
		cacheTTL:     parseDurationEnv("TRUSTGATE_CACHE_TTL", 5*time.Second),
		cacheMaxSize: parseIntEnv("TRUSTGATE_CACHE_MAX_SIZE", 1000),
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Authorize asks whether the session behind accessToken may perform the
// request. An ALLOW returns the decision. DENY and BLOCK return a
// *DeniedError, REQUIRE_STEP_UP a *StepUpRequiredError. When the server is
// unreachable the fail mode decides: "open" returns a synthetic ALLOW,
// "closed" a *ServerUnreachableError.
func (c *Client) Authorize(ctx context.Context, accessToken string, req AuthorizeRequest) (*Decision, error) {
	cacheKey := c.buildCacheKey(accessToken, req)
	if d, ok := c.getFromCache(cacheKey); ok {
		return d, nil
	}

	var d Decision
	err := c.doRequest(ctx, http.MethodPost, pathAuthorize, accessToken, req, &d)
	if err != nil {
		if isConnectionError(err) {
			if c.failMode != "open" {
				return nil, &ServerUnreachableError{Cause: err}
			}
			c.logger.Warn("TrustGate server unreachable, failing open",
				"server_addr", c.serverAddr,
				"resource", req.Resource,
				"action", req.Action,
				"error", err,
			)
			return &Decision{
				Verdict: VerdictAllow,
				Reason:  "server unreachable, fail-open",
			}, nil
		}
		return nil, err
	}

	switch d.Verdict {
	case VerdictAllow:
		c.putInCache(cacheKey, &d)
		return &d, nil
	case VerdictRequireStepUp:
		return nil, &StepUpRequiredError{Reason: d.Reason, TrustScore: d.TrustScore}
	case VerdictDeny, VerdictBlock:
		return nil, &DeniedError{
			Verdict:    d.Verdict,
			ErrorCode:  d.ErrorCode,
			Reason:     d.Reason,
			TrustScore: d.TrustScore,
		}
	default:
		return nil, fmt.Errorf("unexpected verdict %q", d.Verdict)
	}
}

// Check is a convenience wrapper around Authorize that reports whether the
// request is allowed. Denials and step-up requirements return false with a
// nil error.
func (c *Client) Check(ctx context.Context, accessToken string, req AuthorizeRequest) (bool, error) {
	_, err := c.Authorize(ctx, accessToken, req)
	if err != nil {
		if errors.Is(err, ErrDenied) || errors.Is(err, ErrStepUpRequired) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Authenticate logs a user in. A successful result may still require a
// step-up (RequiresAdditionalAuth); its tokens are then valid for StepUp only
// until the challenge is met. A rejected login returns an *AuthenticationError.
func (c *Client) Authenticate(ctx context.Context, req AuthenticateRequest) (*AuthenticationResult, error) {
	var res AuthenticationResult
	err := c.doRequest(ctx, http.MethodPost, pathAuthenticate, "", req, &res)
	if err != nil {
		var tgErr *TrustGateError
		if errors.As(err, &tgErr) && res.ErrorCode != "" {
			return nil, &AuthenticationError{
				StatusCode: tgErr.StatusCode,
				ErrorCode:  res.ErrorCode,
				TrustScore: res.TrustScore,
			}
		}
		if isConnectionError(err) {
			return nil, &ServerUnreachableError{Cause: err}
		}
		return nil, err
	}
	if !res.Success {
		return nil, &AuthenticationError{StatusCode: http.StatusOK, ErrorCode: res.ErrorCode, TrustScore: res.TrustScore}
	}
	return &res, nil
}

// StepUp answers a step-up challenge for the session behind accessToken.
func (c *Client) StepUp(ctx context.Context, accessToken string, step AuthStep, response string) error {
	err := c.doRequest(ctx, http.MethodPost, pathStepUp, accessToken, stepUpRequest{Step: step, Response: response}, nil)
	if err != nil && isConnectionError(err) {
		return &ServerUnreachableError{Cause: err}
	}
	return err
}

// Logout ends the session behind accessToken and drops its cached decisions.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	c.evictToken(accessToken)
	err := c.doRequest(ctx, http.MethodPost, pathLogout, accessToken, nil, nil)
	if err != nil && isConnectionError(err) {
		return &ServerUnreachableError{Cause: err}
	}
	return err
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	var tokens Tokens
	err := c.doRequest(ctx, http.MethodPost, pathRefresh, "", refreshRequest{RefreshToken: refreshToken}, &tokens)
	if err != nil {
		if isConnectionError(err) {
			return nil, &ServerUnreachableError{Cause: err}
		}
		return nil, err
	}
	return &tokens, nil
}

// doRequest performs an HTTP request to the TrustGate server. On a non-2xx
// status it still decodes a JSON body into result so callers can read error
// codes, and returns a *TrustGateError.
func (c *Client) doRequest(ctx context.Context, method, path, token string, body any, result any) error {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		if result != nil {
			_ = json.Unmarshal(respBody, result)
		}
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &msg)
		return &TrustGateError{StatusCode: httpResp.StatusCode, Message: msg.Error}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// buildCacheKey derives a key from the token and the request minus its
// timestamp. The token hash prefix lets Logout evict a session's entries.
func (c *Client) buildCacheKey(token string, req AuthorizeRequest) string {
	req.Context.Timestamp = time.Time{}
	h := sha256.New()
	reqBytes, _ := json.Marshal(req)
	h.Write(reqBytes)
	return tokenPrefix(token) + hex.EncodeToString(h.Sum(nil))[:16]
}

func tokenPrefix(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8]) + ":"
}

// getFromCache retrieves a cached decision if it exists and hasn't expired.
func (c *Client) getFromCache(key string) (*Decision, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}
	val, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.deleteKey(key)
		return nil, false
	}
	return entry.decision, true
}

// putInCache stores an ALLOW decision.
func (c *Client) putInCache(key string, d *Decision) {
	if c.cacheTTL <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cacheCount >= int64(c.cacheMaxSize) {
		now := time.Now()
		evicted := 0
		c.cache.Range(func(k, v any) bool {
			if now.After(v.(*cacheEntry).expiresAt) {
				c.cache.Delete(k)
				evicted++
			}
			return evicted < 100
		})
		c.cacheCount -= int64(evicted)

		if c.cacheCount >= int64(c.cacheMaxSize) {
			var oldest time.Time
			var oldestKey any
			c.cache.Range(func(k, v any) bool {
				entry := v.(*cacheEntry)
				if oldest.IsZero() || entry.createdAt.Before(oldest) {
					oldest = entry.createdAt
					oldestKey = k
				}
				return true
			})
			if oldestKey != nil {
				c.cache.Delete(oldestKey)
				c.cacheCount--
			}
		}
	}

	now := time.Now()
	if _, loaded := c.cache.Swap(key, &cacheEntry{
		decision:  d,
		expiresAt: now.Add(c.cacheTTL),
		createdAt: now,
	}); !loaded {
		c.cacheCount++
	}
}

func (c *Client) deleteKey(key any) {
	if _, loaded := c.cache.LoadAndDelete(key); loaded {
		c.cacheMu.Lock()
		c.cacheCount--
		c.cacheMu.Unlock()
	}
}

// evictToken removes every cached decision made for token.
func (c *Client) evictToken(token string) {
	prefix := tokenPrefix(token)
	c.cache.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			c.deleteKey(k)
		}
		return true
	})
}

// isConnectionError reports whether err came from the transport rather than
// from an HTTP response.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var tgErr *TrustGateError
	return !errors.As(err, &tgErr)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
