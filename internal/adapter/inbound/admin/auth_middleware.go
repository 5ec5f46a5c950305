package admin

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/ctxkey"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

// Admin access is itself an authorization decision on this resource/action.
const (
	adminResource = "admin"
	adminAction   = "manage"
)

// clientIP returns the host portion of r.RemoteAddr. X-Forwarded-For is
// NOT trusted (an attacker could spoof it).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host
}

// parseNetworks turns IP literals and CIDR ranges into prefixes. Entries
// that parse as neither are skipped; config validation rejects them earlier.
func parseNetworks(entries []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// fromTrustedNetwork reports whether the caller's address is inside one of
// the configured admin networks.
func (h *AdminAPIHandler) fromTrustedNetwork(r *http.Request) bool {
	addr, err := netip.ParseAddr(clientIP(r))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range h.adminNetworks {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// actorFromContext returns the admin principal stored by the auth middleware.
func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(ctxkey.ActorKey{}).(string)
	return actor
}

// adminAuthMiddleware admits callers from a trusted network, or callers whose
// bearer access token belongs to a user authorized for admin:manage. Any
// verdict other than ALLOW is refused, including REQUIRE_STEP_UP.
func (h *AdminAPIHandler) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.fromTrustedNetwork(r) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || h.tokens == nil || h.authorizer == nil {
			h.respondError(w, http.StatusForbidden, "admin API requires a trusted network or an admin bearer token")
			return
		}
		claims, err := h.tokens.VerifyAccessToken(r.Context(), strings.TrimSpace(token))
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "invalid access token")
			return
		}

		rc := trust.RequestContext{
			UserID:            claims.Subject,
			SessionID:         claims.SessionID,
			IPAddress:         clientIP(r),
			UserAgent:         r.UserAgent(),
			DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
			Timestamp:         time.Now().UTC(),
			RequestPath:       r.URL.Path,
			RequestMethod:     r.Method,
		}
		d := h.authorizer.Authorize(r.Context(), rc, adminResource, adminAction, nil)
		switch d.Verdict {
		case authz.VerdictAllow:
		case authz.VerdictRequireStepUp:
			h.respondJSON(w, http.StatusForbidden, map[string]string{
				"error":      "step-up required for admin access",
				"error_code": d.ErrorCode,
			})
			return
		default:
			h.logger.Warn("admin access denied", "user_id", claims.Subject, "verdict", d.Verdict, "code", d.ErrorCode)
			h.respondError(w, http.StatusForbidden, "not authorized for admin access")
			return
		}

		ctx := context.WithValue(r.Context(), ctxkey.ActorKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
