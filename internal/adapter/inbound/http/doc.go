// Package http provides the HTTP decision API for TrustGate.
//
// Enforcement points call it to authenticate users and to ask for
// authorization decisions:
//
//	handler := http.NewDecisionHandler(authorizationService, authenticationService)
//	srv := http.NewServer(handler,
//	    http.WithAddr("127.0.0.1:8080"),
//	    http.WithMetrics(metrics, registry),
//	    http.WithHealthChecker(checker),
//	    http.WithAdminHandler(adminAPI.Routes()),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	POST /v1/authenticate  - password login, returns tokens and step-up demand
//	POST /v1/step-up       - answer a step-up challenge (bearer token)
//	POST /v1/authorize     - decide resource/action for the bearer
//	POST /v1/refresh       - exchange a refresh token
//	POST /v1/logout        - revoke the bearer's session
//	GET  /health           - component health
//	GET  /metrics          - Prometheus metrics
//
// /v1/authorize answers 200 for every decision; the verdict (ALLOW, DENY,
// BLOCK, REQUIRE_STEP_UP) is in the body. A request without a bearer token
// is evaluated as anonymous and denied.
//
// # Request Headers
//
//	Authorization: Bearer <access-token>
//	X-Request-ID: <id>                   - echoed back; generated when absent
//	traceparent: <w3c trace context>     - decision spans join the caller's trace
package http
