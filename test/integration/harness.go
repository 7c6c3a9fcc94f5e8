// Package integration provides a reusable test harness for end-to-end
// integration testing of the Conductor orchestration server. It starts a
// full HTTP server with an in-memory flow store, a real JWT authenticator
// backed by a test JWKS issuer, and the complete middleware chain.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stratusmap/conductor/internal/config"
	"github.com/stratusmap/conductor/internal/events"
	"github.com/stratusmap/conductor/internal/flow"
	"github.com/stratusmap/conductor/internal/observability"
	"github.com/stratusmap/conductor/internal/tasks"
	"github.com/stratusmap/conductor/internal/transport"
	"github.com/stratusmap/conductor/model"
)

// TestHarness encapsulates a fully wired Conductor instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store    *flow.MemoryFlowStore
	Repo     *flow.Repository
	Engine   *flow.Engine
	Sync     *flow.SyncService
	Detector *flow.ZombieDetector
	Tracker  *tasks.Tracker
	Bus      *events.Bus
	Registry *flow.HandlerRegistry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	lockTimeout    time.Duration
	agent          flow.TransitionAgent
	handlers       map[string]flow.PhaseHandler
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithAgent replaces the default catalog agent.
func WithAgent(agent flow.TransitionAgent) HarnessOption {
	return func(c *harnessConfig) {
		c.agent = agent
	}
}

// WithPhaseHandler overrides the handler for one flow type and phase.
func WithPhaseHandler(flowType, phase string, handler flow.PhaseHandler) HarnessOption {
	return func(c *harnessConfig) {
		if c.handlers == nil {
			c.handlers = make(map[string]flow.PhaseHandler)
		}
		c.handlers[flowType+"/"+phase] = handler
	}
}

// NewTestHarness creates and starts a full Conductor test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		lockTimeout:    time.Minute,
		agent:          flow.CatalogAgent{},
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zap.NewNop()

	h := &TestHarness{
		t:      t,
		issuer: newTokenIssuer(t),
		Store:  flow.NewMemoryFlowStore(),
		Bus:    events.NewBus(),
	}
	t.Cleanup(func() { h.Bus.Close() })

	h.Repo = flow.NewRepository(h.Store, nil, logger)
	h.Sync = flow.NewSyncService(h.Repo, h.Bus, nil, logger)
	h.Tracker = tasks.NewTracker(100, h.Bus, nil, logger)

	h.Registry = flow.NewHandlerRegistry()
	for flowType := range model.ValidFlowTypes {
		for _, phase := range flow.Phases(flowType) {
			h.Registry.Register(flowType, phase, passthroughHandler(phase))
		}
	}
	for key, handler := range hc.handlers {
		flowType, phase, _ := strings.Cut(key, "/")
		h.Registry.Register(flowType, phase, handler)
	}

	locks := flow.NewMemoryLockManager(hc.lockTimeout, logger)
	h.Engine = flow.NewEngine(h.Repo, locks, hc.agent, h.Registry, h.Sync, nil, logger)
	h.Detector = flow.NewZombieDetector(h.Store, h.Engine, h.Tracker, 0, nil, logger)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Repo:         h.Repo,
		Engine:       h.Engine,
		Sync:         h.Sync,
		Detector:     h.Detector,
		Tracker:      h.Tracker,
		Readiness:    observability.ReadinessChecks{FlowStore: h.Store, LockManager: locks},
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// passthroughHandler returns phase output echoing the phase input.
func passthroughHandler(phase string) flow.PhaseHandler {
	return func(ctx context.Context, flowID string, phaseInput, flowState map[string]any) (map[string]any, error) {
		out := map[string]any{"phase": phase}
		for k, v := range phaseInput {
			out[k] = v
		}
		return out, nil
	}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertJSON checks that the response has the expected status and parses
// the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// AnalystClaims returns TestClaims for a migration analyst in the default
// test tenant.
func AnalystClaims() TestClaims {
	return TestClaims{
		SubjectID:       "user-analyst",
		ClientAccountID: "6a1f8a3e-30cf-4f2a-9d0c-3c8f6fbb0a01",
		EngagementID:    "b2d43e1c-7f4d-4b3f-8f2e-1a9c5d7e0b02",
		Email:           "analyst@acme.example.com",
		Roles:           []string{"migration_analyst"},
	}
}

// OtherTenantClaims returns TestClaims scoped to a different engagement.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID:       "user-other",
		ClientAccountID: "0f6b2d9a-5e8c-4c1b-b7a3-9d2e4f6a8c03",
		EngagementID:    "1c7d3e9b-6f0a-4d2c-a8b4-0e3f5a7b9d04",
		Email:           "other@globex.example.com",
		Roles:           []string{"migration_analyst"},
	}
}
