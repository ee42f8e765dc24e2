// Package integration provides an end-to-end harness for the caseflow
// server. It starts the full HTTP stack over in-memory stores, verifies real
// RS256 tokens against a test JWKS endpoint and delivers notifications to a
// recording webhook.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/approval"
	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/configuration"
	"github.com/pitabwire/caseflow/internal/escalation"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/notification"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/openapi"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// Clock is a manually advanced time source shared by the engines and the
// escalation scheduler.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestHarness encapsulates a fully wired caseflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Clock       *Clock
	Cases       *workflow.MemoryCaseStore
	Approvals   *approval.MemoryStore
	Trail       *audit.MemoryTrail
	Configs     *configuration.Resolver
	Idempotency *idempotency.MemoryStore
	Workflow    *workflow.Engine
	Engine      *approval.Engine
	Scheduler   *escalation.Scheduler
	Dispatcher  *notification.Dispatcher
	Breaker     *notification.CircuitBreaker
	Webhook     *WebhookReceiver

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker        notification.BreakerConfig
	handlerTimeout time.Duration
	layers         []model.WorkflowConfiguration
}

// WithBreaker overrides the webhook circuit breaker settings.
func WithBreaker(cfg notification.BreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cfg
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithLayers seeds configuration layers in addition to the reference
// global default.
func WithLayers(layers ...model.WorkflowConfiguration) HarnessOption {
	return func(c *harnessConfig) {
		c.layers = append(c.layers, layers...)
	}
}

// NewTestHarness creates and starts a full caseflow test instance. The
// server and the notification dispatcher are shut down when the test
// completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		breaker: notification.BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			OpenTimeout:      time.Minute,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:           t,
		issuer:      newTokenIssuer(t),
		Clock:       &Clock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		Cases:       workflow.NewMemoryCaseStore(),
		Approvals:   approval.NewMemoryStore(),
		Trail:       audit.NewMemoryTrail(),
		Idempotency: idempotency.NewMemoryStore(),
		Webhook:     newWebhookReceiver(t),
	}
	logger := zap.NewNop()
	ctx := context.Background()

	// Step 1: Configuration layers.
	h.Configs = configuration.NewResolver(configuration.NewMemoryStore())
	layers := append([]model.WorkflowConfiguration{configuration.ReferenceDefault()}, hc.layers...)
	if _, err := h.Configs.Seed(ctx, layers, false); err != nil {
		t.Fatalf("seed configuration: %v", err)
	}

	// Step 2: Notifications through the webhook driver.
	h.Breaker = notification.NewCircuitBreaker(hc.breaker)
	gateway := notification.NewWebhookGateway(h.Webhook.URL(), nil, &http.Client{Timeout: 2 * time.Second}, h.Breaker)
	h.Dispatcher = notification.NewDispatcher(gateway,
		notification.WithWorkers(1),
		notification.WithSendTimeout(2*time.Second),
		notification.WithDispatcherLogger(logger),
	)
	h.Dispatcher.Start()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Dispatcher.Close(shutdownCtx)
	})

	// Step 3: Engines.
	h.Engine = approval.NewEngine(h.Approvals, h.Trail,
		approval.WithLogger(logger),
		approval.WithNotifier(h.Dispatcher),
		approval.WithClock(h.Clock.Now),
	)
	h.Workflow = workflow.NewEngine(h.Configs, h.Cases, h.Trail, h.Engine,
		workflow.WithLogger(logger),
		workflow.WithClock(h.Clock.Now),
	)
	h.Engine.SetWorkflow(h.Workflow)

	h.Scheduler = escalation.NewScheduler(h.Approvals, h.Trail, h.Dispatcher,
		escalation.WithLogger(logger),
		escalation.WithClock(h.Clock.Now),
	)

	// Step 4: Capabilities from the built-in role map.
	evaluator, err := capability.NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("static policy: %v", err)
	}
	capResolver := capability.NewResolver(evaluator, time.Minute)

	// Step 5: Router with real JWT verification.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Server.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	h.cfg.Identity.Issuer = h.issuer.issuer
	h.cfg.Identity.Audience = h.issuer.audience
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	apiSpec, err := openapi.Load()
	if err != nil {
		t.Fatalf("load API document: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Readiness: observability.ReadinessChecks{
			ConfigurationReady: h.Configs.Ready,
			IdentityProvider:   jwks,
		},
		Cases:            h.Workflow,
		Approvals:        h.Engine,
		Configurations:   h.Configs,
		APISpec:          apiSpec,
		IdempotencyStore: h.Idempotency,
		IdempotencyTTL:   time.Hour,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Token creates a valid JWT for claims.
func (h *TestHarness) Token(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// ExpiredToken creates a JWT that has already expired.
func (h *TestHarness) ExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// ForeignToken creates a JWT signed by a key the server does not trust.
func (h *TestHarness) ForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, headers)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPatch, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, path, body, token, nil)
}

// Do performs a request. An empty token sends no Authorization header.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

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

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks the status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorEnvelope parses the {"error": ...} body of a failed request.
func (h *TestHarness) ErrorEnvelope(resp *http.Response) model.ErrorEnvelope {
	h.t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error
}

// ErrorCode parses an error envelope and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	return h.ErrorEnvelope(resp).Code
}

// --- Case helpers ---

// OpenCase opens a case as claims and walks it through the given
// non-gated transitions.
func (h *TestHarness) OpenCase(claims TestClaims, fields map[string]any, states ...string) model.Case {
	h.t.Helper()
	token := h.Token(claims)

	var c model.Case
	h.AssertJSON(h.t, h.POST("/v1/cases", map[string]any{"fields": fields}, token), http.StatusCreated, &c)

	for _, s := range states {
		var out model.TransitionOutcome
		h.AssertJSON(h.t, h.Transition(c.ID, s, token), http.StatusOK, &out)
		c = out.Case
	}
	return c
}

// Transition requests a transition of caseID to toState.
func (h *TestHarness) Transition(caseID, toState, token string) *http.Response {
	h.t.Helper()
	return h.POST("/v1/cases/"+caseID+"/transitions", map[string]any{"to_state": toState}, token)
}

// CaseFields returns business fields satisfying every required-field rule of
// the reference workflow up to corrective action.
func CaseFields() map[string]any {
	return map[string]any{
		"title":                 "Porosity in casting",
		"part_number":           "PN-4471",
		"assigned_investigator": "inv-7",
		"root_cause":            "mould temperature",
	}
}

// --- Claims helpers ---

// EngineerClaims returns claims for a quality engineer at PLANT-A.
func EngineerClaims() TestClaims {
	return TestClaims{
		SubjectID: "eng-1",
		Site:      "PLANT-A",
		Email:     "eng-1@example.com",
		Roles:     []string{"QualityEngineer"},
	}
}

// ManagerClaims returns claims for a quality manager at PLANT-A.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "qm-1",
		Site:      "PLANT-A",
		Email:     "qm-1@example.com",
		Roles:     []string{"QualityManager"},
	}
}

// ChairClaims returns claims for an MRB chair at PLANT-A.
func ChairClaims() TestClaims {
	return TestClaims{
		SubjectID: "chair-1",
		Site:      "PLANT-A",
		Roles:     []string{"MRBChair"},
	}
}

// ViewerClaims returns claims with read-only access.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "viewer-1",
		Site:      "PLANT-A",
		Roles:     []string{"Viewer"},
	}
}

// AdminClaims returns claims for an administrator without a site.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "admin-1",
		Roles:     []string{"Admin"},
	}
}
