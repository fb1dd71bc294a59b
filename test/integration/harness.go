// Package integration provides a reusable test harness for end-to-end
// integration testing of the passage server. It starts a full HTTP server
// backed by a SQLite store, a miniredis notification stream, a static
// approver directory, and a test JWT issuer.
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/internal/definition"
	"github.com/pitabwire/passage/internal/directory"
	"github.com/pitabwire/passage/internal/entity"
	"github.com/pitabwire/passage/internal/notify"
	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/internal/transport"
	"github.com/pitabwire/passage/internal/workflow"
	"github.com/pitabwire/passage/model"
)

// EventStream is the redis stream the harness publishes notifications to.
const EventStream = "passage:test-events"

const travelTable = `CREATE TABLE travel_requests (
	id     TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'Draft'
)`

// TestHarness encapsulates a fully wired passage instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	DB      *sql.DB
	Store   *workflow.SQLiteStore
	Engine  *workflow.Engine
	Redis   *miniredis.Miniredis
	Metrics *observability.Metrics
	Clock   *Clock

	redisClient *redis.Client
	cfg         *config.Config
}

// Clock is a settable engine clock.
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

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	adminRole      string
	logger         *zap.Logger
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithAdminRole overrides the administrator role.
func WithAdminRole(role string) HarnessOption {
	return func(c *harnessConfig) {
		c.adminRole = role
	}
}

// WithLogger replaces the test logger.
func WithLogger(logger *zap.Logger) HarnessOption {
	return func(c *harnessConfig) {
		c.logger = logger
	}
}

// NewTestHarness creates and starts a full passage test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		adminRole:      "workflow_admin",
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.logger == nil {
		hc.logger = zaptest.NewLogger(t)
	}
	ctx := context.Background()
	testdata := testdataDir()

	h := &TestHarness{
		t:     t,
		Clock: &Clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}

	// Step 1: Open the SQLite store with a business table next to it.
	db, err := workflow.OpenSQLite(filepath.Join(t.TempDir(), "passage.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(travelTable); err != nil {
		t.Fatalf("create travel_requests: %v", err)
	}
	h.DB = db

	h.Store, err = workflow.NewSQLiteStore(ctx, db)
	if err != nil {
		t.Fatalf("init sqlite store: %v", err)
	}

	// Step 2: Start the notification stream.
	h.Redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { client.Close() })
	h.redisClient = client
	publisher := notify.NewRedisPublisher(client, EventStream, 1000)

	// Step 3: Build collaborators.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())

	entities, err := entity.FromConfig(map[string]config.EntityConfig{
		"travel_request": {
			Sink:         config.SinkTable,
			Table:        "travel_requests",
			IDColumn:     "id",
			StatusColumn: "status",
			Labels:       map[string]string{"cancelled": "Withdrawn"},
		},
	}, h.Store, hc.logger)
	if err != nil {
		t.Fatalf("entity sinks: %v", err)
	}

	static, err := directory.NewStaticDirectory(filepath.Join(testdata, "directory.yaml"))
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}
	dir := directory.NewCachedDirectory(static, time.Minute, 100, h.Metrics)

	h.Engine = workflow.NewEngine(workflow.Deps{
		Store:     h.Store,
		Validator: definition.NewValidator(30),
		Directory: dir,
		Entities:  entities,
		Events:    publisher,
		Metrics:   h.Metrics,
		Logger:    hc.logger,
		Clock:     h.Clock.Now,
		AdminRole: hc.adminRole,
	})

	// Step 4: Seed templates.
	docs, err := definition.NewLoader().LoadAll([]string{filepath.Join(testdata, "templates")})
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	if _, err := h.Engine.SeedTemplates(ctx, docs, "seed"); err != nil {
		t.Fatalf("seed templates: %v", err)
	}

	// Step 5: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 6: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
		AdminRole:  hc.adminRole,
	}
	h.cfg.Store.Driver = config.DriverSQLite
	h.cfg.Workflow.SimulationSeed = 42

	// Step 7: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, hc.logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			Store:     h.Store,
			Notifier:  publisher,
			Directory: dir,
		},
		Logger: hc.logger,
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
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

// --- Fixture helpers ---

// TemplateID returns the id of the seeded template for module.
func (h *TestHarness) TemplateID(module model.Module) string {
	h.t.Helper()
	list, err := h.Engine.ListTemplates(context.Background(), model.TemplateFilters{Module: module})
	if err != nil || len(list) == 0 {
		h.t.Fatalf("no seeded template for %s: %v", module, err)
	}
	return list[0].ID
}

// InsertTravelRequest adds a business row whose status the workflow drives.
func (h *TestHarness) InsertTravelRequest(id string) {
	h.t.Helper()
	if _, err := h.DB.Exec(`INSERT INTO travel_requests (id) VALUES (?)`, id); err != nil {
		h.t.Fatalf("insert travel request %s: %v", id, err)
	}
}

// TravelRequestStatus reads the status column of a business row.
func (h *TestHarness) TravelRequestStatus(id string) string {
	h.t.Helper()
	var status string
	if err := h.DB.QueryRow(`SELECT status FROM travel_requests WHERE id = ?`, id).Scan(&status); err != nil {
		h.t.Fatalf("read travel request %s: %v", id, err)
	}
	return status
}

// StreamEvents returns the event field of every message on the
// notification stream, in order.
func (h *TestHarness) StreamEvents() []string {
	h.t.Helper()
	entries, err := h.redisClient.XRange(context.Background(), EventStream, "-", "+").Result()
	if err != nil {
		h.t.Fatalf("read stream: %v", err)
	}
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		event, _ := e.Values["event"].(string)
		events = append(events, event)
	}
	return events
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// Do performs a request with additional headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
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

// AssertStatus checks that the response has the expected status code.
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

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// InitiatorClaims returns TestClaims for an employee raising requests.
func InitiatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-alice",
		Email:     "alice@example.com",
		Roles:     []string{"employee"},
	}
}

// FocalClaims returns TestClaims for the focal approver.
func FocalClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-fiona",
		Email:     "fiona@example.com",
		Roles:     []string{"employee", "focal"},
	}
}

// ManagerClaims returns TestClaims for a line manager.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-mark",
		Email:     "mark@example.com",
		Roles:     []string{"employee", "manager"},
	}
}

// HODClaims returns TestClaims for the head of department.
func HODClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-hilda",
		Email:     "hilda@example.com",
		Roles:     []string{"employee", "hod"},
	}
}

// AdminClaims returns TestClaims for a workflow administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@example.com",
		Roles:     []string{"workflow_admin"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
