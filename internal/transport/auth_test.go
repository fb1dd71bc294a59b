package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/model"
)

const (
	testIssuer   = "https://id.passage.test/realms/staff"
	testAudience = "passage"
	rsaKID       = "staff-rsa-1"
	ecKID        = "staff-ec-1"
)

// identityProvider signs staff tokens and serves its key set. The published
// keys can be rotated and the endpoint taken down mid-test.
type identityProvider struct {
	rsaKey *rsa.PrivateKey
	ecKey  *ecdsa.PrivateKey
	srv    *httptest.Server

	mu   sync.Mutex
	keys []map[string]any
	down bool
	hits int
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	idp := &identityProvider{rsaKey: rsaKey, ecKey: ecKey}
	idp.keys = []map[string]any{rsaJWK(rsaKID, &rsaKey.PublicKey), ecJWK(ecKID, &ecKey.PublicKey)}
	idp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idp.mu.Lock()
		defer idp.mu.Unlock()
		idp.hits++
		if idp.down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": idp.keys})
	}))
	t.Cleanup(idp.srv.Close)
	return idp
}

func (p *identityProvider) publish(keys ...map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = keys
}

func (p *identityProvider) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *identityProvider) fetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits
}

func (p *identityProvider) client() *JWKSClient {
	return NewJWKSClient(p.srv.URL, time.Hour, zap.NewNop())
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid, "kty": "RSA", "alg": "RS256", "use": "sig",
		"n": base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid, "kty": "EC", "crv": "P-256", "use": "sig",
		"x": base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y": base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

func sign(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString(%s): %v", method.Alg(), err)
	}
	return s
}

// managerClaims is a Keycloak-style token for an approver holding the
// manager realm role.
func managerClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":          "user-mark",
		"email":        "mark@passage.test",
		"realm_access": map[string]any{"roles": []any{"manager", "offline_access"}},
		"iss":          testIssuer,
		"aud":          testAudience,
		"iat":          jwt.NewNumericDate(now),
		"exp":          jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func staffIdentity() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     testIssuer,
		Audience:   testAudience,
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: map[string]string{"roles": "realm_access.roles"},
	}
}

// inboxAPI mounts the authentication chain the router uses in front of a
// stand-in for GET /v1/approvals/pending that echoes the resolved actor.
func inboxAPI(cfg config.IdentityConfig, jwks *JWKSClient) http.Handler {
	inbox := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		WriteJSON(w, http.StatusOK, map[string]any{"actor": rctx.SubjectID, "roles": rctx.Roles})
	})
	return JWTAuthenticator(cfg, jwks)(BuildRequestContextMiddleware(cfg.ClaimPaths)(inbox))
}

func callInbox(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/pending", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthenticator_approverToken(t *testing.T) {
	idp := newIdentityProvider(t)
	api := inboxAPI(staffIdentity(), idp.client())

	for _, tt := range []struct {
		name   string
		method jwt.SigningMethod
		key    any
		kid    string
	}{
		{"RS256", jwt.SigningMethodRS256, idp.rsaKey, rsaKID},
		{"ES256", jwt.SigningMethodES256, idp.ecKey, ecKID},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := callInbox(api, "Bearer "+sign(t, tt.method, tt.key, tt.kid, managerClaims()))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			var got struct {
				Actor string   `json:"actor"`
				Roles []string `json:"roles"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Actor != "user-mark" {
				t.Errorf("actor = %q, want user-mark", got.Actor)
			}
			if !slices.Contains(got.Roles, "manager") {
				t.Errorf("roles = %v, want manager from realm_access.roles", got.Roles)
			}
		})
	}
}

func TestJWTAuthenticator_rejectedTokens(t *testing.T) {
	idp := newIdentityProvider(t)
	jwks := idp.client()
	jwks.minRefresh = 0
	api := inboxAPI(staffIdentity(), jwks)

	rs256 := func(t *testing.T, mutate func(jwt.MapClaims)) string {
		c := managerClaims()
		mutate(c)
		return "Bearer " + sign(t, jwt.SigningMethodRS256, idp.rsaKey, rsaKID, c)
	}
	impostor, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}

	tests := []struct {
		name   string
		header func(t *testing.T) string
		want   string
	}{
		{"no header", func(*testing.T) string { return "" }, "Missing authorization header"},
		{"basic scheme", func(*testing.T) string { return "Basic bWFyazpzZWNyZXQ=" }, "Invalid authorization header format"},
		{"garbage", func(*testing.T) string { return "Bearer not.a.jwt" }, "Malformed token"},
		{"expired", func(t *testing.T) string {
			return rs256(t, func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour)) })
		}, "Token expired"},
		{"not yet valid", func(t *testing.T) string {
			return rs256(t, func(c jwt.MapClaims) { c["nbf"] = jwt.NewNumericDate(time.Now().Add(time.Hour)) })
		}, "Token not yet valid"},
		{"no expiry", func(t *testing.T) string {
			return rs256(t, func(c jwt.MapClaims) { delete(c, "exp") })
		}, "Token is missing a required claim"},
		{"foreign realm", func(t *testing.T) string {
			return rs256(t, func(c jwt.MapClaims) { c["iss"] = "https://id.passage.test/realms/customers" })
		}, "Invalid token issuer"},
		{"other audience", func(t *testing.T) string {
			return rs256(t, func(c jwt.MapClaims) { c["aud"] = "payroll" })
		}, "Invalid token audience"},
		{"shared secret", func(t *testing.T) string {
			return "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("passage"), rsaKID, managerClaims())
		}, "Disallowed signing algorithm"},
		{"unsigned", func(t *testing.T) string {
			return "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "", managerClaims())
		}, "Disallowed signing algorithm"},
		{"unknown kid", func(t *testing.T) string {
			return "Bearer " + sign(t, jwt.SigningMethodRS256, idp.rsaKey, "retired-key", managerClaims())
		}, "Unknown signing key"},
		{"no kid", func(t *testing.T) string {
			return "Bearer " + sign(t, jwt.SigningMethodRS256, idp.rsaKey, "", managerClaims())
		}, "Unknown signing key"},
		{"forged signature", func(t *testing.T) string {
			return "Bearer " + sign(t, jwt.SigningMethodRS256, impostor, rsaKID, managerClaims())
		}, "Invalid token signature"},
		{"no subject", func(t *testing.T) string {
			return rs256(t, func(c jwt.MapClaims) { delete(c, "sub") })
		}, "Token has no subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := callInbox(api, tt.header(t))
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			var body struct {
				Error model.ErrorEnvelope `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != model.ErrUnauthorized || body.Error.Message != tt.want {
				t.Errorf("error = %s %q, want UNAUTHORIZED %q", body.Error.Code, body.Error.Message, tt.want)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewLeeway(t *testing.T) {
	idp := newIdentityProvider(t)
	api := inboxAPI(staffIdentity(), idp.client())

	c := managerClaims()
	c["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))
	rec := callInbox(api, "Bearer "+sign(t, jwt.SigningMethodRS256, idp.rsaKey, rsaKID, c))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 within the 30s leeway", rec.Code)
	}
}

func TestJWKSClient_GetKey_cachesWithinTTL(t *testing.T) {
	idp := newIdentityProvider(t)
	jwks := idp.client()

	for range 3 {
		key, err := jwks.GetKey(rsaKID)
		if err != nil {
			t.Fatalf("GetKey() error = %v", err)
		}
		if key.(*rsa.PublicKey).N.Cmp(idp.rsaKey.N) != 0 {
			t.Fatal("GetKey() returned a different RSA key")
		}
	}
	if _, err := jwks.GetKey(ecKID); err != nil {
		t.Fatalf("GetKey(ec) error = %v", err)
	}
	if n := idp.fetches(); n != 1 {
		t.Errorf("key set fetched %d times, want 1", n)
	}
}

func TestJWKSClient_GetKey_followsRotation(t *testing.T) {
	idp := newIdentityProvider(t)
	jwks := idp.client()
	jwks.minRefresh = 0

	if _, err := jwks.GetKey(rsaKID); err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}

	next, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	idp.publish(rsaJWK("staff-rsa-2", &next.PublicKey))

	key, err := jwks.GetKey("staff-rsa-2")
	if err != nil {
		t.Fatalf("GetKey(rotated) error = %v", err)
	}
	if key.(*rsa.PublicKey).N.Cmp(next.N) != 0 {
		t.Error("rotated key does not match the published one")
	}
	if _, err := jwks.GetKey("staff-rsa-3"); err == nil {
		t.Error("GetKey(unpublished) succeeded")
	}
}

func TestJWKSClient_GetKey_throttlesRefresh(t *testing.T) {
	idp := newIdentityProvider(t)
	jwks := idp.client()

	if _, err := jwks.GetKey(rsaKID); err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	for range 5 {
		if _, err := jwks.GetKey("attacker-chosen"); err == nil {
			t.Fatal("GetKey(unknown) succeeded")
		}
	}
	if n := idp.fetches(); n != 1 {
		t.Errorf("key set fetched %d times, want 1 within the refresh interval", n)
	}
}

func TestJWKSClient_GetKey_providerOutage(t *testing.T) {
	idp := newIdentityProvider(t)
	jwks := NewJWKSClient(idp.srv.URL, 0, zap.NewNop())
	jwks.minRefresh = 0

	if _, err := jwks.GetKey(rsaKID); err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	idp.setDown(true)

	if _, err := jwks.GetKey(rsaKID); err != nil {
		t.Errorf("GetKey() during outage error = %v, want the cached key", err)
	}
	if idp.fetches() < 2 {
		t.Error("expired cache did not trigger a refresh")
	}

	cold := NewJWKSClient(idp.srv.URL, time.Hour, zap.NewNop())
	if _, err := cold.GetKey(rsaKID); err == nil {
		t.Error("GetKey() with no cache during outage succeeded")
	}
}

func TestJWKSClient_refresh_skipsUnusableKeys(t *testing.T) {
	idp := newIdentityProvider(t)
	idp.publish(
		map[string]any{"kty": "RSA", "n": "AQAB", "e": "AQAB"},
		map[string]any{"kid": "hmac", "kty": "oct", "k": "c2VjcmV0"},
		map[string]any{"kid": "p192", "kty": "EC", "crv": "P-192", "x": "AQ", "y": "AQ"},
		map[string]any{"kid": "half-rsa", "kty": "RSA", "e": "AQAB"},
		map[string]any{"kid": "bad-base64", "kty": "RSA", "n": "!!", "e": "AQAB"},
		rsaJWK(rsaKID, &idp.rsaKey.PublicKey),
	)
	jwks := idp.client()

	if _, err := jwks.GetKey(rsaKID); err != nil {
		t.Fatalf("GetKey(valid) error = %v", err)
	}
	for _, kid := range []string{"hmac", "p192", "half-rsa", "bad-base64"} {
		if _, err := jwks.GetKey(kid); err == nil {
			t.Errorf("GetKey(%s) succeeded", kid)
		}
	}
}

func TestExtractClaimStringSlice_roleShapes(t *testing.T) {
	claims := map[string]any{
		"roles":        []string{"hod"},
		"groups":       []any{"finance", 42, "audit"},
		"scope":        "openid workflow_admin",
		"realm_access": map[string]any{"roles": []any{"manager"}},
		"tenant":       "acme",
	}
	tests := []struct {
		path string
		want []string
	}{
		{"roles", []string{"hod"}},
		{"groups", []string{"finance", "audit"}},
		{"scope", []string{"openid", "workflow_admin"}},
		{"realm_access.roles", []string{"manager"}},
		{"tenant.roles", nil},
		{"resource_access.passage.roles", nil},
	}
	for _, tt := range tests {
		if got := extractClaimStringSlice(claims, tt.path); !slices.Equal(got, tt.want) {
			t.Errorf("extractClaimStringSlice(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if got := extractClaimString(claims, "realm_access"); got != "" {
		t.Errorf("extractClaimString(map) = %q, want empty", got)
	}
	if got := extractClaimStringSlice(nil, "roles"); got != nil {
		t.Errorf("extractClaimStringSlice(nil) = %v", got)
	}
}

func TestHeaderAuthenticator_trustsActorHeaders(t *testing.T) {
	var got map[string]any
	handler := HeaderAuthenticator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/pending", nil)
	req.Header.Set("X-Actor-Id", "user-mark")
	req.Header.Set("X-Actor-Roles", "manager, hod,")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got["sub"] != "user-mark" {
		t.Errorf("sub = %v, want user-mark", got["sub"])
	}
	if roles := extractClaimStringSlice(got, "roles"); !slices.Equal(roles, []string{"manager", "hod"}) {
		t.Errorf("roles = %v, want [manager hod]", roles)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/approvals/pending", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header status = %d, want 401", rec.Code)
	}
}
