package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DevLabFoundry/claude-code-auth/internal/config"
	"github.com/DevLabFoundry/claude-code-auth/internal/credstore"
	"github.com/DevLabFoundry/claude-code-auth/internal/federation"
	"github.com/DevLabFoundry/claude-code-auth/internal/oidc"
	"github.com/DevLabFoundry/claude-code-auth/internal/provider"
	"github.com/DevLabFoundry/claude-code-auth/internal/quota"
	"github.com/golang-jwt/jwt/v5"
)

// memStore is an in-memory credstore.Store for flow tests.
type memStore struct {
	mu          sync.Mutex
	creds       *credstore.Credentials
	token       *credstore.MonitoringToken
	clearCalled int
}

func (m *memStore) Credentials() (*credstore.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.creds.Valid() {
		return nil, nil
	}
	return m.creds, nil
}

func (m *memStore) SaveCredentials(c *credstore.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = c
	return nil
}

func (m *memStore) MonitoringToken() (*credstore.MonitoringToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.token.Valid() {
		return nil, nil
	}
	return m.token, nil
}

func (m *memStore) SaveMonitoringToken(tok *credstore.MonitoringToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	return nil
}

func (m *memStore) Clear() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCalled++
	m.creds, m.token = nil, nil
	return []string{"credentials", "monitoring"}, nil
}

func testInvocation(t *testing.T, cfg *config.Profile, store credstore.Store, port int) (*invocation, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvMonitoringToken, "")
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	shape, _ := provider.ShapeFor(provider.Okta)
	inv := &invocation{
		cfg:    cfg,
		shape:  shape,
		store:  store,
		gate:   quota.New(cfg),
		port:   port,
		out:    out,
		errOut: errOut,
	}
	return inv, out, errOut
}

func freshClaims(sub, email string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   sub,
		"email": email,
		"exp":   float64(time.Now().Add(time.Hour).Unix()),
	}
}

func baseProfile() *config.Profile {
	return &config.Profile{
		Name:               "ClaudeCode",
		ProviderDomain:     "corp.okta.com",
		ClientID:           "c",
		AWSRegion:          "us-east-1",
		FederationType:     config.FederationDirect,
		FederatedRoleARN:   "arn:aws:iam::123456789012:role/Federated",
		MaxSessionDuration: 43200,
		CredentialStorage:  config.StorageKeyring,
	}
}

func Test_happy_path_direct_sts(t *testing.T) {
	store := &memStore{}
	inv, out, _ := testInvocation(t, baseProfile(), store, 18440)

	inv.login = func(ctx context.Context) (*oidc.Result, error) {
		return &oidc.Result{IDToken: "ey.id.token", Claims: freshClaims("abc123", "user@example.com")}, nil
	}
	var gotSessionName string
	inv.exchange = func(ctx context.Context, res *oidc.Result) (*credstore.Credentials, error) {
		gotSessionName = federation.SessionName(res.Claims)
		return &credstore.Credentials{
			Version: 1, AccessKeyID: "AKIAFRESH", SecretAccessKey: "s", SessionToken: "t",
			Expiration: time.Now().Add(time.Hour).UTC(),
		}, nil
	}

	if err := inv.runCredentialProcess(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(gotSessionName, "claude-code-abc123") {
		t.Errorf("session name %q", gotSessionName)
	}
	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("stdout not JSON: %v", err)
	}
	if payload["Version"] != float64(1) || payload["AccessKeyId"] != "AKIAFRESH" {
		t.Errorf("payload %v", payload)
	}
	if saved, _ := store.Credentials(); saved == nil {
		t.Error("fresh credentials were not cached")
	}
	if store.token == nil || store.token.IDToken != "ey.id.token" {
		t.Error("monitoring token was not cached alongside credentials")
	}
}

func Test_quota_block_on_fresh_login_prevents_federation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"allowed": false, "reason": "monthly_exceeded", "message": "limit reached"}`)
	}))
	defer ts.Close()

	cfg := baseProfile()
	cfg.QuotaAPIEndpoint = ts.URL
	cfg.QuotaCheckTimeoutSeconds = 5
	store := &memStore{}
	inv, out, _ := testInvocation(t, cfg, store, 18441)

	inv.login = func(ctx context.Context) (*oidc.Result, error) {
		return &oidc.Result{IDToken: "ey.id.token", Claims: freshClaims("abc123", "user@example.com")}, nil
	}
	exchangeCalls := 0
	inv.exchange = func(ctx context.Context, res *oidc.Result) (*credstore.Credentials, error) {
		exchangeCalls++
		return nil, errors.New("must not be reached")
	}

	err := inv.runCredentialProcess(context.Background())
	if !errors.Is(err, ErrQuotaBlocked) {
		t.Errorf("got %v, wanted ErrQuotaBlocked", err)
	}
	if !strings.Contains(err.Error(), "monthly_exceeded") {
		t.Errorf("block message lost: %v", err)
	}
	if exchangeCalls != 0 {
		t.Errorf("federation was invoked %d times, wanted zero", exchangeCalls)
	}
	if out.Len() != 0 {
		t.Error("nothing may reach stdout when blocked")
	}
}

func Test_quota_warning_does_not_block(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"allowed": true, "reason": "ok", "usage": {"monthly_percent": 92}}`)
	}))
	defer ts.Close()

	cfg := baseProfile()
	cfg.QuotaAPIEndpoint = ts.URL
	cfg.QuotaCheckTimeoutSeconds = 5
	inv, out, errOut := testInvocation(t, cfg, &memStore{}, 18442)
	inv.login = func(ctx context.Context) (*oidc.Result, error) {
		return &oidc.Result{IDToken: "t", Claims: freshClaims("s", "u@example.com")}, nil
	}
	inv.exchange = func(ctx context.Context, res *oidc.Result) (*credstore.Credentials, error) {
		return &credstore.Credentials{Version: 1, AccessKeyID: "AKIA", SecretAccessKey: "s", SessionToken: "t",
			Expiration: time.Now().Add(time.Hour)}, nil
	}

	if err := inv.runCredentialProcess(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(errOut.String(), "92%") {
		t.Errorf("got stderr %q, wanted a usage warning", errOut.String())
	}
	if out.Len() == 0 {
		t.Error("credentials must still be emitted on a warning")
	}
}

func Test_poisoned_cache_cleared_on_recoverable_federation_error(t *testing.T) {
	store := &memStore{}
	inv, out, _ := testInvocation(t, baseProfile(), store, 18443)
	inv.login = func(ctx context.Context) (*oidc.Result, error) {
		return &oidc.Result{IDToken: "t", Claims: freshClaims("s", "u@example.com")}, nil
	}
	inv.exchange = func(ctx context.Context, res *oidc.Result) (*credstore.Credentials, error) {
		return nil, fmt.Errorf("%w (cause: ExpiredToken)", federation.ErrStaleCachedToken)
	}

	err := inv.runCredentialProcess(context.Background())
	if !errors.Is(err, federation.ErrStaleCachedToken) {
		t.Errorf("got %v, wanted the stale-token error", err)
	}
	if store.clearCalled != 1 {
		t.Errorf("cache cleared %d times, wanted once", store.clearCalled)
	}
	if out.Len() != 0 {
		t.Error("nothing may reach stdout on the failure path")
	}
}

func Test_single_flight_follower_reuses_leader_result(t *testing.T) {
	const port = 18444
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		t.Fatal(err)
	}

	store := &memStore{}
	inv, out, _ := testInvocation(t, baseProfile(), store, port)
	inv.login = func(ctx context.Context) (*oidc.Result, error) {
		return nil, errors.New("the follower must never drive its own login")
	}

	leaderCreds := &credstore.Credentials{
		Version: 1, AccessKeyID: "AKIALEADER", SecretAccessKey: "s", SessionToken: "t",
		Expiration: time.Now().Add(time.Hour).UTC(),
	}
	go func() {
		// the "leader": holds the port, writes the cache, releases
		time.Sleep(700 * time.Millisecond)
		_ = store.SaveCredentials(leaderCreds)
		ln.Close()
	}()

	if err := inv.runCredentialProcess(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := &credstore.Credentials{}
	if err := json.Unmarshal(out.Bytes(), got); err != nil {
		t.Fatal(err)
	}
	if got.AccessKeyID != "AKIALEADER" {
		t.Errorf("got %q, wanted the leader's credentials", got.AccessKeyID)
	}
}

func Test_single_flight_follower_fails_when_leader_produced_nothing(t *testing.T) {
	const port = 18445
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(600 * time.Millisecond)
		ln.Close()
	}()

	inv, out, _ := testInvocation(t, baseProfile(), &memStore{}, port)
	inv.login = func(ctx context.Context) (*oidc.Result, error) {
		return nil, errors.New("the follower must never drive its own login")
	}
	if err := inv.runCredentialProcess(context.Background()); !errors.Is(err, ErrFollowerNoCredentials) {
		t.Errorf("got %v, wanted ErrFollowerNoCredentials", err)
	}
	if out.Len() != 0 {
		t.Error("nothing may reach stdout on the failure path")
	}
}

func Test_recheck_skips_silently_without_monitoring_token(t *testing.T) {
	zero := 0
	cfg := baseProfile()
	cfg.QuotaAPIEndpoint = "http://localhost:1"
	cfg.QuotaCheckIntervalMinutes = &zero
	cfg.QuotaCheckTimeoutSeconds = 1

	store := &memStore{creds: &credstore.Credentials{
		Version: 1, AccessKeyID: "AKIACACHED", SecretAccessKey: "s", SessionToken: "t",
		Expiration: time.Now().Add(time.Hour).UTC(),
	}}
	inv, out, _ := testInvocation(t, cfg, store, 18446)

	// no monitoring token anywhere: the recheck cannot run and must not
	// block emission of the valid cached credentials
	if err := inv.runCredentialProcess(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "AKIACACHED") {
		t.Errorf("got %q, wanted the cached credentials", out.String())
	}
}

func Test_recheck_blocks_cached_emission(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"allowed": false, "reason": "daily_exceeded"}`)
	}))
	defer ts.Close()

	zero := 0
	cfg := baseProfile()
	cfg.QuotaAPIEndpoint = ts.URL
	cfg.QuotaCheckIntervalMinutes = &zero
	cfg.QuotaCheckTimeoutSeconds = 5

	idToken := testJWT(t, map[string]any{
		"email": "user@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	store := &memStore{
		creds: &credstore.Credentials{
			Version: 1, AccessKeyID: "AKIACACHED", SecretAccessKey: "s", SessionToken: "t",
			Expiration: time.Now().Add(time.Hour).UTC(),
		},
		token: &credstore.MonitoringToken{
			IDToken:   idToken,
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
	}
	inv, out, _ := testInvocation(t, cfg, store, 18447)

	err := inv.runCredentialProcess(context.Background())
	if !errors.Is(err, ErrQuotaBlocked) {
		t.Errorf("got %v, wanted ErrQuotaBlocked", err)
	}
	if out.Len() != 0 {
		t.Error("cached credentials must not be emitted when the recheck blocks")
	}
}

func testJWT(t *testing.T, payload map[string]any) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(payload))
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}
