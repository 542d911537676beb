package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adamscao/sshca/internal/auth"
	"github.com/adamscao/sshca/internal/ca"
	"github.com/adamscao/sshca/internal/config"
	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/issuance"
	"github.com/adamscao/sshca/internal/metrics"
	"github.com/adamscao/sshca/internal/models"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const testAdminToken = "test-admin-token-0123456789"

type testAPI struct {
	t      *testing.T
	router http.Handler
	svc    *issuance.Service
}

func newTestAPI(t *testing.T, mutate ...func(*config.Config)) *testAPI {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Admin.Token = testAdminToken
	cfg.Auth.TokenPepper = strings.Repeat("ab", 32)
	cfg.RateLimit.Enabled = false
	for _, fn := range mutate {
		fn(cfg)
	}

	bdb, err := db.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kp, _, err := ca.GenerateKeyPair("ed25519")
	require.NoError(t, err)
	signer := ca.NewSigner(kp, ca.Options{
		DefaultTTL: cfg.DefaultTTLDuration(),
		MaxTTL:     cfg.MaxTTLDuration(),
		Logger:     logger,
	})
	m := metrics.New()
	svc := issuance.NewService(bdb, signer, m, logger)
	tokens, err := auth.NewTokenManager(bdb, repository.NewHostRepository(bdb), cfg.TokenPepperBytes())
	require.NoError(t, err)

	srv, err := NewServer(Deps{Config: cfg, DB: bdb, Issuance: svc, Tokens: tokens, Metrics: m, Logger: logger})
	require.NoError(t, err)
	return &testAPI{t: t, router: srv.Router(), svc: svc}
}

func (a *testAPI) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) admin(method, path string, body any) *httptest.ResponseRecorder {
	return a.do(method, path, body, map[string]string{"X-Admin-Token": testAdminToken})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (a *testAPI) principal(name string) int64 {
	w := a.admin(http.MethodPost, "/api/v1/principals", map[string]string{"name": name})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Principal](a.t, w).ID
}

func (a *testAPI) user(name string, principalIDs ...int64) int64 {
	w := a.admin(http.MethodPost, "/api/v1/users", map[string]string{"username": name, "email": name + "@example.com"})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[models.User](a.t, w).ID
	if principalIDs == nil {
		principalIDs = []int64{}
	}
	w = a.admin(http.MethodPut, fmt.Sprintf("/api/v1/users/%d/principals", id), map[string]any{"principal_ids": principalIDs})
	require.Equal(a.t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func publicKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return string(ssh.MarshalAuthorizedKey(sshPub))
}

type errBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func TestPublicEndpoints(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		w := a.do(http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	}

	w := a.do(http.MethodGet, "/api/v1/ca.pub", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pub := decode[map[string]string](t, w)["public_key"]
	assert.True(t, strings.HasPrefix(pub, "ssh-ed25519 "))

	w = a.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sshca_http_requests_total")

	w = a.do(http.MethodGet, "/api/v1/bootstrap/host.sh", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "AuthorizedPrincipalsCommand")
}

func TestAdminAuthentication(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodGet, "/api/v1/users", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodGet, "/api/v1/users", nil, map[string]string{"X-Admin-Token": "wrong-token-wrong-token"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "unauthorized", decode[errBody](t, w).Error)

	w = a.admin(http.MethodGet, "/api/v1/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestBasicAuthWithTOTP(t *testing.T) {
	a := newTestAPI(t)

	w := a.admin(http.MethodPost, "/api/v1/users", map[string]string{"username": "root-admin", "password": "hunter22"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[models.User](t, w).ID
	assert.NotContains(t, w.Body.String(), "hunter22")
	assert.NotContains(t, w.Body.String(), "password_hash")

	basic := func(password, code string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/principals", nil)
		req.SetBasicAuth("root-admin", password)
		if code != "" {
			req.Header.Set("X-TOTP-Code", code)
		}
		rec := httptest.NewRecorder()
		a.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, basic("hunter22", "").Code)
	assert.Equal(t, http.StatusForbidden, basic("wrong", "").Code)

	w = a.admin(http.MethodPost, fmt.Sprintf("/api/v1/users/%d/totp", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	secret := decode[map[string]string](t, w)["secret"]
	require.NotEmpty(t, secret)

	assert.Equal(t, http.StatusForbidden, basic("hunter22", "").Code)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, basic("hunter22", code).Code)

	w = a.admin(http.MethodPatch, fmt.Sprintf("/api/v1/users/%d", id), map[string]any{"active": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[models.User](t, w).Active)
	assert.Equal(t, http.StatusForbidden, basic("hunter22", code).Code)
}

func TestSignAsAdmin(t *testing.T) {
	a := newTestAPI(t)
	ops := a.principal("ops")
	deploy := a.principal("deploy")
	a.principal("root")
	a.user("alice", ops, deploy)

	w := a.admin(http.MethodPost, "/api/v1/sign", map[string]any{
		"username":   "alice",
		"public_key": publicKey(t),
		"principals": []string{"ops", "root"},
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "unauthorized", decode[errBody](t, w).Error)
	current, err := a.svc.CurrentSerial(context.Background())
	require.NoError(t, err)
	assert.Zero(t, current)

	w = a.admin(http.MethodPost, "/api/v1/sign", map[string]any{
		"username":   "alice",
		"pubkey":     publicKey(t),
		"principals": []string{"ops", "deploy"},
		"ttl":        "8h",
		"key_id":     "alice@laptop",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[issuance.Result](t, w)
	assert.Equal(t, uint64(1), res.Serial)
	assert.Equal(t, "alice@laptop", res.KeyID)
	assert.Equal(t, []string{"ops", "deploy"}, res.Principals)
	assert.Equal(t, 8*time.Hour, res.ValidBefore.Sub(res.ValidAfter))

	cert, err := ca.ParseCertificate(res.Certificate)
	require.NoError(t, err)
	assert.Equal(t, uint32(ssh.UserCert), cert.CertType)

	w = a.admin(http.MethodGet, "/api/v1/cert-issues?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	issues := decode[[]map[string]any](t, w)
	require.Len(t, issues, 1)
	assert.Equal(t, "alice", issues[0]["username"])
	assert.Equal(t, "8h", issues[0]["ttl"])

	w = a.admin(http.MethodGet, "/api/v1/cert-issues?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.admin(http.MethodPost, "/api/v1/sign", map[string]any{"username": "alice", "public_key": "garbage", "principals": []string{"ops"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_key", decode[errBody](t, w).Error)

	w = a.admin(http.MethodPost, "/api/v1/sign", map[string]any{"username": "alice", "public_key": publicKey(t)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_principals", decode[errBody](t, w).Error)

	w = a.admin(http.MethodPost, "/api/v1/sign", map[string]any{"public_key": publicKey(t), "principals": []string{"ops"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.admin(http.MethodGet, "/api/v1/user-principals?username=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"deploy", "ops"}, decode[map[string]any](t, w)["principals"])
}

func TestHostTokenLifecycle(t *testing.T) {
	a := newTestAPI(t)
	ops := a.principal("ops")
	web := a.principal("web1")
	a.user("alice", ops)

	w := a.admin(http.MethodPost, "/api/v1/hosts", map[string]string{"hostname": "web1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]any](t, w)
	hostID := int64(created["id"].(float64))
	assert.Equal(t, true, created["has_token"])
	assert.NotContains(t, w.Body.String(), "token_hash")

	w = a.admin(http.MethodPost, "/api/v1/hosts", map[string]string{"hostname": "web1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.admin(http.MethodPut, fmt.Sprintf("/api/v1/hosts/%d/principals", hostID), map[string]any{"principal_ids": []int64{ops, web}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rotate := func() string {
		w := a.admin(http.MethodPost, fmt.Sprintf("/api/v1/hosts/%d/rotate-token", hostID), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return decode[map[string]any](t, w)["api_token"].(string)
	}
	first := rotate()
	second := rotate()

	bearer := func(token string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + token}
	}
	signBody := map[string]any{"public_key": publicKey(t), "principals": []string{"web1"}}

	w = a.do(http.MethodPost, "/api/v1/sign", signBody, bearer(first))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(http.MethodPost, "/api/v1/sign", signBody, bearer(second))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cert, err := ca.ParseCertificate(decode[issuance.Result](t, w).Certificate)
	require.NoError(t, err)
	assert.Equal(t, uint32(ssh.HostCert), cert.CertType)
	assert.Equal(t, []string{"web1"}, cert.ValidPrincipals)

	w = a.do(http.MethodGet, "/api/v1/authorized-principals?user=alice", nil, bearer(second))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops\n", w.Body.String())

	w = a.admin(http.MethodGet, "/api/v1/authorized-principals?user=alice&host=web1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops\n", w.Body.String())

	w = a.do(http.MethodGet, "/api/v1/hosts", nil, bearer(second))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "host tokens are not admin credentials")

	w = a.admin(http.MethodDelete, fmt.Sprintf("/api/v1/hosts/%d", hostID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.admin(http.MethodDelete, fmt.Sprintf("/api/v1/hosts/%d", hostID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(http.MethodPost, "/api/v1/sign", signBody, bearer(second))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPrincipalDeleteCascades(t *testing.T) {
	a := newTestAPI(t)
	ops := a.principal("ops")
	deploy := a.principal("deploy")
	alice := a.user("alice", ops, deploy)
	bob := a.user("bob", ops)

	w := a.admin(http.MethodDelete, fmt.Sprintf("/api/v1/principals/%d", ops), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = a.admin(http.MethodDelete, fmt.Sprintf("/api/v1/principals/%d", ops), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.admin(http.MethodGet, fmt.Sprintf("/api/v1/users/%d", alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"deploy"}, decode[models.User](t, w).Principals)

	w = a.admin(http.MethodGet, fmt.Sprintf("/api/v1/users/%d", bob), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[models.User](t, w).Principals)

	w = a.admin(http.MethodPost, "/api/v1/principals", map[string]string{"name": "has space"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.admin(http.MethodGet, "/api/v1/users/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRevocation(t *testing.T) {
	a := newTestAPI(t)
	ops := a.principal("ops")
	a.user("alice", ops)

	w := a.admin(http.MethodPost, "/api/v1/sign", map[string]any{"username": "alice", "public_key": publicKey(t), "principals": []string{"ops"}})
	require.Equal(t, http.StatusOK, w.Code)
	serial := decode[issuance.Result](t, w).Serial

	w = a.admin(http.MethodPost, "/api/v1/revoke", map[string]any{"serial": serial, "reason": "laptop stolen"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "admin-token", decode[models.Revocation](t, w).RevokedBy)

	w = a.admin(http.MethodPost, "/api/v1/revoke", map[string]any{"serial": serial})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = a.admin(http.MethodPost, "/api/v1/revoke", map[string]any{"serial": 404})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.admin(http.MethodPost, "/api/v1/revoke", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodGet, "/api/v1/revoked_keys", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), fmt.Sprintf("serial: %d\n", serial))
	assert.NotContains(t, w.Body.String(), "@revoked")
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerMinute = 2
	})

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, a.do(http.MethodGet, "/health", nil, nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestUserPrincipalsUnknownUser(t *testing.T) {
	a := newTestAPI(t)

	w := a.admin(http.MethodGet, "/api/v1/user-principals?username=gho", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"principals":[]}`, w.Body.String())
}

func TestRenameHost(t *testing.T) {
	a := newTestAPI(t)
	ops := a.principal("ops")

	create := func(name string) int64 {
		w := a.admin(http.MethodPost, "/api/v1/hosts", map[string]string{"hostname": name})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		return int64(decode[map[string]any](t, w)["id"].(float64))
	}
	web1 := create("web1")
	create("db1")

	w := a.admin(http.MethodPut, fmt.Sprintf("/api/v1/hosts/%d/principals", web1), map[string]any{"principal_ids": []int64{ops}})
	require.Equal(t, http.StatusOK, w.Code)

	w = a.admin(http.MethodPatch, fmt.Sprintf("/api/v1/hosts/%d", web1), map[string]string{"hostname": "WEB2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	renamed := decode[map[string]any](t, w)
	assert.Equal(t, "web2", renamed["hostname"])
	assert.Equal(t, []any{"ops"}, renamed["principals"])
	assert.Equal(t, true, renamed["has_token"])

	w = a.admin(http.MethodPatch, fmt.Sprintf("/api/v1/hosts/%d", web1), map[string]string{"hostname": "db1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.admin(http.MethodPatch, "/api/v1/hosts/999", map[string]string{"hostname": "web3"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.admin(http.MethodPatch, fmt.Sprintf("/api/v1/hosts/%d", web1), map[string]string{"hostname": "bad_host!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateInactiveUser(t *testing.T) {
	a := newTestAPI(t)

	w := a.admin(http.MethodPost, "/api/v1/users", map[string]any{"username": "carol", "active": false})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[models.User](t, w).ID

	w = a.admin(http.MethodGet, fmt.Sprintf("/api/v1/users/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[models.User](t, w).Active)

	w = a.admin(http.MethodPost, "/api/v1/users", map[string]any{"username": "dave"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, decode[models.User](t, w).Active)
}
