package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"github.com/rosterly/calconnect/internal/config"
	"github.com/rosterly/calconnect/internal/connect"
	"github.com/rosterly/calconnect/internal/models"
	"github.com/rosterly/calconnect/internal/provider"
	"github.com/rosterly/calconnect/internal/store"
)

const (
	testFrontendURL = "https://app.example.com"
	testAdminUser   = "ops"
	testAdminKey    = "test-admin-key-0123456789abcdef"
	testStateSecret = "0123456789abcdef0123456789abcdef"
)

type testEnv struct {
	mux      *http.ServeMux
	store    *store.Store
	service  *connect.Service
	provider *provider.MockProvider
	signer   *connect.StateSigner
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv wires a full mux over a throwaway store, a gomock provider,
// and one provisioned tenant/staff pair (t1/s1).
func newTestEnv(t *testing.T, ctrl *gomock.Controller) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "calconnect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.SaveTenant(models.Tenant{ID: "t1", Name: "Acme"}))
	require.NoError(t, st.SaveStaff(models.StaffMember{ID: "s1", TenantID: "t1", DisplayName: "Alex Doe"}))

	mock := provider.NewMockProvider(ctrl)
	signer := connect.NewStateSigner([]byte(testStateSecret))

	cfg := &config.Config{
		BaseURL:         "https://connect.example.com",
		FrontendURL:     testFrontendURL,
		StateSecret:     testStateSecret,
		ConnectTokenTTL: 24 * time.Hour,
	}

	svc := connect.NewService(connect.Options{
		Store:      st,
		Provider:   mock,
		Signer:     signer,
		Logger:     testLogger(),
		ConnectURL: cfg.ConnectURL,
		TokenTTL:   cfg.ConnectTokenTTL,
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	require.NoError(t, err)

	mux := NewMux(MuxConfig{
		Service:   svc,
		Store:     st,
		Config:    cfg,
		AdminKeys: []config.AdminKey{{User: testAdminUser, Hash: string(hash)}},
		Logger:    testLogger(),
	})

	return &testEnv{mux: mux, store: st, service: svc, provider: mock, signer: signer}
}

func (e *testEnv) adminRequest(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.SetBasicAuth(testAdminUser, testAdminKey)

	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	return rec
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}

// --- admin auth ---

func TestAdminAuth_MissingCredentials(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	req := httptest.NewRequest(http.MethodPost, "/api/connect-links", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestAdminAuth_WrongKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	req := httptest.NewRequest(http.MethodPost, "/api/connect-links", nil)
	req.SetBasicAuth(testAdminUser, "wrong-key")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuth_UnknownUser(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	req := httptest.NewRequest(http.MethodPost, "/api/connect-links", nil)
	req.SetBasicAuth("ghost", testAdminKey)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// --- issue link ---

func TestIssueLink_Endpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.adminRequest(http.MethodPost, "/api/connect-links",
		map[string]string{"tenantId": "t1", "staffMemberId": "s1"})

	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[issueLinkResponse](t, rec)
	assert.Equal(t, "Alex Doe", resp.StaffName)
	assert.Len(t, resp.Token, 64)
	assert.Contains(t, resp.ConnectURL, "/connect?token=")
}

func TestIssueLink_MissingFields(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.adminRequest(http.MethodPost, "/api/connect-links",
		map[string]string{"tenantId": "t1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueLink_StaffNotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.adminRequest(http.MethodPost, "/api/connect-links",
		map[string]string{"tenantId": "t1", "staffMemberId": "ghost"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- connect ---

func issueToken(t *testing.T, env *testEnv) string {
	t.Helper()

	rec := env.adminRequest(http.MethodPost, "/api/connect-links",
		map[string]string{"tenantId": "t1", "staffMemberId": "s1"})
	require.Equal(t, http.StatusOK, rec.Code)

	return decodeBody[issueLinkResponse](t, rec).Token
}

func TestConnect_TokenMode(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	token := issueToken(t, env)

	env.provider.EXPECT().AuthCodeURL(gomock.Any()).Return("https://provider.example.com/consent")

	rec := env.get("/connect?token=" + token)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://provider.example.com/consent", rec.Header().Get("Location"))
}

func TestConnect_ErrorRedirects(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	// Expired token.
	require.NoError(t, env.store.SaveConnectionToken(models.ConnectionToken{
		ID:        "stale",
		TenantID:  "t1",
		StaffID:   "s1",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}))

	// Used token.
	used := models.ConnectionToken{
		ID:        "spent",
		TenantID:  "t1",
		StaffID:   "s1",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
		Used:      true,
		UsedAt:    time.Now().UTC(),
	}
	require.NoError(t, env.store.SaveConnectionToken(used))

	tests := []struct {
		name  string
		query string
		kind  string
	}{
		{"unknown token", "token=nonexistent", "invalid_token"},
		{"expired token", "token=stale", "token_expired"},
		{"used token", "token=spent", "token_used"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get("/connect?" + tt.query)

			require.Equal(t, http.StatusFound, rec.Code)

			loc, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, testFrontendURL+"/calendar/error", loc.Scheme+"://"+loc.Host+loc.Path)
			assert.Equal(t, tt.kind, loc.Query().Get("error"))
		})
	}
}

func TestConnect_ReplayRedirectsTokenUsed(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	token := issueToken(t, env)

	env.provider.EXPECT().AuthCodeURL(gomock.Any()).Return("https://provider.example.com/consent")

	rec := env.get("/connect?token=" + token)
	require.Equal(t, http.StatusFound, rec.Code)

	rec = env.get("/connect?token=" + token)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "token_used", loc.Query().Get("error"))
}

func TestConnect_DirectMode(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	env.provider.EXPECT().AuthCodeURL(gomock.Any()).Return("https://provider.example.com/consent")

	rec := env.get("/connect?tenantId=t1&userId=s1")

	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestConnect_MissingParameters(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.get("/connect")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- callback ---

func TestCallback_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	env.provider.EXPECT().Exchange(gomock.Any(), "code-abc").Return(&provider.Credentials{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		Expiry:       time.Now().UTC().Add(time.Hour),
	}, nil)

	state := env.signer.Sign(connect.AuthState{TenantID: "t1", StaffID: "s1"})

	rec := env.get("/oauth/callback?code=code-abc&state=" + url.QueryEscape(state))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontendURL+"/calendar/connected", rec.Header().Get("Location"))

	stored, err := env.store.GetConnection("t1", "s1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "rt1", stored.RefreshToken)
}

func TestCallback_TamperedState(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.get("/oauth/callback?code=code-abc&state=forged.state")

	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_state", loc.Query().Get("error"))

	stored, err := env.store.GetConnection("t1", "s1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCallback_ProviderDenied(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.get("/oauth/callback?error=access_denied")

	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "exchange_failed", loc.Query().Get("error"))
}

// --- refresh ---

func TestRefresh_Endpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	require.NoError(t, env.store.SaveConnection(models.CalendarConnection{
		TenantID: "t1", StaffID: "s1", AccessToken: "old", RefreshToken: "r1",
	}))

	expiry := time.Now().UTC().Add(time.Hour)
	env.provider.EXPECT().Refresh(gomock.Any(), "r1").Return(&provider.Credentials{
		AccessToken: "fresh",
		Expiry:      expiry,
	}, nil)

	rec := env.adminRequest(http.MethodPost, "/api/connections/refresh",
		map[string]string{"tenantId": "t1", "staffMemberId": "s1"})

	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[refreshResponse](t, rec)
	assert.Equal(t, "fresh", resp.AccessToken)
}

func TestRefresh_NotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.adminRequest(http.MethodPost, "/api/connections/refresh",
		map[string]string{"tenantId": "t1", "staffMemberId": "s1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefresh_ReauthorizationRequired(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	require.NoError(t, env.store.SaveConnection(models.CalendarConnection{
		TenantID: "t1", StaffID: "s1", AccessToken: "old", RefreshToken: "revoked",
	}))

	env.provider.EXPECT().Refresh(gomock.Any(), "revoked").Return(nil, provider.ErrInvalidGrant)

	rec := env.adminRequest(http.MethodPost, "/api/connections/refresh",
		map[string]string{"tenantId": "t1", "staffMemberId": "s1"})

	assert.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "reauthorization_required", body["error"])
}

// --- config check ---

func TestConfigCheck_Endpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.adminRequest(http.MethodGet, "/api/config/check", nil)

	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[config.CheckResult](t, rec)
	assert.True(t, resp.BaseURL)
	assert.False(t, resp.GoogleClientID, "test config has no client id")
	assert.Equal(t, "https://connect.example.com/oauth/callback", resp.CallbackURL)
}

// --- provisioning ---

func TestProvisioning_TenantAndStaff(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.adminRequest(http.MethodPost, "/api/tenants", map[string]string{"name": "Globex"})
	require.Equal(t, http.StatusCreated, rec.Code)

	tenant := decodeBody[models.Tenant](t, rec)
	assert.NotEmpty(t, tenant.ID)

	rec = env.adminRequest(http.MethodPost, "/api/staff",
		map[string]string{"tenantId": tenant.ID, "displayName": "Robin Lee"})
	require.Equal(t, http.StatusCreated, rec.Code)

	staff := decodeBody[models.StaffMember](t, rec)
	assert.NotEmpty(t, staff.ID)

	stored, err := env.store.GetStaff(tenant.ID, staff.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Robin Lee", stored.DisplayName)
}

func TestProvisioning_StaffUnknownTenant(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	rec := env.adminRequest(http.MethodPost, "/api/staff",
		map[string]string{"tenantId": "ghost", "displayName": "Robin Lee"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- end to end ---

// TestEndToEnd walks the full flow: issue a link for (t1, s1), follow
// it, complete the provider callback, then refresh the credentials.
func TestEndToEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl)

	token := issueToken(t, env)

	var capturedState string
	env.provider.EXPECT().AuthCodeURL(gomock.Any()).DoAndReturn(func(state string) string {
		capturedState = state
		return "https://provider.example.com/consent?state=" + url.QueryEscape(state)
	})

	rec := env.get("/connect?token=" + token)
	require.Equal(t, http.StatusFound, rec.Code)

	st, err := env.signer.Verify(capturedState)
	require.NoError(t, err)
	assert.Equal(t, "t1", st.TenantID)
	assert.Equal(t, "s1", st.StaffID)

	env.provider.EXPECT().Exchange(gomock.Any(), "abc").Return(&provider.Credentials{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		Expiry:       time.Now().UTC().Add(time.Hour),
	}, nil)

	rec = env.get("/oauth/callback?code=abc&state=" + url.QueryEscape(capturedState))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontendURL+"/calendar/connected", rec.Header().Get("Location"))

	conn, err := env.store.GetConnection("t1", "s1")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.NotEmpty(t, conn.AccessToken)
	assert.NotEmpty(t, conn.RefreshToken)

	// Later, a refresh rotates the credential pair.
	env.provider.EXPECT().Refresh(gomock.Any(), "rt1").Return(&provider.Credentials{
		AccessToken:  "at2",
		RefreshToken: "rt2",
		Expiry:       time.Now().UTC().Add(time.Hour),
	}, nil)

	conn2, err := env.service.Refresh(context.Background(), "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "at2", conn2.AccessToken)
	assert.Equal(t, "rt2", conn2.RefreshToken)
}
