package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/guestmail/guestmail/lifecycle"
	"github.com/guestmail/guestmail/mailcow"
	"github.com/guestmail/guestmail/store"
)

// --- Mocks ---

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) TokenBySecret(ctx context.Context, secret string) (store.Token, bool, error) {
	args := m.Called(ctx, secret)
	return args.Get(0).(store.Token), args.Bool(1), args.Error(2)
}
func (m *mockEngine) TokenByName(ctx context.Context, name string) (store.Token, bool, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(store.Token), args.Bool(1), args.Error(2)
}
func (m *mockEngine) CreateToken(ctx context.Context, name, secret, expiryCode, prefix string, maxUse int64) (store.Token, error) {
	args := m.Called(ctx, name, secret, expiryCode, prefix, maxUse)
	return args.Get(0).(store.Token), args.Error(1)
}
func (m *mockEngine) ModifyToken(ctx context.Context, name string, upd store.TokenUpdate) (store.Token, error) {
	args := m.Called(ctx, name, upd)
	return args.Get(0).(store.Token), args.Error(1)
}
func (m *mockEngine) DeleteToken(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}
func (m *mockEngine) ListTokens(ctx context.Context) ([]store.Token, error) {
	args := m.Called(ctx)
	return args.Get(0).([]store.Token), args.Error(1)
}
func (m *mockEngine) CreateAccount(ctx context.Context, tokenName, addr, password string) (lifecycle.CreatedAccount, error) {
	args := m.Called(ctx, tokenName, addr, password)
	return args.Get(0).(lifecycle.CreatedAccount), args.Error(1)
}
func (m *mockEngine) DeleteAccount(ctx context.Context, addr, reason string) error {
	args := m.Called(ctx, addr, reason)
	return args.Error(0)
}
func (m *mockEngine) ListAccounts(ctx context.Context, tokenName string) ([]lifecycle.AccountEntry, error) {
	args := m.Called(ctx, tokenName)
	return args.Get(0).([]lifecycle.AccountEntry), args.Error(1)
}
func (m *mockEngine) Settings(ctx context.Context) (store.Settings, error) {
	args := m.Called(ctx)
	return args.Get(0).(store.Settings), args.Error(1)
}

const adminKey = "test-admin-key"

func newTestServer(t *testing.T) (*Server, *mockEngine) {
	t.Helper()
	engine := new(mockEngine)
	server, err := New(engine, ServerOptions{Addr: "127.0.0.1:0", APIKey: adminKey})
	require.NoError(t, err)
	return server, engine
}

func doRequest(s *Server, method, target string, body []byte, apiKey string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateEmail(t *testing.T) {
	server, engine := newTestServer(t)

	tok := store.Token{Name: "oneweek", Secret: "1w_abc", Expiry: "1w"}
	engine.On("TokenBySecret", mock.Anything, "1w_abc").Return(tok, true, nil)
	engine.On("CreateAccount", mock.Anything, "oneweek", "", "").Return(lifecycle.CreatedAccount{
		Account:  store.Account{Addr: "tmp.x7k2p@guests.example.org", TTL: 604800},
		Password: "s3cretpw1234",
	}, nil)

	rec := doRequest(server, "POST", "/?t=1w_abc", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createdEmailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tmp.x7k2p@guests.example.org", resp.Email)
	assert.Equal(t, "s3cretpw1234", resp.Password)
	assert.Equal(t, "1w", resp.Expiry)
	assert.Equal(t, int64(604800), resp.TTL)
}

func TestCreateEmailTokenErrors(t *testing.T) {
	server, engine := newTestServer(t)

	engine.On("TokenBySecret", mock.Anything, "nope").Return(store.Token{}, false, nil)

	rec := doRequest(server, "POST", "/", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "missing token parameter")

	rec = doRequest(server, "POST", "/?t=nope", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "unknown token")
}

func TestCreateEmailFailureMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"exhausted", fmt.Errorf("wrap: %w", store.ErrTokenExhausted), http.StatusConflict},
		{"taken", fmt.Errorf("wrap: %w", lifecycle.ErrAccountExists), http.StatusConflict},
		{"remote", fmt.Errorf("wrap: %w", mailcow.ErrRemote), http.StatusBadGateway},
		{"timeout", fmt.Errorf("wrap: %w", mailcow.ErrRemoteTimeout), http.StatusGatewayTimeout},
		{"busy", fmt.Errorf("wrap: %w", store.ErrLockTimeout), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, engine := newTestServer(t)
			tok := store.Token{Name: "oneweek", Secret: "1w_abc", Expiry: "1w"}
			engine.On("TokenBySecret", mock.Anything, "1w_abc").Return(tok, true, nil)
			engine.On("CreateAccount", mock.Anything, "oneweek", "", "").Return(lifecycle.CreatedAccount{}, tc.err)

			rec := doRequest(server, "POST", "/new_email?t=1w_abc", nil, "")
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestAdminAuth(t *testing.T) {
	server, engine := newTestServer(t)
	engine.On("ListTokens", mock.Anything).Return([]store.Token{}, nil)
	engine.On("Settings", mock.Anything).Return(store.Settings{}, nil)

	rec := doRequest(server, "GET", "/admin/tokens", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(server, "GET", "/admin/tokens", nil, "wrong-key")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(server, "GET", "/admin/tokens", nil, adminKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	engine := new(mockEngine)
	server, err := New(engine, ServerOptions{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	rec := doRequest(server, "GET", "/admin/tokens", nil, "anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAddToken(t *testing.T) {
	server, engine := newTestServer(t)

	tok := store.Token{Name: "oneweek", Secret: "1w_gen", Expiry: "1w", Prefix: "tmp.", MaxUse: 50}
	engine.On("CreateToken", mock.Anything, "oneweek", "", "1w", "tmp.", int64(50)).Return(tok, nil)
	engine.On("Settings", mock.Anything).Return(store.Settings{
		MailDomain:  "guests.example.org",
		WebEndpoint: "https://guests.example.org/new_email",
	}, nil)

	body, _ := json.Marshal(addTokenRequest{Name: "oneweek", Expiry: "1w", Prefix: "tmp.", MaxUse: 50})
	rec := doRequest(server, "POST", "/admin/tokens", body, adminKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1w_gen", resp.Secret)
	assert.Equal(t, "https://guests.example.org/new_email?t=1w_gen&n=oneweek", resp.URL)
}

func TestAdminAddTokenDuplicate(t *testing.T) {
	server, engine := newTestServer(t)
	engine.On("CreateToken", mock.Anything, "dup", "", "1w", "", int64(1)).
		Return(store.Token{}, fmt.Errorf("wrap: %w", store.ErrDuplicateToken))

	body, _ := json.Marshal(addTokenRequest{Name: "dup", Expiry: "1w", MaxUse: 1})
	rec := doRequest(server, "POST", "/admin/tokens", body, adminKey)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminModifyToken(t *testing.T) {
	server, engine := newTestServer(t)

	newExpiry := "2w"
	engine.On("ModifyToken", mock.Anything, "oneweek", store.TokenUpdate{Expiry: &newExpiry}).
		Return(store.Token{Name: "oneweek", Secret: "1w_abc", Expiry: "2w"}, nil)
	engine.On("Settings", mock.Anything).Return(store.Settings{}, nil)

	body, _ := json.Marshal(modifyTokenRequest{Expiry: &newExpiry})
	rec := doRequest(server, "PUT", "/admin/tokens/oneweek", body, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2w", resp.Expiry)
}

func TestAdminDeleteToken(t *testing.T) {
	server, engine := newTestServer(t)
	engine.On("DeleteToken", mock.Anything, "gone").Return(fmt.Errorf("wrap: %w", store.ErrTokenNotFound))
	engine.On("DeleteToken", mock.Anything, "oneweek").Return(nil)

	rec := doRequest(server, "DELETE", "/admin/tokens/oneweek", nil, adminKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(server, "DELETE", "/admin/tokens/gone", nil, adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminCreateAccountExplicit(t *testing.T) {
	server, engine := newTestServer(t)

	engine.On("CreateAccount", mock.Anything, "oneweek", "pinned@guests.example.org", "pw").
		Return(lifecycle.CreatedAccount{
			Account:  store.Account{Addr: "pinned@guests.example.org", TTL: 604800},
			Password: "pw",
		}, nil)

	body, _ := json.Marshal(createAccountRequest{Token: "oneweek", Addr: "pinned@guests.example.org", Password: "pw"})
	rec := doRequest(server, "POST", "/admin/accounts", body, adminKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	body, _ = json.Marshal(createAccountRequest{Addr: "x@guests.example.org"})
	rec = doRequest(server, "POST", "/admin/accounts", body, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "token is required")
}

func TestAdminListAccounts(t *testing.T) {
	server, engine := newTestServer(t)

	engine.On("ListAccounts", mock.Anything, "oneweek").Return([]lifecycle.AccountEntry{
		{
			Account:   store.Account{Addr: "a@guests.example.org", CreatedAt: 1000, TTL: 3600, TokenName: "oneweek"},
			LastLogin: 2000,
		},
		{
			Account:       store.Account{Addr: "b@guests.example.org", CreatedAt: 1000, TTL: 3600, TokenName: "oneweek"},
			MissingRemote: true,
		},
	}, nil)

	rec := doRequest(server, "GET", "/admin/accounts?token=oneweek", nil, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []accountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, int64(4600), resp[0].ExpiresAt)
	assert.True(t, resp[1].MissingRemote)
}

func TestAdminDeleteAccount(t *testing.T) {
	server, engine := newTestServer(t)
	engine.On("DeleteAccount", mock.Anything, "a@guests.example.org", "admin").Return(nil)

	rec := doRequest(server, "DELETE", "/admin/accounts/a@guests.example.org", nil, adminKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

type fakePruner struct {
	runs int
	err  error
}

func (f *fakePruner) RunOnce(ctx context.Context) error {
	f.runs++
	return f.err
}

func TestAdminPrune(t *testing.T) {
	engine := new(mockEngine)
	p := &fakePruner{}
	server, err := New(engine, ServerOptions{Addr: "127.0.0.1:0", APIKey: adminKey, Pruner: p})
	require.NoError(t, err)

	rec := doRequest(server, "POST", "/admin/prune", nil, adminKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, p.runs)

	// Without a pruner the route does not exist.
	server, err = New(engine, ServerOptions{Addr: "127.0.0.1:0", APIKey: adminKey})
	require.NoError(t, err)
	rec = doRequest(server, "POST", "/admin/prune", nil, adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(server, "GET", "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
