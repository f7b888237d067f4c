package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/countryballcards/signup/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		APIKey:             "k3y",
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
		AllowedDomain:      "countryballcards.com",
		SessionSecret:      "session-secret",
		CookieName:         "signup_admin",
		CookieMaxAge:       3600,
		BaseURL:            "https://signup.countryballcards.com",
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestCheckAPIKey(t *testing.T) {
	am := NewAuthManager(testConfig())

	r := httptest.NewRequest(http.MethodGet, "/admin/subscribers", nil)
	assert.False(t, am.CheckAPIKey(r))

	r.Header.Set("X-API-Key", "k3y")
	assert.True(t, am.CheckAPIKey(r))

	r = httptest.NewRequest(http.MethodGet, "/admin/subscribers?api_key=k3y", nil)
	assert.True(t, am.CheckAPIKey(r))

	r = httptest.NewRequest(http.MethodGet, "/admin/subscribers?api_key=wrong", nil)
	assert.False(t, am.CheckAPIKey(r))

	cfg := testConfig()
	cfg.APIKey = ""
	r = httptest.NewRequest(http.MethodGet, "/admin/subscribers?api_key=", nil)
	assert.False(t, NewAuthManager(cfg).CheckAPIKey(r))
}

func TestRequireAdmin(t *testing.T) {
	am := NewAuthManager(testConfig())
	h := am.RequireAdmin(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/subscribers", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)

	cookie, err := am.IssueSession(&GoogleUserInfo{ID: "1", Email: "ops@countryballcards.com", VerifiedEmail: true})
	require.NoError(t, err)
	assert.True(t, cookie.Secure)
	r := httptest.NewRequest(http.MethodGet, "/admin/subscribers", nil)
	r.AddCookie(cookie)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSession_ExpiredAndForged(t *testing.T) {
	am := NewAuthManager(testConfig())
	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	am.now = func() time.Time { return issued }

	cookie, err := am.IssueSession(&GoogleUserInfo{ID: "1", Email: "ops@countryballcards.com"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookie)
	claims, err := am.GetSession(r)
	require.NoError(t, err)
	assert.Equal(t, "ops@countryballcards.com", claims.Email)

	am.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = am.GetSession(r)
	assert.ErrorIs(t, err, ErrInvalidSession)

	other := testConfig()
	other.SessionSecret = "different"
	forger := NewAuthManager(other)
	forger.now = func() time.Time { return issued }
	forged, err := forger.IssueSession(&GoogleUserInfo{ID: "2", Email: "eve@evil.example"})
	require.NoError(t, err)
	am.now = func() time.Time { return issued }
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(forged)
	_, err = am.GetSession(r)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestHandleLogin_RedirectsWithState(t *testing.T) {
	am := NewAuthManager(testConfig())
	w := httptest.NewRecorder()
	am.HandleLogin(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "countryballcards.com", loc.Query().Get("hd"))
	assert.Equal(t, "https://signup.countryballcards.com/auth/callback", loc.Query().Get("redirect_uri"))

	var state string
	for _, c := range w.Result().Cookies() {
		if c.Name == stateCookie {
			state = c.Value
		}
	}
	assert.Equal(t, state, loc.Query().Get("state"))
}

func TestHandleLogin_DisabledWithoutOAuth(t *testing.T) {
	cfg := testConfig()
	cfg.GoogleClientID = ""
	w := httptest.NewRecorder()
	NewAuthManager(cfg).HandleLogin(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCallback_StateMismatch(t *testing.T) {
	am := NewAuthManager(testConfig())
	r := httptest.NewRequest(http.MethodGet, "/auth/callback?state=a&code=x", nil)
	r.AddCookie(&http.Cookie{Name: stateCookie, Value: "b"})
	w := httptest.NewRecorder()
	am.HandleCallback(w, r)
	assert.Equal(t, "/?error=invalid_state", w.Header().Get("Location"))
}

func googleStub(t *testing.T, email string, verified bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at", "token_type": "Bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(GoogleUserInfo{ID: "42", Email: email, VerifiedEmail: verified, Name: "Ops"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func callback(am *AuthManager) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/auth/callback?state=s1&code=c1", nil)
	r.AddCookie(&http.Cookie{Name: stateCookie, Value: "s1"})
	w := httptest.NewRecorder()
	am.HandleCallback(w, r)
	return w
}

func TestHandleCallback_IssuesSession(t *testing.T) {
	srv := googleStub(t, "ops@countryballcards.com", true)
	am := NewAuthManager(testConfig())
	am.oauth2Config.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	am.userInfoURL = srv.URL + "/userinfo"

	w := callback(am)
	assert.Equal(t, "/admin/subscribers", w.Header().Get("Location"))

	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "signup_admin" {
			session = c
		}
	}
	require.NotNil(t, session)

	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.AddCookie(session)
	rec := httptest.NewRecorder()
	am.HandleUserInfo(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"ops@countryballcards.com"`)
}

func TestHandleCallback_RejectsOtherDomain(t *testing.T) {
	srv := googleStub(t, "eve@gmail.com", true)
	am := NewAuthManager(testConfig())
	am.oauth2Config.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}
	am.userInfoURL = srv.URL + "/userinfo"

	w := callback(am)
	assert.Equal(t, "/?error=domain_not_allowed", w.Header().Get("Location"))
}

func TestHandleUserInfo_Anonymous(t *testing.T) {
	w := httptest.NewRecorder()
	NewAuthManager(testConfig()).HandleUserInfo(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"authenticated":false`)
}
