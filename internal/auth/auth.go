// Package auth guards the admin surface. Two credentials are accepted: the
// shared API key (X-API-Key header or api_key query parameter) used by
// scripts, and a signed session cookie issued after Google sign-in.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/countryballcards/signup/internal/config"
	"github.com/countryballcards/signup/internal/pkg/httputil"
	"github.com/countryballcards/signup/internal/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	stateCookie     = "oauth_state"
	userInfoURL     = "https://www.googleapis.com/oauth2/v2/userinfo"
	sessionIssuer   = "countryballcards-signup"
	apiKeyHeader    = "X-API-Key"
	apiKeyQueryParm = "api_key"
)

// ErrInvalidSession is returned for missing, expired or forged cookies.
var ErrInvalidSession = errors.New("invalid session")

// GoogleUserInfo represents the user info returned by Google
type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	HD            string `json:"hd"` // Hosted domain (Workspace domain)
}

// SessionClaims is the payload of the admin session cookie.
type SessionClaims struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Domain string `json:"hd,omitempty"`
	jwt.RegisteredClaims
}

// AuthManager handles admin authentication.
type AuthManager struct {
	cfg          config.AuthConfig
	oauth2Config *oauth2.Config
	secret       []byte
	userInfoURL  string
	now          func() time.Time
}

// NewAuthManager creates a new authentication manager.
func NewAuthManager(cfg config.AuthConfig) *AuthManager {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	return &AuthManager{
		cfg: cfg,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  baseURL + "/auth/callback",
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		secret:      []byte(cfg.SessionSecret),
		userInfoURL: userInfoURL,
		now:         time.Now,
	}
}

// generateState creates a random state string for OAuth
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// CheckAPIKey reports whether r carries the configured API key. An empty
// configured key disables this credential.
func (am *AuthManager) CheckAPIKey(r *http.Request) bool {
	if am.cfg.APIKey == "" {
		return false
	}
	key := r.Header.Get(apiKeyHeader)
	if key == "" {
		key = r.URL.Query().Get(apiKeyQueryParm)
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(am.cfg.APIKey)) == 1
}

// RequireAdmin rejects requests carrying neither a valid API key nor a
// valid session cookie.
func (am *AuthManager) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if am.CheckAPIKey(r) {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := am.GetSession(r); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		httputil.Unauthorized(w)
	})
}

// HandleLogin initiates the Google OAuth flow
func (am *AuthManager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !am.cfg.OAuthEnabled() {
		httputil.ErrorCode(w, http.StatusNotFound, "not_found", "Sign-in is not configured")
		return
	}
	state, err := generateState()
	if err != nil {
		httputil.InternalError(w, err, "Failed to start sign-in")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	if am.cfg.AllowedDomain != "" {
		opts = append(opts, oauth2.SetAuthURLParam("hd", am.cfg.AllowedDomain))
	}
	http.Redirect(w, r, am.oauth2Config.AuthCodeURL(state, opts...), http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth callback from Google
func (am *AuthManager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" || r.URL.Query().Get("state") != c.Value {
		logger.Warn("auth: state mismatch on callback")
		http.Redirect(w, r, "/?error=invalid_state", http.StatusTemporaryRedirect)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		logger.Warn("auth: google returned error", "error", errMsg)
		http.Redirect(w, r, "/?error=access_denied", http.StatusTemporaryRedirect)
		return
	}

	token, err := am.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		logger.Warn("auth: code exchange failed", "error", err)
		http.Redirect(w, r, "/?error=exchange_failed", http.StatusTemporaryRedirect)
		return
	}

	userInfo, err := am.getUserInfo(r.Context(), token)
	if err != nil {
		logger.Warn("auth: user info failed", "error", err)
		http.Redirect(w, r, "/?error=userinfo_failed", http.StatusTemporaryRedirect)
		return
	}

	if !am.domainAllowed(userInfo) {
		logger.Warn("auth: domain not allowed", "email", userInfo.Email, "allowed", am.cfg.AllowedDomain)
		http.Redirect(w, r, "/?error=domain_not_allowed", http.StatusTemporaryRedirect)
		return
	}

	cookie, err := am.IssueSession(userInfo)
	if err != nil {
		logger.Error("auth: issue session failed", "error", err)
		http.Redirect(w, r, "/?error=session_failed", http.StatusTemporaryRedirect)
		return
	}
	http.SetCookie(w, cookie)

	logger.Info("auth: admin signed in", "email", userInfo.Email)
	http.Redirect(w, r, "/admin/subscribers", http.StatusTemporaryRedirect)
}

func (am *AuthManager) domainAllowed(u *GoogleUserInfo) bool {
	if !u.VerifiedEmail {
		return false
	}
	if am.cfg.AllowedDomain == "" {
		return true
	}
	_, domain, ok := strings.Cut(u.Email, "@")
	return ok && strings.EqualFold(domain, am.cfg.AllowedDomain)
}

// IssueSession signs a session cookie for u.
func (am *AuthManager) IssueSession(u *GoogleUserInfo) (*http.Cookie, error) {
	if len(am.secret) == 0 {
		return nil, errors.New("session secret not configured")
	}
	now := am.now()
	maxAge := time.Duration(am.cfg.CookieMaxAge) * time.Second
	claims := SessionClaims{
		Email:  u.Email,
		Name:   u.Name,
		Domain: u.HD,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(maxAge)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(am.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}
	return &http.Cookie{
		Name:     am.cfg.CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   am.cfg.CookieMaxAge,
		HttpOnly: true,
		Secure:   strings.HasPrefix(am.cfg.BaseURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// GetSession validates the session cookie on r.
func (am *AuthManager) GetSession(r *http.Request) (*SessionClaims, error) {
	if len(am.secret) == 0 {
		return nil, ErrInvalidSession
	}
	c, err := r.Cookie(am.cfg.CookieName)
	if err != nil {
		return nil, ErrInvalidSession
	}
	claims := &SessionClaims{}
	_, err = jwt.ParseWithClaims(c.Value, claims, func(*jwt.Token) (any, error) {
		return am.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(am.now),
	)
	if err != nil {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// HandleLogout clears the session cookie.
func (am *AuthManager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   am.cfg.CookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// HandleUserInfo returns the current admin as JSON.
func (am *AuthManager) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	claims, err := am.GetSession(r)
	if err != nil {
		httputil.JSON(w, http.StatusUnauthorized, httputil.Envelope{
			Success:   false,
			Error:     "Not signed in",
			Code:      "unauthorized",
			Data:      map[string]any{"authenticated": false},
			Timestamp: httputil.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	httputil.Success(w, map[string]any{
		"authenticated": true,
		"user": map[string]string{
			"id":     claims.Subject,
			"email":  claims.Email,
			"name":   claims.Name,
			"domain": claims.Domain,
		},
		"expires_at": claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

// getUserInfo fetches the user's profile from Google
func (am *AuthManager) getUserInfo(ctx context.Context, token *oauth2.Token) (*GoogleUserInfo, error) {
	resp, err := am.oauth2Config.Client(ctx, token).Get(am.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google API error: %d", resp.StatusCode)
	}

	var userInfo GoogleUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}
	return &userInfo, nil
}
