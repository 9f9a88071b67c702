// Package auth implements the optional GitHub OAuth login. A successful
// login is exchanged for a signed JWT that the streaming routes accept as
// a bearer token or cookie.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

const (
	tokenCookie = "auth_token"
	stateCookie = "oauth_state"
	tokenTTL    = 24 * time.Hour

	DefaultOAuthURL = "https://github.com/login/oauth"
	DefaultAPIURL   = "https://api.github.com"
)

var (
	ErrNotMember    = errors.New("user is not a member of the required organization")
	ErrInvalidToken = errors.New("invalid token")
)

type GithubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type AuthResponse struct {
	User  GithubUser `json:"user"`
	Token string     `json:"token,omitempty"`
}

type Claims struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	jwt.RegisteredClaims
}

// Config holds the OAuth app settings. OAuthURL and APIURL default to
// GitHub's public endpoints.
type Config struct {
	Enabled      bool
	JwtSecret    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AllowedOrg   string

	OAuthURL string
	APIURL   string
}

// Authenticator issues and checks login tokens. A nil or disabled
// Authenticator lets every request through.
type Authenticator struct {
	cfg    Config
	secret []byte
	client *http.Client
}

// New creates an Authenticator. An enabled configuration needs a JWT secret
// and OAuth client credentials.
func New(cfg Config) (*Authenticator, error) {
	if cfg.Enabled {
		if cfg.JwtSecret == "" {
			return nil, errors.New("auth: jwt secret is required when auth is enabled")
		}
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("auth: github client id and secret are required when auth is enabled")
		}
	}
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = DefaultOAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(cfg.JwtSecret),
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Enabled returns whether authentication is enabled
func (a *Authenticator) Enabled() bool {
	return a != nil && a.cfg.Enabled
}

// GenerateState creates a random state parameter for OAuth
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// LoginURL returns the GitHub authorize URL for state.
func (a *Authenticator) LoginURL(state string) string {
	scope := "read:user,user:email"
	if a.cfg.AllowedOrg != "" {
		scope += ",read:org"
	}
	q := url.Values{}
	q.Set("client_id", a.cfg.ClientID)
	q.Set("redirect_uri", a.cfg.RedirectURL)
	q.Set("scope", scope)
	q.Set("state", state)
	return a.cfg.OAuthURL + "/authorize?" + q.Encode()
}

// ExchangeCode exchanges an OAuth code for a GitHub access token.
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.OAuthURL+"/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("failed to get access token: %s", result.Error)
	}
	return result.AccessToken, nil
}

// User fetches the GitHub user behind accessToken and enforces the
// organization restriction.
func (a *Authenticator) User(ctx context.Context, accessToken string) (*GithubUser, error) {
	resp, err := a.githubGet(ctx, accessToken, "/user")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}
	var user GithubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}

	if a.cfg.AllowedOrg != "" && !a.isOrgMember(ctx, accessToken, user.Login) {
		return nil, ErrNotMember
	}
	return &user, nil
}

// isOrgMember reports 200 (private member) or 204 (public member).
func (a *Authenticator) isOrgMember(ctx context.Context, accessToken, login string) bool {
	resp, err := a.githubGet(ctx, accessToken, "/orgs/"+url.PathEscape(a.cfg.AllowedOrg)+"/members/"+url.PathEscape(login))
	if err != nil {
		log.Warn().Err(err).Str("org", a.cfg.AllowedOrg).Msg("org membership check failed")
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

func (a *Authenticator) githubGet(ctx context.Context, accessToken, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.APIURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	return a.client.Do(req)
}

// GenerateJWT creates a JWT token for the user
func (a *Authenticator) GenerateJWT(user *GithubUser) (string, error) {
	now := time.Now()
	claims := Claims{
		Login:     user.Login,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.Login,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateJWT validates and parses a JWT token
func (a *Authenticator) ValidateJWT(tokenString string) (*GithubUser, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &GithubUser{
		Login:     claims.Login,
		Name:      claims.Name,
		Email:     claims.Email,
		AvatarURL: claims.AvatarURL,
	}, nil
}

// tokenFromRequest reads a bearer token, falling back to the auth cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// OptionalAuthMiddleware extracts and validates JWT from request if auth is enabled
// If auth is disabled, it allows all requests through
func (a *Authenticator) OptionalAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := tokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		user, err := a.ValidateJWT(tokenString)
		if err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("rejected token")
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// UserFromContext returns the user stored by OptionalAuthMiddleware.
func UserFromContext(ctx context.Context) *GithubUser {
	if user, ok := ctx.Value(UserContextKey).(*GithubUser); ok {
		return user
	}
	return nil
}

func secureRequest(r *http.Request) bool {
	return r.TLS != nil || strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https")
}

// Register mounts the OAuth routes on mux.
func (a *Authenticator) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/github", a.handleLogin)
	mux.HandleFunc("/auth/callback", a.handleCallback)
	mux.HandleFunc("/auth/me", a.handleMe)
	mux.HandleFunc("/auth/logout", a.handleLogout)
}

func (a *Authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := GenerateState()
	if err != nil {
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   secureRequest(r),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.LoginURL(state), http.StatusTemporaryRedirect)
}

func (a *Authenticator) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	c, err := r.Cookie(stateCookie)
	if err != nil || state == "" || c.Value != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if code == "" {
		http.Error(w, "Missing code parameter", http.StatusBadRequest)
		return
	}

	accessToken, err := a.ExchangeCode(r.Context(), code)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("oauth code exchange failed")
		http.Error(w, "Failed to exchange code for token", http.StatusInternalServerError)
		return
	}
	user, err := a.User(r.Context(), accessToken)
	if errors.Is(err, ErrNotMember) {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get user info: "+err.Error(), http.StatusInternalServerError)
		return
	}
	token, err := a.GenerateJWT(user)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   secureRequest(r),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, AuthResponse{User: *user, Token: token})
}

func (a *Authenticator) handleMe(w http.ResponseWriter, r *http.Request) {
	tokenString := tokenFromRequest(r)
	if tokenString == "" {
		http.Error(w, "No authentication token", http.StatusUnauthorized)
		return
	}
	user, err := a.ValidateJWT(tokenString)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, AuthResponse{User: *user, Token: tokenString})
}

func (a *Authenticator) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: tokenCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
