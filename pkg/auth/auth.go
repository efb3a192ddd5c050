// Package auth manages per-login-point credential bundles and the
// authenticated HTTP sessions built from them, reused across targets that
// share a (login point, base URL) pair. Authentication failures of any
// kind degrade to an anonymous session rather than an error, so a scan
// proceeds unauthenticated when a login endpoint misbehaves.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/types"
)

const authTimeout = 30 * time.Second

// Session is the reusable HTTP client state for one (login point, base
// URL) pair.
type Session struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// newAnonymous builds an unauthenticated session for baseURL.
func newAnonymous(baseURL string) *Session {
	jar, _ := cookiejar.New(nil)
	return &Session{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Jar: jar, Timeout: authTimeout},
	}
}

// Do attaches the session's bearer token, if any, and executes req.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	return s.Client.Do(req)
}

// Manager caches authenticated sessions keyed by (login_point, base_url)
// and the credential bundles used to build them. A single mutex
// serializes every cache mutation so two concurrent GetSession calls for
// the same key never race to authenticate twice.
type Manager struct {
	mu          sync.Mutex
	credentials map[string]*types.Credentials
	sessions    map[string]*Session
}

// NewManager returns an empty Auth Manager.
func NewManager() *Manager {
	return &Manager{
		credentials: make(map[string]*types.Credentials),
		sessions:    make(map[string]*Session),
	}
}

// SetCredentials installs a credential bundle for loginPoint, overwriting
// any prior bundle under the same name.
func (m *Manager) SetCredentials(loginPoint string, creds *types.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[loginPoint] = creds
}

func cacheKey(loginPoint, baseURL string) string {
	return loginPoint + ":" + baseURL
}

// GetSession returns the cached session for (loginPoint, baseURL), or
// authenticates and caches a new one. forceNew bypasses the cache lookup
// (the result still replaces whatever was cached). Authentication
// failures of any kind degrade to an anonymous session rather than an
// error.
func (m *Manager) GetSession(ctx context.Context, loginPoint, baseURL string, forceNew bool) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cacheKey(loginPoint, baseURL)
	if !forceNew {
		if s, ok := m.sessions[key]; ok {
			return s
		}
	}

	creds, ok := m.credentials[loginPoint]
	if !ok {
		s := newAnonymous(baseURL)
		m.sessions[key] = s
		return s
	}

	s := m.authenticate(ctx, baseURL, creds)
	m.sessions[key] = s
	return s
}

func (m *Manager) authenticate(ctx context.Context, baseURL string, creds *types.Credentials) *Session {
	loginURL := creds.LoginURL
	if loginURL == "" {
		loginURL = "/login"
	}
	method := strings.ToUpper(creds.Method)
	if method == "" {
		method = "POST"
	}

	var req *http.Request
	var err error

	if method == "POST" {
		body, marshalErr := json.Marshal(map[string]string{
			"username": creds.Username,
			"password": creds.Password,
		})
		if marshalErr != nil {
			log.Logger.Error().Err(marshalErr).Msg("auth request encode failed")
			return newAnonymous(baseURL)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, baseURL+loginURL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		q := url.Values{"username": {creds.Username}, "password": {creds.Password}}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, baseURL+loginURL+"?"+q.Encode(), nil)
	}
	if err != nil {
		log.Logger.Error().Err(err).Msg("auth request build failed")
		return newAnonymous(baseURL)
	}

	client := &http.Client{Timeout: authTimeout}
	resp, err := client.Do(req)
	if err != nil {
		log.Logger.Warn().Err(err).Str("base_url", baseURL).Msg("authentication request failed")
		return newAnonymous(baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Logger.Warn().Int("status", resp.StatusCode).Str("base_url", baseURL).Msg("authentication rejected")
		return newAnonymous(baseURL)
	}

	jar, _ := cookiejar.New(nil)
	if u, err := url.Parse(baseURL); err == nil {
		jar.SetCookies(u, resp.Cookies())
	}

	session := &Session{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Jar: jar, Timeout: authTimeout},
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			session.Token = payload.Token
			if session.Token == "" {
				session.Token = payload.AccessToken
			}
		}
	}

	log.Logger.Info().Str("base_url", baseURL).Msg("authenticated session established")
	return session
}

// InvalidateSession evicts and closes the cached session for
// (loginPoint, baseURL), if present.
func (m *Manager) InvalidateSession(loginPoint, baseURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cacheKey(loginPoint, baseURL)
	if s, ok := m.sessions[key]; ok {
		s.Client.CloseIdleConnections()
		delete(m.sessions, key)
	}
}

// CloseAll closes and evicts every cached session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Client.CloseIdleConnections()
	}
	m.sessions = make(map[string]*Session)
}

// ActiveCount reports the number of cached sessions, for the
// vulnscan_auth_sessions_active gauge.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AnonymousFor builds a throwaway anonymous session for a target with no
// task-level auth, per the Case Executor's fallback rule.
func AnonymousFor(target string) *Session {
	return newAnonymous(fmt.Sprintf("http://%s", target))
}
