package cvat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"cvatsync/internal/metrics"
)

// ErrAuthentication means the remote rejected our credentials.
var ErrAuthentication = errors.New("remote authentication failed")

// Session carries the credentials of one successful login.
type Session struct {
	jar   http.CookieJar
	token string
}

// Apply attaches the session credentials to an outgoing request.
func (s *Session) Apply(req *http.Request) {
	if s == nil {
		return
	}
	if s.jar != nil {
		for _, c := range s.jar.Cookies(req.URL) {
			req.AddCookie(c)
		}
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Token "+s.token)
	}
}

// Sessions hands out a valid session and forgets a rejected one.
type Sessions interface {
	GetValidSession(ctx context.Context) (*Session, error)
	Invalidate(stale *Session)
}

// SessionManager logs in lazily and caches the session until invalidated.
type SessionManager struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client

	mu      sync.Mutex
	current *Session
	logins  int
}

func NewSessionManager(baseURL, username, password string, client *http.Client) *SessionManager {
	return &SessionManager{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Username:   username,
		Password:   password,
		HTTPClient: client,
	}
}

// GetValidSession returns the cached session, logging in first if needed.
func (m *SessionManager) GetValidSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current, nil
	}
	s, err := m.login(ctx)
	if err != nil {
		return nil, err
	}
	m.current = s
	m.logins++
	metrics.RemoteLoginsTotal.Inc()
	return s, nil
}

// Invalidate drops stale if it is still the cached session, so the next call
// logs in again. A session another caller already replaced is left alone.
// A nil stale drops whatever is cached.
func (m *SessionManager) Invalidate(stale *Session) {
	m.mu.Lock()
	if stale == nil || m.current == stale {
		m.current = nil
	}
	m.mu.Unlock()
}

// Logins reports how many successful logins this manager performed.
func (m *SessionManager) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

func (m *SessionManager) login(ctx context.Context) (*Session, error) {
	endpoint := m.BaseURL + "/auth/login"
	body, err := json.Marshal(map[string]string{"username": m.Username, "password": m.Password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d", ErrAuthentication, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Op: "login", Status: resp.StatusCode, Body: string(b)}
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(u, resp.Cookies())
	var out struct {
		Key string `json:"key"`
	}
	// some deployments answer with an empty body and cookies only
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if len(jar.Cookies(u)) == 0 && out.Key == "" {
		return nil, fmt.Errorf("%w: login returned no credentials", ErrAuthentication)
	}
	return &Session{jar: jar, token: out.Key}, nil
}
