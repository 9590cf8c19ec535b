package sprintpulse

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// DefaultTenant is used when neither persisted state nor the host name yields a tenant.
const DefaultTenant = "default"

// DefaultDirectPort is the port the backend listens on when reached without
// the reverse proxy.
const DefaultDirectPort = 8000

// ErrNoToken is returned when a connection is attempted without a bearer token.
var ErrNoToken = errors.New("no auth token available")

// ============================================================================
// Session
// ============================================================================

// Session is the read-only view of the process-wide auth state. The realtime
// core reads it at connection-attempt time and never writes to it.
type Session interface {
	// Token returns the current bearer token, or "" when signed out.
	Token() string
	// Tenant returns the persisted tenant identifier, or "" if none was stored.
	Tenant() string
}

// StaticSession is a Session with fixed values.
type StaticSession struct {
	AccessToken string
	TenantID    string
}

func (s StaticSession) Token() string  { return s.AccessToken }
func (s StaticSession) Tenant() string { return s.TenantID }

// SessionStore is a Session whose values can be swapped by the owner, e.g.
// after a token refresh or a config file change.
type SessionStore struct {
	mu     sync.RWMutex
	token  string
	tenant string
}

// NewSessionStore creates a SessionStore with initial values.
func NewSessionStore(token, tenant string) *SessionStore {
	return &SessionStore{token: token, tenant: tenant}
}

func (s *SessionStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *SessionStore) Tenant() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenant
}

// Update replaces both values and reports whether anything changed.
func (s *SessionStore) Update(token, tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.token != token || s.tenant != tenant
	s.token = token
	s.tenant = tenant
	return changed
}

// ============================================================================
// Tenant resolution
// ============================================================================

var reservedSubdomains = map[string]bool{
	"www": true,
	"app": true,
	"api": true,
}

// ResolveTenant picks the tenant from persisted state first, then from the
// leftmost label of host, falling back to DefaultTenant.
func ResolveTenant(stored, host string) string {
	if t := strings.TrimSpace(stored); t != "" {
		return t
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || net.ParseIP(host) != nil {
		return DefaultTenant
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return DefaultTenant
	}
	sub := strings.ToLower(labels[0])
	if sub == "" || reservedSubdomains[sub] {
		return DefaultTenant
	}
	return sub
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ============================================================================
// Endpoints
// ============================================================================

// Endpoint is the pair of URLs a single connection attempt may use. It is
// immutable once built; owners rebuild it when the token or tenant changes.
type Endpoint struct {
	Primary  string
	Fallback string
}

// HasFallback reports whether a distinct fallback URL is configured.
func (e Endpoint) HasFallback() bool {
	return e.Fallback != "" && e.Fallback != e.Primary
}

func wsOrigin(baseURL string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// TelemetryEndpoint builds the dashboard stream endpoint. The primary URL
// targets the backend directly on directPort; the fallback goes through the
// origin's own port for reverse-proxied deployments.
func TelemetryEndpoint(baseURL, tenant, projectID string, directPort int) (Endpoint, error) {
	origin, err := wsOrigin(baseURL)
	if err != nil {
		return Endpoint{}, err
	}
	if directPort <= 0 {
		directPort = DefaultDirectPort
	}
	origin.Path = "/ws/" + url.PathEscape(tenant) + "/dashboard"
	if projectID != "" {
		origin.RawQuery = url.Values{"project_id": {projectID}}.Encode()
	}

	fallback := origin.String()
	primary := *origin
	primary.Host = net.JoinHostPort(origin.Hostname(), strconv.Itoa(directPort))

	ep := Endpoint{Primary: primary.String(), Fallback: fallback}
	if !ep.HasFallback() {
		ep.Fallback = ""
	}
	return ep, nil
}

// NotificationEndpoint builds the notification stream endpoint. It has no fallback.
func NotificationEndpoint(baseURL, tenant string) (Endpoint, error) {
	origin, err := wsOrigin(baseURL)
	if err != nil {
		return Endpoint{}, err
	}
	origin.Path = "/ws/" + url.PathEscape(tenant) + "/notifications"
	return Endpoint{Primary: origin.String()}, nil
}

// authenticate appends token as the "token" query parameter unless one is
// already present.
func authenticate(rawURL, token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	if q.Get("token") != "" {
		return rawURL, nil
	}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactURL strips the token query parameter for logging.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Del("token")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
