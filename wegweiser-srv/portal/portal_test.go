package portal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/escaper"
	"github.com/codefionn/wegweiser/wegweiser-srv/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *escaper.Registry {
	t.Helper()
	registry, err := escaper.NewRegistry(&config.Config{
		Escapers: map[string]config.Escaper{
			"direct": &config.EscaperDirect{},
			"backup": &config.EscaperDirect{},
		},
		DefaultEscaper: "direct",
	})
	require.NoError(t, err)
	return registry
}

func testPortal(t *testing.T, cfg config.PortalConfig) *Portal {
	t.Helper()
	return New(cfg, stats.NewDummyCollector(), testRegistry(t))
}

func TestIsPortalRequest(t *testing.T) {
	p := testPortal(t, config.PortalConfig{Enabled: true})

	request := func(host string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://"+host+"/api/overview", nil)
		r.Host = host
		return r
	}

	assert.True(t, p.IsPortalRequest(request("wegweiser.internal")))
	assert.True(t, p.IsPortalRequest(request("wegweiser.internal:8080")))
	assert.True(t, p.IsPortalRequest(request("WEGWEISER.INTERNAL")))
	assert.False(t, p.IsPortalRequest(request("example.com")))
	assert.False(t, p.IsPortalRequest(request("notwegweiser.internal.example.com")))

	disabled := testPortal(t, config.PortalConfig{Enabled: false})
	assert.False(t, disabled.IsPortalRequest(request("wegweiser.internal")))

	custom := testPortal(t, config.PortalConfig{Enabled: true, Domain: "proxy.corp"})
	assert.True(t, custom.IsPortalRequest(request("proxy.corp")))
	assert.False(t, custom.IsPortalRequest(request("wegweiser.internal")))
}

func TestPortalOpenWithoutPassword(t *testing.T) {
	p := testPortal(t, config.PortalConfig{Enabled: true})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/overview", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestPortalAuthFlow(t *testing.T) {
	password := "portal-pass"
	p := testPortal(t, config.PortalConfig{
		Enabled:  true,
		Username: "admin",
		Password: &password,
	})

	t.Run("unauthenticated request is rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/overview", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong credentials are rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := strings.NewReader(`{"username":"admin","password":"wrong"}`)
		p.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/login", body))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("login sets a session cookie that grants access", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := strings.NewReader(`{"username":"admin","password":"portal-pass"}`)
		p.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/login", body))
		require.Equal(t, http.StatusOK, w.Code)

		var session *http.Cookie
		for _, c := range w.Result().Cookies() {
			if c.Name == SessionCookieName {
				session = c
			}
		}
		require.NotNil(t, session, "login must set the session cookie")
		assert.True(t, session.HttpOnly)
		assert.NotEmpty(t, session.Value)

		w = httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
		r.AddCookie(session)
		p.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("tampered cookie is rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "not-a-jwt"})
		p.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("health stays open without a session", func(t *testing.T) {
		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestPortalLoginMethod(t *testing.T) {
	p := testPortal(t, config.PortalConfig{Enabled: true})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/login", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPortalLogoutClearsCookie(t *testing.T) {
	p := testPortal(t, config.PortalConfig{Enabled: true})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/logout", nil))
	require.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestPortalEscapersEndpoint(t *testing.T) {
	p := testPortal(t, config.PortalConfig{Enabled: true})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/escapers", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var entries []escaperEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"direct", "backup"}, names)
}

func TestPortalHealth(t *testing.T) {
	p := testPortal(t, config.PortalConfig{Enabled: true})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.NotEmpty(t, health["uptime"])
}

func TestPortalUnknownPath(t *testing.T) {
	p := testPortal(t, config.PortalConfig{Enabled: true})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLimitParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=10", 10},
		{"?limit=9999", 500},
		{"?limit=0", 50},
		{"?limit=-3", 50},
		{"?limit=abc", 50},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/domains"+tt.query, nil)
		assert.Equal(t, tt.want, limitParam(r, 50, 500), "query %q", tt.query)
	}
}

func TestJWTSecretFromConfig(t *testing.T) {
	secret := "fixed-secret"
	password := "pw"
	cfg := config.PortalConfig{
		Enabled:   true,
		Username:  "admin",
		Password:  &password,
		JWTSecret: &secret,
	}

	// Two portals sharing the configured secret accept each other's
	// sessions, which is what keeps logins alive across restarts.
	first := testPortal(t, cfg)
	second := testPortal(t, cfg)

	token, err := first.createSession("admin")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	assert.True(t, second.isAuthenticated(r))

	random := testPortal(t, config.PortalConfig{Enabled: true, Username: "admin", Password: &password})
	assert.False(t, random.isAuthenticated(r), "random-secret portal must reject foreign tokens")
}
