package portal

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/escaper"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
	"github.com/codefionn/wegweiser/wegweiser-srv/stats"
)

const (
	// DefaultDomain is the reserved hostname the portal answers on. It is
	// only reachable through the proxy itself.
	DefaultDomain = "wegweiser.internal"
	// SessionCookieName is the name of the authentication session cookie.
	SessionCookieName = "wegweiser_portal_session"
	// SessionTimeout is the duration for which sessions are valid.
	SessionTimeout = 24 * time.Hour
)

// Portal is the JSON admin API served on the reserved internal domain.
// It answers stats queries from the collector and escaper counters from
// the registry.
type Portal struct {
	cfg       config.PortalConfig
	collector stats.Collector
	registry  *escaper.Registry
	jwtSecret []byte
	startTime time.Time
}

// New creates the portal. The JWT signing secret comes from the config
// when set, otherwise a random one is generated, which invalidates
// sessions across restarts.
func New(cfg config.PortalConfig, collector stats.Collector, registry *escaper.Registry) *Portal {
	var secret []byte
	if cfg.JWTSecret != nil && *cfg.JWTSecret != "" {
		secret = []byte(*cfg.JWTSecret)
	} else {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			secret = fmt.Appendf(nil, "wegweiser-portal-%d", time.Now().UnixNano())
		}
	}

	return &Portal{
		cfg:       cfg,
		collector: collector,
		registry:  registry,
		jwtSecret: secret,
		startTime: time.Now(),
	}
}

// Domain returns the hostname the portal answers on.
func (p *Portal) Domain() string {
	if p.cfg.Domain != "" {
		return p.cfg.Domain
	}
	return DefaultDomain
}

// IsPortalRequest checks whether a proxied request targets the portal
// domain.
func (p *Portal) IsPortalRequest(req *http.Request) bool {
	if !p.cfg.Enabled {
		return false
	}
	host := req.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	return strings.EqualFold(host, p.Domain())
}

// ServeHTTP routes portal API requests.
func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Portal request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	switch r.URL.Path {
	case "/api/login":
		p.serveLogin(w, r)
		return
	case "/api/logout":
		p.serveLogout(w, r)
		return
	case "/api/health":
		p.serveHealth(w, r)
		return
	}

	if p.requiresAuthentication() && !p.isAuthenticated(r) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.URL.Path {
	case "/api/overview":
		p.serveOverview(w, r)
	case "/api/domains":
		p.serveDomains(w, r)
	case "/api/tenants":
		p.serveTenants(w, r)
	case "/api/escapers":
		p.serveEscapers(w, r)
	case "/api/errors":
		p.serveErrors(w, r)
	case "/api/live":
		p.serveLive(w, r)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode portal response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// limitParam reads a ?limit= query parameter with bounds.
func limitParam(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (p *Portal) serveOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := p.collector.GetOverviewStats(r.Context())
	if err != nil {
		logger.Error("Failed to load overview stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	writeJSON(w, overview)
}

func (p *Portal) serveDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := p.collector.GetTopDomains(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		logger.Error("Failed to load top domains: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	writeJSON(w, domains)
}

func (p *Portal) serveTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := p.collector.GetTenantStats(r.Context())
	if err != nil {
		logger.Error("Failed to load tenant stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	writeJSON(w, tenants)
}

// escaperEntry pairs the registry's live counters with the collector's
// historical usage for one escaper.
type escaperEntry struct {
	Name     string                `json:"name"`
	Counters escaper.StatsSnapshot `json:"counters"`
	Dials    int64                 `json:"dials"`
}

func (p *Portal) serveEscapers(w http.ResponseWriter, r *http.Request) {
	usage, err := p.collector.GetEscaperUsage(r.Context(), limitParam(r, 100, 500))
	if err != nil {
		logger.Error("Failed to load escaper usage: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	dials := make(map[string]int64, len(usage))
	for _, u := range usage {
		dials[u.Escaper] = u.DialCount
	}

	snapshot := p.registry.Snapshot()
	entries := make([]escaperEntry, 0, len(snapshot))
	for _, name := range p.registry.Names() {
		entries = append(entries, escaperEntry{
			Name:     name,
			Counters: snapshot[name],
			Dials:    dials[name],
		})
	}
	writeJSON(w, entries)
}

func (p *Portal) serveErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := p.collector.GetRecentErrors(r.Context(), limitParam(r, 50, 200))
	if err != nil {
		logger.Error("Failed to load recent errors: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	writeJSON(w, errs)
}

func (p *Portal) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := p.collector.HealthCheck(r.Context()); err != nil {
		logger.Error("Portal health check failed: %v", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"uptime": time.Since(p.startTime).Round(time.Second).String(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (p *Portal) serveLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	configUsername := p.cfg.Username
	configPassword := ""
	if p.cfg.Password != nil {
		configPassword = *p.cfg.Password
	}
	if configUsername == "" {
		configUsername = "admin"
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(configUsername)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(req.Password), []byte(configPassword)) == 1
	if !usernameMatch || !passwordMatch {
		logger.Warn("Failed portal login for username %q from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := p.createSession(req.Username)
	if err != nil {
		logger.Error("Failed to create portal session: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(SessionTimeout.Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
	logger.Info("Portal login for username %q from %s", req.Username, r.RemoteAddr)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (p *Portal) serveLogout(w http.ResponseWriter, r *http.Request) {
	logger.Info("Portal logout from %s", r.RemoteAddr)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, map[string]string{"status": "ok"})
}

// requiresAuthentication reports whether login is enforced. Without a
// configured password the portal is open, which only makes sense behind
// a trusted network.
func (p *Portal) requiresAuthentication() bool {
	return p.cfg.Username != "" && p.cfg.Password != nil && *p.cfg.Password != ""
}

func (p *Portal) isAuthenticated(r *http.Request) bool {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return false
	}

	token, err := jwt.Parse(cookie.Value, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.jwtSecret, nil
	})
	if err != nil {
		logger.Debug("Portal JWT validation failed: %v", err)
		return false
	}
	return token.Valid
}

func (p *Portal) createSession(username string) (string, error) {
	claims := jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(SessionTimeout).Unix(),
		"iat":      time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
