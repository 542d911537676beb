package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adamscao/sshca/internal/api/response"
	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/auth"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/metrics"
	"github.com/adamscao/sshca/internal/models"
	"github.com/gin-gonic/gin"
)

// Caller kinds.
const (
	CallerAdmin = "admin"
	CallerHost  = "host"
)

const callerKey = "caller"

// Caller is the authenticated principal behind a request
type Caller struct {
	Kind string
	// Name is the admin username (or "admin-token") or the hostname.
	Name string
	Host *models.Host
}

// IsHost reports whether the caller authenticated with a host token
func (c *Caller) IsHost() bool { return c != nil && c.Kind == CallerHost }

// CallerFrom returns the caller set by an auth middleware
func CallerFrom(c *gin.Context) *Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(*Caller); ok {
			return caller
		}
	}
	return nil
}

// Authenticator checks admin and host credentials
type Authenticator struct {
	adminToken string
	users      *repository.UserRepository
	audit      *repository.AuditRepository
	tokens     *auth.TokenManager
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuthenticator creates an authenticator. An empty adminToken disables
// the X-Admin-Token scheme.
func NewAuthenticator(
	adminToken string,
	users *repository.UserRepository,
	audit *repository.AuditRepository,
	tokens *auth.TokenManager,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		adminToken: adminToken,
		users:      users,
		audit:      audit,
		tokens:     tokens,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// AdminAuth requires the admin token or Basic credentials of an active user
func (a *Authenticator) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.authenticateAdmin(c) {
			c.Next()
		}
	}
}

// AdminOrHostAuth accepts a host bearer token when one is presented and
// admin credentials otherwise
func (a *Authenticator) AdminOrHostAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ok bool
		if _, isBearer := bearerToken(c); isBearer {
			ok = a.authenticateHost(c)
		} else {
			ok = a.authenticateAdmin(c)
		}
		if ok {
			c.Next()
		}
	}
}

func (a *Authenticator) authenticateAdmin(c *gin.Context) bool {
	if token := c.GetHeader("X-Admin-Token"); token != "" {
		if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1 {
			c.Set(callerKey, &Caller{Kind: CallerAdmin, Name: "admin-token"})
			return true
		}
		a.reject(c, "admin_token", "", "invalid admin token")
		return false
	}

	username, password, ok := c.Request.BasicAuth()
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="sshca"`)
		response.Abort(c, http.StatusUnauthorized, string(apperr.KindUnauthorized), "credentials required")
		return false
	}

	user, err := a.users.GetByUsername(c.Request.Context(), username)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		response.Error(c, err)
		return false
	}
	if err != nil || !user.Active || !user.HasPassword() {
		a.reject(c, "basic", username, "invalid credentials")
		return false
	}

	valid, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		response.Error(c, err)
		return false
	}
	if !valid {
		a.reject(c, "basic", username, "invalid credentials")
		return false
	}

	if user.HasTOTP() {
		code := strings.TrimSpace(c.GetHeader("X-TOTP-Code"))
		if code == "" || !auth.ValidateTOTPAt(user.TOTPSecret, code, a.now()) {
			a.reject(c, "totp", username, "invalid or missing TOTP code")
			return false
		}
	}

	c.Set(callerKey, &Caller{Kind: CallerAdmin, Name: user.Username})
	return true
}

func (a *Authenticator) authenticateHost(c *gin.Context) bool {
	token, ok := bearerToken(c)
	if !ok || token == "" {
		c.Header("WWW-Authenticate", `Bearer realm="sshca"`)
		response.Abort(c, http.StatusUnauthorized, string(apperr.KindUnauthorized), "host token required")
		return false
	}

	host, err := a.tokens.Verify(c.Request.Context(), token)
	if errors.Is(err, apperr.ErrUnauthorized) {
		a.reject(c, "bearer", "", "invalid host token")
		return false
	}
	if err != nil {
		response.Error(c, err)
		return false
	}

	c.Set(callerKey, &Caller{Kind: CallerHost, Name: host.Hostname, Host: host})
	return true
}

// reject answers 403 and records the failure. Secrets are never logged.
func (a *Authenticator) reject(c *gin.Context, scheme, subject, detail string) {
	a.metrics.AuthFailed(scheme)
	a.logger.Warn("authentication failed",
		"scheme", scheme,
		"subject", subject,
		"client_ip", c.ClientIP(),
		"path", c.FullPath(),
	)
	if a.audit != nil {
		ev := &models.AuditEvent{
			Action:   models.ActionAuthFailed,
			Subject:  subject,
			ClientIP: c.ClientIP(),
			Success:  false,
			Detail:   scheme,
		}
		// Recorded even if the client has gone away.
		if err := a.audit.Create(context.WithoutCancel(c.Request.Context()), ev); err != nil {
			a.logger.Error("failed to record audit event", "action", ev.Action, "error", err)
		}
	}
	response.Abort(c, http.StatusForbidden, string(apperr.KindUnauthorized), detail)
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
