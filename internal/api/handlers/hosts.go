package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adamscao/sshca/internal/api/middleware"
	"github.com/adamscao/sshca/internal/api/response"
	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/auth"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/metrics"
	"github.com/adamscao/sshca/internal/models"
	"github.com/adamscao/sshca/internal/policy"
	"github.com/gin-gonic/gin"
)

// HostHandler handles hosts, their tokens and principal lookups by sshd
type HostHandler struct {
	hosts    *repository.HostRepository
	grants   *repository.GrantRepository
	tokens   *auth.TokenManager
	resolver *policy.Resolver
	metrics  *metrics.Metrics
	audit    Auditor
	logger   *slog.Logger
}

// NewHostHandler creates a new host handler
func NewHostHandler(
	hosts *repository.HostRepository,
	grants *repository.GrantRepository,
	tokens *auth.TokenManager,
	resolver *policy.Resolver,
	m *metrics.Metrics,
	audit Auditor,
	logger *slog.Logger,
) *HostHandler {
	return &HostHandler{
		hosts:    hosts,
		grants:   grants,
		tokens:   tokens,
		resolver: resolver,
		metrics:  m,
		audit:    audit,
		logger:   logger,
	}
}

// HostView is the API shape of a host
type HostView struct {
	ID             int64      `json:"id"`
	Hostname       string     `json:"hostname"`
	Principals     []string   `json:"principals"`
	HasToken       bool       `json:"has_token"`
	TokenCreatedAt *time.Time `json:"token_created_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CreatedHost is returned once on creation and carries the token plaintext
type CreatedHost struct {
	HostView
	APIToken string `json:"api_token"`
}

// TokenResponse carries a rotated token plaintext
type TokenResponse struct {
	HostID   int64  `json:"host_id"`
	APIToken string `json:"api_token"`
}

// CreateHostRequest represents a host creation request
type CreateHostRequest struct {
	Hostname string `json:"hostname" binding:"required,hostname_rfc1123,max=255"`
}

// UpdateHostRequest renames a host
type UpdateHostRequest struct {
	Hostname string `json:"hostname" binding:"required,hostname_rfc1123,max=255"`
}

func hostView(h *models.Host) HostView {
	principals := h.Principals
	if principals == nil {
		principals = []string{}
	}
	return HostView{
		ID:             h.ID,
		Hostname:       h.Hostname,
		Principals:     principals,
		HasToken:       h.HasToken(),
		TokenCreatedAt: h.TokenCreatedAt,
		CreatedAt:      h.CreatedAt,
	}
}

// ListHosts lists hosts in creation order
// GET /api/v1/hosts
func (h *HostHandler) ListHosts(c *gin.Context) {
	hosts, err := h.hosts.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	views := make([]HostView, 0, len(hosts))
	for _, host := range hosts {
		views = append(views, hostView(host))
	}
	c.JSON(http.StatusOK, views)
}

// CreateHost creates a host and returns its first API token
// POST /api/v1/hosts
func (h *HostHandler) CreateHost(c *gin.Context) {
	var req CreateHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	host, tok, err := h.tokens.CreateHost(c.Request.Context(), strings.ToLower(req.Hostname))
	if err != nil {
		response.Error(c, err)
		return
	}

	h.metrics.TokenIssued()
	h.logger.Info("host token issued", "token", tok)
	h.audit.record(c, models.ActionHostCreate, host.Hostname, "")
	c.JSON(http.StatusCreated, CreatedHost{HostView: hostView(host), APIToken: tok.Plaintext})
}

// GetHost returns one host
// GET /api/v1/hosts/:id
func (h *HostHandler) GetHost(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	host, err := h.hosts.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, hostView(host))
}

// UpdateHost renames a host. Its grants and token are unchanged.
// PATCH /api/v1/hosts/:id
func (h *HostHandler) UpdateHost(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req UpdateHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	hostname := strings.ToLower(req.Hostname)
	if err := h.hosts.UpdateHostname(ctx, id, hostname); err != nil {
		response.Error(c, err)
		return
	}
	host, err := h.hosts.GetByID(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.audit.record(c, models.ActionHostUpdate, host.Hostname, "")
	c.JSON(http.StatusOK, hostView(host))
}

// RotateToken replaces a host's API token
// POST /api/v1/hosts/:id/rotate-token
func (h *HostHandler) RotateToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	tok, err := h.tokens.Rotate(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.metrics.TokenIssued()
	h.logger.Info("host token rotated", "token", tok)
	h.audit.record(c, models.ActionTokenRotate, c.Param("id"), "")
	c.JSON(http.StatusOK, TokenResponse{HostID: id, APIToken: tok.Plaintext})
}

// DeleteHost deletes a host and its grants
// DELETE /api/v1/hosts/:id
func (h *HostHandler) DeleteHost(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.hosts.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	h.audit.record(c, models.ActionHostDelete, c.Param("id"), "")
	c.Status(http.StatusNoContent)
}

// SetHostPrincipals replaces a host's grants
// PUT /api/v1/hosts/:id/principals
func (h *HostHandler) SetHostPrincipals(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req SetPrincipalsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.grants.SetHostPrincipals(ctx, id, req.PrincipalIDs); err != nil {
		response.Error(c, err)
		return
	}
	host, err := h.hosts.GetByID(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.audit.record(c, models.ActionGrantsUpdate, "host:"+host.Hostname, strings.Join(host.Principals, ","))
	c.JSON(http.StatusOK, hostView(host))
}

// AuthorizedPrincipals answers sshd's AuthorizedPrincipalsCommand with one
// principal per line. A host caller is always asking about itself.
// GET /api/v1/authorized-principals?user=&host=
func (h *HostHandler) AuthorizedPrincipals(c *gin.Context) {
	username := c.Query("user")
	if username == "" {
		response.Error(c, apperr.Invalid("user is required"))
		return
	}

	hostname := c.Query("host")
	if caller := middleware.CallerFrom(c); caller.IsHost() {
		hostname = caller.Name
	}
	if hostname == "" {
		response.Error(c, apperr.Invalid("host is required"))
		return
	}

	names, err := h.resolver.AuthorizedPrincipals(c.Request.Context(), username, hostname)
	if err != nil {
		response.Error(c, err)
		return
	}

	body := strings.Join(names, "\n")
	if body != "" {
		body += "\n"
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body))
}
