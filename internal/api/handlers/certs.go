package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/adamscao/sshca/internal/api/middleware"
	"github.com/adamscao/sshca/internal/api/response"
	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/issuance"
	"github.com/adamscao/sshca/internal/models"
	"github.com/adamscao/sshca/internal/policy"
	"github.com/gin-gonic/gin"
)

// CertHandler handles certificate issuance, the ledger and revocation
type CertHandler struct {
	svc   *issuance.Service
	audit Auditor
}

// NewCertHandler creates a new certificate handler
func NewCertHandler(svc *issuance.Service, audit Auditor) *CertHandler {
	return &CertHandler{svc: svc, audit: audit}
}

// SignRequest is the canonical sign request. pubkey is accepted as a
// legacy alias of public_key.
type SignRequest struct {
	Username      string   `json:"username" binding:"max=255"`
	PublicKey     string   `json:"public_key"`
	PubKey        string   `json:"pubkey"`
	Principals    []string `json:"principals" binding:"max=64"`
	TTL           string   `json:"ttl" binding:"max=32"`
	KeyID         string   `json:"key_id" binding:"max=255"`
	AllPrincipals bool     `json:"all_principals"`
}

// Sign issues a certificate. A host caller always signs a host
// certificate for itself; an admin signs a user certificate for username.
// POST /api/v1/sign
func (h *CertHandler) Sign(c *gin.Context) {
	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	publicKey := req.PublicKey
	if publicKey == "" {
		publicKey = req.PubKey
	}

	var requester policy.Requester
	if caller := middleware.CallerFrom(c); caller.IsHost() {
		requester = policy.HostRequester(caller.Name)
	} else {
		if strings.TrimSpace(req.Username) == "" {
			response.Error(c, apperr.Invalid("username is required"))
			return
		}
		requester = policy.UserRequester(req.Username)
	}

	res, err := h.svc.Sign(c.Request.Context(), issuance.Request{
		Requester:     requester,
		PublicKey:     publicKey,
		Principals:    req.Principals,
		AllPrincipals: req.AllPrincipals,
		TTL:           req.TTL,
		KeyID:         req.KeyID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// ListIssues returns ledger rows newest first
// GET /api/v1/cert-issues?limit=
func (h *CertHandler) ListIssues(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Error(c, apperr.Invalid("invalid limit %q", raw))
			return
		}
		limit = n
	}

	issues, err := h.svc.Issues(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, issues)
}

// RevokeRequest represents a revocation request
type RevokeRequest struct {
	Serial uint64 `json:"serial" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"max=255"`
}

// Revoke revokes an issued serial
// POST /api/v1/revoke
func (h *CertHandler) Revoke(c *gin.Context) {
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	rev, err := h.svc.Revoke(c.Request.Context(), req.Serial, req.Reason, actorName(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	h.audit.record(c, models.ActionCertRevoke, strconv.FormatUint(req.Serial, 10), req.Reason)
	c.JSON(http.StatusCreated, rev)
}

// RevokedKeys returns the revoked serials as an ssh-keygen KRL specification
// GET /api/v1/revoked_keys
func (h *CertHandler) RevokedKeys(c *gin.Context) {
	revs, err := h.svc.Revocations(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	var b strings.Builder
	b.WriteString("# sshca revoked certificate serials\n")
	for _, rev := range revs {
		fmt.Fprintf(&b, "serial: %d\n", rev.Serial)
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
}
