package handlers

import (
	"net/http"
	"strings"

	"github.com/adamscao/sshca/internal/api/response"
	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/ca"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/ssh"
)

// CAHandler handles CA-related requests
type CAHandler struct {
	signer *ca.Signer
}

// NewCAHandler creates a new CA handler
func NewCAHandler(signer *ca.Signer) *CAHandler {
	return &CAHandler{signer: signer}
}

// GetPublicKey returns the CA public key
// GET /api/v1/ca.pub
func (h *CAHandler) GetPublicKey(c *gin.Context) {
	pub := h.signer.PublicKey()
	if pub == nil {
		response.Error(c, apperr.SigningFailure(nil, "no CA key loaded"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"public_key": strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
	})
}

// Health reports liveness
// GET /health
func (h *CAHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
