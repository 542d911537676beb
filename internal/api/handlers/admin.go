package handlers

import (
	"net/http"
	"strings"

	"github.com/adamscao/sshca/internal/api/response"
	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/auth"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/models"
	"github.com/adamscao/sshca/internal/policy"
	"github.com/gin-gonic/gin"
)

// AdminHandler handles users, principals and their grants
type AdminHandler struct {
	users      *repository.UserRepository
	principals *repository.PrincipalRepository
	grants     *repository.GrantRepository
	resolver   *policy.Resolver
	audit      Auditor
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	users *repository.UserRepository,
	principals *repository.PrincipalRepository,
	grants *repository.GrantRepository,
	resolver *policy.Resolver,
	audit Auditor,
) *AdminHandler {
	return &AdminHandler{
		users:      users,
		principals: principals,
		grants:     grants,
		resolver:   resolver,
		audit:      audit,
	}
}

// CreateUserRequest represents a user creation request
type CreateUserRequest struct {
	Username string `json:"username" binding:"required,max=255"`
	Email    string `json:"email" binding:"omitempty,email,max=255"`
	Password string `json:"password" binding:"max=1024"`
	// Active defaults to true when omitted.
	Active *bool `json:"active"`
}

// UpdateUserRequest carries the mutable user fields; absent fields are kept
type UpdateUserRequest struct {
	Email    *string `json:"email" binding:"omitempty,max=255"`
	Active   *bool   `json:"active"`
	Password *string `json:"password" binding:"omitempty,max=1024"`
}

// SetPrincipalsRequest replaces a grant set
type SetPrincipalsRequest struct {
	PrincipalIDs []int64 `json:"principal_ids" binding:"required"`
}

// CreatePrincipalRequest represents a principal creation request
type CreatePrincipalRequest struct {
	Name string `json:"name" binding:"required"`
}

// ListUsers lists users in creation order
// GET /api/v1/users
func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// CreateUser creates a new user
// POST /api/v1/users
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || strings.ContainsAny(username, " \t\r\n:") {
		response.Error(c, apperr.Invalid("invalid username %q", req.Username))
		return
	}

	user := &models.User{Username: username, Email: req.Email, Active: true}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			response.Error(c, err)
			return
		}
		user.PasswordHash = hash
	}

	if err := h.users.Create(c.Request.Context(), user); err != nil {
		response.Error(c, err)
		return
	}

	h.audit.record(c, models.ActionUserCreate, user.Username, "")
	c.JSON(http.StatusCreated, user)
}

// GetUser returns one user
// GET /api/v1/users/:id
func (h *AdminHandler) GetUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateUser changes email, active flag or password
// PATCH /api/v1/users/:id
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.GetByID(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	if req.Email != nil {
		user.Email = strings.TrimSpace(*req.Email)
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.Password != nil {
		user.PasswordHash = ""
		if *req.Password != "" {
			hash, err := auth.HashPassword(*req.Password)
			if err != nil {
				response.Error(c, err)
				return
			}
			user.PasswordHash = hash
		}
	}

	if err := h.users.Update(ctx, user); err != nil {
		response.Error(c, err)
		return
	}

	h.audit.record(c, models.ActionUserUpdate, user.Username, "")
	c.JSON(http.StatusOK, user)
}

// DeleteUser deletes a user and its grants
// DELETE /api/v1/users/:id
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.users.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	h.audit.record(c, models.ActionUserDelete, c.Param("id"), "")
	c.Status(http.StatusNoContent)
}

// SetUserPrincipals replaces a user's grants
// PUT /api/v1/users/:id/principals
func (h *AdminHandler) SetUserPrincipals(c *gin.Context) {
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
	if err := h.grants.SetUserPrincipals(ctx, id, req.PrincipalIDs); err != nil {
		response.Error(c, err)
		return
	}
	user, err := h.users.GetByID(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.audit.record(c, models.ActionGrantsUpdate, "user:"+user.Username, strings.Join(user.Principals, ","))
	c.JSON(http.StatusOK, user)
}

// EnrollTOTP generates and stores a new TOTP secret for a user. The secret
// is returned once.
// POST /api/v1/users/:id/totp
func (h *AdminHandler) EnrollTOTP(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.GetByID(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	enrollment, err := auth.GenerateTOTP(user.Username)
	if err != nil {
		response.Error(c, err)
		return
	}
	user.TOTPSecret = enrollment.Secret
	if err := h.users.Update(ctx, user); err != nil {
		response.Error(c, err)
		return
	}

	h.audit.record(c, models.ActionUserUpdate, user.Username, "totp enrolled")
	c.JSON(http.StatusOK, enrollment)
}

// UserPrincipals lists the principals a user may request
// GET /api/v1/user-principals?username=
func (h *AdminHandler) UserPrincipals(c *gin.Context) {
	username := c.Query("username")
	if username == "" {
		response.Error(c, apperr.Invalid("username is required"))
		return
	}
	names, err := h.resolver.Candidates(c.Request.Context(), username)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principals": names})
}

// ListPrincipals lists principals in creation order
// GET /api/v1/principals
func (h *AdminHandler) ListPrincipals(c *gin.Context) {
	principals, err := h.principals.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, principals)
}

// CreatePrincipal creates a principal
// POST /api/v1/principals
func (h *AdminHandler) CreatePrincipal(c *gin.Context) {
	var req CreatePrincipalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}
	if !models.PrincipalNamePattern.MatchString(req.Name) {
		response.Error(c, apperr.Invalid("invalid principal name %q", req.Name))
		return
	}

	p := &models.Principal{Name: req.Name}
	if err := h.principals.Create(c.Request.Context(), p); err != nil {
		response.Error(c, err)
		return
	}

	h.audit.record(c, models.ActionPrincipalCreate, p.Name, "")
	c.JSON(http.StatusCreated, p)
}

// DeletePrincipal deletes a principal and every grant of it
// DELETE /api/v1/principals/:id
func (h *AdminHandler) DeletePrincipal(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.principals.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	h.audit.record(c, models.ActionPrincipalDelete, c.Param("id"), "")
	c.Status(http.StatusNoContent)
}
