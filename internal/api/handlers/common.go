package handlers

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/adamscao/sshca/internal/api/middleware"
	"github.com/adamscao/sshca/internal/api/response"
	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/models"
	"github.com/gin-gonic/gin"
)

// Auditor records administrative actions
type Auditor struct {
	repo   *repository.AuditRepository
	logger *slog.Logger
}

// NewAuditor creates an auditor; repo may be nil to only log
func NewAuditor(repo *repository.AuditRepository, logger *slog.Logger) Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return Auditor{repo: repo, logger: logger}
}

func (a Auditor) record(c *gin.Context, action, subject, detail string) {
	actor := ""
	if caller := middleware.CallerFrom(c); caller != nil {
		actor = caller.Kind + ":" + caller.Name
	}
	a.logger.Info("admin action", "action", action, "actor", actor, "subject", subject)
	if a.repo == nil {
		return
	}
	ev := &models.AuditEvent{
		Action:   action,
		Actor:    actor,
		Subject:  subject,
		ClientIP: c.ClientIP(),
		Success:  true,
		Detail:   detail,
	}
	if err := a.repo.Create(context.WithoutCancel(c.Request.Context()), ev); err != nil {
		a.logger.Error("failed to record audit event", "action", action, "error", err)
	}
}

// pathID parses the :id path parameter, aborting with 400 when it is not a
// positive integer
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, apperr.Invalid("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func actorName(c *gin.Context) string {
	if caller := middleware.CallerFrom(c); caller != nil {
		return caller.Name
	}
	return ""
}
