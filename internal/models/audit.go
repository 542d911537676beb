package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AuditEvent records an administrative action; rows are never updated
type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events,alias:ae"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	Action    string    `bun:"action,notnull,type:varchar(64)" json:"action"`
	Actor     string    `bun:"actor,nullzero,type:varchar(255)" json:"actor,omitempty"`
	Subject   string    `bun:"subject,nullzero,type:varchar(255)" json:"subject,omitempty"`
	ClientIP  string    `bun:"client_ip,nullzero,type:varchar(64)" json:"client_ip,omitempty"`
	Success   bool      `bun:"success,notnull" json:"success"`
	Detail    string    `bun:"detail,nullzero" json:"detail,omitempty"`
}

// Audit action constants
const (
	ActionUserCreate      = "user_create"
	ActionUserUpdate      = "user_update"
	ActionUserDelete      = "user_delete"
	ActionPrincipalCreate = "principal_create"
	ActionPrincipalDelete = "principal_delete"
	ActionHostCreate      = "host_create"
	ActionHostUpdate      = "host_update"
	ActionHostDelete      = "host_delete"
	ActionTokenRotate     = "host_token_rotate"
	ActionGrantsUpdate    = "grants_update"
	ActionCertRevoke      = "cert_revoke"
	ActionAuthFailed      = "auth_failed"
)
