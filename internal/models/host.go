package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Host is a machine that authenticates with its API token to obtain host certificates
type Host struct {
	bun.BaseModel `bun:"table:hosts,alias:h"`

	ID             int64      `bun:"id,pk,autoincrement" json:"id"`
	Hostname       string     `bun:"hostname,notnull,unique,type:varchar(255)" json:"hostname"`
	TokenHash      string     `bun:"token_hash,nullzero,type:varchar(128)" json:"-"` // Never expose token hash
	TokenSalt      string     `bun:"token_salt,nullzero,type:varchar(128)" json:"-"`
	TokenCreatedAt *time.Time `bun:"token_created_at" json:"token_created_at,omitempty"`
	CreatedAt      time.Time  `bun:"created_at,notnull" json:"created_at"`

	Principals []string `bun:"-" json:"principals"`
}

// HasToken reports whether a token has been issued to the host.
func (h *Host) HasToken() bool { return h.TokenHash != "" }
