package models

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// PrincipalNamePattern restricts principal names to characters that are
// safe in certificates, sshd principal files and the ledger's list encoding.
var PrincipalNamePattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// Principal is an authorization tag that can be embedded in a certificate
type Principal struct {
	bun.BaseModel `bun:"table:principals,alias:p"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	Name      string    `bun:"name,notnull,unique,type:varchar(64)" json:"name"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// UserPrincipal grants a principal to a user
type UserPrincipal struct {
	bun.BaseModel `bun:"table:user_principals,alias:up"`

	UserID      int64 `bun:"user_id,pk"`
	PrincipalID int64 `bun:"principal_id,pk"`
}

// HostPrincipal grants a principal to a host
type HostPrincipal struct {
	bun.BaseModel `bun:"table:host_principals,alias:hp"`

	HostID      int64 `bun:"host_id,pk"`
	PrincipalID int64 `bun:"principal_id,pk"`
}

// PrincipalList is an ordered principal set stored as a comma separated column.
type PrincipalList []string

// Value implements driver.Valuer
func (l PrincipalList) Value() (driver.Value, error) {
	return strings.Join(l, ","), nil
}

// Scan implements sql.Scanner
func (l *PrincipalList) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*l = PrincipalList{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into PrincipalList", src)
	}
	if raw == "" {
		*l = PrincipalList{}
		return nil
	}
	*l = strings.Split(raw, ",")
	return nil
}
