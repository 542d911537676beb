package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User represents a user account
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           int64     `bun:"id,pk,autoincrement" json:"id"`
	Username     string    `bun:"username,notnull,unique,type:varchar(255)" json:"username"`
	Email        string    `bun:"email,nullzero,type:varchar(255)" json:"email"`
	PasswordHash string    `bun:"password_hash,nullzero" json:"-"` // Never expose password hash in JSON
	TOTPSecret   string    `bun:"totp_secret,nullzero" json:"-"`   // Never expose TOTP secret in JSON
	Active       bool      `bun:"active,notnull" json:"active"`
	CreatedAt    time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt    time.Time `bun:"updated_at,notnull" json:"updated_at"`

	// Principals is filled by the store on reads; it is not a column.
	Principals []string `bun:"-" json:"principals"`
}

// HasPassword reports whether the user can log in interactively.
func (u *User) HasPassword() bool { return u.PasswordHash != "" }

// HasTOTP reports whether a second factor is enrolled.
func (u *User) HasTOTP() bool { return u.TOTPSecret != "" }
