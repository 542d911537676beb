package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Requester kinds recorded in the ledger.
const (
	RequesterUser = "user"
	RequesterHost = "host"
)

// CertificateIssue is one immutable ledger row per signed certificate
type CertificateIssue struct {
	bun.BaseModel `bun:"table:cert_issues,alias:ci"`

	ID            int64         `bun:"id,pk,autoincrement" json:"id"`
	RequesterType string        `bun:"requester_type,notnull,type:varchar(16)" json:"requester_type"`
	RequesterID   int64         `bun:"requester_id,notnull" json:"requester_id"`
	RequesterName string        `bun:"requester_name,notnull,type:varchar(255)" json:"username"`
	Principals    PrincipalList `bun:"principals,notnull,type:text" json:"principals"`
	KeyID         string        `bun:"key_id,notnull,type:varchar(255)" json:"key_id"`
	Serial        int64         `bun:"serial,notnull,unique" json:"serial"`
	TTL           string        `bun:"ttl,notnull,type:varchar(32)" json:"ttl"`
	Fingerprint   string        `bun:"public_key_fingerprint,notnull,type:varchar(128)" json:"fingerprint"`
	CertType      string        `bun:"cert_type,notnull,type:varchar(8)" json:"cert_type"`
	ValidAfter    time.Time     `bun:"valid_after,notnull" json:"valid_after"`
	ValidBefore   time.Time     `bun:"valid_before,notnull" json:"valid_before"`
	CreatedAt     time.Time     `bun:"created_at,notnull" json:"created_at"`
}

// Revocation marks a serial as revoked; rows are append-only
type Revocation struct {
	bun.BaseModel `bun:"table:revocations,alias:r"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	Serial    int64     `bun:"serial,notnull,unique" json:"serial"`
	Reason    string    `bun:"reason,nullzero,type:varchar(255)" json:"reason,omitempty"`
	RevokedBy string    `bun:"revoked_by,notnull,type:varchar(255)" json:"revoked_by"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// SerialCounter is the durable allocation row behind certificate serials
type SerialCounter struct {
	bun.BaseModel `bun:"table:serial_counters"`

	Name  string `bun:"name,pk,type:varchar(32)"`
	Value int64  `bun:"value,notnull"`
}
