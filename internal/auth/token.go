package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
	"github.com/zeebo/blake3"
)

const (
	tokenPrefix  = "sshca"
	secretLength = 32 // 32 bytes = 256 bits
	saltLength   = 32
	pepperLength = 32
)

// IssuedToken carries a host token's plaintext. It is produced only by
// CreateHost and Rotate and is never stored.
type IssuedToken struct {
	HostID    int64
	Plaintext string
	CreatedAt time.Time
}

// String keeps the secret out of fmt output.
func (t IssuedToken) String() string { return fmt.Sprintf("host token for host %d", t.HostID) }

// LogValue keeps the secret out of slog output.
func (t IssuedToken) LogValue() slog.Value {
	return slog.GroupValue(slog.Int64("host_id", t.HostID), slog.String("token", "[redacted]"))
}

// TokenManager generates, verifies and rotates host API tokens. Only a
// per-token salt and a keyed BLAKE3 hash are persisted.
type TokenManager struct {
	db     *bun.DB
	hosts  *repository.HostRepository
	pepper []byte
	now    func() time.Time
}

// NewTokenManager creates a token manager; pepper must be 32 bytes.
func NewTokenManager(bdb *bun.DB, hosts *repository.HostRepository, pepper []byte) (*TokenManager, error) {
	if len(pepper) != pepperLength {
		return nil, fmt.Errorf("token pepper must be %d bytes, got %d", pepperLength, len(pepper))
	}
	return &TokenManager{
		db:     bdb,
		hosts:  hosts,
		pepper: pepper,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateHost creates a host and its first token in one transaction.
func (m *TokenManager) CreateHost(ctx context.Context, hostname string) (*models.Host, *IssuedToken, error) {
	host := &models.Host{Hostname: hostname}
	var issued *IssuedToken

	err := db.WithTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		hosts := m.hosts.WithTx(tx)
		if err := hosts.Create(ctx, host); err != nil {
			return err
		}
		tok, hash, salt, err := m.generate(host.ID)
		if err != nil {
			return err
		}
		if err := hosts.UpdateToken(ctx, host.ID, hash, salt, tok.CreatedAt); err != nil {
			return err
		}
		host.TokenHash, host.TokenSalt, host.TokenCreatedAt = hash, salt, &tok.CreatedAt
		issued = tok
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return host, issued, nil
}

// Rotate replaces a host's token. The previous token fails verification
// as soon as the single-row update commits.
func (m *TokenManager) Rotate(ctx context.Context, hostID int64) (*IssuedToken, error) {
	tok, hash, salt, err := m.generate(hostID)
	if err != nil {
		return nil, err
	}
	if err := m.hosts.UpdateToken(ctx, hostID, hash, salt, tok.CreatedAt); err != nil {
		return nil, err
	}
	return tok, nil
}

// Verify resolves a presented bearer token to its host. Every failure is
// reported as Unauthorized without saying which part was wrong.
func (m *TokenManager) Verify(ctx context.Context, presented string) (*models.Host, error) {
	hostID, secret, err := parseToken(presented)
	if err != nil {
		return nil, apperr.Unauthorized("invalid host token")
	}

	host, err := m.hosts.GetByID(ctx, hostID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Unauthorized("invalid host token")
	}
	if err != nil {
		return nil, err
	}
	if !host.HasToken() {
		return nil, apperr.Unauthorized("invalid host token")
	}

	salt, err := hex.DecodeString(host.TokenSalt)
	if err != nil {
		return nil, fmt.Errorf("corrupt token salt for host %d: %w", host.ID, err)
	}
	stored, err := hex.DecodeString(host.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("corrupt token hash for host %d: %w", host.ID, err)
	}

	actual, err := m.hash(salt, secret)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(actual, stored) != 1 {
		return nil, apperr.Unauthorized("invalid host token")
	}
	return host, nil
}

func (m *TokenManager) generate(hostID int64) (*IssuedToken, string, string, error) {
	secret := make([]byte, secretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", "", fmt.Errorf("failed to generate token salt: %w", err)
	}

	sum, err := m.hash(salt, secret)
	if err != nil {
		return nil, "", "", err
	}

	tok := &IssuedToken{
		HostID:    hostID,
		Plaintext: formatToken(hostID, secret),
		CreatedAt: m.now(),
	}
	return tok, hex.EncodeToString(sum), hex.EncodeToString(salt), nil
}

func (m *TokenManager) hash(salt, secret []byte) ([]byte, error) {
	hasher, err := blake3.NewKeyed(m.pepper)
	if err != nil {
		return nil, fmt.Errorf("failed to init token hasher: %w", err)
	}
	_, _ = hasher.Write(salt)
	_, _ = hasher.Write(secret)
	return hasher.Sum(nil), nil
}

func formatToken(hostID int64, secret []byte) string {
	return fmt.Sprintf("%s_%d_%s", tokenPrefix, hostID, base64.RawURLEncoding.EncodeToString(secret))
}

// parseToken splits sshca_<hostID>_<secret>. The secret alphabet contains
// '_' so only the first two separators are significant.
func parseToken(s string) (int64, []byte, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "_", 3)
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return 0, nil, fmt.Errorf("malformed token")
	}
	hostID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || hostID <= 0 {
		return 0, nil, fmt.Errorf("malformed token host id")
	}
	secret, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(secret) != secretLength {
		return 0, nil, fmt.Errorf("malformed token secret")
	}
	return hostID, secret, nil
}
