package issuance

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/ca"
	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/metrics"
	"github.com/adamscao/sshca/internal/models"
	"github.com/adamscao/sshca/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/ssh"
)

type env struct {
	db         *bun.DB
	svc        *Service
	principals map[string]int64
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, signer *ca.Signer) *env {
	t.Helper()
	ctx := context.Background()
	bdb, err := db.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	if signer == nil {
		kp, _, err := ca.GenerateKeyPair("ed25519")
		require.NoError(t, err)
		signer = ca.NewSigner(kp, ca.Options{DefaultTTL: 8 * time.Hour, MaxTTL: 24 * time.Hour, Logger: quietLogger()})
	}

	e := &env{
		db:         bdb,
		svc:        NewService(bdb, signer, metrics.New(), quietLogger()),
		principals: map[string]int64{},
	}
	principals := repository.NewPrincipalRepository(bdb)
	for _, name := range []string{"ops", "deploy", "root"} {
		p := &models.Principal{Name: name}
		require.NoError(t, principals.Create(ctx, p))
		e.principals[name] = p.ID
	}
	return e
}

func (e *env) user(t *testing.T, name string, grants ...string) {
	t.Helper()
	ctx := context.Background()
	u := &models.User{Username: name, Active: true}
	require.NoError(t, repository.NewUserRepository(e.db).Create(ctx, u))
	for _, g := range grants {
		require.NoError(t, repository.NewGrantRepository(e.db).GrantUser(ctx, u.ID, e.principals[g]))
	}
}

func (e *env) serial(t *testing.T) uint64 {
	t.Helper()
	n, err := e.svc.CurrentSerial(context.Background())
	require.NoError(t, err)
	return n
}

func (e *env) ledgerCount(t *testing.T) int {
	t.Helper()
	n, err := repository.NewCertRepository(e.db).Count(context.Background())
	require.NoError(t, err)
	return n
}

func pubKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return string(ssh.MarshalAuthorizedKey(sshPub))
}

func TestSignRecordsLedgerRow(t *testing.T) {
	e := newEnv(t, nil)
	e.user(t, "alice", "ops", "deploy")
	ctx := context.Background()

	res, err := e.svc.Sign(ctx, Request{
		Requester:  policy.UserRequester("alice"),
		PublicKey:  pubKey(t),
		Principals: []string{"ops", "deploy"},
		TTL:        "8h",
		KeyID:      "alice-laptop",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Serial)
	assert.Equal(t, []string{"ops", "deploy"}, res.Principals)
	assert.Equal(t, 8*time.Hour, res.ValidBefore.Sub(res.ValidAfter))

	cert, err := ca.ParseCertificate(res.Certificate)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "deploy"}, cert.ValidPrincipals)
	assert.Equal(t, "alice-laptop", cert.KeyId)
	require.NoError(t, ca.ValidateCertificate(cert, e.svc.Signer().PublicKey(), "ops", res.ValidAfter.Add(time.Minute)))

	issues, err := e.svc.Issues(ctx, 0)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, int64(1), issues[0].Serial)
	assert.Equal(t, "alice", issues[0].RequesterName)
	assert.Equal(t, models.RequesterUser, issues[0].RequesterType)
	assert.Equal(t, models.PrincipalList{"ops", "deploy"}, issues[0].Principals)
	assert.Equal(t, "8h", issues[0].TTL)
	assert.Equal(t, "user", issues[0].CertType)
	assert.Contains(t, issues[0].Fingerprint, "SHA256:")
}

func TestSignDefaultKeyIDAndAllPrincipals(t *testing.T) {
	e := newEnv(t, nil)
	e.user(t, "alice", "ops", "deploy")

	res, err := e.svc.Sign(context.Background(), Request{
		Requester:     policy.UserRequester("alice"),
		PublicKey:     pubKey(t),
		AllPrincipals: true,
		TTL:           "banana",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "ops"}, res.Principals)
	assert.Regexp(t, `^alice-\d+$`, res.KeyID)
	assert.Equal(t, 8*time.Hour, res.ValidBefore.Sub(res.ValidAfter))
}

func TestUnauthorizedConsumesNoSerial(t *testing.T) {
	e := newEnv(t, nil)
	e.user(t, "alice", "ops")

	_, err := e.svc.Sign(context.Background(), Request{
		Requester:  policy.UserRequester("alice"),
		PublicKey:  pubKey(t),
		Principals: []string{"ops", "root"},
	})
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, uint64(0), e.serial(t))
	assert.Zero(t, e.ledgerCount(t))
}

func TestInvalidKeyConsumesNoSerial(t *testing.T) {
	e := newEnv(t, nil)
	e.user(t, "alice", "ops")

	_, err := e.svc.Sign(context.Background(), Request{
		Requester:  policy.UserRequester("alice"),
		PublicKey:  "ssh-rsa garbage",
		Principals: []string{"ops"},
	})
	require.ErrorIs(t, err, apperr.ErrInvalidKey)
	assert.Equal(t, uint64(0), e.serial(t))
}

func TestSigningFailureBurnsSerial(t *testing.T) {
	e := newEnv(t, ca.NewSigner(nil, ca.Options{Logger: quietLogger()}))
	e.user(t, "alice", "ops")

	_, err := e.svc.Sign(context.Background(), Request{
		Requester:  policy.UserRequester("alice"),
		PublicKey:  pubKey(t),
		Principals: []string{"ops"},
	})
	require.ErrorIs(t, err, apperr.ErrSigningFailure)
	assert.Equal(t, uint64(1), e.serial(t))
	assert.Zero(t, e.ledgerCount(t))

	_, err = repository.NewCertRepository(e.db).GetBySerial(context.Background(), 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentSigningGivesDistinctGaplessSerials(t *testing.T) {
	e := newEnv(t, nil)
	e.user(t, "alice", "ops")
	key := pubKey(t)

	const n = 25
	serials := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.svc.Sign(context.Background(), Request{
				Requester:  policy.UserRequester("alice"),
				PublicKey:  key,
				Principals: []string{"ops"},
				KeyID:      fmt.Sprintf("k%d", i),
			})
			if assert.NoError(t, err) {
				serials[i] = res.Serial
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(serials, func(a, b int) bool { return serials[a] < serials[b] })
	for i, s := range serials {
		assert.Equal(t, uint64(i+1), s)
	}
	assert.Equal(t, n, e.ledgerCount(t))
}

func TestEmbeddedPrincipalsAreGranted(t *testing.T) {
	e := newEnv(t, nil)
	e.user(t, "alice", "ops", "deploy")
	granted := map[string]bool{"ops": true, "deploy": true}

	requests := [][]string{
		{"ops"}, {"deploy", "ops"}, {"root"}, {"ops", "ops"}, {"deploy", "root"}, {"nope"},
	}
	for _, principals := range requests {
		res, err := e.svc.Sign(context.Background(), Request{
			Requester:  policy.UserRequester("alice"),
			PublicKey:  pubKey(t),
			Principals: principals,
		})
		if err != nil {
			assert.ErrorIs(t, err, apperr.ErrUnauthorized)
			continue
		}
		cert, err := ca.ParseCertificate(res.Certificate)
		require.NoError(t, err)
		for _, p := range cert.ValidPrincipals {
			assert.True(t, granted[p], p)
		}
	}
}

func TestHostRequesterGetsHostCert(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	h := &models.Host{Hostname: "web1.example.com"}
	require.NoError(t, repository.NewHostRepository(e.db).Create(ctx, h))
	require.NoError(t, repository.NewGrantRepository(e.db).GrantHost(ctx, h.ID, e.principals["deploy"]))

	res, err := e.svc.Sign(ctx, Request{
		Requester:     policy.HostRequester("web1.example.com"),
		PublicKey:     pubKey(t),
		AllPrincipals: true,
	})
	require.NoError(t, err)

	cert, err := ca.ParseCertificate(res.Certificate)
	require.NoError(t, err)
	assert.Equal(t, uint32(ssh.HostCert), cert.CertType)

	issues, err := e.svc.Issues(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "host", issues[0].CertType)
	assert.Equal(t, models.RequesterHost, issues[0].RequesterType)
}

func TestRevoke(t *testing.T) {
	e := newEnv(t, nil)
	e.user(t, "alice", "ops")
	ctx := context.Background()

	res, err := e.svc.Sign(ctx, Request{Requester: policy.UserRequester("alice"), PublicKey: pubKey(t), Principals: []string{"ops"}})
	require.NoError(t, err)

	rev, err := e.svc.Revoke(ctx, res.Serial, "laptop lost", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(res.Serial), rev.Serial)

	_, err = e.svc.Revoke(ctx, res.Serial, "again", "admin")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = e.svc.Revoke(ctx, 999, "", "admin")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = e.svc.Revoke(ctx, 0, "", "admin")
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	revs, err := e.svc.Revocations(ctx)
	require.NoError(t, err)
	assert.Len(t, revs, 1)
}

func TestReconcileSerial(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.db.NewInsert().Model(&models.CertificateIssue{
		RequesterType: models.RequesterUser,
		RequesterName: "restored",
		Principals:    models.PrincipalList{"ops"},
		KeyID:         "old",
		Serial:        40,
		TTL:           "8h",
		Fingerprint:   "SHA256:x",
		CertType:      "user",
		ValidAfter:    time.Now(),
		ValidBefore:   time.Now(),
		CreatedAt:     time.Now(),
	}).Exec(ctx)
	require.NoError(t, err)

	current, err := e.svc.ReconcileSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), current)

	e.user(t, "alice", "ops")
	res, err := e.svc.Sign(ctx, Request{Requester: policy.UserRequester("alice"), PublicKey: pubKey(t), Principals: []string{"ops"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(41), res.Serial)
}
