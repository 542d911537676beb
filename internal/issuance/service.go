// Package issuance signs certificates: it authorizes the requested
// principals, allocates a serial, signs and records the ledger row in one
// transaction.
package issuance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/ca"
	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/metrics"
	"github.com/adamscao/sshca/internal/models"
	"github.com/adamscao/sshca/internal/policy"
	"github.com/adamscao/sshca/pkg/sshutil"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/ssh"
)

const maxKeyIDLength = 255

// Request is a signing request after caller authentication
type Request struct {
	Requester     policy.Requester
	PublicKey     string
	Principals    []string
	AllPrincipals bool
	TTL           string
	KeyID         string
}

// Result is a signed, ledgered certificate
type Result struct {
	Certificate string    `json:"certificate"`
	Serial      uint64    `json:"serial"`
	KeyID       string    `json:"key_id"`
	Principals  []string  `json:"principals"`
	ValidAfter  time.Time `json:"valid_after"`
	ValidBefore time.Time `json:"valid_before"`
}

// Service orchestrates certificate issuance
type Service struct {
	db          *bun.DB
	resolver    *policy.Resolver
	serials     *repository.SerialAllocator
	certs       *repository.CertRepository
	revocations *repository.RevocationRepository
	signer      *ca.Signer
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires the issuance pipeline. m may be nil.
func NewService(bdb *bun.DB, signer *ca.Signer, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          bdb,
		resolver:    policy.NewResolver(bdb),
		serials:     repository.NewSerialAllocator(),
		certs:       repository.NewCertRepository(bdb),
		revocations: repository.NewRevocationRepository(bdb),
		signer:      signer,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Resolver returns the resolver the service authorizes with
func (s *Service) Resolver() *policy.Resolver { return s.resolver }

// Signer returns the CA signer
func (s *Service) Signer() *ca.Signer { return s.signer }

// Sign authorizes, signs and records a certificate.
//
// Authorization failures roll back before a serial is consumed. A signing
// failure after allocation commits the counter only, so the serial is
// burned and no ledger row exists for it.
func (s *Service) Sign(ctx context.Context, req Request) (*Result, error) {
	key, err := ca.ParsePublicKey(req.PublicKey)
	if err != nil {
		s.metrics.SignFailed(string(apperr.KindOf(err)))
		return nil, err
	}
	if len(req.KeyID) > maxKeyIDLength {
		err := apperr.Invalid("key_id must be at most %d characters", maxKeyIDLength)
		s.metrics.SignFailed(string(apperr.KindOf(err)))
		return nil, err
	}

	ttl := s.signer.EffectiveTTL(req.TTL)
	certType := uint32(ssh.UserCert)
	if req.Requester.Type == models.RequesterHost {
		certType = ssh.HostCert
	}

	var (
		result  *Result
		signErr error
		burned  uint64
	)

	err = db.WithTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		res, err := s.resolver.WithTx(tx).Resolve(ctx, req.Requester, req.Principals, req.AllPrincipals)
		if err != nil {
			return err
		}

		serial, err := s.serials.Next(ctx, tx)
		if err != nil {
			return err
		}

		keyID := req.KeyID
		if keyID == "" {
			keyID = fmt.Sprintf("%s-%d", res.RequesterName, s.now().Unix())
		}

		signed, err := s.signer.Sign(ca.SignRequest{
			PublicKey:  key,
			Serial:     serial,
			KeyID:      keyID,
			Principals: res.Principals,
			TTL:        ttl,
			CertType:   certType,
		})
		if err != nil {
			// Commit the counter increment alone.
			signErr, burned = err, serial
			return nil
		}

		issue := &models.CertificateIssue{
			RequesterType: res.RequesterType,
			RequesterID:   res.RequesterID,
			RequesterName: res.RequesterName,
			Principals:    models.PrincipalList(res.Principals),
			KeyID:         keyID,
			Serial:        int64(serial),
			TTL:           sshutil.FormatDuration(ttl),
			Fingerprint:   sshutil.Fingerprint(key),
			CertType:      certTypeName(certType),
			ValidAfter:    signed.ValidAfter,
			ValidBefore:   signed.ValidBefore,
			CreatedAt:     s.now().UTC(),
		}
		if err := s.certs.WithTx(tx).Create(ctx, issue); err != nil {
			return err
		}

		result = &Result{
			Certificate: signed.Certificate,
			Serial:      serial,
			KeyID:       keyID,
			Principals:  res.Principals,
			ValidAfter:  signed.ValidAfter,
			ValidBefore: signed.ValidBefore,
		}
		return nil
	})
	if err != nil {
		s.metrics.SignFailed(string(apperr.KindOf(err)))
		if apperr.KindOf(err) == "" {
			s.logger.Error("certificate issuance failed", "requester", req.Requester.Name, "error", err)
		}
		return nil, err
	}

	if signErr != nil {
		s.metrics.SerialAllocated(burned)
		s.metrics.SignFailed(string(apperr.KindOf(signErr)))
		s.logger.Error("certificate signing failed",
			"requester", req.Requester.Name,
			"serial", burned,
			"error", signErr,
		)
		return nil, signErr
	}

	s.metrics.CertIssued(certTypeName(certType), result.Serial)
	s.logger.Info("certificate issued",
		"requester_type", req.Requester.Type,
		"requester", req.Requester.Name,
		"serial", result.Serial,
		"key_id", result.KeyID,
		"principals", result.Principals,
		"ttl", sshutil.FormatDuration(ttl),
	)
	return result, nil
}

// Issues returns ledger rows newest first
func (s *Service) Issues(ctx context.Context, limit int) ([]*models.CertificateIssue, error) {
	return s.certs.List(ctx, limit)
}

// Revoke marks an issued serial as revoked. Unknown serials are NotFound
// and a second revocation of the same serial is a Conflict.
func (s *Service) Revoke(ctx context.Context, serial uint64, reason, actor string) (*models.Revocation, error) {
	if serial == 0 {
		return nil, apperr.Invalid("serial is required")
	}
	if _, err := s.certs.GetBySerial(ctx, serial); err != nil {
		return nil, err
	}

	rev := &models.Revocation{
		Serial:    int64(serial),
		Reason:    reason,
		RevokedBy: actor,
	}
	if err := s.revocations.Create(ctx, rev); err != nil {
		return nil, err
	}

	s.logger.Info("certificate revoked", "serial", serial, "actor", actor)
	return rev, nil
}

// Revocations returns every revocation in serial order
func (s *Service) Revocations(ctx context.Context) ([]*models.Revocation, error) {
	return s.revocations.List(ctx)
}

// ReconcileSerial raises the counter above the ledger's highest serial
func (s *Service) ReconcileSerial(ctx context.Context) (uint64, error) {
	current, err := s.serials.Reconcile(ctx, s.db)
	if err != nil {
		return 0, err
	}
	s.metrics.SerialAllocated(current)
	return current, nil
}

// CurrentSerial returns the last allocated serial
func (s *Service) CurrentSerial(ctx context.Context) (uint64, error) {
	return s.serials.Current(ctx, s.db)
}

func certTypeName(t uint32) string {
	if t == ssh.HostCert {
		return models.RequesterHost
	}
	return models.RequesterUser
}
