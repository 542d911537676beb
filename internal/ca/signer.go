package ca

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/pkg/sshutil"
	"golang.org/x/crypto/ssh"
)

var acceptedKeyTypes = map[string]bool{
	ssh.KeyAlgoED25519:  true,
	ssh.KeyAlgoRSA:      true,
	ssh.KeyAlgoECDSA256: true,
	ssh.KeyAlgoECDSA384: true,
	ssh.KeyAlgoECDSA521: true,
}

// Options configures a Signer
type Options struct {
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	Extensions      map[string]string
	CriticalOptions map[string]string
	Logger          *slog.Logger
	// Now overrides the CA clock; nil means time.Now.
	Now func() time.Time
}

// SignRequest represents a certificate signing request
type SignRequest struct {
	PublicKey  ssh.PublicKey
	Serial     uint64
	KeyID      string
	Principals []string
	TTL        time.Duration
	CertType   uint32
}

// SignedCert is the result of a successful signing
type SignedCert struct {
	// Certificate is authorized_keys text without the trailing newline.
	Certificate string
	Cert        *ssh.Certificate
	ValidAfter  time.Time
	ValidBefore time.Time
}

// Signer builds and signs SSH certificates with the CA key.
// It holds no mutable state and is safe for concurrent use.
type Signer struct {
	key             ssh.Signer
	defaultTTL      time.Duration
	maxTTL          time.Duration
	extensions      map[string]string
	criticalOptions map[string]string
	logger          *slog.Logger
	now             func() time.Time
}

// NewSigner creates a signer. A nil key pair yields a signer whose every
// Sign call fails with SigningFailure.
func NewSigner(kp *KeyPair, opts Options) *Signer {
	s := &Signer{
		defaultTTL:      opts.DefaultTTL,
		maxTTL:          opts.MaxTTL,
		extensions:      maps.Clone(opts.Extensions),
		criticalOptions: maps.Clone(opts.CriticalOptions),
		logger:          opts.Logger,
		now:             opts.Now,
	}
	if kp != nil {
		s.key = kp.Signer
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = 8 * time.Hour
	}
	if s.maxTTL < s.defaultTTL {
		s.maxTTL = s.defaultTTL
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// PublicKey returns the CA public key, or nil when no key is loaded
func (s *Signer) PublicKey() ssh.PublicKey {
	if s.key == nil {
		return nil
	}
	return s.key.PublicKey()
}

// EffectiveTTL parses a requested lifetime. Empty, unparsable and zero
// values fall back to the default; values above the maximum are capped.
func (s *Signer) EffectiveTTL(requested string) time.Duration {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return s.defaultTTL
	}

	ttl, err := sshutil.ParseDuration(requested)
	if err != nil || ttl <= 0 {
		s.logger.Warn("ttl fallback", "requested", requested, "ttl", sshutil.FormatDuration(s.defaultTTL))
		return s.defaultTTL
	}
	if ttl > s.maxTTL {
		s.logger.Info("ttl capped", "requested", requested, "ttl", sshutil.FormatDuration(s.maxTTL))
		return s.maxTTL
	}
	return ttl.Truncate(time.Second)
}

// ParsePublicKey parses an OpenSSH authorized_keys line. Only plain
// Ed25519, RSA and ECDSA keys are accepted.
func ParsePublicKey(text string) (ssh.PublicKey, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.InvalidKey("public key is required")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(text))
	if err != nil {
		return nil, apperr.InvalidKey("failed to parse public key")
	}
	if _, ok := key.(*ssh.Certificate); ok {
		return nil, apperr.InvalidKey("certificates cannot be signed")
	}
	if !acceptedKeyTypes[key.Type()] {
		return nil, apperr.InvalidKey("unsupported key type %s", key.Type())
	}
	return key, nil
}

// Sign builds the certificate for req and signs it over [now, now+ttl].
func (s *Signer) Sign(req SignRequest) (out *SignedCert, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = apperr.SigningFailure(fmt.Errorf("panic: %v", r), "certificate signing failed")
		}
	}()

	if s.key == nil {
		return nil, apperr.SigningFailure(nil, "no CA signer loaded")
	}
	if req.PublicKey == nil {
		return nil, apperr.InvalidKey("public key is required")
	}
	if len(req.Principals) == 0 {
		return nil, apperr.InvalidPrincipals("certificate needs at least one principal")
	}
	certType := req.CertType
	if certType == 0 {
		certType = ssh.UserCert
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.now().UTC().Truncate(time.Second)
	validBefore := now.Add(ttl.Truncate(time.Second))

	cert := &ssh.Certificate{
		Key:             req.PublicKey,
		Serial:          req.Serial,
		CertType:        certType,
		KeyId:           req.KeyID,
		ValidPrincipals: append([]string(nil), req.Principals...),
		ValidAfter:      uint64(now.Unix()),
		ValidBefore:     uint64(validBefore.Unix()),
		Permissions: ssh.Permissions{
			CriticalOptions: maps.Clone(s.criticalOptions),
			Extensions:      maps.Clone(s.extensions),
		},
	}
	if cert.CriticalOptions == nil {
		cert.CriticalOptions = map[string]string{}
	}
	if cert.Extensions == nil {
		cert.Extensions = map[string]string{}
	}

	if err := cert.SignCert(rand.Reader, s.key); err != nil {
		return nil, apperr.SigningFailure(err, "certificate signing failed")
	}

	return &SignedCert{
		Certificate: string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(cert))),
		Cert:        cert,
		ValidAfter:  now,
		ValidBefore: validBefore,
	}, nil
}

// ParseCertificate parses an SSH certificate
func ParseCertificate(certData string) (*ssh.Certificate, error) {
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(certData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	cert, ok := pubKey.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("not a certificate")
	}

	return cert, nil
}

// ValidateCertificate verifies that a certificate was signed by the CA and
// is valid for principal at the given instant
func ValidateCertificate(cert *ssh.Certificate, caPubKey ssh.PublicKey, principal string, at time.Time) error {
	if cert.SignatureKey == nil || !bytes.Equal(cert.SignatureKey.Marshal(), caPubKey.Marshal()) {
		return fmt.Errorf("certificate validation failed: not signed by this CA")
	}

	checker := &ssh.CertChecker{Clock: func() time.Time { return at }}
	if err := checker.CheckCert(principal, cert); err != nil {
		return fmt.Errorf("certificate validation failed: %w", err)
	}

	return nil
}
