package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpIssuer = "SSH-CA"
)

// TOTPEnrollment is returned once when a second factor is set up
type TOTPEnrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

// GenerateTOTP generates a new TOTP secret for username
func GenerateTOTP(username string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: username,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	return &TOTPEnrollment{
		Secret:     key.Secret(),
		OTPAuthURL: key.URL(),
	}, nil
}

// ValidateTOTP validates a code against a secret, allowing one period of
// clock skew either side.
func ValidateTOTP(secret, code string) bool {
	return ValidateTOTPAt(secret, code, time.Now())
}

// ValidateTOTPAt is ValidateTOTP at a fixed instant.
func ValidateTOTPAt(secret, code string, at time.Time) bool {
	valid, err := totp.ValidateCustom(code, secret, at.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}
