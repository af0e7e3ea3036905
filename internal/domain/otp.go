package domain

import "time"

// ============================================================
// OTP: issuance and verification
// ============================================================

// OTPRecord is a persisted one-time passcode. The plaintext code is never stored.
type OTPRecord struct {
	ID        string    `json:"id" db:"id"`
	Phone     string    `json:"phone" db:"phone"`
	OTPHash   string    `json:"otp_hash" db:"otp_hash"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Attempts  int       `json:"attempts" db:"attempts"`
	IsUsed    bool      `json:"is_used" db:"is_used"`
}

// Active reports whether the record can still be verified at now.
func (r *OTPRecord) Active(now time.Time) bool {
	return !r.IsUsed && now.Before(r.ExpiresAt)
}

// DeliveryStatus is the outcome of the best-effort SMS dispatch.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// OTPIssue describes a successful issuance. Delivery is informational only:
// a failed dispatch still counts as a successful issuance.
type OTPIssue struct {
	Phone     string
	ExpiresAt time.Time
	Delivery  DeliveryStatus
}

// OTPRequest is the body for POST /v1/auth/otp/request. The phone is
// normalised and checked by the OTP service, which owns the client-facing
// messages.
type OTPRequest struct {
	Phone string `json:"phone"`
}

// OTPVerifyRequest is the body for POST /v1/auth/otp/verify.
type OTPVerifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

// Session is returned after a successful OTP verification.
type Session struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int    `json:"expiresIn"`
	User        *User  `json:"user"`
}
