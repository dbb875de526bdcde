package domain

import "time"

// EmailVerificationCode is the single live code of a user
type EmailVerificationCode struct {
	UserID     string    `json:"user_id"`
	Code       string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
	Attempts   int       `json:"attempts"`
	LastSentAt time.Time `json:"last_sent_at"`
}

// Expired reports whether the code is past its expiry at now
func (c *EmailVerificationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IssuedCode is handed to the email sender, never to the browser
type IssuedCode struct {
	Email string
	Code  string
}
