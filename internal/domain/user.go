package domain

import "time"

// User is the projection of an account owned by the identity provider
type User struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email,omitempty"`
	Name                  string     `json:"name,omitempty"`
	EmailVerificationTime *time.Time `json:"email_verification_time,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// EmailVerified reports whether the user confirmed their email
func (u *User) EmailVerified() bool {
	return u != nil && u.EmailVerificationTime != nil
}

// Caller is the identity an operation runs on behalf of. It is resolved once
// at the request boundary and passed down explicitly.
type Caller struct {
	UserID string
	// Email and Name are the claims the identity provider vouched for, if any.
	Email string
	Name  string
}

// Anonymous reports whether no identity was resolved
func (c Caller) Anonymous() bool {
	return c.UserID == ""
}
