package domain

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors
var (
	ErrUnauthenticated   = errors.New("please sign in")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidGameID     = errors.New("game id must be a known game of at most 64 letters, digits, dashes or underscores")
	ErrInvalidLevel      = errors.New("level must be between 1 and 1000000")
	ErrInvalidDifficulty = errors.New("difficulty must be one of easy, medium, hard")
	ErrInvalidCode       = errors.New("code must be 6 digits")
	ErrNotFound          = errors.New("record not found")
	ErrReferralNotFound  = errors.New("referral code not found")
	ErrPlayerNotFound    = errors.New("player not found in leaderboard")
	ErrLeaderboardDown   = errors.New("leaderboard is unavailable")
	ErrNoEmail           = errors.New("no email registered for this account")
	ErrRateLimited       = errors.New("please wait before requesting another code")
	ErrNoActiveCode      = errors.New("request a verification code first")
	ErrCodeExpired       = errors.New("code expired, request a new code")
	ErrTooManyAttempts   = errors.New("too many attempts, request a new code")
	ErrWrongCode         = errors.New("wrong code")
	ErrDependencyFailure = errors.New("could not send the email, try again")
	ErrInternalError     = errors.New("internal server error")
)

// CooldownError is returned while the resend cooldown is still running.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	secs := int(e.Wait.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%s (%ds)", ErrRateLimited.Error(), secs)
}

func (e *CooldownError) Unwrap() error { return ErrRateLimited }

// WrongCodeError reports a mismatched code together with the attempts left.
type WrongCodeError struct {
	Remaining int
}

func (e *WrongCodeError) Error() string {
	return fmt.Sprintf("%s, %d attempts remaining", ErrWrongCode.Error(), e.Remaining)
}

func (e *WrongCodeError) Unwrap() error { return ErrWrongCode }

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrReferralNotFound) ||
		errors.Is(err, ErrPlayerNotFound)
}

// IsValidationError reports input errors the caller can fix by resubmitting.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidGameID) ||
		errors.Is(err, ErrInvalidLevel) ||
		errors.Is(err, ErrInvalidDifficulty) ||
		errors.Is(err, ErrInvalidCode)
}

// IsVerificationError groups the terminal and retryable outcomes of a code check.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrNoActiveCode) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrTooManyAttempts) ||
		errors.Is(err, ErrWrongCode) ||
		errors.Is(err, ErrNoEmail)
}
