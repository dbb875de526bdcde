package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/metrics"
	"github.com/arcade-points/internal/store"
)

const codeLength = 6

// Mailer delivers verification codes
type Mailer interface {
	Configured() bool
	SendCode(ctx context.Context, to, code string) error
}

// VerificationService runs the email code lifecycle: issue, resend cooldown,
// expiry, attempt cap and single-use consumption.
type VerificationService struct {
	store    store.Store
	config   *config.VerificationConfig
	mailer   Mailer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	generate func() (string, error)
}

// NewVerificationService creates a new verification service. mailer may be nil,
// in which case SendCode fails with ErrDependencyFailure.
func NewVerificationService(st store.Store, cfg *config.VerificationConfig, mailer Mailer, logger *slog.Logger) *VerificationService {
	return &VerificationService{
		store:    st,
		config:   cfg,
		mailer:   mailer,
		logger:   logger,
		now:      time.Now,
		generate: generateCode,
	}
}

// SetMetrics enables counters
func (s *VerificationService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// generateCode returns a uniformly random 6-digit code
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func validCodeFormat(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// CurrentUser returns the caller's account, or nil when anonymous or unknown
func (s *VerificationService) CurrentUser(ctx context.Context, caller domain.Caller) (*domain.User, error) {
	if caller.Anonymous() {
		return nil, nil
	}
	if err := s.syncIdentity(ctx, caller); err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, caller.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return user, nil
}

// syncIdentity refreshes the account projection from the token claims. Tokens
// without an email claim leave the stored account untouched, and a missing
// name claim keeps the stored name.
func (s *VerificationService) syncIdentity(ctx context.Context, caller domain.Caller) error {
	if caller.Email == "" {
		return nil
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, caller.UserID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		name := caller.Name
		if name == "" && user != nil {
			name = user.Name
		}
		if user != nil && user.Email == caller.Email && user.Name == name {
			return nil
		}
		return tx.UpsertUser(ctx, &domain.User{
			ID:        caller.UserID,
			Email:     caller.Email,
			Name:      name,
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return fmt.Errorf("syncing identity: %w", err)
	}
	return nil
}

// IssueCode creates or replaces the caller's code. The code is returned for
// the mail sender only and must never reach the browser.
func (s *VerificationService) IssueCode(ctx context.Context, caller domain.Caller) (*domain.IssuedCode, error) {
	if caller.Anonymous() {
		return nil, domain.ErrUnauthenticated
	}

	now := s.now()
	var issued *domain.IssuedCode

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, caller.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNoEmail
		}
		if err != nil {
			return err
		}
		if user.Email == "" {
			return domain.ErrNoEmail
		}

		existing, err := tx.GetVerificationCode(ctx, caller.UserID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if existing != nil {
			if wait := s.config.ResendCooldown - now.Sub(existing.LastSentAt); wait > 0 {
				return &domain.CooldownError{Wait: wait}
			}
		}

		code, err := s.generate()
		if err != nil {
			return err
		}
		if err := tx.UpsertVerificationCode(ctx, &domain.EmailVerificationCode{
			UserID:     caller.UserID,
			Code:       code,
			ExpiresAt:  now.Add(s.config.CodeTTL),
			Attempts:   0,
			LastSentAt: now,
		}); err != nil {
			return err
		}

		issued = &domain.IssuedCode{Email: user.Email, Code: code}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("issuing code: %w", err)
	}
	return issued, nil
}

// SendCode issues a code and mails it. A delivery failure leaves the issued
// code in place.
func (s *VerificationService) SendCode(ctx context.Context, caller domain.Caller) error {
	if caller.Anonymous() {
		return domain.ErrUnauthenticated
	}
	if s.mailer == nil || !s.mailer.Configured() {
		s.logger.Error("email delivery is not configured")
		return domain.ErrDependencyFailure
	}
	if err := s.syncIdentity(ctx, caller); err != nil {
		return err
	}

	issued, err := s.IssueCode(ctx, caller)
	if err != nil {
		return err
	}

	err = s.mailer.SendCode(ctx, issued.Email, issued.Code)
	s.metrics.EmailSent(err)
	if err != nil {
		s.logger.Error("failed to send verification email", "user_id", caller.UserID, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrDependencyFailure, err)
	}

	s.logger.Info("verification code sent", "user_id", caller.UserID)
	return nil
}

// VerifyCode checks a submitted code against the caller's live code. Expiry
// and exhaustion delete the code and still commit, even though an error is
// returned to the caller.
func (s *VerificationService) VerifyCode(ctx context.Context, caller domain.Caller, code string) error {
	if caller.Anonymous() {
		return domain.ErrUnauthenticated
	}
	code = strings.TrimSpace(code)
	if !validCodeFormat(code) {
		return domain.ErrInvalidCode
	}

	now := s.now()
	var outcome error

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		outcome = nil

		row, err := tx.GetVerificationCode(ctx, caller.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			outcome = domain.ErrNoActiveCode
			return nil
		}
		if err != nil {
			return err
		}

		if row.Expired(now) {
			outcome = domain.ErrCodeExpired
			return tx.DeleteVerificationCode(ctx, caller.UserID)
		}

		if subtle.ConstantTimeCompare([]byte(code), []byte(row.Code)) != 1 {
			attempts := row.Attempts + 1
			if attempts >= s.config.MaxAttempts {
				outcome = domain.ErrTooManyAttempts
				return tx.DeleteVerificationCode(ctx, caller.UserID)
			}
			outcome = &domain.WrongCodeError{Remaining: s.config.MaxAttempts - attempts}
			return tx.SetVerificationAttempts(ctx, caller.UserID, attempts)
		}

		if err := tx.SetEmailVerified(ctx, caller.UserID, now); err != nil {
			return err
		}
		return tx.DeleteVerificationCode(ctx, caller.UserID)
	})
	if err != nil {
		return fmt.Errorf("verifying code: %w", err)
	}

	s.metrics.VerificationChecked(verificationResult(outcome))
	return outcome
}

func verificationResult(outcome error) string {
	switch {
	case outcome == nil:
		return "verified"
	case errors.Is(outcome, domain.ErrNoActiveCode):
		return "no_code"
	case errors.Is(outcome, domain.ErrCodeExpired):
		return "expired"
	case errors.Is(outcome, domain.ErrTooManyAttempts):
		return "exhausted"
	default:
		return "wrong_code"
	}
}
