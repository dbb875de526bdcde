// Package store defines the persistence boundary of the scoring and
// verification engines.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/arcade-points/internal/domain"
)

// ErrConflict is returned when an insert races with another unit of work
// creating the same record.
var ErrConflict = errors.New("conflicting write")

// Tx is the set of record operations available inside one atomic unit of work.
// Getters return domain.ErrNotFound when the record does not exist.
type Tx interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	// UpsertUser creates the account projection or refreshes its email and
	// name. A changed email clears the verification timestamp.
	UpsertUser(ctx context.Context, user *domain.User) error
	SetEmailVerified(ctx context.Context, userID string, at time.Time) error

	GetUserScore(ctx context.Context, userID string) (*domain.UserScore, error)
	GetUserScoreByReferralCode(ctx context.Context, code string) (*domain.UserScore, error)
	InsertUserScore(ctx context.Context, score *domain.UserScore) error
	UpdateUserScore(ctx context.Context, userID string, patch domain.UserScorePatch) error

	GetGameProgress(ctx context.Context, userID, gameID string) (*domain.GameProgress, error)
	InsertGameProgress(ctx context.Context, progress *domain.GameProgress) error
	UpdateGameProgress(ctx context.Context, userID, gameID string, patch domain.ProgressPatch) error

	// HasReward reports whether the ledger holds at least one entry for key.
	// The ledger may contain legacy duplicates, so it never assumes uniqueness.
	HasReward(ctx context.Context, key domain.RewardKey) (bool, error)
	InsertPointsHistory(ctx context.Context, entry *domain.PointsHistoryEntry) error
	ListPointsHistory(ctx context.Context, userID string, limit int) ([]domain.PointsHistoryEntry, error)

	GetVerificationCode(ctx context.Context, userID string) (*domain.EmailVerificationCode, error)
	UpsertVerificationCode(ctx context.Context, code *domain.EmailVerificationCode) error
	SetVerificationAttempts(ctx context.Context, userID string, attempts int) error
	DeleteVerificationCode(ctx context.Context, userID string) error
}

// Store runs units of work. Reads outside RunInTx see committed data only.
type Store interface {
	Tx

	// RunInTx executes fn atomically. If fn returns an error nothing it wrote
	// is kept. Conflicting transactions are serialized by the implementation,
	// which may run fn more than once.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListUserScores pages through aggregates ordered by user id, for rebuilds.
	ListUserScores(ctx context.Context, afterUserID string, limit int) ([]domain.UserScore, error)

	Ping(ctx context.Context) error
	Close()
}
