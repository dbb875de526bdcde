package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements store.Tx on top of a pool or a transaction
type queries struct {
	db dbtx
}

var _ store.Tx = (*queries)(nil)

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("getting %s: %w", what, err)
}

func conflict(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("inserting %s: %w", what, store.ErrConflict)
	}
	return fmt.Errorf("inserting %s: %w", what, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetUser retrieves the account projection
func (q *queries) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT id, COALESCE(email, ''), COALESCE(name, ''), email_verification_time, created_at
		FROM users
		WHERE id = $1
	`
	var u domain.User
	err := q.db.QueryRow(ctx, query, userID).Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.EmailVerificationTime,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

// UpsertUser creates or refreshes the account projection
func (q *queries) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, email, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			email_verification_time = CASE
				WHEN users.email IS DISTINCT FROM EXCLUDED.email THEN NULL
				ELSE users.email_verification_time
			END
	`
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.Exec(ctx, query, user.ID, nullString(user.Email), nullString(user.Name), createdAt)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// SetEmailVerified stamps the verification time of a user
func (q *queries) SetEmailVerified(ctx context.Context, userID string, at time.Time) error {
	result, err := q.db.Exec(ctx, `UPDATE users SET email_verification_time = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return fmt.Errorf("setting email verified: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const userScoreColumns = `user_id, total_points, coins, games_played, games_won,
	referral_code, COALESCE(referred_by, ''), created_at, updated_at`

func scanUserScore(row pgx.Row) (*domain.UserScore, error) {
	var s domain.UserScore
	err := row.Scan(
		&s.UserID,
		&s.TotalPoints,
		&s.Coins,
		&s.GamesPlayed,
		&s.GamesWon,
		&s.ReferralCode,
		&s.ReferredBy,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetUserScore retrieves the aggregate of a user
func (q *queries) GetUserScore(ctx context.Context, userID string) (*domain.UserScore, error) {
	query := `SELECT ` + userScoreColumns + ` FROM user_scores WHERE user_id = $1`
	s, err := scanUserScore(q.db.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, notFound(err, "user score")
	}
	return s, nil
}

// GetUserScoreByReferralCode resolves a referral code to its aggregate
func (q *queries) GetUserScoreByReferralCode(ctx context.Context, code string) (*domain.UserScore, error) {
	query := `SELECT ` + userScoreColumns + ` FROM user_scores WHERE referral_code = UPPER($1) LIMIT 1`
	s, err := scanUserScore(q.db.QueryRow(ctx, query, code))
	if err != nil {
		return nil, notFound(err, "user score by referral code")
	}
	return s, nil
}

// InsertUserScore creates the aggregate of a user
func (q *queries) InsertUserScore(ctx context.Context, score *domain.UserScore) error {
	query := `
		INSERT INTO user_scores (user_id, total_points, coins, games_played, games_won,
			referral_code, referred_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := q.db.Exec(ctx, query,
		score.UserID,
		score.TotalPoints,
		score.Coins,
		score.GamesPlayed,
		score.GamesWon,
		score.ReferralCode,
		nullString(score.ReferredBy),
		score.CreatedAt,
		score.UpdatedAt,
	)
	if err != nil {
		return conflict(err, "user score")
	}
	return nil
}

// UpdateUserScore applies a partial update. Nil fields keep their stored value.
func (q *queries) UpdateUserScore(ctx context.Context, userID string, patch domain.UserScorePatch) error {
	query := `
		UPDATE user_scores SET
			total_points = COALESCE($2, total_points),
			games_played = COALESCE($3, games_played),
			games_won = COALESCE($4, games_won),
			updated_at = $5
		WHERE user_id = $1
	`
	result, err := q.db.Exec(ctx, query, userID, patch.TotalPoints, patch.GamesPlayed, patch.GamesWon, time.Now())
	if err != nil {
		return fmt.Errorf("updating user score: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetGameProgress retrieves the progress of a user in one game
func (q *queries) GetGameProgress(ctx context.Context, userID, gameID string) (*domain.GameProgress, error) {
	query := `
		SELECT user_id, game_id, level, best_score, completed_at
		FROM game_progress
		WHERE user_id = $1 AND game_id = $2
	`
	var p domain.GameProgress
	err := q.db.QueryRow(ctx, query, userID, gameID).Scan(
		&p.UserID,
		&p.GameID,
		&p.Level,
		&p.BestScore,
		&p.CompletedAt,
	)
	if err != nil {
		return nil, notFound(err, "game progress")
	}
	return &p, nil
}

// InsertGameProgress creates the progress record of a game
func (q *queries) InsertGameProgress(ctx context.Context, progress *domain.GameProgress) error {
	query := `
		INSERT INTO game_progress (user_id, game_id, level, best_score, completed_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := q.db.Exec(ctx, query,
		progress.UserID,
		progress.GameID,
		progress.Level,
		progress.BestScore,
		progress.CompletedAt,
	)
	if err != nil {
		return conflict(err, "game progress")
	}
	return nil
}

// UpdateGameProgress applies a partial update. Nil fields keep their stored value.
func (q *queries) UpdateGameProgress(ctx context.Context, userID, gameID string, patch domain.ProgressPatch) error {
	query := `
		UPDATE game_progress SET
			level = COALESCE($3, level),
			best_score = COALESCE($4, best_score),
			completed_at = COALESCE($5, completed_at)
		WHERE user_id = $1 AND game_id = $2
	`
	result, err := q.db.Exec(ctx, query, userID, gameID, patch.Level, patch.BestScore, patch.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating game progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// HasReward checks the ledger for at least one entry with the reward key
func (q *queries) HasReward(ctx context.Context, key domain.RewardKey) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM points_history
			WHERE user_id = $1 AND game_id = $2 AND level = $3 AND difficulty = $4
			LIMIT 1
		)
	`
	var exists bool
	err := q.db.QueryRow(ctx, query, key.UserID, key.GameID, key.Level, string(key.Difficulty)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking reward: %w", err)
	}
	return exists, nil
}

// InsertPointsHistory appends a paid reward to the ledger
func (q *queries) InsertPointsHistory(ctx context.Context, entry *domain.PointsHistoryEntry) error {
	query := `
		INSERT INTO points_history (user_id, game_id, level, difficulty, points_earned, earned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.db.Exec(ctx, query,
		entry.UserID,
		entry.GameID,
		entry.Level,
		string(entry.Difficulty),
		entry.PointsEarned,
		entry.EarnedAt,
	)
	if err != nil {
		return fmt.Errorf("recording points history: %w", err)
	}
	return nil
}

// ListPointsHistory returns the most recent ledger entries of a user
func (q *queries) ListPointsHistory(ctx context.Context, userID string, limit int) ([]domain.PointsHistoryEntry, error) {
	query := `
		SELECT user_id, game_id, level, difficulty, points_earned, earned_at
		FROM points_history
		WHERE user_id = $1
		ORDER BY earned_at DESC, id DESC
		LIMIT $2
	`
	rows, err := q.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing points history: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.PointsHistoryEntry, 0)
	for rows.Next() {
		var e domain.PointsHistoryEntry
		var difficulty string
		if err := rows.Scan(&e.UserID, &e.GameID, &e.Level, &difficulty, &e.PointsEarned, &e.EarnedAt); err != nil {
			return nil, fmt.Errorf("scanning points history: %w", err)
		}
		e.Difficulty = domain.Difficulty(difficulty)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing points history: %w", err)
	}
	return entries, nil
}

// GetVerificationCode retrieves the live code of a user
func (q *queries) GetVerificationCode(ctx context.Context, userID string) (*domain.EmailVerificationCode, error) {
	query := `
		SELECT user_id, code, expires_at, attempts, last_sent_at
		FROM email_verification_codes
		WHERE user_id = $1
	`
	var c domain.EmailVerificationCode
	err := q.db.QueryRow(ctx, query, userID).Scan(
		&c.UserID,
		&c.Code,
		&c.ExpiresAt,
		&c.Attempts,
		&c.LastSentAt,
	)
	if err != nil {
		return nil, notFound(err, "verification code")
	}
	return &c, nil
}

// UpsertVerificationCode replaces the single code slot of a user
func (q *queries) UpsertVerificationCode(ctx context.Context, code *domain.EmailVerificationCode) error {
	query := `
		INSERT INTO email_verification_codes (user_id, code, expires_at, attempts, last_sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id)
		DO UPDATE SET code = $2, expires_at = $3, attempts = $4, last_sent_at = $5
	`
	_, err := q.db.Exec(ctx, query, code.UserID, code.Code, code.ExpiresAt, code.Attempts, code.LastSentAt)
	if err != nil {
		return fmt.Errorf("upserting verification code: %w", err)
	}
	return nil
}

// SetVerificationAttempts records the number of failed checks
func (q *queries) SetVerificationAttempts(ctx context.Context, userID string, attempts int) error {
	result, err := q.db.Exec(ctx, `UPDATE email_verification_codes SET attempts = $2 WHERE user_id = $1`, userID, attempts)
	if err != nil {
		return fmt.Errorf("updating verification attempts: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteVerificationCode removes the code of a user, if any
func (q *queries) DeleteVerificationCode(ctx context.Context, userID string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM email_verification_codes WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting verification code: %w", err)
	}
	return nil
}
