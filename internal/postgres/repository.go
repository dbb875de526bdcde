package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes that mean the transaction lost a race and may be re-run.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// pool is the part of *pgxpool.Pool the repository uses
type pool interface {
	dbtx
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Repository provides PostgreSQL-based data access
type Repository struct {
	queries
	pool       pool
	logger     *slog.Logger
	retries    int
	retryDelay time.Duration
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	p, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := p.Ping(context.Background()); err != nil {
		p.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return newRepository(p, cfg, logger), nil
}

func newRepository(p pool, cfg *config.PostgresConfig, logger *slog.Logger) *Repository {
	return &Repository{
		queries:    queries{db: p},
		pool:       p,
		logger:     logger,
		retries:    cfg.TxRetries,
		retryDelay: cfg.TxRetryDelay,
	}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations. points_history deliberately has
// no unique index on the reward key: older rows may contain duplicates.
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(320),
			name VARCHAR(255),
			email_verification_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_scores (
			user_id VARCHAR(64) PRIMARY KEY,
			total_points BIGINT NOT NULL DEFAULT 0,
			coins BIGINT NOT NULL DEFAULT 0,
			games_played BIGINT NOT NULL DEFAULT 0,
			games_won BIGINT NOT NULL DEFAULT 0,
			referral_code VARCHAR(32) NOT NULL,
			referred_by VARCHAR(64),
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS game_progress (
			user_id VARCHAR(64) NOT NULL,
			game_id VARCHAR(64) NOT NULL,
			level INT NOT NULL DEFAULT 1,
			best_score BIGINT NOT NULL DEFAULT 0,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (user_id, game_id)
		)`,
		`CREATE TABLE IF NOT EXISTS points_history (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			game_id VARCHAR(64) NOT NULL,
			level INT NOT NULL,
			difficulty VARCHAR(10) NOT NULL,
			points_earned BIGINT NOT NULL CHECK (points_earned > 0),
			earned_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS email_verification_codes (
			user_id VARCHAR(64) PRIMARY KEY,
			code VARCHAR(6) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			last_sent_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_scores_referral ON user_scores(referral_code)`,
		`CREATE INDEX IF NOT EXISTS idx_points_history_reward ON points_history(user_id, game_id, level, difficulty)`,
		`CREATE INDEX IF NOT EXISTS idx_points_history_user ON points_history(user_id, earned_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// RunInTx runs fn in a SERIALIZABLE transaction. When Postgres reports a
// serialization failure or a racing insert, the whole closure is run again so
// every decision is made on fresh reads.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			r.logger.Debug("retrying transaction", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * r.retryDelay):
			}
		}

		err = r.runOnce(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", r.retries+1, err)
}

func (r *Repository) runOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, store.ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return true
		}
	}
	return false
}

// ListUserScores pages through aggregates ordered by user id (for sync)
func (r *Repository) ListUserScores(ctx context.Context, afterUserID string, limit int) ([]domain.UserScore, error) {
	query := `
		SELECT user_id, total_points, coins, games_played, games_won,
		       referral_code, COALESCE(referred_by, ''), created_at, updated_at
		FROM user_scores
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing user scores: %w", err)
	}
	defer rows.Close()

	var scores []domain.UserScore
	for rows.Next() {
		var s domain.UserScore
		if err := rows.Scan(
			&s.UserID,
			&s.TotalPoints,
			&s.Coins,
			&s.GamesPlayed,
			&s.GamesWon,
			&s.ReferralCode,
			&s.ReferredBy,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning user score: %w", err)
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing user scores: %w", err)
	}
	return scores, nil
}
