package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T, retries int) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	cfg := &config.PostgresConfig{TxRetries: retries, TxRetryDelay: time.Millisecond}
	return newRepository(mock, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

// isNull matches an argument that is sent to Postgres as NULL
type isNull struct{}

func (isNull) Match(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

var serializationFailure = &pgconn.PgError{Code: codeSerializationFailure, Message: "could not serialize access"}

func deleteCode(ctx context.Context, tx store.Tx) error {
	return tx.DeleteVerificationCode(ctx, "u1")
}

func TestRunInTx_RetriesThenCommits(t *testing.T) {
	repo, mock := newMockRepository(t, 3)
	serializable := pgx.TxOptions{IsoLevel: pgx.Serializable}

	mock.ExpectBeginTx(serializable)
	mock.ExpectExec("DELETE FROM email_verification_codes").WithArgs("u1").WillReturnError(serializationFailure)
	mock.ExpectRollback()
	mock.ExpectBeginTx(serializable)
	mock.ExpectExec("DELETE FROM email_verification_codes").WithArgs("u1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.RunInTx(context.Background(), deleteCode))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_RetriesRacingInsert(t *testing.T) {
	repo, mock := newMockRepository(t, 3)
	serializable := pgx.TxOptions{IsoLevel: pgx.Serializable}
	progress := &domain.GameProgress{UserID: "u1", GameID: "frog", Level: 2, BestScore: 11}
	insert := func(ctx context.Context, tx store.Tx) error {
		return tx.InsertGameProgress(ctx, progress)
	}

	mock.ExpectBeginTx(serializable)
	mock.ExpectExec("INSERT INTO game_progress").
		WithArgs("u1", "frog", 2, int64(11), isNull{}).
		WillReturnError(&pgconn.PgError{Code: codeUniqueViolation})
	mock.ExpectRollback()
	mock.ExpectBeginTx(serializable)
	mock.ExpectExec("INSERT INTO game_progress").
		WithArgs("u1", "frog", 2, int64(11), isNull{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.RunInTx(context.Background(), insert))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_GivesUpAfterRetries(t *testing.T) {
	repo, mock := newMockRepository(t, 2)
	for i := 0; i < 3; i++ {
		mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
		mock.ExpectExec("DELETE FROM email_verification_codes").WithArgs("u1").WillReturnError(serializationFailure)
		mock.ExpectRollback()
	}

	err := repo.RunInTx(context.Background(), deleteCode)
	require.Error(t, err)
	assert.ErrorContains(t, err, "after 3 attempts")
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, codeSerializationFailure, pgErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_DomainErrorIsNotRetried(t *testing.T) {
	repo, mock := newMockRepository(t, 3)
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectRollback()

	err := repo.RunInTx(context.Background(), func(context.Context, store.Tx) error {
		return domain.ErrWrongCode
	})
	assert.ErrorIs(t, err, domain.ErrWrongCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserScore_NilFieldsSentAsNull(t *testing.T) {
	repo, mock := newMockRepository(t, 0)
	total := int64(55)
	played := int64(4)

	mock.ExpectExec(regexp.QuoteMeta("total_points = COALESCE($2, total_points)")).
		WithArgs("u1", &total, &played, isNull{}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.UpdateUserScore(context.Background(), "u1", domain.UserScorePatch{TotalPoints: &total, GamesPlayed: &played})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGameProgress(t *testing.T) {
	repo, mock := newMockRepository(t, 0)
	level := 3

	mock.ExpectExec(regexp.QuoteMeta("level = COALESCE($3, level)")).
		WithArgs("u1", "frog", &level, isNull{}, isNull{}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE game_progress SET")).
		WithArgs("u1", "sudoku", &level, isNull{}, isNull{}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, repo.UpdateGameProgress(ctx, "u1", "frog", domain.ProgressPatch{Level: &level}))
	err := repo.UpdateGameProgress(ctx, "u1", "sudoku", domain.ProgressPatch{Level: &level})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGameProgress_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t, 0)
	mock.ExpectQuery("FROM game_progress").WithArgs("u1", "frog").WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetGameProgress(context.Background(), "u1", "frog")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPointsHistory_NewestFirst(t *testing.T) {
	repo, mock := newMockRepository(t, 0)
	newer := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	older := newer.Add(-5 * time.Minute)

	rows := pgxmock.NewRows([]string{"user_id", "game_id", "level", "difficulty", "points_earned", "earned_at"}).
		AddRow("u1", "frog", 2, "hard", int64(36), newer).
		AddRow("u1", "frog", 1, "easy", int64(11), older)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY earned_at DESC, id DESC")).WithArgs("u1", 5).WillReturnRows(rows)

	entries, err := repo.ListPointsHistory(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.PointsHistoryEntry{
		UserID: "u1", GameID: "frog", Level: 2, Difficulty: domain.DifficultyHard, PointsEarned: 36, EarnedAt: newer,
	}, entries[0])
	assert.Equal(t, domain.DifficultyEasy, entries[1].Difficulty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVerificationCode_ReplacesSlot(t *testing.T) {
	repo, mock := newMockRepository(t, 0)
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	code := &domain.EmailVerificationCode{
		UserID:     "u1",
		Code:       "123456",
		ExpiresAt:  sent.Add(10 * time.Minute),
		LastSentAt: sent,
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (user_id)")).
		WithArgs("u1", "123456", code.ExpiresAt, 0, sent).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.UpsertVerificationCode(context.Background(), code))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetVerificationAttempts_NoCode(t *testing.T) {
	repo, mock := newMockRepository(t, 0)
	mock.ExpectExec("UPDATE email_verification_codes SET attempts").
		WithArgs("u1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.SetVerificationAttempts(context.Background(), "u1", 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: codeSerializationFailure}, want: true},
		{name: "deadlock", err: fmt.Errorf("updating: %w", &pgconn.PgError{Code: codeDeadlockDetected}), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: codeUniqueViolation}, want: true},
		{name: "store conflict", err: fmt.Errorf("inserting user score: %w", store.ErrConflict), want: true},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}, want: false},
		{name: "domain error", err: domain.ErrWrongCode, want: false},
		{name: "plain error", err: errors.New("connection reset"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestNotFound(t *testing.T) {
	assert.ErrorIs(t, notFound(pgx.ErrNoRows, "user"), domain.ErrNotFound)

	err := notFound(errors.New("timeout"), "user")
	assert.NotErrorIs(t, err, domain.ErrNotFound)
	assert.EqualError(t, err, "getting user: timeout")
}

func TestConflict(t *testing.T) {
	assert.ErrorIs(t, conflict(&pgconn.PgError{Code: codeUniqueViolation}, "game progress"), store.ErrConflict)
	assert.NotErrorIs(t, conflict(errors.New("boom"), "game progress"), store.ErrConflict)
}

func TestNullString(t *testing.T) {
	assert.Nil(t, nullString(""))
	if s := nullString("a@b.c"); assert.NotNil(t, s) {
		assert.Equal(t, "a@b.c", *s)
	}
}
