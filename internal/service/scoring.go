package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/metrics"
	"github.com/arcade-points/internal/scoring"
	"github.com/arcade-points/internal/store"
)

// Leaderboard is the ranked view of total points
type Leaderboard interface {
	SetScore(ctx context.Context, userID string, totalPoints int64) error
	GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	GetPlayerRank(ctx context.Context, userID string) (*domain.LeaderboardEntry, error)
	GetCount(ctx context.Context) (int64, error)
}

// Notifier pushes changes to live subscribers
type Notifier interface {
	NotifyAggregate(userID string, score *domain.UserScore)
	BroadcastLeaderboard(update *domain.LeaderboardUpdate)
}

// ScoringService records play results and serves the caller's points
type ScoringService struct {
	store       store.Store
	rules       scoring.Rules
	config      *config.ScoringConfig
	lbConfig    *config.LeaderboardConfig
	leaderboard Leaderboard
	notifier    Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	games       map[string]bool
}

// NewScoringService creates a new scoring service
func NewScoringService(
	st store.Store,
	rules scoring.Rules,
	cfg *config.ScoringConfig,
	lbCfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *ScoringService {
	games := make(map[string]bool, len(cfg.Games))
	for _, id := range cfg.Games {
		games[id] = true
	}
	return &ScoringService{
		store:    st,
		rules:    rules,
		config:   cfg,
		lbConfig: lbCfg,
		logger:   logger,
		now:      time.Now,
		games:    games,
	}
}

// checkGame rejects malformed ids and, when a game list is configured, ids
// outside it.
func (s *ScoringService) checkGame(gameID string) error {
	if !domain.ValidGameID(gameID) {
		return domain.ErrInvalidGameID
	}
	if len(s.games) > 0 && !s.games[gameID] {
		return fmt.Errorf("%w: unknown game %q", domain.ErrInvalidGameID, gameID)
	}
	return nil
}

// gameLabel bounds the metric label set to the configured games
func (s *ScoringService) gameLabel(gameID string) string {
	if s.games[gameID] {
		return gameID
	}
	return "other"
}

// SetLeaderboard enables ranking. Without it the leaderboard endpoints report
// ErrLeaderboardDown.
func (s *ScoringService) SetLeaderboard(lb Leaderboard) {
	s.leaderboard = lb
}

// SetNotifier enables live pushes after each recorded result
func (s *ScoringService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetMetrics enables counters
func (s *ScoringService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// RecordPlayResult applies one finished round for the caller in a single
// transaction: it decides the reward, updates the aggregate and the game
// progress, and appends the reward to the ledger.
func (s *ScoringService) RecordPlayResult(ctx context.Context, caller domain.Caller, result domain.PlayResult) (*domain.PlayOutcome, error) {
	if caller.Anonymous() {
		return nil, domain.ErrUnauthenticated
	}
	result.GameID = strings.TrimSpace(result.GameID)
	if err := result.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkGame(result.GameID); err != nil {
		return nil, err
	}
	if result.PointsOverride != nil {
		s.logger.Debug("ignoring client points override",
			"user_id", caller.UserID,
			"game_id", result.GameID,
			"points_override", *result.PointsOverride,
		)
	}

	now := s.now()
	var outcome domain.PlayOutcome
	var aggregate *domain.UserScore

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		score, err := tx.GetUserScore(ctx, caller.UserID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		progress, err := tx.GetGameProgress(ctx, caller.UserID, result.GameID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		var pointsEarned int64
		if scoring.EligibleForReward(progress, result) {
			key := domain.RewardKey{
				UserID:     caller.UserID,
				GameID:     result.GameID,
				Level:      result.Level,
				Difficulty: result.Difficulty,
			}
			paid, err := tx.HasReward(ctx, key)
			if err != nil {
				return err
			}
			if !paid {
				pointsEarned = s.rules.CandidatePoints(result.Level, result.Difficulty)
			}
		}

		if score == nil {
			score = scoring.NewUserScore(caller.UserID, result, pointsEarned, now)
			if err := tx.InsertUserScore(ctx, score); err != nil {
				return err
			}
		} else {
			patch := scoring.ScorePatch(score, result, pointsEarned)
			if err := tx.UpdateUserScore(ctx, caller.UserID, patch); err != nil {
				return err
			}
			patch.Apply(score)
			score.UpdatedAt = now
		}

		if progress == nil {
			if err := tx.InsertGameProgress(ctx, scoring.NewProgress(caller.UserID, result, pointsEarned, now)); err != nil {
				return err
			}
		} else if patch := scoring.ProgressPatch(progress, result, pointsEarned, now); !patch.Empty() {
			if err := tx.UpdateGameProgress(ctx, caller.UserID, result.GameID, patch); err != nil {
				return err
			}
		}

		if pointsEarned > 0 {
			entry := &domain.PointsHistoryEntry{
				UserID:       caller.UserID,
				GameID:       result.GameID,
				Level:        result.Level,
				Difficulty:   result.Difficulty,
				PointsEarned: pointsEarned,
				EarnedAt:     now,
			}
			if err := tx.InsertPointsHistory(ctx, entry); err != nil {
				return err
			}
		}

		outcome = domain.PlayOutcome{PointsEarned: pointsEarned, TotalPoints: score.TotalPoints}
		aggregate = score
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording play result: %w", err)
	}

	s.afterPlay(ctx, result, aggregate, outcome)
	return &outcome, nil
}

// afterPlay runs the best-effort side effects of a committed result
func (s *ScoringService) afterPlay(ctx context.Context, result domain.PlayResult, aggregate *domain.UserScore, outcome domain.PlayOutcome) {
	s.metrics.PlayRecorded(s.gameLabel(result.GameID), string(result.Difficulty), result.Won, outcome.PointsEarned)

	if s.leaderboard != nil && (outcome.PointsEarned > 0 || aggregate.GamesPlayed == 1) {
		if err := s.leaderboard.SetScore(ctx, aggregate.UserID, aggregate.TotalPoints); err != nil {
			s.logger.Warn("failed to update leaderboard", "user_id", aggregate.UserID, "error", err)
		}
	}

	if s.notifier == nil {
		return
	}
	s.notifier.NotifyAggregate(aggregate.UserID, aggregate)
	if outcome.PointsEarned > 0 && s.leaderboard != nil {
		update, err := s.leaderboardUpdate(ctx, s.lbConfig.BroadcastTop)
		if err != nil {
			s.logger.Warn("failed to build leaderboard update", "error", err)
			return
		}
		s.notifier.BroadcastLeaderboard(update)
	}
}

// GetAggregate returns the caller's aggregate, or a zero default that is not
// persisted. Anonymous callers get nil.
func (s *ScoringService) GetAggregate(ctx context.Context, caller domain.Caller) (*domain.UserScore, error) {
	if caller.Anonymous() {
		return nil, nil
	}

	score, err := s.store.GetUserScore(ctx, caller.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.UserScore{
			UserID:       caller.UserID,
			ReferralCode: domain.ReferralCodeFor(caller.UserID),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting aggregate: %w", err)
	}
	if score.ReferralCode == "" {
		score.ReferralCode = domain.ReferralCodeFor(caller.UserID)
	}
	return score, nil
}

// GetProgress returns the caller's progress in a game, defaulting to level 1.
// Anonymous callers get nil.
func (s *ScoringService) GetProgress(ctx context.Context, caller domain.Caller, gameID string) (*domain.GameProgress, error) {
	if caller.Anonymous() {
		return nil, nil
	}
	gameID = strings.TrimSpace(gameID)
	if err := s.checkGame(gameID); err != nil {
		return nil, err
	}

	progress, err := s.store.GetGameProgress(ctx, caller.UserID, gameID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.GameProgress{UserID: caller.UserID, GameID: gameID, Level: 1, BestScore: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}
	return progress, nil
}

// GetHistory returns the caller's most recent rewards, newest first
func (s *ScoringService) GetHistory(ctx context.Context, caller domain.Caller, limit int) ([]domain.PointsHistoryEntry, error) {
	if caller.Anonymous() {
		return []domain.PointsHistoryEntry{}, nil
	}

	// Zero or negative means the default page
	if limit <= 0 {
		limit = s.config.DefaultHistoryLimit
	}
	if limit > s.config.MaxHistoryLimit {
		limit = s.config.MaxHistoryLimit
	}

	entries, err := s.store.ListPointsHistory(ctx, caller.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("getting history: %w", err)
	}
	return entries, nil
}

// LookupReferral resolves a referral code to the user who owns it
func (s *ScoringService) LookupReferral(ctx context.Context, caller domain.Caller, code string) (*domain.UserScore, error) {
	if caller.Anonymous() {
		return nil, domain.ErrUnauthenticated
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.ErrInvalidRequest
	}

	score, err := s.store.GetUserScoreByReferralCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrReferralNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up referral: %w", err)
	}
	return &domain.UserScore{UserID: score.UserID, ReferralCode: score.ReferralCode}, nil
}
