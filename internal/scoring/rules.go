// Package scoring holds the reward formula and the decisions a play result
// makes against a user's stored state. Nothing here touches storage.
package scoring

import (
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
)

// Rules is the reward formula: (BasePoints + level*LevelBonus) * multiplier.
type Rules struct {
	BasePoints  int64
	LevelBonus  int64
	Multipliers map[domain.Difficulty]int64
}

// DefaultRules returns the production formula
func DefaultRules() Rules {
	return Rules{
		BasePoints: 10,
		LevelBonus: 1,
		Multipliers: map[domain.Difficulty]int64{
			domain.DifficultyEasy:   1,
			domain.DifficultyMedium: 2,
			domain.DifficultyHard:   3,
		},
	}
}

// RulesFromConfig builds the formula from the scoring section of the config
func RulesFromConfig(cfg *config.ScoringConfig) Rules {
	return Rules{
		BasePoints: cfg.BasePoints,
		LevelBonus: cfg.LevelBonus,
		Multipliers: map[domain.Difficulty]int64{
			domain.DifficultyEasy:   cfg.Multipliers.Easy,
			domain.DifficultyMedium: cfg.Multipliers.Medium,
			domain.DifficultyHard:   cfg.Multipliers.Hard,
		},
	}
}

// CandidatePoints is what a first win of level at difficulty is worth.
func (r Rules) CandidatePoints(level int, difficulty domain.Difficulty) int64 {
	return (r.BasePoints + int64(level)*r.LevelBonus) * r.Multipliers[difficulty]
}

// AlreadyCompleted reports whether the player is replaying a level they are past.
func AlreadyCompleted(progress *domain.GameProgress, level int) bool {
	return progress != nil && level < progress.Level
}

// EligibleForReward is the level gate: a win of a level not yet cleared.
// The caller must still consult the points ledger before paying.
func EligibleForReward(progress *domain.GameProgress, result domain.PlayResult) bool {
	return result.Won && !AlreadyCompleted(progress, result.Level)
}

// NewUserScore is the aggregate created on a user's first scoring call.
func NewUserScore(userID string, result domain.PlayResult, pointsEarned int64, now time.Time) *domain.UserScore {
	won := int64(0)
	if result.Won {
		won = 1
	}
	return &domain.UserScore{
		UserID:       userID,
		TotalPoints:  pointsEarned,
		Coins:        0,
		GamesPlayed:  1,
		GamesWon:     won,
		ReferralCode: domain.ReferralCodeFor(userID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ScorePatch is the update applied to an existing aggregate. TotalPoints is
// only touched when points were earned.
func ScorePatch(existing *domain.UserScore, result domain.PlayResult, pointsEarned int64) domain.UserScorePatch {
	played := existing.GamesPlayed + 1
	won := existing.GamesWon
	if result.Won {
		won++
	}
	patch := domain.UserScorePatch{GamesPlayed: &played, GamesWon: &won}
	if pointsEarned > 0 {
		total := existing.TotalPoints + pointsEarned
		patch.TotalPoints = &total
	}
	return patch
}

// NewProgress is the progress record created on the first play of a game.
func NewProgress(userID string, result domain.PlayResult, pointsEarned int64, now time.Time) *domain.GameProgress {
	p := &domain.GameProgress{
		UserID:    userID,
		GameID:    result.GameID,
		Level:     result.Level,
		BestScore: pointsEarned,
	}
	if result.Won {
		p.Level = result.Level + 1
		completed := now
		p.CompletedAt = &completed
	}
	return p
}

// ProgressPatch advances the level on a win at or beyond the current level and
// raises bestScore when this call earned more. Level never moves backwards.
func ProgressPatch(existing *domain.GameProgress, result domain.PlayResult, pointsEarned int64, now time.Time) domain.ProgressPatch {
	var patch domain.ProgressPatch
	if result.Won && result.Level >= existing.Level {
		next := result.Level + 1
		completed := now
		patch.Level = &next
		patch.CompletedAt = &completed
	}
	if pointsEarned > existing.BestScore {
		best := pointsEarned
		patch.BestScore = &best
	}
	return patch
}
