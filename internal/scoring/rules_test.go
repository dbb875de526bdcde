package scoring

import (
	"testing"
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRules_CandidatePoints(t *testing.T) {
	r := DefaultRules()

	for level := 1; level <= 20; level++ {
		easy := r.CandidatePoints(level, domain.DifficultyEasy)
		assert.Equal(t, int64(10+level), easy)
		assert.Equal(t, 2*easy, r.CandidatePoints(level, domain.DifficultyMedium))
		assert.Equal(t, 3*easy, r.CandidatePoints(level, domain.DifficultyHard))
	}
}

func TestRules_InjectedConstants(t *testing.T) {
	r := Rules{
		BasePoints:  5,
		LevelBonus:  2,
		Multipliers: map[domain.Difficulty]int64{domain.DifficultyEasy: 1, domain.DifficultyHard: 10},
	}

	assert.Equal(t, int64(11), r.CandidatePoints(3, domain.DifficultyEasy))
	assert.Equal(t, int64(110), r.CandidatePoints(3, domain.DifficultyHard))
	assert.Equal(t, int64(0), r.CandidatePoints(3, domain.DifficultyMedium))
}

func TestRulesFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scoring.Multipliers.Hard = 5

	r := RulesFromConfig(&cfg.Scoring)
	assert.Equal(t, int64(15*5), r.CandidatePoints(5, domain.DifficultyHard))
	assert.Equal(t, int64(15), r.CandidatePoints(5, domain.DifficultyEasy))
}

func TestEligibleForReward(t *testing.T) {
	progress := &domain.GameProgress{Level: 5}

	tests := []struct {
		name     string
		progress *domain.GameProgress
		result   domain.PlayResult
		want     bool
	}{
		{name: "first play won", progress: nil, result: domain.PlayResult{Level: 1, Won: true}, want: true},
		{name: "first play lost", progress: nil, result: domain.PlayResult{Level: 1}, want: false},
		{name: "current level won", progress: progress, result: domain.PlayResult{Level: 5, Won: true}, want: true},
		{name: "skip ahead won", progress: progress, result: domain.PlayResult{Level: 8, Won: true}, want: true},
		{name: "replay of cleared level", progress: progress, result: domain.PlayResult{Level: 3, Won: true}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EligibleForReward(tt.progress, tt.result))
		})
	}
}

func TestScorePatch(t *testing.T) {
	existing := &domain.UserScore{TotalPoints: 40, GamesPlayed: 4, GamesWon: 2}

	lost := ScorePatch(existing, domain.PlayResult{Won: false}, 0)
	assert.Nil(t, lost.TotalPoints)
	require.NotNil(t, lost.GamesPlayed)
	assert.Equal(t, int64(5), *lost.GamesPlayed)
	assert.Equal(t, int64(2), *lost.GamesWon)

	replayWin := ScorePatch(existing, domain.PlayResult{Won: true}, 0)
	assert.Nil(t, replayWin.TotalPoints)
	assert.Equal(t, int64(3), *replayWin.GamesWon)

	paid := ScorePatch(existing, domain.PlayResult{Won: true}, 12)
	require.NotNil(t, paid.TotalPoints)
	assert.Equal(t, int64(52), *paid.TotalPoints)
}

func TestNewUserScore(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewUserScore("user-0123456789abcdef", domain.PlayResult{Won: true}, 11, now)

	assert.Equal(t, int64(11), s.TotalPoints)
	assert.Equal(t, int64(0), s.Coins)
	assert.Equal(t, int64(1), s.GamesPlayed)
	assert.Equal(t, int64(1), s.GamesWon)
	assert.Equal(t, "456789ABCDEF", s.ReferralCode)

	lost := NewUserScore("u", domain.PlayResult{Won: false}, 0, now)
	assert.Equal(t, int64(0), lost.GamesWon)
}

func TestNewProgress(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	won := NewProgress("u", domain.PlayResult{GameID: "frog", Level: 3, Won: true}, 13, now)
	assert.Equal(t, 4, won.Level)
	assert.Equal(t, int64(13), won.BestScore)
	require.NotNil(t, won.CompletedAt)

	lost := NewProgress("u", domain.PlayResult{GameID: "frog", Level: 3}, 0, now)
	assert.Equal(t, 3, lost.Level)
	assert.Equal(t, int64(0), lost.BestScore)
	assert.Nil(t, lost.CompletedAt)
}

func TestProgressPatch(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	existing := &domain.GameProgress{Level: 5, BestScore: 20}

	replay := ProgressPatch(existing, domain.PlayResult{Level: 3, Won: true}, 0, now)
	assert.True(t, replay.Empty())

	advance := ProgressPatch(existing, domain.PlayResult{Level: 5, Won: true}, 15, now)
	require.NotNil(t, advance.Level)
	assert.Equal(t, 6, *advance.Level)
	assert.Nil(t, advance.BestScore)
	require.NotNil(t, advance.CompletedAt)

	better := ProgressPatch(existing, domain.PlayResult{Level: 7, Won: true, Difficulty: domain.DifficultyHard}, 51, now)
	assert.Equal(t, 8, *better.Level)
	require.NotNil(t, better.BestScore)
	assert.Equal(t, int64(51), *better.BestScore)

	lost := ProgressPatch(existing, domain.PlayResult{Level: 5}, 0, now)
	assert.True(t, lost.Empty())
}
