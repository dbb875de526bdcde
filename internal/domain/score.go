package domain

import (
	"regexp"
	"strings"
	"time"
)

const (
	// MaxLevel keeps rewards and the next level inside int32 storage and
	// far away from int64 overflow in the reward formula.
	MaxLevel = 1_000_000

	// MaxGameIDLength matches the game_id column width
	MaxGameIDLength = 64
)

var gameIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidGameID reports whether id is a well-formed game id
func ValidGameID(id string) bool {
	return len(id) <= MaxGameIDLength && gameIDPattern.MatchString(id)
}

// Difficulty is the difficulty a level was played at
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty validates a wire value.
func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, nil
	default:
		return "", ErrInvalidDifficulty
	}
}

// Valid reports whether d is one of the known difficulties
func (d Difficulty) Valid() bool {
	_, err := ParseDifficulty(string(d))
	return err == nil
}

// UserScore is the per-user aggregate of points and counters
type UserScore struct {
	UserID       string    `json:"user_id"`
	TotalPoints  int64     `json:"total_points"`
	Coins        int64     `json:"coins"`
	GamesPlayed  int64     `json:"games_played"`
	GamesWon     int64     `json:"games_won"`
	ReferralCode string    `json:"referral_code"`
	ReferredBy   string    `json:"referred_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserScorePatch is a partial update of a UserScore. Nil fields are left untouched.
type UserScorePatch struct {
	TotalPoints *int64
	GamesPlayed *int64
	GamesWon    *int64
}

// Empty reports whether the patch changes nothing
func (p UserScorePatch) Empty() bool {
	return p.TotalPoints == nil && p.GamesPlayed == nil && p.GamesWon == nil
}

// Apply merges the patch into s.
func (p UserScorePatch) Apply(s *UserScore) {
	if p.TotalPoints != nil {
		s.TotalPoints = *p.TotalPoints
	}
	if p.GamesPlayed != nil {
		s.GamesPlayed = *p.GamesPlayed
	}
	if p.GamesWon != nil {
		s.GamesWon = *p.GamesWon
	}
}

// GameProgress tracks a user's progression in a single game
type GameProgress struct {
	UserID      string     `json:"user_id"`
	GameID      string     `json:"game_id"`
	Level       int        `json:"level"`
	BestScore   int64      `json:"best_score"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ProgressPatch is a partial update of a GameProgress. Nil fields are left untouched.
type ProgressPatch struct {
	Level       *int
	BestScore   *int64
	CompletedAt *time.Time
}

// Empty reports whether the patch changes nothing
func (p ProgressPatch) Empty() bool {
	return p.Level == nil && p.BestScore == nil && p.CompletedAt == nil
}

// Apply merges the patch into g.
func (p ProgressPatch) Apply(g *GameProgress) {
	if p.Level != nil {
		g.Level = *p.Level
	}
	if p.BestScore != nil {
		g.BestScore = *p.BestScore
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		g.CompletedAt = &t
	}
}

// RewardKey identifies a single reward in the points ledger
type RewardKey struct {
	UserID     string
	GameID     string
	Level      int
	Difficulty Difficulty
}

// PointsHistoryEntry is an immutable record of a paid reward
type PointsHistoryEntry struct {
	UserID       string     `json:"-"`
	GameID       string     `json:"game_id"`
	Level        int        `json:"level"`
	Difficulty   Difficulty `json:"difficulty"`
	PointsEarned int64      `json:"points_earned"`
	EarnedAt     time.Time  `json:"earned_at"`
}

// Key returns the ledger key of the entry
func (e PointsHistoryEntry) Key() RewardKey {
	return RewardKey{UserID: e.UserID, GameID: e.GameID, Level: e.Level, Difficulty: e.Difficulty}
}

// PlayResult is what a minigame reports after a finished round
type PlayResult struct {
	GameID     string     `json:"game_id"`
	Level      int        `json:"level"`
	Difficulty Difficulty `json:"difficulty"`
	Won        bool       `json:"won"`
	// PointsOverride is sent by some game clients. Rewards are always computed
	// server-side, so the value is only logged.
	PointsOverride *int64 `json:"points_override,omitempty"`
}

// Validate checks the fields a scoring call depends on
func (r PlayResult) Validate() error {
	if !ValidGameID(r.GameID) {
		return ErrInvalidGameID
	}
	if r.Level < 1 || r.Level > MaxLevel {
		return ErrInvalidLevel
	}
	if !r.Difficulty.Valid() {
		return ErrInvalidDifficulty
	}
	return nil
}

// PlayOutcome is returned to the game after a result was recorded
type PlayOutcome struct {
	PointsEarned int64 `json:"points_earned"`
	TotalPoints  int64 `json:"total_points"`
}

// ReferralCodeFor derives the stable referral code of a user.
func ReferralCodeFor(userID string) string {
	code := userID
	if len(code) > 12 {
		code = code[len(code)-12:]
	}
	return strings.ToUpper(code)
}
