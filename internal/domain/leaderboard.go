package domain

// LeaderboardEntry represents a single entry in the points leaderboard
type LeaderboardEntry struct {
	Rank   int64  `json:"rank"`
	UserID string `json:"user_id"`
	Score  int64  `json:"score"`
}

// LeaderboardUpdate is pushed to live subscribers after totals change
type LeaderboardUpdate struct {
	Entries      []LeaderboardEntry `json:"entries"`
	TotalPlayers int64              `json:"total_players"`
}
