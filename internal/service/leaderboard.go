package service

import (
	"context"
	"fmt"

	"github.com/arcade-points/internal/domain"
)

// TopPlayers returns the top users by total points
func (s *ScoringService) TopPlayers(ctx context.Context, limit int) (*domain.LeaderboardUpdate, error) {
	if s.leaderboard == nil {
		return nil, domain.ErrLeaderboardDown
	}

	if limit <= 0 {
		limit = s.lbConfig.DefaultLimit
	}
	if limit > s.lbConfig.MaxLimit {
		limit = s.lbConfig.MaxLimit
	}

	return s.leaderboardUpdate(ctx, limit)
}

// PlayerRank returns the caller's rank and total points
func (s *ScoringService) PlayerRank(ctx context.Context, caller domain.Caller) (*domain.LeaderboardEntry, error) {
	if caller.Anonymous() {
		return nil, domain.ErrUnauthenticated
	}
	if s.leaderboard == nil {
		return nil, domain.ErrLeaderboardDown
	}

	entry, err := s.leaderboard.GetPlayerRank(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *ScoringService) leaderboardUpdate(ctx context.Context, n int) (*domain.LeaderboardUpdate, error) {
	entries, err := s.leaderboard.GetTopN(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("getting top n from redis: %w", err)
	}
	count, err := s.leaderboard.GetCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting player count: %w", err)
	}
	return &domain.LeaderboardUpdate{Entries: entries, TotalPlayers: count}, nil
}
