package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	pointsKey        = "arcade:leaderboard:points"
	pointsRebuildKey = "arcade:leaderboard:points:rebuild"

	// members written per ZADD during a rebuild
	rebuildChunk = 500
)

// LeaderboardService keeps every user's total points in one sorted set
type LeaderboardService struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLeaderboardService creates a new Redis leaderboard service
func NewLeaderboardService(cfg *config.RedisConfig, logger *slog.Logger) (*LeaderboardService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewLeaderboardServiceWithClient(client, logger), nil
}

// NewLeaderboardServiceWithClient wraps an existing client
func NewLeaderboardServiceWithClient(client *redis.Client, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (s *LeaderboardService) Close() error {
	return s.client.Close()
}

// Ping checks Redis is reachable
func (s *LeaderboardService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetScore raises a user's total points. Totals only grow, so a write that
// lands after a newer one (GT) leaves the higher total in place.
func (s *LeaderboardService) SetScore(ctx context.Context, userID string, totalPoints int64) error {
	err := s.client.ZAddArgs(ctx, pointsKey, redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: float64(totalPoints), Member: userID}},
	}).Err()
	if err != nil {
		return fmt.Errorf("setting score: %w", err)
	}
	return nil
}

// GetTopN returns the top N users by total points
func (s *LeaderboardService) GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, pointsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	return toEntries(results, 0), nil
}

// GetPlayerRank returns a user's rank and total points
func (s *LeaderboardService) GetPlayerRank(ctx context.Context, userID string) (*domain.LeaderboardEntry, error) {
	// Use pipeline to get both rank and score
	pipe := s.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, pointsKey, userID)
	scoreCmd := pipe.ZScore(ctx, pointsKey, userID)
	_, err := pipe.Exec(ctx)

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting player rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}

	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	return &domain.LeaderboardEntry{
		Rank:   rank + 1, // Convert 0-indexed to 1-indexed
		UserID: userID,
		Score:  int64(score),
	}, nil
}

// GetCount returns the number of ranked users
func (s *LeaderboardService) GetCount(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, pointsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// MergeAll loads scores into a scratch key and folds it into the leaderboard
// with ZUNIONSTORE ... AGGREGATE MAX. Totals written by SetScore while the
// scores were being read are newer than the snapshot and win the merge.
// Members are never removed.
func (s *LeaderboardService) MergeAll(ctx context.Context, scores map[string]int64) error {
	if len(scores) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, pointsRebuildKey).Err(); err != nil {
		return fmt.Errorf("clearing rebuild key: %w", err)
	}

	userIDs := make([]string, 0, len(scores))
	for userID := range scores {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	for start := 0; start < len(userIDs); start += rebuildChunk {
		end := min(start+rebuildChunk, len(userIDs))
		members := make([]redis.Z, 0, end-start)
		for _, userID := range userIDs[start:end] {
			members = append(members, redis.Z{Score: float64(scores[userID]), Member: userID})
		}
		if err := s.client.ZAdd(ctx, pointsRebuildKey, members...).Err(); err != nil {
			return fmt.Errorf("batch setting scores: %w", err)
		}
	}

	err := s.client.ZUnionStore(ctx, pointsKey, &redis.ZStore{
		Keys:      []string{pointsKey, pointsRebuildKey},
		Aggregate: "MAX",
	}).Err()
	if err != nil {
		return fmt.Errorf("merging leaderboard: %w", err)
	}
	if err := s.client.Del(ctx, pointsRebuildKey).Err(); err != nil {
		s.logger.Warn("failed to drop rebuild key", "error", err)
	}
	s.logger.Debug("leaderboard merged", "users", len(userIDs))
	return nil
}

func toEntries(results []redis.Z, offset int) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		member, _ := result.Member.(string)
		entries[i] = domain.LeaderboardEntry{
			Rank:   int64(offset + i + 1),
			UserID: member,
			Score:  int64(result.Score),
		}
	}
	return entries
}
