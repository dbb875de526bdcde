package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/arcade-points/internal/domain"
	"github.com/stretchr/testify/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock shared by a test and the service under test
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type MockLeaderboard struct {
	mock.Mock
}

func (m *MockLeaderboard) SetScore(ctx context.Context, userID string, totalPoints int64) error {
	args := m.Called(ctx, userID, totalPoints)
	return args.Error(0)
}

func (m *MockLeaderboard) GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	args := m.Called(ctx, n)
	entries, _ := args.Get(0).([]domain.LeaderboardEntry)
	return entries, args.Error(1)
}

func (m *MockLeaderboard) GetPlayerRank(ctx context.Context, userID string) (*domain.LeaderboardEntry, error) {
	args := m.Called(ctx, userID)
	entry, _ := args.Get(0).(*domain.LeaderboardEntry)
	return entry, args.Error(1)
}

func (m *MockLeaderboard) GetCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyAggregate(userID string, score *domain.UserScore) {
	m.Called(userID, score)
}

func (m *MockNotifier) BroadcastLeaderboard(update *domain.LeaderboardUpdate) {
	m.Called(update)
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Configured() bool {
	return m.Called().Bool(0)
}

func (m *MockMailer) SendCode(ctx context.Context, to, code string) error {
	args := m.Called(ctx, to, code)
	return args.Error(0)
}
