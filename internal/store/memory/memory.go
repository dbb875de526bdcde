// Package memory is an in-process implementation of store.Store. All units of
// work are serialized by one mutex, which gives the same all-or-nothing and
// isolation guarantees the Postgres store provides with SERIALIZABLE.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/store"
)

type progressKey struct {
	userID string
	gameID string
}

type historyRow struct {
	seq   int64
	entry domain.PointsHistoryEntry
}

type state struct {
	users    map[string]domain.User
	scores   map[string]domain.UserScore
	progress map[progressKey]domain.GameProgress
	history  []historyRow
	codes    map[string]domain.EmailVerificationCode
	seq      int64
}

func newState() *state {
	return &state{
		users:    make(map[string]domain.User),
		scores:   make(map[string]domain.UserScore),
		progress: make(map[progressKey]domain.GameProgress),
		codes:    make(map[string]domain.EmailVerificationCode),
	}
}

func (s *state) clone() *state {
	c := &state{
		users:    make(map[string]domain.User, len(s.users)),
		scores:   make(map[string]domain.UserScore, len(s.scores)),
		progress: make(map[progressKey]domain.GameProgress, len(s.progress)),
		history:  make([]historyRow, len(s.history)),
		codes:    make(map[string]domain.EmailVerificationCode, len(s.codes)),
		seq:      s.seq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.scores {
		c.scores[k] = v
	}
	for k, v := range s.progress {
		c.progress[k] = v
	}
	copy(c.history, s.history)
	for k, v := range s.codes {
		c.codes[k] = v
	}
	return c
}

// Store is the in-memory store
type Store struct {
	mu     sync.Mutex
	st     *state
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{st: newState(), logger: logger}
}

// RunInTx runs fn against a private copy of the state and publishes the copy
// only when fn succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// ListUserScores pages through aggregates ordered by user id
func (s *Store) ListUserScores(_ context.Context, afterUserID string, limit int) ([]domain.UserScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.st.scores))
	for id := range s.st.scores {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	scores := make([]domain.UserScore, 0, len(ids))
	for _, id := range ids {
		scores = append(scores, s.st.scores[id])
	}
	return scores, nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op
func (s *Store) Close() {
	s.logger.Debug("memory store closed")
}

// view runs a read or single write directly against the committed state.
func (s *Store) view(fn func(t *tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{st: s.st})
}

func (s *Store) GetUser(ctx context.Context, userID string) (u *domain.User, err error) {
	err = s.view(func(t *tx) error { u, err = t.GetUser(ctx, userID); return err })
	return u, err
}

func (s *Store) UpsertUser(ctx context.Context, user *domain.User) error {
	return s.view(func(t *tx) error { return t.UpsertUser(ctx, user) })
}

func (s *Store) SetEmailVerified(ctx context.Context, userID string, at time.Time) error {
	return s.view(func(t *tx) error { return t.SetEmailVerified(ctx, userID, at) })
}

func (s *Store) GetUserScore(ctx context.Context, userID string) (sc *domain.UserScore, err error) {
	err = s.view(func(t *tx) error { sc, err = t.GetUserScore(ctx, userID); return err })
	return sc, err
}

func (s *Store) GetUserScoreByReferralCode(ctx context.Context, code string) (sc *domain.UserScore, err error) {
	err = s.view(func(t *tx) error { sc, err = t.GetUserScoreByReferralCode(ctx, code); return err })
	return sc, err
}

func (s *Store) InsertUserScore(ctx context.Context, score *domain.UserScore) error {
	return s.view(func(t *tx) error { return t.InsertUserScore(ctx, score) })
}

func (s *Store) UpdateUserScore(ctx context.Context, userID string, patch domain.UserScorePatch) error {
	return s.view(func(t *tx) error { return t.UpdateUserScore(ctx, userID, patch) })
}

func (s *Store) GetGameProgress(ctx context.Context, userID, gameID string) (p *domain.GameProgress, err error) {
	err = s.view(func(t *tx) error { p, err = t.GetGameProgress(ctx, userID, gameID); return err })
	return p, err
}

func (s *Store) InsertGameProgress(ctx context.Context, progress *domain.GameProgress) error {
	return s.view(func(t *tx) error { return t.InsertGameProgress(ctx, progress) })
}

func (s *Store) UpdateGameProgress(ctx context.Context, userID, gameID string, patch domain.ProgressPatch) error {
	return s.view(func(t *tx) error { return t.UpdateGameProgress(ctx, userID, gameID, patch) })
}

func (s *Store) HasReward(ctx context.Context, key domain.RewardKey) (ok bool, err error) {
	err = s.view(func(t *tx) error { ok, err = t.HasReward(ctx, key); return err })
	return ok, err
}

func (s *Store) InsertPointsHistory(ctx context.Context, entry *domain.PointsHistoryEntry) error {
	return s.view(func(t *tx) error { return t.InsertPointsHistory(ctx, entry) })
}

func (s *Store) ListPointsHistory(ctx context.Context, userID string, limit int) (h []domain.PointsHistoryEntry, err error) {
	err = s.view(func(t *tx) error { h, err = t.ListPointsHistory(ctx, userID, limit); return err })
	return h, err
}

func (s *Store) GetVerificationCode(ctx context.Context, userID string) (c *domain.EmailVerificationCode, err error) {
	err = s.view(func(t *tx) error { c, err = t.GetVerificationCode(ctx, userID); return err })
	return c, err
}

func (s *Store) UpsertVerificationCode(ctx context.Context, code *domain.EmailVerificationCode) error {
	return s.view(func(t *tx) error { return t.UpsertVerificationCode(ctx, code) })
}

func (s *Store) SetVerificationAttempts(ctx context.Context, userID string, attempts int) error {
	return s.view(func(t *tx) error { return t.SetVerificationAttempts(ctx, userID, attempts) })
}

func (s *Store) DeleteVerificationCode(ctx context.Context, userID string) error {
	return s.view(func(t *tx) error { return t.DeleteVerificationCode(ctx, userID) })
}

// tx operates on one state snapshot
type tx struct {
	st *state
}

func (t *tx) GetUser(_ context.Context, userID string) (*domain.User, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (t *tx) UpsertUser(_ context.Context, user *domain.User) error {
	existing, ok := t.st.users[user.ID]
	if !ok {
		u := *user
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now()
		}
		t.st.users[u.ID] = u
		return nil
	}
	if existing.Email != user.Email {
		existing.EmailVerificationTime = nil
	}
	existing.Email = user.Email
	existing.Name = user.Name
	t.st.users[user.ID] = existing
	return nil
}

func (t *tx) SetEmailVerified(_ context.Context, userID string, at time.Time) error {
	u, ok := t.st.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	verified := at
	u.EmailVerificationTime = &verified
	t.st.users[userID] = u
	return nil
}

func (t *tx) GetUserScore(_ context.Context, userID string) (*domain.UserScore, error) {
	s, ok := t.st.scores[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (t *tx) GetUserScoreByReferralCode(_ context.Context, code string) (*domain.UserScore, error) {
	code = strings.ToUpper(code)
	for _, s := range t.st.scores {
		if s.ReferralCode == code {
			found := s
			return &found, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (t *tx) InsertUserScore(_ context.Context, score *domain.UserScore) error {
	if _, ok := t.st.scores[score.UserID]; ok {
		return store.ErrConflict
	}
	t.st.scores[score.UserID] = *score
	return nil
}

func (t *tx) UpdateUserScore(_ context.Context, userID string, patch domain.UserScorePatch) error {
	s, ok := t.st.scores[userID]
	if !ok {
		return domain.ErrNotFound
	}
	patch.Apply(&s)
	s.UpdatedAt = time.Now()
	t.st.scores[userID] = s
	return nil
}

func (t *tx) GetGameProgress(_ context.Context, userID, gameID string) (*domain.GameProgress, error) {
	p, ok := t.st.progress[progressKey{userID, gameID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (t *tx) InsertGameProgress(_ context.Context, progress *domain.GameProgress) error {
	key := progressKey{progress.UserID, progress.GameID}
	if _, ok := t.st.progress[key]; ok {
		return store.ErrConflict
	}
	t.st.progress[key] = *progress
	return nil
}

func (t *tx) UpdateGameProgress(_ context.Context, userID, gameID string, patch domain.ProgressPatch) error {
	key := progressKey{userID, gameID}
	p, ok := t.st.progress[key]
	if !ok {
		return domain.ErrNotFound
	}
	patch.Apply(&p)
	t.st.progress[key] = p
	return nil
}

func (t *tx) HasReward(_ context.Context, key domain.RewardKey) (bool, error) {
	for _, row := range t.st.history {
		if row.entry.Key() == key {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertPointsHistory(_ context.Context, entry *domain.PointsHistoryEntry) error {
	t.st.seq++
	t.st.history = append(t.st.history, historyRow{seq: t.st.seq, entry: *entry})
	return nil
}

func (t *tx) ListPointsHistory(_ context.Context, userID string, limit int) ([]domain.PointsHistoryEntry, error) {
	rows := make([]historyRow, 0)
	for _, row := range t.st.history {
		if row.entry.UserID == userID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].entry.EarnedAt.Equal(rows[j].entry.EarnedAt) {
			return rows[i].entry.EarnedAt.After(rows[j].entry.EarnedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	entries := make([]domain.PointsHistoryEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.entry
	}
	return entries, nil
}

func (t *tx) GetVerificationCode(_ context.Context, userID string) (*domain.EmailVerificationCode, error) {
	c, ok := t.st.codes[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (t *tx) UpsertVerificationCode(_ context.Context, code *domain.EmailVerificationCode) error {
	t.st.codes[code.UserID] = *code
	return nil
}

func (t *tx) SetVerificationAttempts(_ context.Context, userID string, attempts int) error {
	c, ok := t.st.codes[userID]
	if !ok {
		return domain.ErrNotFound
	}
	c.Attempts = attempts
	t.st.codes[userID] = c
	return nil
}

func (t *tx) DeleteVerificationCode(_ context.Context, userID string) error {
	delete(t.st.codes, userID)
	return nil
}
