package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcade-points/internal/auth"
	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/scoring"
	"github.com/arcade-points/internal/service"
	"github.com/arcade-points/internal/store/memory"
)

type stubMailer struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (m *stubMailer) Configured() bool { return true }

func (m *stubMailer) SendCode(ctx context.Context, to, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.codes = append(m.codes, code)
	return nil
}

func (m *stubMailer) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[len(m.codes)-1]
}

type failingCheck struct{}

func (failingCheck) Ping(context.Context) error { return errors.New("dial tcp: connection refused") }

type testServer struct {
	router   http.Handler
	verifier *auth.Verifier
	mailer   *stubMailer
	scoring  *service.ScoringService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"

	st := memory.New(logger)
	verifier, err := auth.NewVerifier(&cfg.Auth)
	require.NoError(t, err)
	mailer := &stubMailer{}

	scoringSvc := service.NewScoringService(st, scoring.RulesFromConfig(&cfg.Scoring), &cfg.Scoring, &cfg.Leaderboard, logger)
	verificationSvc := service.NewVerificationService(st, &cfg.Verification, mailer, logger)

	h := NewHandler(scoringSvc, verificationSvc, nil, verifier, logger)
	h.ExposeMetrics(cfg.Metrics.Path)
	return &testServer{router: h.Router(), verifier: verifier, mailer: mailer, scoring: scoringSvc}
}

func (s *testServer) token(t *testing.T, caller domain.Caller) string {
	t.Helper()
	token, err := s.verifier.Sign(caller, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

var alice = domain.Caller{UserID: "3f2c9d1e-0000-4000-8000-a11ce0000001", Email: "alice@example.com", Name: "Alice"}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec, resp := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, _ := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyCheck(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(nil, nil, nil, nil, logger)
	rec := httptest.NewRecorder()
	h.ReadyCheck(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddReadinessCheck("redis", failingCheck{})
	rec = httptest.NewRecorder()
	h.ReadyCheck(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"unavailable"`)
}

func TestRecordPlayResult(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, alice)

	t.Run("anonymous", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/scores", "", map[string]interface{}{
			"game_id": "sudoku", "level": 1, "difficulty": "easy", "won": true,
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "please sign in", resp.Error)
	})

	t.Run("forged token", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodPost, "/api/v1/scores", "not-a-jwt", map[string]interface{}{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/scores", token, "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, domain.ErrInvalidRequest.Error(), resp.Error)
	})

	t.Run("bad difficulty", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/scores", token, map[string]interface{}{
			"game_id": "sudoku", "level": 1, "difficulty": "extreme", "won": true,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, domain.ErrInvalidDifficulty.Error(), resp.Error)
	})

	t.Run("bad level", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/scores", token, map[string]interface{}{
			"game_id": "sudoku", "level": 0, "difficulty": "easy", "won": true,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, domain.ErrInvalidLevel.Error(), resp.Error)
	})

	t.Run("win then replay", func(t *testing.T) {
		body := map[string]interface{}{
			"game_id": "sudoku", "level": 1, "difficulty": "hard", "won": true, "points_override": 9999,
		}
		rec, resp := s.do(t, http.MethodPost, "/api/v1/scores", token, body)
		require.Equal(t, http.StatusOK, rec.Code)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, float64(33), data["points_earned"])
		assert.Equal(t, float64(33), data["total_points"])

		_, resp = s.do(t, http.MethodPost, "/api/v1/scores", token, body)
		data = resp.Data.(map[string]interface{})
		assert.Equal(t, float64(0), data["points_earned"])
		assert.Equal(t, float64(33), data["total_points"])
	})
}

func TestReads(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, alice)
	_, err := s.scoring.RecordPlayResult(context.Background(), alice, domain.PlayResult{
		GameID: "frog", Level: 1, Difficulty: domain.DifficultyMedium, Won: true,
	})
	require.NoError(t, err)

	t.Run("anonymous aggregate", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodGet, "/api/v1/scores/me", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, resp.Data)
	})

	t.Run("aggregate", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/api/v1/scores/me", token, nil)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, float64(22), data["total_points"])
		assert.Equal(t, float64(1), data["games_won"])
		assert.Equal(t, "A11CE0000001", data["referral_code"])
	})

	t.Run("progress", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/api/v1/progress/frog", token, nil)
		assert.Equal(t, float64(2), resp.Data.(map[string]interface{})["level"])

		_, resp = s.do(t, http.MethodGet, "/api/v1/progress/tiles", token, nil)
		assert.Equal(t, float64(1), resp.Data.(map[string]interface{})["level"])
	})

	t.Run("history", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/api/v1/history?limit=5", token, nil)
		entries := resp.Data.([]interface{})
		require.Len(t, entries, 1)
		assert.Equal(t, "frog", entries[0].(map[string]interface{})["game_id"])
	})

	t.Run("referral", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodGet, "/api/v1/referrals/a11ce0000001", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, alice.UserID, resp.Data.(map[string]interface{})["user_id"])

		rec, resp = s.do(t, http.MethodGet, "/api/v1/referrals/NOPE", token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, domain.ErrReferralNotFound.Error(), resp.Error)
	})

	t.Run("leaderboard unavailable", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodGet, "/api/v1/leaderboard/top", token, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestEmailVerificationFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, alice)

	rec, resp := s.do(t, http.MethodGet, "/api/v1/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, resp.Data.(map[string]interface{})["email_verification_time"])

	rec, _ = s.do(t, http.MethodPost, "/api/v1/email/verification/verify", token, map[string]string{"code": "123456"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/email/verification/send", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code := s.mailer.last()

	rec, resp = s.do(t, http.MethodPost, "/api/v1/email/verification/send", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, resp.Error, "please wait")

	rec, resp = s.do(t, http.MethodPost, "/api/v1/email/verification/verify", token, map[string]string{"code": "12ab56"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ErrInvalidCode.Error(), resp.Error)

	wrong := "100000"
	if code == wrong {
		wrong = "100001"
	}
	rec, resp = s.do(t, http.MethodPost, "/api/v1/email/verification/verify", token, map[string]string{"code": wrong})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "wrong code, 4 attempts remaining", resp.Error)

	rec, resp = s.do(t, http.MethodPost, "/api/v1/email/verification/verify", token, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["verified"])

	_, resp = s.do(t, http.MethodGet, "/api/v1/me", token, nil)
	assert.NotNil(t, resp.Data.(map[string]interface{})["email_verification_time"])

	rec, resp = s.do(t, http.MethodPost, "/api/v1/email/verification/verify", token, map[string]string{"code": code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ErrNoActiveCode.Error(), resp.Error)
}

func TestSendVerificationCode_DeliveryFailure(t *testing.T) {
	s := newTestServer(t)
	s.mailer.err = errors.New("sendgrid error: 401")

	rec, resp := s.do(t, http.MethodPost, "/api/v1/email/verification/send", s.token(t, alice), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, domain.ErrDependencyFailure.Error(), resp.Error)
}
