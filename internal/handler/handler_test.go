package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/scratchcard-system/internal/middleware"
	"github.com/mmeshcher/scratchcard-system/internal/model"
	"github.com/mmeshcher/scratchcard-system/internal/repository"
	"github.com/mmeshcher/scratchcard-system/internal/service"
)

type stubService struct {
	user    *model.User
	userErr error

	avatars     []model.Avatar
	leaderboard []model.LeaderboardEntry

	award    *model.AwardResult
	awardErr error

	canScratch bool

	stats *model.Stats

	mutateErr error

	lastSession model.Session
	lastUserID  int64
	lastQty     int64
	lastBlocked bool
}

func (s *stubService) RegisterUser(ctx context.Context, in service.UserInput) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubService) ListAvatars(ctx context.Context) ([]model.Avatar, error) {
	return s.avatars, nil
}

func (s *stubService) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	return s.leaderboard, nil
}

func (s *stubService) GetCollection(ctx context.Context, sess model.Session, userID int64) ([]model.Avatar, error) {
	s.lastSession, s.lastUserID = sess, userID
	return s.avatars, s.mutateErr
}

func (s *stubService) CanScratch(ctx context.Context, sess model.Session, userID int64) (bool, error) {
	s.lastSession, s.lastUserID = sess, userID
	return s.canScratch, nil
}

func (s *stubService) AttemptScratch(ctx context.Context, sess model.Session, userID int64) (*model.AwardResult, error) {
	s.lastSession, s.lastUserID = sess, userID
	return s.award, s.awardErr
}

func (s *stubService) AdminUsers(ctx context.Context) ([]model.PlayerSummary, error) {
	return []model.PlayerSummary{}, nil
}

func (s *stubService) AddUser(ctx context.Context, in service.UserInput) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubService) UpdateUser(ctx context.Context, id int64, in service.UpdateUserInput) error {
	s.lastUserID = id
	return s.mutateErr
}

func (s *stubService) DeleteUser(ctx context.Context, id int64) error {
	s.lastUserID = id
	return s.mutateErr
}

func (s *stubService) SetUserBlocked(ctx context.Context, id int64, blocked bool) error {
	s.lastUserID, s.lastBlocked = id, blocked
	return s.mutateErr
}

func (s *stubService) GrantScratch(ctx context.Context, id int64) error {
	s.lastUserID = id
	return s.mutateErr
}

func (s *stubService) Inventory(ctx context.Context) ([]model.InventoryItem, error) {
	return []model.InventoryItem{}, nil
}

func (s *stubService) SetInventory(ctx context.Context, avatarID, quantity int64) error {
	s.lastUserID, s.lastQty = avatarID, quantity
	return s.mutateErr
}

func (s *stubService) AdminStats(ctx context.Context) (*model.Stats, error) {
	return s.stats, nil
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret", time.Hour)

	return NewHandler(svc, logger, auth)
}

func bearer(t *testing.T, h *Handler, id int64, role model.Role) string {
	t.Helper()
	token, err := h.authMiddleware.IssueToken(&model.User{ID: id, Name: "u", Email: "u@example.com", Role: role})
	require.NoError(t, err)
	return "Bearer " + token
}

func do(t *testing.T, h http.Handler, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		user: &model.User{ID: 42, Name: "Asha", Email: "asha@example.com", Role: model.RolePlayer},
	}
	h := newTestHandler(t, svc)

	rec := do(t, h.SetupRouter(), http.MethodPost, "/api/auth/register", "",
		service.UserInput{Name: "Asha", Email: "asha@example.com", Password: "secret1"})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, int64(42), resp.User.ID)
	assert.NotEmpty(t, rec.Result().Cookies())

	sess, err := h.authMiddleware.ParseToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, model.Session{UserID: 42, Role: model.RolePlayer}, sess)
}

func TestAuthErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{name: "duplicate email", path: "/api/auth/register", err: repository.ErrUserExists, want: http.StatusConflict},
		{name: "invalid credentials", path: "/api/auth/login", err: service.ErrInvalidCredentials, want: http.StatusUnauthorized},
		{name: "blocked account", path: "/api/auth/login", err: service.ErrAccountBlocked, want: http.StatusUnauthorized},
		{name: "store failure", path: "/api/auth/login", err: context.DeadlineExceeded, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{userErr: tt.err})

			rec := do(t, h.SetupRouter(), http.MethodPost, tt.path, "",
				map[string]string{"name": "Asha", "email": "asha@example.com", "password": "secret1"})

			assert.Equal(t, tt.want, rec.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestLogin_MissingFields(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h.SetupRouter(), http.MethodPost, "/api/auth/login", "", map[string]string{"email": "asha@example.com"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAvatars_IncludesEmoji(t *testing.T) {
	svc := &stubService{avatars: []model.Avatar{
		{ID: 1, Name: "Mayureshwar", Location: "Morgaon", IsActive: true},
		{ID: 8, Name: "Mahaganapati", Location: "Ranjangaon", IsActive: true},
		{ID: 42, Name: "Unknown", Location: "Pune", IsActive: true},
	}}
	h := newTestHandler(t, svc)

	rec := do(t, h.SetupRouter(), http.MethodGet, "/api/avatars", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 3)
	assert.Equal(t, "🕉️", resp[0]["emoji"])
	assert.Equal(t, "👑", resp[1]["emoji"])
	assert.Equal(t, "🕉️", resp[2]["emoji"])
	assert.Equal(t, "Ranjangaon", resp[1]["location"])
	assert.NotContains(t, resp[0], "isActive")
}

func TestRouter_Gzip(t *testing.T) {
	compress := func(t *testing.T, v any) *bytes.Buffer {
		t.Helper()
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		require.NoError(t, json.NewEncoder(gz).Encode(v))
		require.NoError(t, gz.Close())
		return &buf
	}

	t.Run("compressed register body", func(t *testing.T) {
		svc := &stubService{user: &model.User{ID: 7, Name: "Asha", Email: "asha@example.com", Role: model.RolePlayer}}
		h := newTestHandler(t, svc)

		body := compress(t, service.UserInput{Name: "Asha", Email: "asha@example.com", Password: "secret1"})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.SetupRouter().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp authResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(7), resp.User.ID)
	})

	t.Run("compressed leaderboard response", func(t *testing.T) {
		svc := &stubService{leaderboard: []model.LeaderboardEntry{
			{ID: 3, Name: "Ravi", CollectedCount: 2, Rank: 1},
		}}
		h := newTestHandler(t, svc)

		req := httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.SetupRouter().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

		gr, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		defer gr.Close()
		raw, err := io.ReadAll(gr)
		require.NoError(t, err)

		var board []model.LeaderboardEntry
		require.NoError(t, json.Unmarshal(raw, &board))
		require.Len(t, board, 1)
		assert.Equal(t, "Ravi", board[0].Name)
	})

	t.Run("malformed compressed body", func(t *testing.T) {
		h := newTestHandler(t, &stubService{})

		req := httptest.NewRequest(http.MethodPost, "/api/auth/register",
			bytes.NewBufferString(`{"name":"Asha"}`))
		req.Header.Set("Content-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.SetupRouter().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, rec.Header().Get("Content-Encoding"))
	})
}

func TestScratch_Responses(t *testing.T) {
	avatar := &model.Avatar{ID: 2, Name: "Siddhivinayak", Location: "Siddhatek", IsActive: true}

	tests := []struct {
		name       string
		award      *model.AwardResult
		awardErr   error
		wantStatus int
		wantReason string
	}{
		{name: "won", award: &model.AwardResult{Won: true, Avatar: avatar}, wantStatus: http.StatusOK},
		{name: "lost", award: &model.AwardResult{Won: false, Avatar: avatar}, wantStatus: http.StatusOK},
		{name: "cooldown", award: &model.AwardResult{Rejected: model.RejectCooldown, RetryAfter: 1500 * time.Millisecond}, wantStatus: http.StatusConflict, wantReason: "COOLDOWN"},
		{name: "no stock", award: &model.AwardResult{Rejected: model.RejectNoStockAvailable}, wantStatus: http.StatusGone, wantReason: "NO_STOCK_AVAILABLE"},
		{name: "blocked", award: &model.AwardResult{Rejected: model.RejectAlreadyBlocked}, wantStatus: http.StatusForbidden, wantReason: "ALREADY_BLOCKED"},
		{name: "forbidden", awardErr: service.ErrForbidden, wantStatus: http.StatusForbidden},
		{name: "unknown user", awardErr: repository.ErrUserNotFound, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{award: tt.award, awardErr: tt.awardErr}
			h := newTestHandler(t, svc)

			rec := do(t, h.SetupRouter(), http.MethodPost, "/api/scratch/5", bearer(t, h, 5, model.RolePlayer), nil)

			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, int64(5), svc.lastUserID)
			assert.Equal(t, model.Session{UserID: 5, Role: model.RolePlayer}, svc.lastSession)

			if tt.wantStatus == http.StatusOK {
				var resp scratchResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.True(t, resp.Success)
				assert.Equal(t, tt.award.Won, resp.Won)
				assert.Equal(t, "🐘", resp.Avatar.Emoji)
				assert.Equal(t, "Siddhatek", resp.Avatar.Location)
				assert.NotEmpty(t, resp.Message)
				return
			}

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantReason, resp.Reason)
			if tt.wantReason == "COOLDOWN" {
				assert.Equal(t, "2", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestScratch_RequiresSession(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h.SetupRouter(), http.MethodPost, "/api/scratch/5", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h.SetupRouter(), http.MethodPost, "/api/scratch/abc", bearer(t, h, 5, model.RolePlayer), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	svc := &stubService{stats: &model.Stats{TotalUsers: 3}}
	h := newTestHandler(t, svc)
	r := h.SetupRouter()

	rec := do(t, r, http.MethodGet, "/api/admin/stats", bearer(t, h, 5, model.RolePlayer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/admin/stats", bearer(t, h, 1, model.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"totalUsers":3,"totalAvatars":0,"totalCollections":0,"todayScratches":0}`, rec.Body.String())
}

func TestAdminMutations(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		err    error
		want   int
	}{
		{name: "block", method: http.MethodPut, path: "/api/admin/users/9/block", body: map[string]bool{"blocked": true}, want: http.StatusOK},
		{name: "block without flag", method: http.MethodPut, path: "/api/admin/users/9/block", body: map[string]string{}, want: http.StatusBadRequest},
		{name: "assign scratch", method: http.MethodPost, path: "/api/admin/users/9/assign-scratch", want: http.StatusOK},
		{name: "delete missing user", method: http.MethodDelete, path: "/api/admin/users/9", err: repository.ErrUserNotFound, want: http.StatusNotFound},
		{name: "update", method: http.MethodPut, path: "/api/admin/users/9", body: map[string]string{"name": "A", "email": "a@example.com"}, want: http.StatusOK},
		{name: "set inventory", method: http.MethodPut, path: "/api/admin/inventory/3", body: map[string]int64{"quantity": 12}, want: http.StatusOK},
		{name: "negative inventory", method: http.MethodPut, path: "/api/admin/inventory/3", body: map[string]int64{"quantity": -1}, err: service.ErrInvalidQuantity, want: http.StatusBadRequest},
		{name: "inventory unknown avatar", method: http.MethodPut, path: "/api/admin/inventory/3", body: map[string]int64{"quantity": 1}, err: repository.ErrAvatarNotFound, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{mutateErr: tt.err}
			h := newTestHandler(t, svc)

			rec := do(t, h.SetupRouter(), tt.method, tt.path, bearer(t, h, 1, model.RoleAdmin), tt.body)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestEndToEnd_MemoryBackend(t *testing.T) {
	repo := repository.NewSeededMemoryRepository()
	svc := service.NewService(repo, service.Options{
		CooldownWindow: time.Minute,
		WinProbability: 1,
		Rand:           rand.New(rand.NewPCG(3, 4)),
	})
	h := newTestHandler(t, svc)
	r := h.SetupRouter()

	rec := do(t, r, http.MethodPost, "/api/auth/register", "",
		service.UserInput{Name: "Asha", Email: "asha@example.com", Password: "secret1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var auth authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	token := "Bearer " + auth.Token
	userPath := "/api/scratch/" + strconv.FormatInt(auth.User.ID, 10)

	rec = do(t, r, http.MethodPost, userPath, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var scratch scratchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scratch))
	assert.True(t, scratch.Won)

	rec = do(t, r, http.MethodPost, userPath, token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = do(t, r, http.MethodGet, "/api/collections/"+strconv.FormatInt(auth.User.ID, 10), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.Equal(t, []int64{scratch.Avatar.ID}, ids)

	rec = do(t, r, http.MethodGet, "/api/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var board []model.LeaderboardEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	require.Len(t, board, 1)
	assert.Equal(t, int64(1), board[0].CollectedCount)
	assert.Equal(t, 1, board[0].Rank)

	other, err := repo.CreateUser(context.Background(), &model.User{Name: "Ravi", Email: "ravi@example.com", Role: model.RolePlayer})
	require.NoError(t, err)
	rec = do(t, r, http.MethodPost, "/api/scratch/"+strconv.FormatInt(other, 10), token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
