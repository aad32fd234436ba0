// Package handler содержит HTTP-обработчики API сервиса скретч-карт.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/scratchcard-system/internal/middleware"
	"github.com/mmeshcher/scratchcard-system/internal/model"
	"github.com/mmeshcher/scratchcard-system/internal/repository"
	"github.com/mmeshcher/scratchcard-system/internal/service"
	"github.com/mmeshcher/scratchcard-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, in service.UserInput) (*model.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	ListAvatars(ctx context.Context) ([]model.Avatar, error)
	Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error)
	GetCollection(ctx context.Context, sess model.Session, userID int64) ([]model.Avatar, error)
	CanScratch(ctx context.Context, sess model.Session, userID int64) (bool, error)
	AttemptScratch(ctx context.Context, sess model.Session, userID int64) (*model.AwardResult, error)
	AdminUsers(ctx context.Context) ([]model.PlayerSummary, error)
	AddUser(ctx context.Context, in service.UserInput) (*model.User, error)
	UpdateUser(ctx context.Context, id int64, in service.UpdateUserInput) error
	DeleteUser(ctx context.Context, id int64) error
	SetUserBlocked(ctx context.Context, id int64, blocked bool) error
	GrantScratch(ctx context.Context, id int64) error
	Inventory(ctx context.Context) ([]model.InventoryItem, error)
	SetInventory(ctx context.Context, avatarID, quantity int64) error
	AdminStats(ctx context.Context) (*model.Stats, error)
}

// Handler реализует HTTP-обработчики API сервиса скретч-карт.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

var avatarEmoji = map[int64]string{
	1: "🕉️",
	2: "🐘",
	3: "🙏",
	4: "💎",
	5: "🌟",
	6: "🏔️",
	7: "⚡",
	8: "👑",
}

func emojiFor(avatarID int64) string {
	if e, ok := avatarEmoji[avatarID]; ok {
		return e
	}
	return "🕉️"
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	msg := err.Error()

	switch {
	case errors.Is(err, validation.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, service.ErrAccountBlocked):
		status, msg = http.StatusUnauthorized, "Your account has been blocked"
	case errors.Is(err, service.ErrForbidden):
		status, msg = http.StatusForbidden, "Access denied"
	case errors.Is(err, repository.ErrUserNotFound):
		status, msg = http.StatusNotFound, "User not found"
	case errors.Is(err, repository.ErrAvatarNotFound):
		status, msg = http.StatusNotFound, "Avatar not found"
	case errors.Is(err, repository.ErrUserExists):
		status, msg = http.StatusConflict, "Email already exists"
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		status, msg = http.StatusInternalServerError, "Internal server error"
	}

	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Health сообщает, что сервис запущен.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "OK",
		"message": "Scratch card API is running",
	})
}

type userResponse struct {
	ID    int64      `json:"id"`
	Name  string     `json:"name"`
	Email string     `json:"email"`
	Role  model.Role `json:"role"`
}

type authResponse struct {
	Success bool         `json:"success"`
	Token   string       `json:"token"`
	User    userResponse `json:"user"`
}

func (h *Handler) respondWithSession(w http.ResponseWriter, r *http.Request, u *model.User) {
	token, err := h.authMiddleware.IssueToken(u)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, token)
	h.writeJSON(w, http.StatusOK, authResponse{
		Success: true,
		Token:   token,
		User: userResponse{
			ID:    u.ID,
			Name:  u.Name,
			Email: u.Email,
			Role:  u.Role,
		},
	})
}

// Register обрабатывает регистрацию нового игрока.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.UserInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondWithSession(w, r, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и выдаёт токен сессии.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		h.badRequest(w, "Email and password are required")
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondWithSession(w, r, u)
}

// ListAvatars возвращает каталог аватаров вместе с их значками.
func (h *Handler) ListAvatars(w http.ResponseWriter, r *http.Request) {
	avatars, err := h.service.ListAvatars(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]avatarResponse, 0, len(avatars))
	for _, a := range avatars {
		resp = append(resp, toAvatarResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Leaderboard возвращает таблицу лидеров.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Leaderboard(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// GetCollection возвращает идентификаторы аватаров, собранных пользователем.
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	userID, ok := pathID(r, "userID")
	if !ok {
		h.badRequest(w, "Invalid user id")
		return
	}

	avatars, err := h.service.GetCollection(r.Context(), sess, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ids := make([]int64, 0, len(avatars))
	for _, a := range avatars {
		ids = append(ids, a.ID)
	}
	h.writeJSON(w, http.StatusOK, ids)
}

// CanScratch сообщает, может ли пользователь сделать попытку сейчас.
func (h *Handler) CanScratch(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	userID, ok := pathID(r, "userID")
	if !ok {
		h.badRequest(w, "Invalid user id")
		return
	}

	can, err := h.service.CanScratch(r.Context(), sess, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"canScratch": can})
}

type avatarResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Emoji    string `json:"emoji"`
}

func toAvatarResponse(a model.Avatar) avatarResponse {
	return avatarResponse{
		ID:       a.ID,
		Name:     a.Name,
		Location: a.Location,
		Emoji:    emojiFor(a.ID),
	}
}

type scratchResponse struct {
	Success bool           `json:"success"`
	Won     bool           `json:"won"`
	Avatar  avatarResponse `json:"avatar"`
	Message string         `json:"message"`
}

// Scratch выполняет попытку скретч-карты.
func (h *Handler) Scratch(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	userID, ok := pathID(r, "userID")
	if !ok {
		h.badRequest(w, "Invalid user id")
		return
	}

	res, err := h.service.AttemptScratch(r.Context(), sess, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	switch res.Rejected {
	case model.RejectCooldown:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: "Already scratched recently", Reason: string(res.Rejected)})
		return
	case model.RejectNoStockAvailable:
		h.writeJSON(w, http.StatusGone, errorResponse{Error: "No avatars available", Reason: string(res.Rejected)})
		return
	case model.RejectAlreadyBlocked:
		h.writeJSON(w, http.StatusForbidden, errorResponse{Error: "User is blocked", Reason: string(res.Rejected)})
		return
	}

	msg := "Better luck next time! 😔"
	if res.Won {
		msg = "Congratulations! 🎉"
	}
	h.writeJSON(w, http.StatusOK, scratchResponse{
		Success: true,
		Won:     res.Won,
		Avatar:  toAvatarResponse(*res.Avatar),
		Message: msg,
	})
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// AdminUsers возвращает игроков с прогрессом коллекции.
func (h *Handler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.AdminUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, users)
}

type addUserResponse struct {
	Success bool  `json:"success"`
	UserID  int64 `json:"userId"`
}

// AddUser создаёт игрока.
func (h *Handler) AddUser(w http.ResponseWriter, r *http.Request) {
	var req service.UserInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}

	u, err := h.service.AddUser(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, addUserResponse{Success: true, UserID: u.ID})
}

// UpdateUser изменяет профиль игрока.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		h.badRequest(w, "Invalid user id")
		return
	}

	var req service.UpdateUserInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}

	if err := h.service.UpdateUser(r.Context(), userID, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// DeleteUser удаляет игрока.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		h.badRequest(w, "Invalid user id")
		return
	}

	if err := h.service.DeleteUser(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type blockRequest struct {
	Blocked *bool `json:"blocked"`
}

// BlockUser блокирует или разблокирует игрока.
func (h *Handler) BlockUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		h.badRequest(w, "Invalid user id")
		return
	}

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Blocked == nil {
		h.badRequest(w, "Field blocked is required")
		return
	}

	if err := h.service.SetUserBlocked(r.Context(), userID, *req.Blocked); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// AssignScratch выдаёт игроку внеочередную попытку.
func (h *Handler) AssignScratch(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		h.badRequest(w, "Invalid user id")
		return
	}

	if err := h.service.GrantScratch(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Successfully gave user a new scratch card! They can scratch immediately now.",
	})
}

// Inventory возвращает остатки аватаров.
func (h *Handler) Inventory(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.Inventory(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

type inventoryRequest struct {
	Quantity *int64 `json:"quantity"`
}

// SetInventory выставляет остаток аватара.
func (h *Handler) SetInventory(w http.ResponseWriter, r *http.Request) {
	avatarID, ok := pathID(r, "avatarID")
	if !ok {
		h.badRequest(w, "Invalid avatar id")
		return
	}

	var req inventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
		h.badRequest(w, "Field quantity is required")
		return
	}

	if err := h.service.SetInventory(r.Context(), avatarID, *req.Quantity); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// AdminStats возвращает сводные показатели.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.AdminStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}
