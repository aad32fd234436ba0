// Package service реализует бизнес-логику сервиса скретч-карт.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/scratchcard-system/internal/model"
	"github.com/mmeshcher/scratchcard-system/internal/repository"
	"github.com/mmeshcher/scratchcard-system/internal/validation"
)

var (
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountBlocked возвращается при входе заблокированного или неактивного пользователя.
	ErrAccountBlocked = errors.New("account is blocked")
	// ErrForbidden возвращается, если сессия не вправе действовать от имени пользователя.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidQuantity возвращается при отрицательном остатке.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be >= 0", validation.ErrInvalid)
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUser(ctx context.Context, id int64, name, email string, passwordHash []byte) error
	DeleteUser(ctx context.Context, id int64) error
	SetUserBlocked(ctx context.Context, id int64, blocked bool) error
	GrantScratch(ctx context.Context, id int64) error
	ListActiveAvatars(ctx context.Context) ([]model.Avatar, error)
	ListInventory(ctx context.Context) ([]model.InventoryItem, error)
	SetInventory(ctx context.Context, avatarID, quantity int64) error
	ListCollection(ctx context.Context, userID int64) ([]int64, error)
	CountCollectionsByUser(ctx context.Context) (map[int64]int64, error)
	CountCollections(ctx context.Context) (int64, error)
	CountScratches(ctx context.Context, from, to time.Time) (int64, error)
	CommitScratch(ctx context.Context, c model.ScratchCommit) error
}

// UserInput содержит данные для регистрации и создания игрока администратором.
type UserInput struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// UpdateUserInput — данные для изменения игрока. Пустой пароль не меняется.
type UpdateUserInput struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"omitempty,min=6,max=72"`
}

// Options задаёт параметры сервиса. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	CooldownWindow time.Duration
	WinProbability float64
	Rand           *rand.Rand
	Now            func() time.Time
	Location       *time.Location
	Logger         *zap.Logger
	Cache          LeaderboardCache
}

// Service содержит бизнес-логику сервиса скретч-карт.
type Service struct {
	repo       Repository
	engine     *AwardEngine
	aggregator *Aggregator
	logger     *zap.Logger
}

// NewService создаёт сервис поверх хранилища repo.
func NewService(repo Repository, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	agg := NewAggregator(repo, opts.Cache, opts.Now, opts.Location, opts.Logger)
	engine := NewAwardEngine(repo, opts.CooldownWindow, opts.WinProbability, opts.Rand, opts.Now, opts.Logger)
	engine.onWin = agg.Invalidate

	return &Service{
		repo:       repo,
		engine:     engine,
		aggregator: agg,
		logger:     opts.Logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового игрока.
func (s *Service) RegisterUser(ctx context.Context, in UserInput) (*model.User, error) {
	return s.createUser(ctx, in, model.RolePlayer)
}

// AddUser создаёт игрока от имени администратора.
func (s *Service) AddUser(ctx context.Context, in UserInput) (*model.User, error) {
	return s.createUser(ctx, in, model.RolePlayer)
}

func (s *Service) createUser(ctx context.Context, in UserInput, role model.Role) (*model.User, error) {
	in.Email = validation.NormalizeEmail(in.Email)
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	hashed, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	u := &model.User{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hashed,
		Role:         role,
		IsActive:     true,
	}
	id, err := s.repo.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}
	u.ID = id
	s.aggregator.Invalidate(ctx)
	return u, nil
}

// AuthenticateUser проверяет email и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, validation.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !checkPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if u.IsBlocked || !u.IsActive {
		return nil, ErrAccountBlocked
	}

	return u, nil
}

// EnsureAdmin создаёт администратора, если пользователя с таким email ещё нет.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	email = validation.NormalizeEmail(email)
	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return err
	}

	_, err := s.createUser(ctx, UserInput{Name: "Admin", Email: email, Password: password}, model.RoleAdmin)
	if err != nil && !errors.Is(err, repository.ErrUserExists) {
		return fmt.Errorf("ensure admin: %w", err)
	}
	s.logger.Info("admin account ensured", zap.String("email", email))
	return nil
}

func hashPassword(password string) ([]byte, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hashed, nil
}

func checkPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// ListAvatars возвращает активный каталог.
func (s *Service) ListAvatars(ctx context.Context) ([]model.Avatar, error) {
	return s.repo.ListActiveAvatars(ctx)
}

// GetCollection возвращает аватары, собранные пользователем.
func (s *Service) GetCollection(ctx context.Context, sess model.Session, userID int64) ([]model.Avatar, error) {
	if !sess.CanActFor(userID) {
		return nil, ErrForbidden
	}
	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}

	ids, err := s.repo.ListCollection(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owned[id] = struct{}{}
	}

	avatars, err := s.repo.ListActiveAvatars(ctx)
	if err != nil {
		return nil, err
	}
	res := []model.Avatar{}
	for _, a := range avatars {
		if _, ok := owned[a.ID]; ok {
			res = append(res, a)
		}
	}
	return res, nil
}

// CanScratch сообщает, может ли пользователь сделать попытку сейчас.
func (s *Service) CanScratch(ctx context.Context, sess model.Session, userID int64) (bool, error) {
	if !sess.CanActFor(userID) {
		return false, ErrForbidden
	}
	return s.engine.CanScratch(ctx, userID)
}

// AttemptScratch выполняет попытку скретч-карты.
func (s *Service) AttemptScratch(ctx context.Context, sess model.Session, userID int64) (*model.AwardResult, error) {
	if !sess.CanActFor(userID) {
		return nil, ErrForbidden
	}
	return s.engine.Attempt(ctx, userID)
}

// Leaderboard возвращает таблицу лидеров.
func (s *Service) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	return s.aggregator.Leaderboard(ctx)
}

// AdminUsers возвращает игроков с прогрессом коллекции.
func (s *Service) AdminUsers(ctx context.Context) ([]model.PlayerSummary, error) {
	return s.aggregator.AdminUsers(ctx)
}

// AdminStats возвращает сводные показатели.
func (s *Service) AdminStats(ctx context.Context) (*model.Stats, error) {
	return s.aggregator.AdminStats(ctx)
}

// UpdateUser изменяет профиль игрока.
func (s *Service) UpdateUser(ctx context.Context, id int64, in UpdateUserInput) error {
	in.Email = validation.NormalizeEmail(in.Email)
	if err := validation.Struct(in); err != nil {
		return err
	}

	var hashed []byte
	if in.Password != "" {
		var err error
		if hashed, err = hashPassword(in.Password); err != nil {
			return err
		}
	}

	if err := s.repo.UpdateUser(ctx, id, in.Name, in.Email, hashed); err != nil {
		return err
	}
	s.aggregator.Invalidate(ctx)
	return nil
}

// DeleteUser удаляет игрока вместе с коллекцией. Остатки аватаров не возвращаются.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if err := s.repo.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.aggregator.Invalidate(ctx)
	return nil
}

// SetUserBlocked блокирует или разблокирует игрока.
func (s *Service) SetUserBlocked(ctx context.Context, id int64, blocked bool) error {
	if err := s.repo.SetUserBlocked(ctx, id, blocked); err != nil {
		return err
	}
	s.aggregator.Invalidate(ctx)
	s.logger.Info("user block state changed", zap.Int64("userID", id), zap.Bool("blocked", blocked))
	return nil
}

// GrantScratch разрешает пользователю следующую попытку без ожидания.
func (s *Service) GrantScratch(ctx context.Context, id int64) error {
	return s.repo.GrantScratch(ctx, id)
}

// Inventory возвращает остатки аватаров.
func (s *Service) Inventory(ctx context.Context) ([]model.InventoryItem, error) {
	return s.repo.ListInventory(ctx)
}

// SetInventory выставляет остаток аватара.
func (s *Service) SetInventory(ctx context.Context, avatarID, quantity int64) error {
	if quantity < 0 {
		return ErrInvalidQuantity
	}
	return s.repo.SetInventory(ctx, avatarID, quantity)
}

// StartLeaderboardRefresh запускает фоновое обновление кэша таблицы лидеров.
// Без настроенного кэша ничего не делает.
func (s *Service) StartLeaderboardRefresh(ctx context.Context, interval time.Duration) {
	if s.aggregator.cache == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.aggregator.Refresh(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("leaderboard refresh failed", zap.Error(err))
				}
			}
		}
	}()
}
