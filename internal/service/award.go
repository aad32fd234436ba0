package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/scratchcard-system/internal/model"
	"github.com/mmeshcher/scratchcard-system/internal/repository"
)

// DefaultMaxCommitAttempts — сколько раз движок пересобирает кандидатов, если выбранный
// аватар закончился между выбором и фиксацией.
const DefaultMaxCommitAttempts = 3

// AwardEngine проводит одну попытку скретч-карты: допуск, выбор кандидата, розыгрыш и фиксацию.
type AwardEngine struct {
	repo           Repository
	cooldown       time.Duration
	winProbability float64
	maxAttempts    int
	now            func() time.Time
	logger         *zap.Logger
	onWin          func(ctx context.Context)

	// rand.Rand не потокобезопасен.
	mu  sync.Mutex
	rng *rand.Rand
}

// NewAwardEngine создаёт движок. rng и now обязательны: тесты передают детерминированный
// источник и фиксированные часы.
func NewAwardEngine(repo Repository, cooldown time.Duration, winProbability float64, rng *rand.Rand, now func() time.Time, logger *zap.Logger) *AwardEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AwardEngine{
		repo:           repo,
		cooldown:       cooldown,
		winProbability: winProbability,
		maxAttempts:    DefaultMaxCommitAttempts,
		now:            now,
		logger:         logger,
		rng:            rng,
	}
}

// CanScratch сообщает, пройдёт ли пользователь проверку допуска прямо сейчас.
func (e *AwardEngine) CanScratch(ctx context.Context, userID int64) (bool, error) {
	u, err := e.repo.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	reason, _ := e.eligibility(u, e.now())
	return reason == "", nil
}

// Attempt выполняет попытку для пользователя. Ожидаемые отказы возвращаются в AwardResult,
// ошибка означает отсутствие пользователя или сбой хранилища.
func (e *AwardEngine) Attempt(ctx context.Context, userID int64) (*model.AwardResult, error) {
	u, err := e.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if reason, retryAfter := e.eligibility(u, now); reason != "" {
		return &model.AwardResult{Rejected: reason, RetryAfter: retryAfter}, nil
	}

	at := now
	if u.LastScratchAt != nil && at.Before(*u.LastScratchAt) {
		at = *u.LastScratchAt
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		candidates, err := e.candidates(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return &model.AwardResult{Rejected: model.RejectNoStockAvailable}, nil
		}

		avatar, won := e.draw(candidates)

		err = e.repo.CommitScratch(ctx, model.ScratchCommit{
			UserID:        userID,
			AvatarID:      avatar.ID,
			Won:           won,
			At:            at,
			PrevScratchAt: u.LastScratchAt,
		})
		switch {
		case err == nil:
			e.logger.Info("scratch committed",
				zap.Int64("userID", userID),
				zap.Int64("avatarID", avatar.ID),
				zap.Bool("won", won),
			)
			if won && e.onWin != nil {
				e.onWin(ctx)
			}
			return &model.AwardResult{Won: won, Avatar: &avatar}, nil

		case errors.Is(err, repository.ErrOutOfStock), errors.Is(err, repository.ErrAlreadyCollected):
			e.logger.Debug("scratch candidate lost race, retrying",
				zap.Int64("userID", userID),
				zap.Int64("avatarID", avatar.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue

		case errors.Is(err, repository.ErrUserBlocked):
			return &model.AwardResult{Rejected: model.RejectAlreadyBlocked}, nil

		case errors.Is(err, repository.ErrCooldownConflict):
			return &model.AwardResult{Rejected: model.RejectCooldown, RetryAfter: e.cooldown}, nil

		default:
			return nil, fmt.Errorf("commit scratch: %w", err)
		}
	}

	return &model.AwardResult{Rejected: model.RejectNoStockAvailable}, nil
}

func (e *AwardEngine) eligibility(u *model.User, now time.Time) (model.RejectReason, time.Duration) {
	if u.IsBlocked || !u.IsActive {
		return model.RejectAlreadyBlocked, 0
	}
	if u.LastScratchAt == nil || u.ScratchGranted {
		return "", 0
	}
	if elapsed := now.Sub(*u.LastScratchAt); elapsed < e.cooldown {
		return model.RejectCooldown, e.cooldown - elapsed
	}
	return "", 0
}

// candidates возвращает активные, ещё не собранные аватары с положительным остатком
// в порядке возрастания идентификатора.
func (e *AwardEngine) candidates(ctx context.Context, userID int64) ([]model.Avatar, error) {
	avatars, err := e.repo.ListActiveAvatars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list avatars: %w", err)
	}

	inventory, err := e.repo.ListInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	stock := make(map[int64]int64, len(inventory))
	for _, it := range inventory {
		stock[it.AvatarID] = it.Quantity
	}

	collected, err := e.repo.ListCollection(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	owned := make(map[int64]struct{}, len(collected))
	for _, id := range collected {
		owned[id] = struct{}{}
	}

	var res []model.Avatar
	for _, a := range avatars {
		if !a.IsActive {
			continue
		}
		if _, ok := owned[a.ID]; ok {
			continue
		}
		if stock[a.ID] <= 0 {
			continue
		}
		res = append(res, a)
	}
	return res, nil
}

// draw выбирает кандидата равновероятно и независимо разыгрывает выигрыш.
func (e *AwardEngine) draw(candidates []model.Avatar) (model.Avatar, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	avatar := candidates[e.rng.IntN(len(candidates))]
	won := e.rng.Float64() < e.winProbability
	return avatar, won
}
