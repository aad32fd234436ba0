package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/scratchcard-system/internal/cache"
	"github.com/mmeshcher/scratchcard-system/internal/model"
)

// LeaderboardCache хранит готовую таблицу лидеров между запросами.
// Set записывает таблицу, только если версия кэша совпадает с прочитанной до расчёта.
type LeaderboardCache interface {
	Get(ctx context.Context) ([]model.LeaderboardEntry, error)
	Version(ctx context.Context) (int64, error)
	Set(ctx context.Context, version int64, entries []model.LeaderboardEntry) error
	Invalidate(ctx context.Context) error
}

// Aggregator строит таблицу лидеров и сводную статистику. Только читает хранилище.
type Aggregator struct {
	repo     Repository
	cache    LeaderboardCache
	now      func() time.Time
	location *time.Location
	logger   *zap.Logger
}

// NewAggregator создаёт агрегатор. cache может быть nil.
func NewAggregator(repo Repository, c LeaderboardCache, now func() time.Time, loc *time.Location, logger *zap.Logger) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		repo:     repo,
		cache:    c,
		now:      now,
		location: loc,
		logger:   logger,
	}
}

// Leaderboard возвращает таблицу лидеров, по возможности из кэша.
func (a *Aggregator) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	if a.cache == nil {
		return a.ComputeLeaderboard(ctx)
	}

	entries, err := a.cache.Get(ctx)
	if err == nil {
		return entries, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		a.logger.Warn("leaderboard cache read failed", zap.Error(err))
	}

	return a.computeAndStore(ctx)
}

// computeAndStore считает таблицу и кладёт её в кэш. Версия читается до расчёта:
// сброс во время расчёта отменяет запись.
func (a *Aggregator) computeAndStore(ctx context.Context) ([]model.LeaderboardEntry, error) {
	version, verErr := a.cache.Version(ctx)

	entries, err := a.ComputeLeaderboard(ctx)
	if err != nil {
		return nil, err
	}

	if verErr != nil {
		a.logger.Warn("leaderboard cache version read failed", zap.Error(verErr))
		return entries, nil
	}

	if err := a.cache.Set(ctx, version, entries); err != nil {
		if errors.Is(err, cache.ErrStale) {
			a.logger.Debug("leaderboard changed during computation, cache write skipped")
		} else {
			a.logger.Warn("leaderboard cache write failed", zap.Error(err))
		}
	}
	return entries, nil
}

// ComputeLeaderboard строит таблицу лидеров напрямую из хранилища.
func (a *Aggregator) ComputeLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	users, counts, total, err := a.load(ctx)
	if err != nil {
		return nil, err
	}

	var players []model.User
	for _, u := range users {
		if u.Role == model.RolePlayer && u.IsActive && !u.IsBlocked {
			players = append(players, u)
		}
	}

	return rankPlayers(players, counts, total), nil
}

// Refresh пересчитывает таблицу лидеров и записывает её в кэш.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	version, err := a.cache.Version(ctx)
	if err != nil {
		return fmt.Errorf("leaderboard cache version: %w", err)
	}
	entries, err := a.ComputeLeaderboard(ctx)
	if err != nil {
		return err
	}
	if err := a.cache.Set(ctx, version, entries); err != nil && !errors.Is(err, cache.ErrStale) {
		return err
	}
	return nil
}

// Invalidate сбрасывает кэш таблицы лидеров. Ошибка кэша только логируется.
func (a *Aggregator) Invalidate(ctx context.Context) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx); err != nil {
		a.logger.Warn("leaderboard cache invalidation failed", zap.Error(err))
	}
}

// AdminUsers возвращает всех игроков, включая заблокированных, с прогрессом коллекции.
func (a *Aggregator) AdminUsers(ctx context.Context) ([]model.PlayerSummary, error) {
	users, counts, total, err := a.load(ctx)
	if err != nil {
		return nil, err
	}

	res := []model.PlayerSummary{}
	for _, u := range users {
		if u.Role != model.RolePlayer {
			continue
		}
		res = append(res, model.PlayerSummary{
			ID:                   u.ID,
			Name:                 u.Name,
			Email:                u.Email,
			IsBlocked:            u.IsBlocked,
			CreatedAt:            u.CreatedAt,
			CollectedCount:       counts[u.ID],
			TotalAvatars:         total,
			CompletionPercentage: completion(counts[u.ID], total),
		})
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// AdminStats возвращает сводные показатели. Сутки отсчитываются в часовом поясе сервера.
func (a *Aggregator) AdminStats(ctx context.Context) (*model.Stats, error) {
	users, err := a.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var players int64
	for _, u := range users {
		if u.Role == model.RolePlayer && u.IsActive {
			players++
		}
	}

	avatars, err := a.repo.ListActiveAvatars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list avatars: %w", err)
	}

	collections, err := a.repo.CountCollections(ctx)
	if err != nil {
		return nil, err
	}

	from, to := dayBounds(a.now(), a.location)
	scratches, err := a.repo.CountScratches(ctx, from, to)
	if err != nil {
		return nil, err
	}

	return &model.Stats{
		TotalUsers:       players,
		TotalAvatars:     int64(len(avatars)),
		TotalCollections: collections,
		TodayScratches:   scratches,
	}, nil
}

func (a *Aggregator) load(ctx context.Context) ([]model.User, map[int64]int64, int64, error) {
	users, err := a.repo.ListUsers(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("list users: %w", err)
	}

	counts, err := a.repo.CountCollectionsByUser(ctx)
	if err != nil {
		return nil, nil, 0, err
	}

	avatars, err := a.repo.ListActiveAvatars(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("list avatars: %w", err)
	}

	return users, counts, int64(len(avatars)), nil
}

// rankPlayers сортирует игроков по числу аватаров по убыванию, затем по имени и id.
// Ранги идут подряд без пропусков, равные результаты получают разные ранги.
func rankPlayers(players []model.User, counts map[int64]int64, total int64) []model.LeaderboardEntry {
	entries := make([]model.LeaderboardEntry, 0, len(players))
	for _, p := range players {
		entries = append(entries, model.LeaderboardEntry{
			ID:                   p.ID,
			Name:                 p.Name,
			CollectedCount:       counts[p.ID],
			TotalAvatars:         total,
			CompletionPercentage: completion(counts[p.ID], total),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CollectedCount != entries[j].CollectedCount {
			return entries[i].CollectedCount > entries[j].CollectedCount
		}
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ID < entries[j].ID
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

func completion(collected, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(collected) / float64(total) * 100
}

func dayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
