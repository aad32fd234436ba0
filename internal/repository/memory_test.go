package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/scratchcard-system/internal/model"
)

func TestMemoryRepository_Users(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	id, err := r.CreateUser(ctx, &model.User{Name: "Asha", Email: "asha@example.com", Role: model.RolePlayer})
	require.NoError(t, err)

	_, err = r.CreateUser(ctx, &model.User{Name: "Other", Email: "asha@example.com", Role: model.RolePlayer})
	assert.ErrorIs(t, err, ErrUserExists)

	u, err := r.GetUserByEmail(ctx, "asha@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.True(t, u.IsActive)
	assert.Nil(t, u.LastScratchAt)

	require.NoError(t, r.UpdateUser(ctx, id, "Asha K", "asha.k@example.com", nil))
	u, err = r.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Asha K", u.Name)

	_, err = r.GetUserByID(ctx, id+1)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryRepository_AdminOperationsOnlyTouchPlayers(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	adminID, err := r.CreateUser(ctx, &model.User{Name: "Root", Email: "root@example.com", Role: model.RoleAdmin})
	require.NoError(t, err)

	assert.ErrorIs(t, r.SetUserBlocked(ctx, adminID, true), ErrUserNotFound)
	assert.ErrorIs(t, r.DeleteUser(ctx, adminID), ErrUserNotFound)
	assert.ErrorIs(t, r.UpdateUser(ctx, adminID, "x", "x@example.com", nil), ErrUserNotFound)
	assert.ErrorIs(t, r.GrantScratch(ctx, adminID), ErrUserNotFound)

	u, err := r.GetUserByID(ctx, adminID)
	require.NoError(t, err)
	assert.False(t, u.ScratchGranted)
}

func TestMemoryRepository_CommitScratch(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	newRepo := func(t *testing.T, stock int64) (*MemoryRepository, int64) {
		r := NewMemoryRepository()
		r.AddAvatar(model.Avatar{ID: 1, Name: "Mayureshwar", IsActive: true}, stock)
		id, err := r.CreateUser(ctx, &model.User{Name: "Asha", Email: "asha@example.com", Role: model.RolePlayer})
		require.NoError(t, err)
		return r, id
	}

	t.Run("win applies every effect", func(t *testing.T) {
		r, id := newRepo(t, 2)

		require.NoError(t, r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, Won: true, At: at}))

		inv, err := r.ListInventory(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), inv[0].Quantity)

		collected, err := r.ListCollection(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, collected)
		assert.Len(t, r.ScratchRecords(), 1)
	})

	t.Run("stale cooldown is rejected without effects", func(t *testing.T) {
		r, id := newRepo(t, 2)
		require.NoError(t, r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, Won: false, At: at}))

		err := r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, Won: true, At: at.Add(time.Minute)})
		assert.ErrorIs(t, err, ErrCooldownConflict)
		assert.Len(t, r.ScratchRecords(), 1)

		n, err := r.CountCollections(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("out of stock leaves cooldown untouched", func(t *testing.T) {
		r, id := newRepo(t, 0)

		err := r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, Won: true, At: at})
		assert.ErrorIs(t, err, ErrOutOfStock)

		u, err := r.GetUserByID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, u.LastScratchAt)
		assert.Empty(t, r.ScratchRecords())
	})

	t.Run("duplicate collection", func(t *testing.T) {
		r, id := newRepo(t, 5)
		require.NoError(t, r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, Won: true, At: at}))

		prev := at
		err := r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, Won: true, At: at.Add(time.Hour), PrevScratchAt: &prev})
		assert.ErrorIs(t, err, ErrAlreadyCollected)

		inv, err := r.ListInventory(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), inv[0].Quantity)
	})

	t.Run("user blocked after eligibility check", func(t *testing.T) {
		r, id := newRepo(t, 5)
		require.NoError(t, r.SetUserBlocked(ctx, id, true))

		err := r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, Won: true, At: at})
		assert.ErrorIs(t, err, ErrUserBlocked)

		inv, err := r.ListInventory(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), inv[0].Quantity)
		assert.Empty(t, r.ScratchRecords())

		u, err := r.GetUserByID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, u.LastScratchAt)
	})

	t.Run("grant is cleared by the next scratch", func(t *testing.T) {
		r, id := newRepo(t, 5)
		require.NoError(t, r.GrantScratch(ctx, id))

		require.NoError(t, r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, At: at}))

		u, err := r.GetUserByID(ctx, id)
		require.NoError(t, err)
		assert.False(t, u.ScratchGranted)
	})
}

func TestMemoryRepository_DeleteUserCascades(t *testing.T) {
	ctx := context.Background()
	r := NewSeededMemoryRepository()
	id, err := r.CreateUser(ctx, &model.User{Name: "Asha", Email: "asha@example.com", Role: model.RolePlayer})
	require.NoError(t, err)
	require.NoError(t, r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 3, Won: true, At: time.Now()}))

	require.NoError(t, r.DeleteUser(ctx, id))

	n, err := r.CountCollections(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, r.ScratchRecords())

	inv, err := r.ListInventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultStock-1), inv[2].Quantity)
}

func TestMemoryRepository_CountScratchesHalfOpen(t *testing.T) {
	ctx := context.Background()
	r := NewSeededMemoryRepository()
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{day.Add(-time.Nanosecond), day, day.Add(23 * time.Hour), day.Add(24 * time.Hour)} {
		id, err := r.CreateUser(ctx, &model.User{Name: "p", Email: string(rune('a'+i)) + "@example.com", Role: model.RolePlayer})
		require.NoError(t, err)
		require.NoError(t, r.CommitScratch(ctx, model.ScratchCommit{UserID: id, AvatarID: 1, At: at}))
	}

	n, err := r.CountScratches(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
