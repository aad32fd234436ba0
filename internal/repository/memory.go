package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/scratchcard-system/internal/model"
)

// DefaultCatalog — каталог аватаров, с которым разворачивается сервис.
var DefaultCatalog = []model.Avatar{
	{ID: 1, Name: "Mayureshwar", Location: "Morgaon", IsActive: true},
	{ID: 2, Name: "Siddhivinayak", Location: "Siddhatek", IsActive: true},
	{ID: 3, Name: "Ballaleshwar", Location: "Pali", IsActive: true},
	{ID: 4, Name: "Varadavinayak", Location: "Mahad", IsActive: true},
	{ID: 5, Name: "Chintamani", Location: "Theur", IsActive: true},
	{ID: 6, Name: "Girijatmaj", Location: "Lenyadri", IsActive: true},
	{ID: 7, Name: "Vighnahar", Location: "Ozar", IsActive: true},
	{ID: 8, Name: "Mahaganapati", Location: "Ranjangaon", IsActive: true},
}

// DefaultStock задаёт начальный остаток каждого аватара.
const DefaultStock = 100

// MemoryRepository хранит данные в памяти процесса. Все операции сериализуются одним мьютексом,
// поэтому CommitScratch атомарен относительно любых других вызовов.
type MemoryRepository struct {
	mu sync.Mutex

	nextUserID  int64
	users       map[int64]*model.User
	avatars     map[int64]model.Avatar
	inventory   map[int64]*model.InventoryItem
	collections map[int64]map[int64]time.Time
	scratches   []model.ScratchRecord
}

// NewMemoryRepository создаёт пустое хранилище без каталога.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[int64]*model.User),
		avatars:     make(map[int64]model.Avatar),
		inventory:   make(map[int64]*model.InventoryItem),
		collections: make(map[int64]map[int64]time.Time),
	}
}

// NewSeededMemoryRepository создаёт хранилище с каталогом по умолчанию.
func NewSeededMemoryRepository() *MemoryRepository {
	r := NewMemoryRepository()
	for _, a := range DefaultCatalog {
		r.AddAvatar(a, DefaultStock)
	}
	return r
}

// AddAvatar добавляет аватар в каталог с указанным остатком.
func (r *MemoryRepository) AddAvatar(a model.Avatar, quantity int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.avatars[a.ID] = a
	r.inventory[a.ID] = &model.InventoryItem{
		AvatarID:  a.ID,
		Name:      a.Name,
		Location:  a.Location,
		Quantity:  quantity,
		UpdatedAt: time.Now(),
	}
}

// Close ничего не освобождает и нужен для соответствия интерфейсу хранилища.
func (r *MemoryRepository) Close() error { return nil }

func copyUser(u *model.User) *model.User {
	c := *u
	if u.LastScratchAt != nil {
		t := *u.LastScratchAt
		c.LastScratchAt = &t
	}
	return &c
}

func (r *MemoryRepository) emailTaken(email string, exceptID int64) bool {
	for _, u := range r.users {
		if u.Email == email && u.ID != exceptID {
			return true
		}
	}
	return false
}

// CreateUser создаёт нового пользователя.
func (r *MemoryRepository) CreateUser(_ context.Context, u *model.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.emailTaken(u.Email, 0) {
		return 0, ErrUserExists
	}

	r.nextUserID++
	stored := copyUser(u)
	stored.ID = r.nextUserID
	stored.IsActive = true
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.users[stored.ID] = stored

	return stored.ID, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *MemoryRepository) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

// ListUsers возвращает всех пользователей, упорядоченных по имени.
func (r *MemoryRepository) ListUsers(_ context.Context) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.User, 0, len(r.users))
	for _, u := range r.users {
		res = append(res, *copyUser(u))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (r *MemoryRepository) player(id int64) (*model.User, error) {
	u, ok := r.users[id]
	if !ok || u.Role != model.RolePlayer {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// UpdateUser обновляет профиль игрока. Пустой passwordHash оставляет пароль прежним.
func (r *MemoryRepository) UpdateUser(_ context.Context, id int64, name, email string, passwordHash []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, err := r.player(id)
	if err != nil {
		return err
	}
	if r.emailTaken(email, id) {
		return ErrUserExists
	}

	u.Name = name
	u.Email = email
	if passwordHash != nil {
		u.PasswordHash = passwordHash
	}
	return nil
}

// DeleteUser удаляет игрока вместе с его коллекцией и журналом попыток.
func (r *MemoryRepository) DeleteUser(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.player(id); err != nil {
		return err
	}

	delete(r.users, id)
	delete(r.collections, id)

	kept := r.scratches[:0]
	for _, s := range r.scratches {
		if s.UserID != id {
			kept = append(kept, s)
		}
	}
	r.scratches = kept

	return nil
}

// SetUserBlocked блокирует или разблокирует игрока.
func (r *MemoryRepository) SetUserBlocked(_ context.Context, id int64, blocked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, err := r.player(id)
	if err != nil {
		return err
	}
	u.IsBlocked = blocked
	return nil
}

// GrantScratch разрешает игроку немедленную попытку.
func (r *MemoryRepository) GrantScratch(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, err := r.player(id)
	if err != nil {
		return err
	}
	u.ScratchGranted = true
	return nil
}

// ListActiveAvatars возвращает активные аватары каталога по возрастанию идентификатора.
func (r *MemoryRepository) ListActiveAvatars(_ context.Context) ([]model.Avatar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Avatar, 0, len(r.avatars))
	for _, a := range r.avatars {
		if a.IsActive {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// ListInventory возвращает остатки активных аватаров.
func (r *MemoryRepository) ListInventory(_ context.Context) ([]model.InventoryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.InventoryItem, 0, len(r.inventory))
	for id, it := range r.inventory {
		if r.avatars[id].IsActive {
			res = append(res, *it)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AvatarID < res[j].AvatarID })
	return res, nil
}

// SetInventory выставляет остаток аватара.
func (r *MemoryRepository) SetInventory(_ context.Context, avatarID, quantity int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.avatars[avatarID]
	if !ok {
		return ErrAvatarNotFound
	}
	r.inventory[avatarID] = &model.InventoryItem{
		AvatarID:  avatarID,
		Name:      a.Name,
		Location:  a.Location,
		Quantity:  quantity,
		UpdatedAt: time.Now(),
	}
	return nil
}

// ListCollection возвращает идентификаторы аватаров, собранных пользователем.
func (r *MemoryRepository) ListCollection(_ context.Context, userID int64) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]int64, 0, len(r.collections[userID]))
	for avatarID := range r.collections[userID] {
		res = append(res, avatarID)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res, nil
}

// CountCollectionsByUser возвращает число собранных аватаров по каждому пользователю.
func (r *MemoryRepository) CountCollectionsByUser(_ context.Context) (map[int64]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make(map[int64]int64, len(r.collections))
	for userID, c := range r.collections {
		if len(c) > 0 {
			res[userID] = int64(len(c))
		}
	}
	return res, nil
}

// CountCollections возвращает общее число записей коллекций.
func (r *MemoryRepository) CountCollections(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, c := range r.collections {
		n += int64(len(c))
	}
	return n, nil
}

// CountScratches возвращает число попыток в полуинтервале [from, to).
func (r *MemoryRepository) CountScratches(_ context.Context, from, to time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, s := range r.scratches {
		if !s.CreatedAt.Before(from) && s.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

// ScratchRecords возвращает копию журнала попыток.
func (r *MemoryRepository) ScratchRecords() []model.ScratchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]model.ScratchRecord(nil), r.scratches...)
}

// CommitScratch атомарно фиксирует попытку. Все проверки выполняются до первой записи,
// поэтому при ошибке состояние не меняется.
func (r *MemoryRepository) CommitScratch(_ context.Context, c model.ScratchCommit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[c.UserID]
	if !ok {
		return ErrUserNotFound
	}
	if u.IsBlocked || !u.IsActive {
		return ErrUserBlocked
	}
	if !sameTime(u.LastScratchAt, c.PrevScratchAt) {
		return ErrCooldownConflict
	}

	var inv *model.InventoryItem
	if c.Won {
		if _, dup := r.collections[c.UserID][c.AvatarID]; dup {
			return ErrAlreadyCollected
		}
		inv, ok = r.inventory[c.AvatarID]
		if !ok || inv.Quantity <= 0 {
			return ErrOutOfStock
		}
	}

	at := c.At
	u.LastScratchAt = &at
	u.ScratchGranted = false

	r.scratches = append(r.scratches, model.ScratchRecord{
		UserID:    c.UserID,
		AvatarID:  c.AvatarID,
		Won:       c.Won,
		CreatedAt: c.At,
	})

	if c.Won {
		if r.collections[c.UserID] == nil {
			r.collections[c.UserID] = make(map[int64]time.Time)
		}
		r.collections[c.UserID][c.AvatarID] = c.At
		inv.Quantity--
		inv.UpdatedAt = c.At
	}

	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
