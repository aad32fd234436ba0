// Package model содержит доменные сущности сервиса скретч-карт.
package model

import "time"

// Role описывает роль пользователя.
type Role string

const (
	RoleAdmin  Role = "admin"
	RolePlayer Role = "player"
)

// User представляет игрока или администратора.
type User struct {
	ID            int64
	Name          string
	Email         string
	PasswordHash  []byte
	Role          Role
	IsActive      bool
	IsBlocked     bool
	LastScratchAt *time.Time
	// ScratchGranted выставляется администратором и позволяет сделать попытку вне окна ожидания.
	ScratchGranted bool
	CreatedAt      time.Time
}

// Avatar описывает коллекционный аватар из каталога.
type Avatar struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	IsActive bool   `json:"isActive"`
}

// InventoryItem содержит остаток аватара, доступный для выигрыша.
type InventoryItem struct {
	AvatarID  int64     `json:"avatarId"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CollectionEntry подтверждает, что пользователь владеет аватаром.
type CollectionEntry struct {
	UserID      int64
	AvatarID    int64
	CollectedAt time.Time
}

// ScratchRecord описывает запись журнала попыток.
type ScratchRecord struct {
	UserID    int64
	AvatarID  int64
	Won       bool
	CreatedAt time.Time
}

// ScratchCommit описывает изменения одной попытки, которые применяются атомарно.
type ScratchCommit struct {
	UserID   int64
	AvatarID int64
	Won      bool
	At       time.Time
	// PrevScratchAt — значение last_scratch_at, прочитанное при проверке допуска.
	PrevScratchAt *time.Time
}

// RejectReason объясняет, почему попытка не была выполнена.
type RejectReason string

const (
	RejectAlreadyBlocked   RejectReason = "ALREADY_BLOCKED"
	RejectCooldown         RejectReason = "COOLDOWN"
	RejectNoStockAvailable RejectReason = "NO_STOCK_AVAILABLE"
)

// AwardResult — итог попытки: либо отказ, либо исход с аватаром.
type AwardResult struct {
	Rejected   RejectReason
	RetryAfter time.Duration
	Won        bool
	Avatar     *Avatar
}

// IsRejected сообщает, была ли попытка отклонена до розыгрыша.
func (r *AwardResult) IsRejected() bool {
	return r.Rejected != ""
}

// LeaderboardEntry описывает строку таблицы лидеров.
type LeaderboardEntry struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	CollectedCount       int64   `json:"collectedCount"`
	TotalAvatars         int64   `json:"totalAvatars"`
	CompletionPercentage float64 `json:"completionPercentage"`
	Rank                 int     `json:"rank"`
}

// PlayerSummary содержит данные игрока для панели администратора.
type PlayerSummary struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	Email                string    `json:"email"`
	IsBlocked            bool      `json:"isBlocked"`
	CreatedAt            time.Time `json:"createdAt"`
	CollectedCount       int64     `json:"collectedCount"`
	TotalAvatars         int64     `json:"totalAvatars"`
	CompletionPercentage float64   `json:"completionPercentage"`
}

// Stats содержит сводные показатели для администратора.
type Stats struct {
	TotalUsers       int64 `json:"totalUsers"`
	TotalAvatars     int64 `json:"totalAvatars"`
	TotalCollections int64 `json:"totalCollections"`
	TodayScratches   int64 `json:"todayScratches"`
}

// Session описывает аутентифицированного вызывающего.
type Session struct {
	UserID int64
	Role   Role
}

// IsAdmin сообщает, обладает ли сессия правами администратора.
func (s Session) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// CanActFor разрешает действие над пользователем самому пользователю и администратору.
func (s Session) CanActFor(userID int64) bool {
	return s.IsAdmin() || s.UserID == userID
}
