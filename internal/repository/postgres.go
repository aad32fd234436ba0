// Package repository содержит реализации хранилища: PostgreSQL и in-memory.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/scratchcard-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже занятым email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrAvatarNotFound возвращается, если аватар отсутствует в каталоге.
	ErrAvatarNotFound = errors.New("avatar not found")
	// ErrOutOfStock возвращается, если остаток аватара закончился к моменту фиксации.
	ErrOutOfStock = errors.New("avatar out of stock")
	// ErrAlreadyCollected возвращается при повторной записи пары (пользователь, аватар).
	ErrAlreadyCollected = errors.New("avatar already collected")
	// ErrCooldownConflict возвращается, если другая попытка успела обновить время последней попытки.
	ErrCooldownConflict = errors.New("scratch cooldown changed concurrently")
	// ErrUserBlocked возвращается, если пользователь заблокирован или деактивирован к моменту фиксации.
	ErrUserBlocked = errors.New("user is blocked")
)

var retryDelays = []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 300 * time.Millisecond}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, дедлоках и обрывах соединения.
// Число повторов ограничено, ожидание прерывается отменой контекста.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const userColumns = `id, name, email, password_hash, role, is_active, is_blocked, last_scratch_at, scratch_granted, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &u.IsActive, &u.IsBlocked,
		&u.LastScratchAt, &u.ScratchGranted, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	return &u, nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, role) VALUES ($1, $2, $3, $4) RETURNING id`,
		u.Name, u.Email, u.PasswordHash, string(u.Role),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListUsers возвращает всех пользователей, упорядоченных по имени.
func (r *PostgresRepository) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateUser обновляет профиль игрока. Пустой passwordHash оставляет пароль прежним.
func (r *PostgresRepository) UpdateUser(ctx context.Context, id int64, name, email string, passwordHash []byte) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET name = $2, email = $3, password_hash = COALESCE($4, password_hash)
		 WHERE id = $1 AND role = $5`,
		id, name, email, passwordHash, string(model.RolePlayer),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return fmt.Errorf("update user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUser удаляет игрока вместе с его коллекцией и журналом попыток.
func (r *PostgresRepository) DeleteUser(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM users WHERE id = $1 AND role = $2`,
		id, string(model.RolePlayer),
	)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetUserBlocked блокирует или разблокирует игрока.
func (r *PostgresRepository) SetUserBlocked(ctx context.Context, id int64, blocked bool) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET is_blocked = $2 WHERE id = $1 AND role = $3`,
		id, blocked, string(model.RolePlayer),
	)
	if err != nil {
		return fmt.Errorf("set user blocked: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GrantScratch разрешает пользователю немедленную попытку, не сдвигая last_scratch_at назад.
func (r *PostgresRepository) GrantScratch(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET scratch_granted = TRUE WHERE id = $1 AND role = $2`,
		id, string(model.RolePlayer),
	)
	if err != nil {
		return fmt.Errorf("grant scratch: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListActiveAvatars возвращает активные аватары каталога по возрастанию идентификатора.
func (r *PostgresRepository) ListActiveAvatars(ctx context.Context) ([]model.Avatar, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, location, is_active FROM avatars WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select avatars: %w", err)
	}
	defer rows.Close()

	var res []model.Avatar
	for rows.Next() {
		var a model.Avatar
		if err := rows.Scan(&a.ID, &a.Name, &a.Location, &a.IsActive); err != nil {
			return nil, fmt.Errorf("scan avatar: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListInventory возвращает остатки активных аватаров.
func (r *PostgresRepository) ListInventory(ctx context.Context) ([]model.InventoryItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ai.avatar_id, a.name, a.location, ai.quantity, ai.updated_at
		 FROM avatar_inventories ai
		 JOIN avatars a ON a.id = ai.avatar_id
		 WHERE a.is_active
		 ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("select inventory: %w", err)
	}
	defer rows.Close()

	var res []model.InventoryItem
	for rows.Next() {
		var it model.InventoryItem
		if err := rows.Scan(&it.AvatarID, &it.Name, &it.Location, &it.Quantity, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		res = append(res, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetInventory выставляет остаток аватара.
func (r *PostgresRepository) SetInventory(ctx context.Context, avatarID, quantity int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO avatar_inventories (avatar_id, quantity, updated_at)
		 SELECT id, $2, now() FROM avatars WHERE id = $1
		 ON CONFLICT (avatar_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`,
		avatarID, quantity,
	)
	if err != nil {
		return fmt.Errorf("set inventory: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAvatarNotFound
	}
	return nil
}

// ListCollection возвращает идентификаторы аватаров, собранных пользователем.
func (r *PostgresRepository) ListCollection(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT avatar_id FROM user_collections WHERE user_id = $1 ORDER BY avatar_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select collection: %w", err)
	}
	defer rows.Close()

	res := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		res = append(res, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountCollectionsByUser возвращает число собранных аватаров по каждому пользователю.
func (r *PostgresRepository) CountCollectionsByUser(ctx context.Context) (map[int64]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, COUNT(*) FROM user_collections GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("count collections: %w", err)
	}
	defer rows.Close()

	res := make(map[int64]int64)
	for rows.Next() {
		var userID, cnt int64
		if err := rows.Scan(&userID, &cnt); err != nil {
			return nil, fmt.Errorf("scan collection count: %w", err)
		}
		res[userID] = cnt
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountCollections возвращает общее число записей коллекций.
func (r *PostgresRepository) CountCollections(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_collections`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count collections: %w", err)
	}
	return n, nil
}

// CountScratches возвращает число попыток в полуинтервале [from, to).
func (r *PostgresRepository) CountScratches(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scratch_records WHERE scratched_at >= $1 AND scratched_at < $2`,
		from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scratches: %w", err)
	}
	return n, nil
}

// CommitScratch атомарно фиксирует попытку: время попытки, запись журнала и, при выигрыше,
// запись коллекции и списание остатка.
func (r *PostgresRepository) CommitScratch(ctx context.Context, c model.ScratchCommit) error {
	return r.withRetry(ctx, func() error {
		return r.commitScratch(ctx, c)
	})
}

func (r *PostgresRepository) commitScratch(ctx context.Context, c model.ScratchCommit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Строка пользователя блокируется до конца транзакции; конкурирующая попытка
	// того же пользователя после фиксации увидит новое last_scratch_at и получит 0 строк.
	cmdTag, err := tx.Exec(ctx,
		`UPDATE users SET last_scratch_at = $2, scratch_granted = FALSE
		 WHERE id = $1 AND last_scratch_at IS NOT DISTINCT FROM $3
		   AND is_active AND NOT is_blocked`,
		c.UserID, c.At, c.PrevScratchAt,
	)
	if err != nil {
		return fmt.Errorf("update last scratch: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return commitConflict(ctx, tx, c.UserID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO scratch_records (user_id, avatar_id, is_won, scratched_at) VALUES ($1, $2, $3, $4)`,
		c.UserID, c.AvatarID, c.Won, c.At,
	)
	if err != nil {
		return fmt.Errorf("insert scratch record: %w", err)
	}

	if c.Won {
		_, err = tx.Exec(ctx,
			`INSERT INTO user_collections (user_id, avatar_id, collected_at) VALUES ($1, $2, $3)`,
			c.UserID, c.AvatarID, c.At,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyCollected
			}
			return fmt.Errorf("insert collection: %w", err)
		}

		cmdTag, err = tx.Exec(ctx,
			`UPDATE avatar_inventories SET quantity = quantity - 1, updated_at = $2
			 WHERE avatar_id = $1 AND quantity > 0`,
			c.AvatarID, c.At,
		)
		if err != nil {
			return fmt.Errorf("decrement inventory: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrOutOfStock
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// commitConflict различает причины, по которым строка пользователя не обновилась.
func commitConflict(ctx context.Context, tx pgx.Tx, userID int64) error {
	var active, blocked bool
	err := tx.QueryRow(ctx, `SELECT is_active, is_blocked FROM users WHERE id = $1`, userID).Scan(&active, &blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("select user state: %w", err)
	}
	if blocked || !active {
		return ErrUserBlocked
	}
	return ErrCooldownConflict
}
