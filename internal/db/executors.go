package db

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Erykalkin/Seller-bot/internal/shared"
)

// Диапазон портов общего прокси. Каждому исполнителю выдаётся уникальный порт,
// через который внешний прокси-сервер раздаёт разные исходящие адреса.
const (
	ProxyPortMin = 10001
	ProxyPortMax = 19999
)

// Executor — аккаунт рассылки: учётные данные MTProto, сессия, прокси и счётчики нагрузки.
type Executor struct {
	ExecutorID    int64
	Name          string
	Phone         *string
	APIID         int64
	APIHash       string
	SessionString string
	Status        string
	UsersTotal    int
	ActiveUsers   int
	LastMessage   int64
	ProxyIP       *string
	ProxyPort     *int
	ProxyType     string
	ProxyUser     *string
	ProxyPass     *string
}

// ExecutorsRepo — репозиторий таблицы executors.
type ExecutorsRepo struct {
	pool *pgxpool.Pool
}

const executorFields = `executor_id, name, phone, api_id, api_hash, session_string, status,
	users_total, active_users, last_message, proxy_ip, proxy_port, proxy_type, proxy_user, proxy_pass`

func scanExecutor(row pgx.Row) (Executor, error) {
	var e Executor
	err := row.Scan(
		&e.ExecutorID, &e.Name, &e.Phone, &e.APIID, &e.APIHash, &e.SessionString, &e.Status,
		&e.UsersTotal, &e.ActiveUsers, &e.LastMessage,
		&e.ProxyIP, &e.ProxyPort, &e.ProxyType, &e.ProxyUser, &e.ProxyPass,
	)
	return e, err
}

// ErrNotFound возвращается, когда запрошенной записи нет.
var ErrNotFound = errors.New("db: not found")

// Add вставляет нового исполнителя. Имя, api_id и api_hash обязательны; дубликаты
// по имени, паре api_id+api_hash и порту отклоняются уникальными ограничениями.
// Если порт не задан, выдаётся свободный из диапазона.
func (r *ExecutorsRepo) Add(ctx context.Context, e Executor) (int64, error) {
	if e.Name == "" || e.APIID == 0 || e.APIHash == "" {
		return 0, errors.New("name, api_id and api_hash are required")
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.ProxyType == "" {
		e.ProxyType = "http"
	}
	if e.LastMessage == 0 {
		e.LastMessage = time.Now().Unix()
	}
	if e.ProxyPort == nil {
		port, err := r.FreePort(ctx, "random")
		if err != nil {
			return 0, err
		}
		e.ProxyPort = &port
	}

	const q = `
INSERT INTO executors (executor_id, name, phone, api_id, api_hash, session_string, status,
	last_message, proxy_ip, proxy_port, proxy_type, proxy_user, proxy_pass)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING executor_id`
	var id int64
	err := r.pool.QueryRow(ctx, q,
		e.ExecutorID, e.Name, e.Phone, e.APIID, e.APIHash, e.SessionString, e.Status,
		e.LastMessage, e.ProxyIP, e.ProxyPort, e.ProxyType, e.ProxyUser, e.ProxyPass,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "insert executor %q", e.Name)
	}
	return id, nil
}

// Delete удаляет исполнителя по id или имени. Возвращает true, если запись была.
func (r *ExecutorsRepo) Delete(ctx context.Context, executorID int64, name string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM executors WHERE executor_id = $1 OR name = $2`, executorID, name)
	if err != nil {
		return false, errors.Wrap(err, "delete executor")
	}
	return tag.RowsAffected() > 0, nil
}

// Has сообщает, существует ли исполнитель с данным id.
func (r *ExecutorsRepo) Has(ctx context.Context, executorID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM executors WHERE executor_id = $1)`, executorID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check executor")
	}
	return exists, nil
}

// Get возвращает исполнителя по id.
func (r *ExecutorsRepo) Get(ctx context.Context, executorID int64) (Executor, error) {
	q := fmt.Sprintf(`SELECT %s FROM executors WHERE executor_id = $1`, executorFields)
	e, err := scanExecutor(r.pool.QueryRow(ctx, q, executorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Executor{}, ErrNotFound
	}
	if err != nil {
		return Executor{}, errors.Wrapf(err, "get executor %d", executorID)
	}
	return e, nil
}

// GetByName возвращает исполнителя по имени.
func (r *ExecutorsRepo) GetByName(ctx context.Context, name string) (Executor, error) {
	q := fmt.Sprintf(`SELECT %s FROM executors WHERE name = $1`, executorFields)
	e, err := scanExecutor(r.pool.QueryRow(ctx, q, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Executor{}, ErrNotFound
	}
	if err != nil {
		return Executor{}, errors.Wrapf(err, "get executor %q", name)
	}
	return e, nil
}

// List возвращает всех исполнителей, отсортированных по имени.
func (r *ExecutorsRepo) List(ctx context.Context) ([]Executor, error) {
	q := fmt.Sprintf(`SELECT %s FROM executors ORDER BY name ASC`, executorFields)
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "list executors")
	}
	defer rows.Close()

	var out []Executor
	for rows.Next() {
		e, err := scanExecutor(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan executor")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// IDs возвращает список всех executor_id.
func (r *ExecutorsRepo) IDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT executor_id FROM executors`)
	if err != nil {
		return nil, errors.Wrap(err, "list executor ids")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UsedPorts возвращает множество занятых прокси-портов.
func (r *ExecutorsRepo) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	rows, err := r.pool.Query(ctx, `SELECT proxy_port FROM executors WHERE proxy_port IS NOT NULL`)
	if err != nil {
		return nil, errors.Wrap(err, "list used ports")
	}
	defer rows.Close()

	used := make(map[int]struct{})
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		used[port] = struct{}{}
	}
	return used, rows.Err()
}

// FreePort выдаёт свободный порт из диапазона [ProxyPortMin, ProxyPortMax].
// mode: "sequential" — первый свободный, "random" — случайный свободный.
// Если свободных нет, возвращает ProxyPortMin (конфликт всплывёт на UNIQUE).
func (r *ExecutorsRepo) FreePort(ctx context.Context, mode string) (int, error) {
	used, err := r.UsedPorts(ctx)
	if err != nil {
		return 0, err
	}

	free := make([]int, 0, ProxyPortMax-ProxyPortMin+1)
	for p := ProxyPortMin; p <= ProxyPortMax; p++ {
		if _, busy := used[p]; !busy {
			free = append(free, p)
		}
	}
	if len(free) == 0 {
		return ProxyPortMin, nil
	}

	switch mode {
	case "random":
		return free[shared.Random(0, len(free)-1)], nil
	default:
		return free[0], nil
	}
}

// PickLeastLoaded возвращает активного исполнителя с минимальным active_users.
// При равенстве выбирается меньший executor_id, чтобы выбор был детерминирован.
func (r *ExecutorsRepo) PickLeastLoaded(ctx context.Context) (Executor, error) {
	q := fmt.Sprintf(`SELECT %s FROM executors WHERE status = $1
ORDER BY active_users ASC, executor_id ASC LIMIT 1`, executorFields)
	e, err := scanExecutor(r.pool.QueryRow(ctx, q, StatusActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return Executor{}, ErrNotFound
	}
	if err != nil {
		return Executor{}, errors.Wrap(err, "pick least loaded executor")
	}
	return e, nil
}

// TryIncActive атомарно увеличивает active_users и users_total, но только если
// active_users всё ещё равен expected. Возвращает false при проигранной гонке.
func (r *ExecutorsRepo) TryIncActive(ctx context.Context, executorID int64, expected int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE executors SET active_users = active_users + 1, users_total = users_total + 1
WHERE executor_id = $1 AND active_users = $2`, executorID, expected)
	if err != nil {
		return false, errors.Wrap(err, "inc active users")
	}
	return tag.RowsAffected() > 0, nil
}

// DecActive симметрично уменьшает счётчики, не опуская их ниже нуля.
func (r *ExecutorsRepo) DecActive(ctx context.Context, executorID int64) error {
	_, err := r.pool.Exec(ctx, `
UPDATE executors SET active_users = active_users - 1, users_total = users_total - 1
WHERE executor_id = $1 AND active_users > 0 AND users_total > 0`, executorID)
	if err != nil {
		return errors.Wrap(err, "dec active users")
	}
	return nil
}

// SetStatus выставляет статус исполнителя.
func (r *ExecutorsRepo) SetStatus(ctx context.Context, executorID int64, status string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE executors SET status = $2 WHERE executor_id = $1`, executorID, status)
	if err != nil {
		return errors.Wrapf(err, "set executor %d status %q", executorID, status)
	}
	return nil
}

// TouchLastMessage фиксирует момент последней исходящей отправки исполнителя.
func (r *ExecutorsRepo) TouchLastMessage(ctx context.Context, executorID int64, ts int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE executors SET last_message = $2 WHERE executor_id = $1`, executorID, ts)
	return errors.Wrap(err, "touch executor last_message")
}

// SessionString возвращает сохранённую MTProto-сессию исполнителя.
func (r *ExecutorsRepo) SessionString(ctx context.Context, executorID int64) (string, error) {
	var s string
	err := r.pool.QueryRow(ctx,
		`SELECT session_string FROM executors WHERE executor_id = $1`, executorID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "load session for executor %d", executorID)
	}
	return s, nil
}

// StoreSessionString сохраняет MTProto-сессию исполнителя.
func (r *ExecutorsRepo) StoreSessionString(ctx context.Context, executorID int64, session string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE executors SET session_string = $2 WHERE executor_id = $1`, executorID, session)
	return errors.Wrapf(err, "store session for executor %d", executorID)
}

// GetParam возвращает значение одной колонки исполнителя. Имя колонки проверяется
// по allow-list'у; подстановка в SQL идёт только после валидации.
func (r *ExecutorsRepo) GetParam(ctx context.Context, executorID int64, column string) (any, error) {
	if err := checkColumn(executorColumns, column, false); err != nil {
		return nil, err
	}
	var value any
	q := fmt.Sprintf(`SELECT %s FROM executors WHERE executor_id = $1`, column)
	err := r.pool.QueryRow(ctx, q, executorID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get executor %d param %s", executorID, column)
	}
	return value, nil
}

// UpdateParam изменяет одну колонку исполнителя (только из allow-list'а записи).
func (r *ExecutorsRepo) UpdateParam(ctx context.Context, executorID int64, column string, value any) error {
	if err := checkColumn(executorColumns, column, true); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE executors SET %s = $2 WHERE executor_id = $1`, column)
	tag, err := r.pool.Exec(ctx, q, executorID, value)
	if err != nil {
		return errors.Wrapf(err, "update executor %d param %s", executorID, column)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
