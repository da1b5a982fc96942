package db

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// problemThreshold — число неудачных попыток первого контакта, после которого
// клиент помечается проблемным и навсегда выпадает из очереди приветствий.
const problemThreshold = 5

// Параметры CAS-петли назначения исполнителя.
const (
	assignMaxRetries = 5
	assignRetrySleep = 500 * time.Millisecond
)

// User — клиент (проспект): идентификация в Telegram, привязка к исполнителю
// и рабочее состояние диалога.
type User struct {
	UserID         int64
	ExecutorID     *int64
	AccessHash     *int64
	Username       *string
	Phone          *string
	DisplayName    *string
	Contact        bool
	Banned         bool
	CRM            bool
	ConversationID *string
	Info           string
	Summary        *string
	LastMessage    int64
	ProblemsCount  int
	Problem        bool
}

// UserRef — компактная ссылка на клиента для очередей рассылки.
type UserRef struct {
	UserID     int64
	ExecutorID *int64
	AccessHash *int64
}

// UsersRepo — репозиторий таблицы users.
type UsersRepo struct {
	pool  *pgxpool.Pool
	execs *ExecutorsRepo
}

const userFields = `user_id, executor_id, access_hash, username, phone, display_name,
	contact, banned, crm, conversation_id, info, summary, last_message, problems_count, problem`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.UserID, &u.ExecutorID, &u.AccessHash, &u.Username, &u.Phone, &u.DisplayName,
		&u.Contact, &u.Banned, &u.CRM, &u.ConversationID, &u.Info, &u.Summary,
		&u.LastMessage, &u.ProblemsCount, &u.Problem,
	)
	return u, err
}

// Add вставляет клиента. Повторная вставка того же user_id не ошибка:
// возвращается существующий id без изменения записи.
func (r *UsersRepo) Add(ctx context.Context, u User) (int64, error) {
	if u.LastMessage == 0 {
		u.LastMessage = time.Now().Unix()
	}
	const q = `
INSERT INTO users (user_id, executor_id, access_hash, username, phone, display_name, info, last_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q,
		u.UserID, u.ExecutorID, u.AccessHash, u.Username, u.Phone, u.DisplayName, u.Info, u.LastMessage)
	if err != nil {
		return 0, errors.Wrapf(err, "insert user %d", u.UserID)
	}
	return u.UserID, nil
}

// Delete удаляет клиента по id. Возвращает true, если запись была.
func (r *UsersRepo) Delete(ctx context.Context, userID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE user_id = $1`, userID)
	if err != nil {
		return false, errors.Wrap(err, "delete user")
	}
	return tag.RowsAffected() > 0, nil
}

// Forget очищает рабочее состояние диалога, сохраняя идентификацию
// (user_id, executor_id, access_hash, username, phone, info).
func (r *UsersRepo) Forget(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `
UPDATE users SET contact = FALSE, banned = FALSE, crm = FALSE,
	conversation_id = NULL, summary = NULL, last_message = $2
WHERE user_id = $1`, userID, time.Now().Unix())
	return errors.Wrapf(err, "forget user %d", userID)
}

// RotateDown фиксирует неудачную попытку первого контакта: инкремент
// problems_count, и при достижении порога клиент помечается проблемным.
func (r *UsersRepo) RotateDown(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `
UPDATE users SET problems_count = problems_count + 1,
	problem = (problems_count + 1 >= $2) OR problem
WHERE user_id = $1`, userID, problemThreshold)
	return errors.Wrapf(err, "rotate down user %d", userID)
}

// Get возвращает клиента по id.
func (r *UsersRepo) Get(ctx context.Context, userID int64) (User, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE user_id = $1`, userFields)
	u, err := scanUser(r.pool.QueryRow(ctx, q, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, errors.Wrapf(err, "get user %d", userID)
	}
	return u, nil
}

// Has сообщает, известен ли клиент.
func (r *UsersRepo) Has(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check user")
	}
	return exists, nil
}

// Refs возвращает ссылки (user_id, executor_id, access_hash) на всех клиентов.
func (r *UsersRepo) Refs(ctx context.Context) ([]UserRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, executor_id, access_hash FROM users`)
	if err != nil {
		return nil, errors.Wrap(err, "list user refs")
	}
	defer rows.Close()
	return collectRefs(rows)
}

// IDs возвращает список всех user_id.
func (r *UsersRepo) IDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM users`)
	if err != nil {
		return nil, errors.Wrap(err, "list user ids")
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

// UnassignedIDs возвращает клиентов без исполнителя (кандидаты на назначение).
func (r *UsersRepo) UnassignedIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
SELECT user_id FROM users
WHERE executor_id IS NULL AND problem = FALSE AND banned = FALSE
ORDER BY user_id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unassigned users")
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

// WithoutContact возвращает клиентов, которых ещё не поприветствовали:
// contact = false, не проблемные, access_hash известен. Порядок: сперва те,
// у кого меньше неудачных попыток.
func (r *UsersRepo) WithoutContact(ctx context.Context, limit int) ([]UserRef, error) {
	rows, err := r.pool.Query(ctx, `
SELECT user_id, executor_id, access_hash FROM users
WHERE contact = FALSE AND problem = FALSE AND banned = FALSE AND access_hash IS NOT NULL
ORDER BY problems_count ASC, user_id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list users without contact")
	}
	defer rows.Close()
	return collectRefs(rows)
}

// PopUsersToGreet выбирает пачку кандидатов на приветствие так, чтобы в одной
// волне каждый исполнитель встречался не более одного раза. Внутри исполнителя
// приоритет у клиентов с меньшим problems_count.
func (r *UsersRepo) PopUsersToGreet(ctx context.Context, limit int) ([]UserRef, error) {
	rows, err := r.pool.Query(ctx, `
SELECT user_id, executor_id, access_hash FROM (
	SELECT DISTINCT ON (executor_id) user_id, executor_id, access_hash, problems_count
	FROM users
	WHERE contact = FALSE AND problem = FALSE AND banned = FALSE
		AND access_hash IS NOT NULL AND executor_id IS NOT NULL
	ORDER BY executor_id, problems_count ASC, user_id ASC
) candidates
ORDER BY problems_count ASC, user_id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "pop users to greet")
	}
	defer rows.Close()
	return collectRefs(rows)
}

// Inactive возвращает клиентов, у которых с последнего сообщения прошло больше
// interval. Используется для повторных пингов молчащих диалогов.
func (r *UsersRepo) Inactive(ctx context.Context, interval time.Duration) ([]User, error) {
	cutoff := time.Now().Add(-interval).Unix()
	q := fmt.Sprintf(`SELECT %s FROM users WHERE last_message < $1`, userFields)
	rows, err := r.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list inactive users")
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// TouchLastMessage фиксирует момент последнего сообщения в диалоге с клиентом.
func (r *UsersRepo) TouchLastMessage(ctx context.Context, userID int64, ts int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_message = $2 WHERE user_id = $1`, userID, ts)
	return errors.Wrap(err, "touch user last_message")
}

// AssignExecutor назначает клиенту исполнителя. Если executorID == nil, выбирается
// наименее загруженный активный; гонка за него решается оптимистически: CAS по
// active_users с повтором до assignMaxRetries раз. Возвращает назначенный id.
func (r *UsersRepo) AssignExecutor(ctx context.Context, userID int64, executorID *int64) (int64, error) {
	exists, err := r.Has(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, errors.Errorf("user %d not found", userID)
	}

	// Явное назначение конкретного исполнителя.
	if executorID != nil {
		ex, err := r.execs.Get(ctx, *executorID)
		if err != nil {
			return 0, errors.Wrapf(err, "executor %d", *executorID)
		}
		ok, err := r.execs.TryIncActive(ctx, ex.ExecutorID, ex.ActiveUsers)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errors.Errorf("executor %d is contended, try again", ex.ExecutorID)
		}
		return ex.ExecutorID, r.setExecutor(ctx, userID, ex.ExecutorID)
	}

	// Автовыбор наименее загруженного (CAS-петля).
	for attempt := 0; attempt < assignMaxRetries; attempt++ {
		ex, err := r.execs.PickLeastLoaded(ctx)
		if errors.Is(err, ErrNotFound) {
			return 0, errors.New("no active executors available")
		}
		if err != nil {
			return 0, err
		}

		ok, err := r.execs.TryIncActive(ctx, ex.ExecutorID, ex.ActiveUsers)
		if err != nil {
			return 0, err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(assignRetrySleep):
			}
			continue
		}
		return ex.ExecutorID, r.setExecutor(ctx, userID, ex.ExecutorID)
	}
	return 0, errors.New("failed to assign executor: too much contention")
}

// UnassignExecutor отвязывает клиента от исполнителя и уменьшает его счётчики.
func (r *UsersRepo) UnassignExecutor(ctx context.Context, userID int64) error {
	var current *int64
	err := r.pool.QueryRow(ctx,
		`SELECT executor_id FROM users WHERE user_id = $1`, userID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) || current == nil {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read current executor")
	}

	if err := r.execs.DecActive(ctx, *current); err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE users SET executor_id = NULL WHERE user_id = $1`, userID)
	return errors.Wrapf(err, "unassign user %d", userID)
}

func (r *UsersRepo) setExecutor(ctx context.Context, userID, executorID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET executor_id = $2 WHERE user_id = $1`, userID, executorID)
	return errors.Wrapf(err, "set executor for user %d", userID)
}

// GetParam возвращает значение одной колонки клиента (allow-list, см. db.go).
func (r *UsersRepo) GetParam(ctx context.Context, userID int64, column string) (any, error) {
	if err := checkColumn(userColumns, column, false); err != nil {
		return nil, err
	}
	var value any
	q := fmt.Sprintf(`SELECT %s FROM users WHERE user_id = $1`, column)
	err := r.pool.QueryRow(ctx, q, userID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get user %d param %s", userID, column)
	}
	return value, nil
}

// UpdateParam изменяет одну колонку клиента (только из allow-list'а записи).
func (r *UsersRepo) UpdateParam(ctx context.Context, userID int64, column string, value any) error {
	if err := checkColumn(userColumns, column, true); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE users SET %s = $2 WHERE user_id = $1`, column)
	tag, err := r.pool.Exec(ctx, q, userID, value)
	if err != nil {
		return errors.Wrapf(err, "update user %d param %s", userID, column)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRefs(rows pgx.Rows) ([]UserRef, error) {
	var out []UserRef
	for rows.Next() {
		var ref UserRef
		if err := rows.Scan(&ref.UserID, &ref.ExecutorID, &ref.AccessHash); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
