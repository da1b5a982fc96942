// Пакет db — слой хранения основного состояния: исполнители (аккаунты рассылки)
// и клиенты (проспекты). Работает поверх Postgres через pgx/v5 (pgxpool), без ORM:
// репозитории пишут SQL напрямую и отдают плоские структуры.
//
// Инварианты слоя:
//   - назначение исполнителя клиенту идёт через CAS по active_users (см. users.go),
//     поэтому счётчики исполнителей не разъезжаются при конкурентных назначениях;
//   - generic-доступ к колонкам (GetParam/UpdateParam) ограничен allow-list'ом,
//     имена колонок никогда не подставляются из внешнего ввода напрямую.
package db

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
)

// Статусы исполнителя. Рабочий статус — active; остальные выводят аккаунт из
// ротации назначений до ручного или автоматического восстановления.
const (
	StatusActive            = "active"
	StatusDisconnected      = "disconnected"
	StatusLimited           = "limited"
	StatusForbidden         = "forbidden"
	StatusError             = "error"
	StatusProxyOrAuthFailed = "proxy_or_auth_failed"
)

// Controller владеет пулом соединений и выдаёт репозитории.
// Репозитории stateless: их можно держать сколь угодно долго.
type Controller struct {
	pool      *pgxpool.Pool
	executors *ExecutorsRepo
	users     *UsersRepo
}

// Connect открывает пул соединений и проверяет доступность базы через Ping.
func Connect(ctx context.Context, url string) (*Controller, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "create pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	c := &Controller{pool: pool}
	c.executors = &ExecutorsRepo{pool: pool}
	c.users = &UsersRepo{pool: pool, execs: c.executors}
	return c, nil
}

// Executors возвращает репозиторий исполнителей.
func (c *Controller) Executors() *ExecutorsRepo { return c.executors }

// Users возвращает репозиторий клиентов.
func (c *Controller) Users() *UsersRepo { return c.users }

// Close закрывает пул. После Close репозитории использовать нельзя.
func (c *Controller) Close() {
	c.pool.Close()
}

// Init создаёт схему, если её ещё нет. Идемпотентен, вызывается на старте.
func (c *Controller) Init(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS executors (
    executor_id    BIGINT PRIMARY KEY,
    name           TEXT NOT NULL UNIQUE,
    phone          TEXT,
    api_id         BIGINT NOT NULL,
    api_hash       TEXT NOT NULL,
    session_string TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'active',
    users_total    INT NOT NULL DEFAULT 0,
    active_users   INT NOT NULL DEFAULT 0,
    last_message   BIGINT NOT NULL DEFAULT 0,
    proxy_ip       TEXT,
    proxy_port     INT UNIQUE,
    proxy_type     TEXT NOT NULL DEFAULT 'http',
    proxy_user     TEXT,
    proxy_pass     TEXT,
    UNIQUE (api_id, api_hash)
);

CREATE TABLE IF NOT EXISTS users (
    user_id         BIGINT PRIMARY KEY,
    executor_id     BIGINT REFERENCES executors (executor_id),
    access_hash     BIGINT,
    username        TEXT,
    phone           TEXT,
    display_name    TEXT,
    contact         BOOLEAN NOT NULL DEFAULT FALSE,
    banned          BOOLEAN NOT NULL DEFAULT FALSE,
    crm             BOOLEAN NOT NULL DEFAULT FALSE,
    conversation_id TEXT,
    info            TEXT NOT NULL DEFAULT '',
    summary         TEXT,
    last_message    BIGINT NOT NULL DEFAULT 0,
    problems_count  INT NOT NULL DEFAULT 0,
    problem         BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS ix_users_executor ON users (executor_id);
CREATE INDEX IF NOT EXISTS ix_users_greet ON users (contact, problem) WHERE access_hash IS NOT NULL;
`
	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	logger.Debug("db: schema ensured")
	return nil
}

// executorColumns и userColumns — allow-list'ы для generic-доступа к колонкам.
// Ключ — имя колонки, значение — можно ли её менять через UpdateParam.
var executorColumns = map[string]bool{
	"executor_id":    false,
	"name":           true,
	"phone":          true,
	"api_id":         false,
	"api_hash":       false,
	"session_string": true,
	"status":         true,
	"users_total":    true,
	"active_users":   true,
	"last_message":   true,
	"proxy_ip":       true,
	"proxy_port":     true,
	"proxy_type":     true,
	"proxy_user":     true,
	"proxy_pass":     true,
}

var userColumns = map[string]bool{
	"user_id":         false,
	"executor_id":     true,
	"access_hash":     true,
	"username":        true,
	"phone":           true,
	"display_name":    true,
	"contact":         true,
	"banned":          true,
	"crm":             true,
	"conversation_id": true,
	"info":            true,
	"summary":         true,
	"last_message":    true,
	"problems_count":  true,
	"problem":         true,
}

// checkColumn валидирует имя колонки против allow-list'а таблицы.
// forWrite=true дополнительно требует право на изменение.
func checkColumn(columns map[string]bool, column string, forWrite bool) error {
	writable, ok := columns[column]
	if !ok {
		return errors.Errorf("unknown column %q", column)
	}
	if forWrite && !writable {
		return errors.Errorf("column %q is read-only", column)
	}
	return nil
}
