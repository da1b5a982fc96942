// Пакет source — read-only доступ к внешней базе лидов. Ночной парсер вычитывает
// отсюда целевых пользователей и переносит их в основную базу (см. services/parser).
// Схема внешней базы: users(user_id, username, telephone, name, info, target) и
// messages(user_id, source_link, created_at).
package source

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Prospect — целевой пользователь из внешней базы вместе с последней ссылкой
// на сообщение-источник (нужна для восстановления access_hash через discussion).
type Prospect struct {
	UserID     int64
	Username   *string
	Telephone  *string
	Name       *string
	Info       string
	SourceLink string
}

// Reader — обёртка над пулом соединений к внешней базе.
type Reader struct {
	pool *pgxpool.Pool
}

// Connect открывает пул к внешней базе и проверяет её доступность.
func Connect(ctx context.Context, url string) (*Reader, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "create source pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping source database")
	}
	return &Reader{pool: pool}, nil
}

// Close закрывает пул.
func (r *Reader) Close() {
	r.pool.Close()
}

// TargetProspects возвращает всех пользователей с target = 1, присоединяя к каждому
// самую свежую непустую source_link из messages (может быть пустой строкой, если
// сообщений нет).
func (r *Reader) TargetProspects(ctx context.Context) ([]Prospect, error) {
	const q = `
SELECT u.user_id, u.username, u.telephone, u.name, COALESCE(u.info, ''),
	COALESCE(m.source_link, '')
FROM users u
LEFT JOIN LATERAL (
	SELECT source_link FROM messages
	WHERE user_id = u.user_id AND source_link IS NOT NULL AND source_link <> ''
	ORDER BY created_at DESC LIMIT 1
) m ON TRUE
WHERE u.target = 1`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "query target prospects")
	}
	defer rows.Close()

	var out []Prospect
	for rows.Next() {
		var p Prospect
		if err := rows.Scan(&p.UserID, &p.Username, &p.Telephone, &p.Name, &p.Info, &p.SourceLink); err != nil {
			return nil, errors.Wrap(err, "scan prospect")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
