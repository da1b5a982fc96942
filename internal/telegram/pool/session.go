package pool

import (
	"context"
	"encoding/base64"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"

	"github.com/Erykalkin/Seller-bot/internal/db"
)

// dbSessionStorage реализует session.Storage поверх колонки executors.session_string.
// Сессия хранится в base64, чтобы в SQL-дампах и CLI-выводе не было сырого JSON
// с ключами. gotd сам вызывает StoreSession после каждого логина и смены DC.
type dbSessionStorage struct {
	repo       *db.ExecutorsRepo
	executorID int64
}

func (s *dbSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	raw, err := s.repo.SessionString(ctx, s.executorID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && raw == "") {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode session string")
	}
	return data, nil
}

func (s *dbSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.repo.StoreSessionString(ctx, s.executorID, base64.StdEncoding.EncodeToString(data))
}

// memorySession — временное хранилище для выпуска новой сессии, когда строка в БД
// ещё не существует (executor_id узнаётся только после логина).
type memorySession struct {
	data []byte
}

func (m *memorySession) LoadSession(_ context.Context) ([]byte, error) {
	if len(m.data) == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

func (m *memorySession) StoreSession(_ context.Context, data []byte) error {
	m.data = make([]byte, len(data))
	copy(m.data, data)
	return nil
}

// encodeSession переводит сырые байты сессии в формат хранения.
func encodeSession(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
