// Пакет peerscache — персистентный кэш access_hash поверх bbolt.
// access_hash в Telegram привязан к паре (аккаунт, пользователь): один и тот же
// клиент виден разным исполнителям под разными хэшами. Поэтому кэш ведётся
// по-бакетно: bucket на исполнителя, внутри user_id → access_hash.
// Основной источник истины — БД; кэш экономит RPC при переподключениях.
package peerscache

import (
	"encoding/binary"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/Erykalkin/Seller-bot/internal/infra/storage"
)

// Cache — обёртка над bbolt-файлом. Потокобезопасность обеспечивает сам bbolt.
type Cache struct {
	db *bolt.DB
}

// Open открывает (или создаёт) файл кэша. Каталог создаётся при необходимости.
func Open(path string) (*Cache, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open peers cache %s", path)
	}
	return &Cache{db: db}, nil
}

// Close закрывает файл кэша.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put сохраняет access_hash пользователя для данного исполнителя.
func (c *Cache) Put(executorID, userID, accessHash int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(i64key(executorID))
		if err != nil {
			return errors.Wrap(err, "create executor bucket")
		}
		return bucket.Put(i64key(userID), i64key(accessHash))
	})
}

// Get возвращает access_hash пользователя у данного исполнителя.
// ok=false означает, что записи нет.
func (c *Cache) Get(executorID, userID int64) (hash int64, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(i64key(executorID))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get(i64key(userID))
		if len(raw) != 8 {
			return nil
		}
		hash = int64(binary.BigEndian.Uint64(raw))
		ok = true
		return nil
	})
	return hash, ok, err
}

// Delete удаляет запись о пользователе у данного исполнителя.
func (c *Cache) Delete(executorID, userID int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(i64key(executorID))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(i64key(userID))
	})
}

// DropExecutor удаляет весь бакет исполнителя (при удалении аккаунта).
func (c *Cache) DropExecutor(executorID int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(i64key(executorID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// i64key кодирует int64 в big-endian ключ: сохраняет порядок сортировки в bbolt.
func i64key(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}
