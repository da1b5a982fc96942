package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
)

// DialogLog пишет транскрипты диалогов по одному текстовому файлу на клиента.
// Это страховка на случай потери серверной conversation: оператор может
// восстановить контекст из файла. Ошибки записи не прерывают диалог.
type DialogLog struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewDialogLog создаёт журнал в каталоге dir, создавая каталог при необходимости.
func NewDialogLog(dir string) (*DialogLog, error) {
	// EnsureDir создаёт родителя пути, поэтому каталог создаём напрямую.
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create dialog dir %s: %w", dir, err)
	}
	return &DialogLog{dir: dir, now: time.Now}, nil
}

// Append дописывает реплику в транскрипт клиента.
// role — USER, ASSISTANT, TOOL или SYSTEM.
func (d *DialogLog) Append(userID int64, role, text string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	path := filepath.Join(d.dir, fmt.Sprintf("%d.txt", userID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("dialog log open failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s: %s\n", d.now().Format(time.RFC3339), role, text)
	if _, err := f.WriteString(line); err != nil {
		logger.Warn("dialog log write failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
