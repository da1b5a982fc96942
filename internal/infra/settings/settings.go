// Пакет settings — оперативные параметры диалогов и рассылки с горячей перезагрузкой.
// В отличие от config (.env, секреты, перезапуск при изменении), эти значения живут
// в JSON-файле и могут правиться на лету: при каждом чтении проверяется mtime файла,
// при изменении конфиг перечитывается. Запись выполняется атомарно (temp + rename),
// неизвестные ключи отклоняются, значения проходят типовую валидацию.
package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/Erykalkin/Seller-bot/internal/infra/config"
	"github.com/Erykalkin/Seller-bot/internal/infra/storage"
	"github.com/Erykalkin/Seller-bot/internal/infra/timeutil"
)

// Settings — снимок всех оперативных параметров. Поля соответствуют ключам JSON.
type Settings struct {
	// BufferTime — минимальная пауза тишины (сек), после которой накопленный
	// буфер сообщений клиента считается завершённой репликой.
	BufferTime float64 `json:"BUFFER_TIME"`
	// Delay — верхняя граница случайной паузы (сек) перед началом «печатает...».
	Delay float64 `json:"DELAY"`
	// TypingDelay — секунды имитации набора на один символ ответа.
	TypingDelay float64 `json:"TYPING_DELAY"`
	// InactivityTimeout — секунды тишины клиента до повторного пинга ассистентом.
	InactivityTimeout int `json:"INACTIVITY_TIMEOUT"`
	// GreetPeriod — длительность окна (сек) одной волны приветствий.
	GreetPeriod int `json:"GREET_PERIOD"`
	// UpdateDBPeriod — период (сек) между проходами ночного приёма лидов.
	UpdateDBPeriod int `json:"UPDATE_BD_PERIOD"`
	// FloodWait — базовая пауза (сек) при серверном сигнале о превышении лимитов.
	FloodWait int `json:"FLOOD_WAIT"`
	// Timezone — таймзона дневного окна рассылки.
	Timezone string `json:"TIMEZONE"`
	// Morning и Night — границы дневного окна, часы локального времени включительно.
	Morning int `json:"MORNING"`
	Night   int `json:"NIGHT"`
	// SecondGreet — слать ли повторные приветствия raw-путём первого контакта.
	SecondGreet bool `json:"SECOND_GREET"`
}

// defaults возвращает параметры по умолчанию; применяются для отсутствующих ключей.
func defaults() Settings {
	return Settings{
		BufferTime:        6.0,
		Delay:             5.0,
		TypingDelay:       0.3,
		InactivityTimeout: 50,
		GreetPeriod:       300,
		UpdateDBPeriod:    100,
		FloodWait:         1000,
		Timezone:          "Europe/Moscow",
		Morning:           9,
		Night:             21,
		SecondGreet:       false,
	}
}

// Location возвращает таймзону дневного окна рассылки. Ключ TIMEZONE валидируется
// при записи, поэтому откат на таймзону приложения возможен только при отсутствии
// tzdata в окружении.
func (s Settings) Location() *time.Location {
	loc, err := timeutil.ParseLocation(s.Timezone)
	if err != nil {
		return config.AppLocation
	}
	return loc
}

// Store хранит текущие настройки и следит за файлом.
// Потокобезопасен: Get/Update сериализуются мьютексом.
type Store struct {
	mu    sync.Mutex
	path  string
	data  Settings
	mtime time.Time
}

// Open создаёт Store и выполняет первичную загрузку. Отсутствующий файл не является
// ошибкой: применяются значения по умолчанию, файл появится при первом Update.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get возвращает актуальный снимок настроек, перечитывая файл при изменении mtime.
// Ошибки перечитывания не фатальны: остаётся последний валидный снимок.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	return s.data
}

// Update применяет изменения из updates (ключи JSON → новые значения), валидирует их,
// атомарно пишет файл и обновляет память. Неизвестный ключ или значение неверного
// типа отклоняют весь батч без записи. Возвращает итоговый снимок.
func (s *Store) Update(updates map[string]any) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeReloadLocked()
	next := s.data
	for key, value := range updates {
		if err := applyPair(&next, key, value); err != nil {
			return s.data, err
		}
	}

	content, err := json.MarshalIndent(next, "", "    ")
	if err != nil {
		return s.data, fmt.Errorf("marshal settings: %w", err)
	}
	if err := storage.AtomicWriteFile(s.path, content); err != nil {
		return s.data, fmt.Errorf("write settings file: %w", err)
	}

	s.data = next
	if info, statErr := os.Stat(s.path); statErr == nil {
		s.mtime = info.ModTime()
	}
	return s.data, nil
}

// Set — одиночное изменение, обёртка над Update.
func (s *Store) Set(key string, value any) (Settings, error) {
	return s.Update(map[string]any{key: value})
}

// Keys возвращает список допустимых ключей в стабильном порядке (для CLI-подсказок).
func Keys() []string {
	return []string{
		"BUFFER_TIME", "DELAY", "TYPING_DELAY", "INACTIVITY_TIMEOUT",
		"GREET_PERIOD", "UPDATE_BD_PERIOD", "FLOOD_WAIT",
		"TIMEZONE", "MORNING", "NIGHT", "SECOND_GREET",
	}
}

// loadLocked читает файл с диска, накладывает значения поверх дефолтов и валидирует.
// Вызывается под mu (или до публикации Store).
func (s *Store) loadLocked() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = defaults()
			s.mtime = time.Time{}
			return nil
		}
		return fmt.Errorf("read settings file: %w", err)
	}

	var partial map[string]any
	if err := json.Unmarshal(raw, &partial); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	next := defaults()
	for key, value := range partial {
		if err := applyPair(&next, key, value); err != nil {
			return fmt.Errorf("settings file %s: %w", s.path, err)
		}
	}

	s.data = next
	if info, statErr := os.Stat(s.path); statErr == nil {
		s.mtime = info.ModTime()
	}
	return nil
}

// maybeReloadLocked перечитывает файл, если его mtime изменился с прошлого чтения.
func (s *Store) maybeReloadLocked() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if info.ModTime().Equal(s.mtime) {
		return
	}
	// Невалидный файл не должен ломать рантайм: оставляем предыдущий снимок.
	_ = s.loadLocked()
}

// applyPair валидирует пару ключ/значение и записывает её в snapshot.
// Значения приходят как any (из JSON или из CLI), числовые — как float64.
func applyPair(s *Settings, key string, value any) error {
	switch key {
	case "BUFFER_TIME":
		return setFloat(&s.BufferTime, key, value)
	case "DELAY":
		return setFloat(&s.Delay, key, value)
	case "TYPING_DELAY":
		return setFloat(&s.TypingDelay, key, value)
	case "INACTIVITY_TIMEOUT":
		return setInt(&s.InactivityTimeout, key, value)
	case "GREET_PERIOD":
		return setInt(&s.GreetPeriod, key, value)
	case "UPDATE_BD_PERIOD":
		return setInt(&s.UpdateDBPeriod, key, value)
	case "FLOOD_WAIT":
		return setInt(&s.FloodWait, key, value)
	case "TIMEZONE":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("TIMEZONE must be a string, got %T", value)
		}
		if _, err := timeutil.ParseLocation(str); err != nil {
			return fmt.Errorf("TIMEZONE: %w", err)
		}
		s.Timezone = str
		return nil
	case "MORNING":
		return setInt(&s.Morning, key, value)
	case "NIGHT":
		return setInt(&s.Night, key, value)
	case "SECOND_GREET":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("SECOND_GREET must be a boolean, got %T", value)
		}
		s.SecondGreet = b
		return nil
	default:
		return fmt.Errorf("unknown setting: %s", key)
	}
}

func setFloat(dst *float64, key string, value any) error {
	f, ok := toFloat(value)
	if !ok {
		return fmt.Errorf("%s must be a number, got %T", key, value)
	}
	*dst = f
	return nil
}

func setInt(dst *int, key string, value any) error {
	f, ok := toFloat(value)
	if !ok {
		return fmt.Errorf("%s must be a number, got %T", key, value)
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("%s must be an integer, got %v", key, value)
	}
	*dst = int(f)
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
