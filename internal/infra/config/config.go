// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (мультиаккаунтный MTProto-бот рассылки). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет доступ к результатам через singleton.
//
// Бизнес-контекст: окружение содержит секреты и точки подключения (Postgres с
// исполнителями и клиентами, внешняя база лидов, OpenAI-совместимый API,
// форма amoCRM, общий прокси), а также «ручки» логирования и скоростных лимитов.
// Оперативные параметры диалогов (BUFFER_TIME, DELAY и т.п.) живут отдельно в
// JSON-файле с горячей перезагрузкой, см. пакет settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Erykalkin/Seller-bot/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: строки подключения, ключи внешних API, пути файлов и лимиты.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	// Основная база: executors + users.
	DatabaseURL string
	// Внешняя БД лидов (источник для ночного парсера). Пустая строка — парсер выключен.
	SourceDatabaseURL string
	// OpenAI-совместимый API ассистента.
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	// Форма amoCRM для передачи лида менеджерам.
	CRMFormID  string
	CRMFormHash string
	CRMReferer string
	// Общий прокси: каждому исполнителю выдаётся свой порт, хост и учётка общие.
	ProxyIP   string
	ProxyUser string
	ProxyPass string
	// Файлы данных.
	ConfigFile     string
	PromptFile     string
	LinksFile      string
	CatalogFile    string
	DialogDir      string
	PeersCacheFile string
	// Логирование и лимиты.
	LogLevel    string
	ThrottleRPS int
	TestDC      bool
	AppTimezone string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock. Env после загрузки
// неизменяем, поэтому геттеры отдают значение без копирования.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultThrottleRPS    = 10
	defaultLogLevel       = "info"
	defaultOpenAIModel    = "gpt-4o"
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultAppTimezone    = "Europe/Moscow"
	defaultConfigFile     = "data/config.json"
	defaultPromptFile     = "data/prompt.txt"
	defaultLinksFile      = "data/links.json"
	defaultCatalogFile    = "data/catalog"
	defaultDialogDir      = "data/dialogs"
	defaultPeersCacheFile = "data/peers_cache.bbolt"
	// Файловое логирование (LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — таймзона процесса; дневное окно рассылки считается по ключу
// TIMEZONE оперативных настроек, AppLocation остаётся запасным вариантом.
var AppLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове читает .env, формирует EnvConfig и фиксирует результат в
// singleton cfgInstance. Повторный вызов запрещен (возвращается ошибка), чтобы
// избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	cfgInstance = newCfg
	cfgDone = true
	return err
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	dbURL := strings.TrimSpace(os.Getenv("DB_URL"))
	if dbURL == "" {
		return nil, errors.New("env DB_URL must be set")
	}

	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("env OPENAI_API_KEY must be set")
	}

	var warnings []string

	sourceDBURL := strings.TrimSpace(os.Getenv("SOURCE_DB_URL"))
	if sourceDBURL == "" {
		appendWarningf(&warnings, "env SOURCE_DB_URL is not set; prospect ingestion disabled")
	}

	model := sanitizeFile("OPENAI_MODEL", os.Getenv("OPENAI_MODEL"), defaultOpenAIModel, &warnings)
	baseURL := sanitizeFile("OPENAI_BASE_URL", os.Getenv("OPENAI_BASE_URL"), defaultOpenAIBaseURL, &warnings)

	crmFormID := strings.TrimSpace(os.Getenv("CRM_FORM_ID"))
	crmFormHash := strings.TrimSpace(os.Getenv("CRM_FORM_HASH"))
	crmReferer := strings.TrimSpace(os.Getenv("CRM_REFERER"))
	if crmFormID == "" || crmFormHash == "" {
		appendWarningf(&warnings, "env CRM_FORM_ID/CRM_FORM_HASH are not set; CRM handoff disabled")
	}

	proxyIP := strings.TrimSpace(os.Getenv("PROXY_IP"))
	proxyUser := strings.TrimSpace(os.Getenv("PROXY_USER"))
	proxyPass := strings.TrimSpace(os.Getenv("PROXY_PASS"))
	if proxyIP == "" {
		appendWarningf(&warnings, "env PROXY_IP is not set; executors connect without proxy")
	}

	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	configFile := sanitizeFile("CONFIG_FILE", os.Getenv("CONFIG_FILE"), defaultConfigFile, &warnings)
	promptFile := sanitizeFile("PROMPT_FILE", os.Getenv("PROMPT_FILE"), defaultPromptFile, &warnings)
	linksFile := sanitizeFile("LINKS_FILE", os.Getenv("LINKS_FILE"), defaultLinksFile, &warnings)
	catalogFile := sanitizeFile("CATALOG_FILE", os.Getenv("CATALOG_FILE"), defaultCatalogFile, &warnings)
	dialogDir := sanitizeFile("DIALOG_DIR", os.Getenv("DIALOG_DIR"), defaultDialogDir, &warnings)
	peersCacheFile := sanitizeFile("PEERS_CACHE_FILE", os.Getenv("PEERS_CACHE_FILE"), defaultPeersCacheFile, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	var err error
	AppLocation, err = timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}

	env := EnvConfig{
		DatabaseURL:       dbURL,
		SourceDatabaseURL: sourceDBURL,
		OpenAIAPIKey:      apiKey,
		OpenAIModel:       model,
		OpenAIBaseURL:     baseURL,
		CRMFormID:         crmFormID,
		CRMFormHash:       crmFormHash,
		CRMReferer:        crmReferer,
		ProxyIP:           proxyIP,
		ProxyUser:         proxyUser,
		ProxyPass:         proxyPass,
		ConfigFile:        configFile,
		PromptFile:        promptFile,
		LinksFile:         linksFile,
		CatalogFile:       catalogFile,
		DialogDir:         dialogDir,
		PeersCacheFile:    peersCacheFile,
		LogLevel:          logLevel,
		ThrottleRPS:       throttleRPS,
		TestDC:            testDC,
		AppTimezone:       appTimezone,
		// Файловое логирование
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/ nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное имя файла конфигурации. Если переменная не
// задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA‑зона или UTC‑смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", "APP_TIMEZONE", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
