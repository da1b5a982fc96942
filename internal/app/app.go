// Package app — верхний уровень сборки приложения рассылки. Здесь связываются
// конфигурация, основная база (исполнители + клиенты), кэш пиров, пул
// MTProto-клиентов, ассистент с инструментами и CRM, диалоговый рантайм и
// фоновые сервисы (greeter, parser). Отсюда стартует Runner, который
// оркестрирует жизненный цикл и корректный shutdown.
package app

import (
	"context"
	"fmt"

	"github.com/Erykalkin/Seller-bot/internal/assistant"
	"github.com/Erykalkin/Seller-bot/internal/crm"
	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/config"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/infra/settings"
	"github.com/Erykalkin/Seller-bot/internal/services/greeter"
	"github.com/Erykalkin/Seller-bot/internal/services/parser"
	"github.com/Erykalkin/Seller-bot/internal/source"
	"github.com/Erykalkin/Seller-bot/internal/telegram/peerscache"
	"github.com/Erykalkin/Seller-bot/internal/telegram/pool"
	"github.com/Erykalkin/Seller-bot/internal/telegram/runtime"
)

// App агрегирует зависимости движка рассылки и управляет их связью.
// Отвечает за:
//   - подключение к основной базе и к внешней базе лидов,
//   - сборку пула исполнителей поверх кэша пиров и горячих настроек,
//   - сборку ассистента (промпт, инструменты, журнал диалогов, CRM),
//   - регистрацию диалогового рантайма как обработчика входящих пула,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	mainCtx    context.Context     // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc  // Инициирует отмену mainCtx.
	settings   *settings.Store     // Оперативные параметры с горячей перезагрузкой.
	store      *db.Controller      // Основная база: executors + users.
	peers      *peerscache.Cache   // Персистентный кэш access_hash.
	pool       *pool.Pool          // Пул MTProto-клиентов исполнителей.
	crm        *crm.Client         // Передача согласных лидов в amoCRM (может быть выключена).
	dialogs    *assistant.DialogLog
	assistant  *assistant.Assistant
	runtime    *runtime.Runtime // Диалоговый цикл с клиентами.
	source     *source.Reader   // Внешняя база лидов; nil, если не настроена.
	runner     *Runner          // Оркестратор жизненного цикла и CLI.
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация выполняется в Init().
func NewApp() *App {
	return &App{}
}

// Init собирает все зависимости приложения. Порядок важен: настройки и база
// нужны пулу, пул и ассистент нужны рантайму и фоновым сервисам.
func (a *App) Init(mainCtx context.Context, mainCancel context.CancelFunc) error {
	a.mainCtx = mainCtx
	a.mainCancel = mainCancel
	env := config.Env()

	st, err := settings.Open(env.ConfigFile)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	a.settings = st

	store, err := db.Connect(mainCtx, env.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.store = store
	if err := store.Init(mainCtx); err != nil {
		store.Close()
		return fmt.Errorf("init database: %w", err)
	}

	peers, err := peerscache.Open(env.PeersCacheFile)
	if err != nil {
		store.Close()
		return fmt.Errorf("open peers cache: %w", err)
	}
	a.peers = peers

	a.pool = pool.New(env, st, store, peers)

	// CRM включается только при полной паре form_id/hash; иначе клиент
	// остаётся выключенным и инструмент ассистента сообщает об этом.
	a.crm = crm.New(env.CRMFormID, env.CRMFormHash, env.CRMReferer, env.AppTimezone)

	tools, err := assistant.NewToolset(env.LinksFile, store.Users(), a.crm)
	if err != nil {
		return fmt.Errorf("load assistant tools: %w", err)
	}
	dialogs, err := assistant.NewDialogLog(env.DialogDir)
	if err != nil {
		return fmt.Errorf("init dialog log: %w", err)
	}
	a.dialogs = dialogs

	a.assistant, err = assistant.New(
		env.OpenAIAPIKey, env.OpenAIModel, env.OpenAIBaseURL, env.PromptFile,
		store.Users(), tools, dialogs,
	)
	if err != nil {
		return fmt.Errorf("init assistant: %w", err)
	}

	a.runtime = runtime.New(a.pool, a.assistant, st, env.CatalogFile)
	a.pool.AddHandler(a.runtime.HandleMessage)

	if env.SourceDatabaseURL != "" {
		src, srcErr := source.Connect(mainCtx, env.SourceDatabaseURL)
		if srcErr != nil {
			// Внешняя база не критична для диалогов: работаем без парсера.
			logger.Errorf("connect source database: %v", srcErr)
		} else {
			a.source = src
		}
	}

	return nil
}

// Run запускает основной цикл приложения: CLI, фоновые сервисы и пул
// исполнителей. Блокируется до остановки и возвращает ошибку, если что-то
// пошло не так.
func (a *App) Run() error {
	logger.Info("Outreach engine initializing...")

	a.runner = NewRunner(
		a.mainCtx,
		a.mainCancel,
		a.pool,
		a.settings,
		a.runtime,
		greeter.New(a.pool, a.assistant, a.settings),
		parser.New(a.pool, a.source, a.settings),
	)

	defer a.closeResources()
	return a.runner.Run()
}

// closeResources закрывает ресурсы уровня приложения в обратном порядке
// инициализации. Вызывается после останова всех сервисов.
func (a *App) closeResources() {
	if a.assistant != nil {
		a.assistant.Close()
	}
	if a.crm != nil {
		a.crm.Close()
	}
	if a.source != nil {
		a.source.Close()
	}
	if a.peers != nil {
		if err := a.peers.Close(); err != nil {
			logger.Errorf("close peers cache: %v", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}
