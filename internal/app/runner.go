// Package app реализует верхний уровень управления жизненным циклом движка
// рассылки. Файл runner.go — точка оркестрации: здесь сервисы стартуют в
// правильном порядке, пул исполнителей блокирует основной поток, и
// организуется корректный graceful shutdown: сначала гаснут фоновые сервисы и
// диалоговые задачи, затем сетевой слой пула.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/Erykalkin/Seller-bot/internal/adapters/cli"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/infra/settings"
	"github.com/Erykalkin/Seller-bot/internal/services/greeter"
	"github.com/Erykalkin/Seller-bot/internal/services/parser"
	"github.com/Erykalkin/Seller-bot/internal/telegram/pool"
	"github.com/Erykalkin/Seller-bot/internal/telegram/runtime"
)

// serviceWarmup — пауза перед первым циклом фоновых сервисов: даём пулу
// время жадно подключить исполнителей, чтобы первая рассылка не упёрлась в
// ещё не поднятые клиенты.
const serviceWarmup = 5 * time.Second

// Runner инкапсулирует сценарий запуска и остановки пула исполнителей и
// связанных подсистем. Отвечает за:
//   - линейный запуск сервисов в правильном порядке,
//   - корректное завершение: сначала фоновые циклы и диалоговые задачи,
//     затем пул MTProto-клиентов,
//   - интеграцию с CLI.
type Runner struct {
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Функция, инициирующая общий shutdown (используется из узлов).
	pool       *pool.Pool         // Пул MTProto-клиентов исполнителей.
	settings   *settings.Store    // Горячие настройки (нужны CLI).
	runtime    *runtime.Runtime   // Диалоговый цикл: задачи ответов клиентам.
	greeter    *greeter.Greeter   // Планировщик первых контактов.
	parser     *parser.Parser     // Ночной приём лидов.

	cliService *cli.Service // CLI сервис для интерактивных команд.

	servicesWG     sync.WaitGroup     // WaitGroup фоновых сервисов (greeter, parser).
	servicesCancel context.CancelFunc // Отмена контекста фоновых сервисов.
}

// NewRunner подготавливает Runner с переданными зависимостями. Возвращает
// объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	p *pool.Pool,
	st *settings.Store,
	rt *runtime.Runtime,
	g *greeter.Greeter,
	prs *parser.Parser,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		pool:       p,
		settings:   st,
		runtime:    rt,
		greeter:    g,
		parser:     prs,
	}
}

// Run — главный цикл движка. Стартует сервисы, затем блокируется на пуле
// исполнителей до отмены внешнего контекста. Остановка сервисов запускается
// параллельно с гашением пула: диалоговые задачи и фоновые циклы живут на
// своих контекстах и не зависят от порядка гашения клиентов.
func (r *Runner) Run() error {
	// Отслеживаем сигнал остановки сразу, чтобы Ctrl+C работал во время запуска.
	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
	})

	r.startAllServices(r.mainCtx)
	logger.Info("Outreach engine running...")

	err := r.pool.Activate(r.mainCtx)

	shutdownWG.Wait()
	return err
}

func (r *Runner) startAllServices(ctx context.Context) {
	// cli
	logger.Debug("starting service cli")
	r.cliService = cli.NewService(r.pool, r.settings, r.mainCancel)
	r.cliService.Start(ctx)
	logger.Debug("service cli started")

	servicesCtx, servicesCancel := context.WithCancel(ctx)
	r.servicesCancel = servicesCancel

	// greeter
	logger.Debug("starting service greeter")
	r.servicesWG.Go(func() {
		if !warmup(servicesCtx) {
			return
		}
		r.greeter.Run(servicesCtx)
	})
	logger.Debug("service greeter started")

	// parser
	logger.Debug("starting service parser")
	r.servicesWG.Go(func() {
		if !warmup(servicesCtx) {
			return
		}
		r.parser.Run(servicesCtx)
	})
	logger.Debug("service parser started")
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке

	// greeter + parser
	logger.Debug("stopping background services")
	if r.servicesCancel != nil {
		r.servicesCancel()
	}
	r.servicesWG.Wait()
	logger.Debug("background services stopped")

	// runtime: отменяет диалоговые задачи и ждёт их завершения
	logger.Debug("stopping service runtime")
	r.runtime.Stop()
	logger.Debug("service runtime stopped")

	// cli
	if r.cliService != nil {
		logger.Debug("stopping service cli")
		r.cliService.Stop()
		logger.Debug("service cli stopped")
	}
}

// warmup ждёт serviceWarmup или отмену контекста. Возвращает false при отмене.
func warmup(ctx context.Context) bool {
	timer := time.NewTimer(serviceWarmup)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
