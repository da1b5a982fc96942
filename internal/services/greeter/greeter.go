// Пакет greeter — планировщик первых контактов. Раз в окно GREET_PERIOD берёт
// пачку клиентов без контакта (по одному на исполнителя) и рассылает
// приветствия в случайные моменты внутри окна, имитируя живую рассылку.
package greeter

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/assistant"
	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/infra/settings"
	"github.com/Erykalkin/Seller-bot/internal/infra/timeutil"
	"github.com/Erykalkin/Seller-bot/internal/telegram/pool"
)

// minGap — минимальный зазор между двумя приветствиями в одном окне.
const minGap = 2 * time.Second

// Параметры усечённого нормального распределения моментов отправки:
// масса сосредоточена в средних 60% окна, чтобы рассылка не липла к краям.
const (
	offsetLo   = 0.2
	offsetHi   = 0.8
	offsetMean = 0.5
	offsetStd  = 0.1
)

// greetIntros — варианты системной вводной для первого сообщения.
var greetIntros = []string{
	"SYSTEM: Начни диалог с клиентом: поздоровайся и кратко представься.",
	"SYSTEM: Напиши клиенту первое сообщение, представься и заведи разговор.",
	"SYSTEM: Поприветствуй клиента и начни диалог с учётом информации о нём.",
}

// Greeter — фоновый цикл приветствий.
type Greeter struct {
	pool      *pool.Pool
	assistant *assistant.Assistant
	settings  *settings.Store
}

// New создаёт планировщик приветствий.
func New(p *pool.Pool, a *assistant.Assistant, st *settings.Store) *Greeter {
	return &Greeter{pool: p, assistant: a, settings: st}
}

// Run крутит циклы приветствий до отмены контекста. Рассылка идёт только в
// дневном окне [MORNING, NIGHT] таймзоны TIMEZONE из оперативных настроек.
func (g *Greeter) Run(ctx context.Context) {
	logger.Info("greeter started")
	for {
		cfg := g.settings.Get()
		window := time.Duration(cfg.GreetPeriod) * time.Second
		if window < 5*time.Second {
			window = 5 * time.Second
		}

		if timeutil.InDaytimeWindow(time.Now(), cfg.Location(), cfg.Morning, cfg.Night) {
			g.runCycle(ctx, window)
		} else if !sleepCtx(ctx, window) {
			return
		}

		select {
		case <-ctx.Done():
			logger.Info("greeter stopped")
			return
		default:
		}
	}
}

// runCycle выполняет одно окно рассылки: выбирает пачку, раздаёт моменты
// отправки и досыпает остаток окна, чтобы циклы не перекрывались.
func (g *Greeter) runCycle(ctx context.Context, window time.Duration) {
	start := time.Now()

	ids, err := g.pool.Store().Executors().IDs(ctx)
	if err != nil {
		logger.Warn("greeter: list executors failed", zap.Error(err))
		sleepCtx(ctx, window)
		return
	}

	batch, err := g.pool.Store().Users().PopUsersToGreet(ctx, len(ids))
	if err != nil {
		logger.Warn("greeter: pop batch failed", zap.Error(err))
		sleepCtx(ctx, window)
		return
	}
	if len(batch) == 0 {
		sleepCtx(ctx, window)
		return
	}

	offsets := GreetOffsets(len(batch), window)
	logger.Infof("greeter: %d greetings scheduled in %s window", len(batch), window)

	for i, ref := range batch {
		wait := offsets[i] - time.Since(start)
		if !sleepCtx(ctx, wait) {
			return
		}
		g.greet(ctx, ref)
	}

	sleepCtx(ctx, window-time.Since(start))
}

// greet выполняет одно приветствие. Ошибки здесь не фатальны: путь отправки
// сам переводит состояние клиента и исполнителя, greeter только пропускает.
func (g *Greeter) greet(ctx context.Context, ref db.UserRef) {
	users := g.pool.Store().Users()

	user, err := users.Get(ctx, ref.UserID)
	if err != nil {
		logger.Warn("greeter: load user failed", zap.Int64("user_id", ref.UserID), zap.Error(err))
		return
	}
	if user.Banned || user.Problem {
		return
	}
	if user.ExecutorID == nil {
		logger.Warn("greeter: user has no executor", zap.Int64("user_id", ref.UserID))
		return
	}

	c, err := g.pool.EnsureClient(ctx, *user.ExecutorID)
	if err != nil {
		logger.Warn("greeter: executor unavailable",
			zap.Int64("executor_id", *user.ExecutorID), zap.Error(err))
		return
	}
	if _, err := g.pool.ConnectUser(ctx, c, ref.UserID, user.AccessHash); err != nil {
		logger.Warn("greeter: connect user failed", zap.Int64("user_id", ref.UserID), zap.Error(err))
	}

	intro := greetIntros[rand.IntN(len(greetIntros))] // #nosec G404
	reply, err := g.assistant.Respond(ctx, ref.UserID, intro+"\nCLIENT_INFO: "+user.Info)
	if err != nil {
		logger.Warn("greeter: assistant failed", zap.Int64("user_id", ref.UserID), zap.Error(err))
		if rErr := users.RotateDown(ctx, ref.UserID); rErr != nil {
			logger.Warn("greeter: rotate down failed", zap.Int64("user_id", ref.UserID), zap.Error(rErr))
		}
		return
	}
	if !reply.Send || reply.Answer == "" {
		return
	}

	// Повторная попытка после неудачи идёт «сырым» первым контактом, только
	// если это разрешено настройкой SECOND_GREET.
	first := user.ProblemsCount == 0 || g.settings.Get().SecondGreet

	err = g.pool.SendText(ctx, ref.UserID, reply.Answer, pool.SendOptions{
		First:      first,
		ExecutorID: *user.ExecutorID,
	})
	if err != nil {
		// Состояние клиента уже изменено путём отправки; здесь только журнал.
		logger.Warn("greeter: greeting failed", zap.Int64("user_id", ref.UserID), zap.Error(err))
		return
	}

	if err := users.UpdateParam(ctx, ref.UserID, "contact", true); err != nil {
		logger.Warn("greeter: mark contact failed", zap.Int64("user_id", ref.UserID), zap.Error(err))
	}
	if err := users.TouchLastMessage(ctx, ref.UserID, time.Now().Unix()); err != nil {
		logger.Warn("greeter: touch user failed", zap.Int64("user_id", ref.UserID), zap.Error(err))
	}
	logger.Info("greeting sent", zap.Int64("user_id", ref.UserID), zap.Int64("executor_id", *user.ExecutorID))
}

// GreetOffsets возвращает n моментов отправки внутри окна window: выборка из
// усечённого нормального распределения на [0.2W, 0.8W] со средним W/2 и
// отклонением 0.1W, по возрастанию, с монотонным зазором minGap и верхней
// границей W.
func GreetOffsets(n int, window time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	w := float64(window)

	offsets := make([]time.Duration, n)
	for i := range offsets {
		offsets[i] = time.Duration(truncNormal(offsetMean*w, offsetStd*w, offsetLo*w, offsetHi*w))
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	// Монотонная коррекция: соседние отправки не ближе minGap, но не позже
	// конца окна.
	for i := 1; i < n; i++ {
		if offsets[i]-offsets[i-1] < minGap {
			offsets[i] = offsets[i-1] + minGap
		}
		if offsets[i] > window {
			offsets[i] = window
		}
	}
	return offsets
}

// truncNormal семплирует нормальное распределение, усечённое до [lo, hi].
// После разумного числа отказов значение зажимается в границы.
func truncNormal(mean, std, lo, hi float64) float64 {
	const maxAttempts = 100
	for range maxAttempts {
		v := rand.NormFloat64()*std + mean // #nosec G404
		if v >= lo && v <= hi {
			return v
		}
	}
	v := mean
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

// sleepCtx ждёт d или отмену контекста. Возвращает false при отмене.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
