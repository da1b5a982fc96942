// Пакет runtime — диалоговый цикл с клиентом: буферизация всплесков входящих,
// имитация человеческого темпа (пауза «в сети», индикатор печати, задержка на
// длину ответа), обращение к ассистенту и исполнение его директив.
//
// Инварианты: на клиента одновременно живёт не больше одной задачи ответа и
// одного таймера неактивности; новый входящий отменяет текущую задачу и
// стартует новую, поэтому всплеск сообщений сливается в один вызов ассистента.
package runtime

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/assistant"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/infra/settings"
	"github.com/Erykalkin/Seller-bot/internal/telegram/pool"
)

// typingInterval — период повторной отправки индикатора «печатает...».
// Telegram гасит индикатор примерно через шесть секунд.
const typingInterval = 5 * time.Second

// maxCosmeticDelay ограничивает паузу «на набор ответа» сверху.
const maxCosmeticDelay = 10 * time.Second

// silencePrompt — синтетический вход для ассистента, когда клиент замолчал.
const silencePrompt = "SYSTEM: Клиент долго не отвечает, напиши ему еще раз"

// Runtime связывает пул исполнителей с ассистентом.
type Runtime struct {
	pool      *pool.Pool
	assistant *assistant.Assistant
	settings  *settings.Store

	catalogPath string
	states      *stateTable

	// tick — период опроса тишины буфера; подменяется в тестах.
	tick time.Duration

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New создаёт рантайм. catalogPath — файл каталога, который ассистент может
// попросить отправить клиенту.
func New(p *pool.Pool, a *assistant.Assistant, st *settings.Store, catalogPath string) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		pool:        p,
		assistant:   a,
		settings:    st,
		catalogPath: catalogPath,
		states:      newStateTable(),
		tick:        time.Second,
		rootCtx:     ctx,
		cancel:      cancel,
	}
}

// Stop отменяет все задачи клиентов и дожидается их завершения.
func (r *Runtime) Stop() {
	r.cancel()
	r.states.cancelAll()
	r.wg.Wait()
}

// HandleMessage — обработчик входящих для реестра пула. Неизвестные и
// забаненные клиенты игнорируются; сообщение чужому исполнителю игнорируется
// (ответит закреплённый). Если исполнитель спит, входящее буферизуется, а
// обработка буфера уходит в очередь отложенной работы.
func (r *Runtime) HandleMessage(ctx context.Context, executorID int64, _ tg.Entities, msg *tg.Message) error {
	peer, ok := msg.PeerID.(*tg.PeerUser)
	if !ok {
		return nil
	}
	userID := peer.UserID

	users := r.pool.Store().Users()
	user, err := users.Get(ctx, userID)
	if err != nil {
		return nil // неизвестный клиент
	}
	if user.Banned {
		return nil
	}
	if user.ExecutorID == nil || *user.ExecutorID != executorID {
		return nil
	}

	if err := users.TouchLastMessage(ctx, userID, time.Now().Unix()); err != nil {
		logger.Warn("touch user timestamp failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	// Клиент написал сам: access_hash можно добрать из диалога.
	if user.AccessHash == nil {
		if c, err := r.pool.EnsureClient(ctx, executorID); err == nil {
			if _, err := r.pool.ConnectUser(ctx, c, userID, nil); err != nil {
				logger.Debug("late access hash resolve failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}
	}

	r.states.appendBuffer(userID, fmt.Sprintf("[MESSAGE_ID: %d]\n%s", msg.ID, msg.Message))

	if r.pool.Fabric().Sleeping(executorID) {
		r.pool.Fabric().Enqueue(executorID, func(dctx context.Context) error {
			r.startBufferTask(executorID, userID)
			return nil
		})
		return nil
	}

	r.startBufferTask(executorID, userID)
	return nil
}

// startBufferTask запускает задачу обработки буфера, отменяя предыдущие
// задачи клиента.
func (r *Runtime) startBufferTask(executorID, userID int64) {
	select {
	case <-r.rootCtx.Done():
		return
	default:
	}

	taskCtx, cancel := context.WithCancel(r.rootCtx)
	r.states.cancelTasks(userID)
	r.states.setTask(userID, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.processBuffer(taskCtx, executorID, userID)
	}()
}

// processBuffer ждёт, пока всплеск входящих утихнет, и отвечает одним
// обращением к ассистенту.
func (r *Runtime) processBuffer(ctx context.Context, executorID, userID int64) {
	cfg := r.settings.Get()

	if !r.awaitQuiet(ctx, userID, cfg.BufferTime) {
		return
	}

	if err := r.pool.MarkRead(ctx, executorID, userID); err != nil {
		logger.Debug("mark read failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	input := r.states.popBuffer(userID)
	if input == "" {
		return
	}

	// Пауза «увидел сообщение, но ещё не печатает».
	if !sleepCtx(ctx, time.Duration(rand.Float64()*cfg.Delay*float64(time.Second))) { // #nosec G404
		return
	}

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.typingLoop(typingCtx, executorID, userID)
	}()

	r.respond(ctx, executorID, userID, input, true)
}

// awaitQuiet тикает, пока пауза после последнего входящего клиента не превысит
// окно буферизации bufferTime (сек). Возвращает false при отмене контекста.
func (r *Runtime) awaitQuiet(ctx context.Context, userID int64, bufferTime float64) bool {
	for {
		if !sleepCtx(ctx, r.tick) {
			return false
		}
		if r.states.lastGap(userID) >= secondsToDuration(bufferTime) {
			return true
		}
	}
}

// respond вызывает ассистента и исполняет директивы ответа. Ошибки ассистента
// и отправки логируются по клиенту и не роняют рантайм.
func (r *Runtime) respond(ctx context.Context, executorID, userID int64, input string, waitAfter bool) {
	reply, err := r.assistant.Respond(ctx, userID, input)
	if err != nil {
		logger.Warn("assistant call failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	cfg := r.settings.Get()

	// Косметическая пауза пропорционально длине ответа.
	delay := time.Duration(float64(len([]rune(reply.Answer))) * cfg.TypingDelay * float64(time.Second))
	if delay > maxCosmeticDelay {
		delay = maxCosmeticDelay
	}
	if !sleepCtx(ctx, delay) {
		return
	}

	opts := pool.SendOptions{ReplyTo: reply.Reply, ExecutorID: executorID}

	if reply.Send {
		if err := r.pool.SendText(ctx, userID, reply.Answer, opts); err != nil {
			logger.Warn("send answer failed", zap.Int64("user_id", userID), zap.Error(err))
			return
		}
	}
	if reply.File {
		if err := r.pool.SendDocument(ctx, userID, r.catalogPath, "", opts); err != nil {
			logger.Warn("send catalog failed", zap.Int64("user_id", userID), zap.Error(err))
			return
		}
	}
	if reply.Wait && waitAfter {
		r.resetInactivityTimer(executorID, userID)
	}
}

// typingLoop шлёт индикатор печати каждые typingInterval, пропуская такты,
// пока исполнитель спит.
func (r *Runtime) typingLoop(ctx context.Context, executorID, userID int64) {
	for {
		if !r.pool.Fabric().Sleeping(executorID) {
			if err := r.pool.Typing(ctx, executorID, userID); err != nil {
				logger.Debug("typing action failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}
		if !sleepCtx(ctx, typingInterval) {
			return
		}
	}
}

// resetInactivityTimer перезапускает таймер «клиент молчит». По истечении
// ассистент получает синтетический вход и отвечает ещё раз, уже без
// перезапуска таймера.
func (r *Runtime) resetInactivityTimer(executorID, userID int64) {
	taskCtx, cancel := context.WithCancel(r.rootCtx)
	r.states.setInactivity(userID, cancel)

	timeout := time.Duration(r.settings.Get().InactivityTimeout) * time.Second

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if !sleepCtx(taskCtx, timeout) {
			return
		}
		r.respond(taskCtx, executorID, userID, silencePrompt, false)
	}()
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

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
