package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
)

// Параметры экспоненциального backoff при PEER_FLOOD.
const (
	defaultBackoff = 60 * time.Second
	backoffFactor  = 2.0
	maxBackoff     = 24 * time.Hour
)

// deferredFn — отложенная единица работы исполнителя (обычно повторная отправка).
type deferredFn func(ctx context.Context) error

// executorState — состояние ограничителя одного исполнителя: дедлайн сна,
// событие пробуждения, FIFO-очередь отложенной работы и текущий backoff.
//
// Событие пробуждения реализовано генерационным каналом: awakeCh закрыт, пока
// исполнитель бодрствует; при засыпании создаётся новый открытый канал, который
// закрывается при пробуждении. Ожидающие всегда читают актуальный канал.
type executorState struct {
	mu           sync.Mutex
	sleepUntil   time.Time
	awakeCh      chan struct{}
	queue        []deferredFn
	backoff      time.Duration
	drainerAlive bool
}

// Fabric управляет сном, очередями и дренажом всех исполнителей пула.
// Инварианты: дедлайн сна двигается только вперёд; на исполнителя жив максимум
// один дренер; очередь имеет много продюсеров и единственного потребителя (дренер).
type Fabric struct {
	mu     sync.Mutex
	states map[int64]*executorState

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// now подменяется в тестах.
	now func() time.Time
}

// NewFabric создаёт пустую фабрику.
func NewFabric() *Fabric {
	return &Fabric{
		states: make(map[int64]*executorState),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// state возвращает состояние исполнителя, создавая его в бодрствующем виде.
func (f *Fabric) state(executorID int64) *executorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[executorID]
	if !ok {
		awake := make(chan struct{})
		close(awake)
		st = &executorState{awakeCh: awake, backoff: defaultBackoff}
		f.states[executorID] = st
	}
	return st
}

// Sleeping сообщает, спит ли исполнитель в данный момент.
func (f *Fabric) Sleeping(executorID int64) bool {
	st := f.state(executorID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sleepUntil.After(f.now())
}

// Sleep усыпляет исполнителя минимум на d. Дедлайн монотонный: более короткий
// повторный вызов не сокращает уже назначенный сон. При переходе в сон событие
// пробуждения сбрасывается и, если дренера нет, запускается дренер.
func (f *Fabric) Sleep(executorID int64, d time.Duration) {
	if d <= 0 {
		return
	}
	st := f.state(executorID)
	st.mu.Lock()
	deadline := f.now().Add(d)
	if deadline.After(st.sleepUntil) {
		st.sleepUntil = deadline
	}
	// Сбрасываем событие, только если оно сейчас установлено.
	select {
	case <-st.awakeCh:
		st.awakeCh = make(chan struct{})
	default:
	}
	startDrainer := !st.drainerAlive
	if startDrainer {
		st.drainerAlive = true
	}
	st.mu.Unlock()

	logger.Info("executor sleeping",
		zap.Int64("executor_id", executorID), zap.Duration("for", d))

	if startDrainer {
		f.wg.Add(1)
		go f.drain(executorID, st)
	}
}

// Enqueue ставит отложенную работу в FIFO-очередь исполнителя. Если исполнитель
// бодрствует и дренера нет, дренер запускается, чтобы очередь не зависла.
func (f *Fabric) Enqueue(executorID int64, fn deferredFn) {
	st := f.state(executorID)
	st.mu.Lock()
	st.queue = append(st.queue, fn)
	startDrainer := !st.drainerAlive
	if startDrainer {
		st.drainerAlive = true
	}
	st.mu.Unlock()

	if startDrainer {
		f.wg.Add(1)
		go f.drain(executorID, st)
	}
}

// AwaitAwake блокирует, пока исполнитель не проснётся, либо пока не сработает
// ctx или остановка фабрики. Возвращает false при прерывании ожидания.
func (f *Fabric) AwaitAwake(ctx context.Context, executorID int64) bool {
	for {
		st := f.state(executorID)
		st.mu.Lock()
		ch := st.awakeCh
		st.mu.Unlock()

		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		case <-f.stopCh:
			return false
		}
	}
}

// Backoff возвращает текущий backoff исполнителя.
func (f *Fabric) Backoff(executorID int64) time.Duration {
	st := f.state(executorID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.backoff
}

// GrowBackoff умножает backoff на фактор с ограничением сверху.
func (f *Fabric) GrowBackoff(executorID int64) {
	st := f.state(executorID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.backoff = time.Duration(float64(st.backoff) * backoffFactor)
	if st.backoff > maxBackoff {
		st.backoff = maxBackoff
	}
}

// ResetBackoff возвращает backoff к начальному значению после успешной отправки.
func (f *Fabric) ResetBackoff(executorID int64) {
	st := f.state(executorID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.backoff = defaultBackoff
}

// Drop удаляет состояние исполнителя (при удалении аккаунта). Живой дренер
// завершится сам: очередь и сон уже очищены.
func (f *Fabric) Drop(executorID int64) {
	f.mu.Lock()
	st, ok := f.states[executorID]
	if ok {
		delete(f.states, executorID)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.queue = nil
	st.sleepUntil = time.Time{}
	select {
	case <-st.awakeCh:
	default:
		close(st.awakeCh)
	}
	st.mu.Unlock()
}

// Stop будит всех спящих и дожидается завершения дренеров. Идемпотентен.
func (f *Fabric) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
	f.wg.Wait()
}

// drain — единственный потребитель очереди исполнителя. Сначала досыпает до
// дедлайна (или до остановки), затем будит исполнителя и разбирает очередь по
// одному элементу, пока исполнитель не уснёт снова или очередь не кончится.
// Ошибки элементов логируются и не прерывают дренаж.
func (f *Fabric) drain(executorID int64, st *executorState) {
	defer f.wg.Done()
	ctx := context.Background()

	for {
		// Фаза сна.
		for {
			st.mu.Lock()
			remaining := time.Until(st.sleepUntil)
			st.mu.Unlock()
			if remaining <= 0 {
				break
			}
			timer := time.NewTimer(remaining)
			select {
			case <-f.stopCh:
				timer.Stop()
				f.finishDrainer(st)
				return
			case <-timer.C:
			}
		}

		// Пробуждение: очистить дедлайн, установить событие.
		st.mu.Lock()
		st.sleepUntil = time.Time{}
		select {
		case <-st.awakeCh:
		default:
			close(st.awakeCh)
		}
		st.mu.Unlock()
		logger.Info("executor awake", zap.Int64("executor_id", executorID))

		// Фаза дренажа.
		for {
			select {
			case <-f.stopCh:
				f.finishDrainer(st)
				return
			default:
			}

			st.mu.Lock()
			if st.sleepUntil.After(f.now()) {
				// Уснули посреди дренажа: возвращаемся к фазе сна.
				st.mu.Unlock()
				break
			}
			if len(st.queue) == 0 {
				st.drainerAlive = false
				st.mu.Unlock()
				return
			}
			fn := st.queue[0]
			st.queue = st.queue[1:]
			st.mu.Unlock()

			if err := fn(ctx); err != nil {
				logger.Warn("deferred send failed",
					zap.Int64("executor_id", executorID), zap.Error(err))
			}
		}
	}
}

// finishDrainer снимает флаг живого дренера при выходе по остановке.
func (f *Fabric) finishDrainer(st *executorState) {
	st.mu.Lock()
	st.drainerAlive = false
	// Будим ожидающих, чтобы остановка не оставила никого висеть.
	select {
	case <-st.awakeCh:
	default:
		close(st.awakeCh)
	}
	st.mu.Unlock()
}
