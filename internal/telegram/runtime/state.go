package runtime

import (
	"context"
	"strings"
	"sync"
	"time"
)

// bufferSeparator разделяет накопленные сообщения в общем промпте.
const bufferSeparator = "\n==========\n"

// userState — рантайм-состояние одного клиента: буфер входящих, отметка
// последнего сообщения и отмены активных задач. На клиента существует не
// больше одной задачи ответа и одной задачи неактивности.
type userState struct {
	buffer      []string
	lastMessage time.Time

	cancelTask       context.CancelFunc
	cancelInactivity context.CancelFunc
}

// stateTable — таблица состояний клиентов под общим мьютексом.
type stateTable struct {
	mu     sync.Mutex
	states map[int64]*userState
	now    func() time.Time
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[int64]*userState), now: time.Now}
}

func (t *stateTable) state(userID int64) *userState {
	st, ok := t.states[userID]
	if !ok {
		st = &userState{}
		t.states[userID] = st
	}
	return st
}

// appendBuffer добавляет строку в буфер клиента и обновляет отметку времени.
func (t *stateTable) appendBuffer(userID int64, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(userID)
	st.buffer = append(st.buffer, line)
	st.lastMessage = t.now()
}

// lastGap возвращает время с последнего входящего. Если сообщений не было,
// возвращается большое значение: буфер считается давно остывшим.
func (t *stateTable) lastGap(userID int64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[userID]
	if !ok || st.lastMessage.IsZero() {
		return 24 * time.Hour
	}
	return t.now().Sub(st.lastMessage)
}

// popBuffer извлекает и очищает буфер клиента.
func (t *stateTable) popBuffer(userID int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[userID]
	if !ok || len(st.buffer) == 0 {
		return ""
	}
	joined := strings.Join(st.buffer, bufferSeparator)
	st.buffer = nil
	return joined
}

// setTask регистрирует новую задачу ответа, отменяя предыдущую.
func (t *stateTable) setTask(userID int64, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(userID)
	if st.cancelTask != nil {
		st.cancelTask()
	}
	st.cancelTask = cancel
}

// setInactivity регистрирует новый таймер неактивности, отменяя предыдущий.
func (t *stateTable) setInactivity(userID int64, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(userID)
	if st.cancelInactivity != nil {
		st.cancelInactivity()
	}
	st.cancelInactivity = cancel
}

// cancelTasks отменяет обе задачи клиента.
func (t *stateTable) cancelTasks(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[userID]
	if !ok {
		return
	}
	if st.cancelTask != nil {
		st.cancelTask()
		st.cancelTask = nil
	}
	if st.cancelInactivity != nil {
		st.cancelInactivity()
		st.cancelInactivity = nil
	}
}

// cancelAll отменяет задачи всех клиентов (останов рантайма).
func (t *stateTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.states {
		if st.cancelTask != nil {
			st.cancelTask()
			st.cancelTask = nil
		}
		if st.cancelInactivity != nil {
			st.cancelInactivity()
			st.cancelInactivity = nil
		}
	}
}
