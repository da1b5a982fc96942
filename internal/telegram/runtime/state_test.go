package runtime

import (
	"context"
	"testing"
	"time"
)

func TestStateBufferComposition(t *testing.T) {
	t.Parallel()

	tbl := newStateTable()
	tbl.appendBuffer(1, "[MESSAGE_ID: 10]\nпривет")
	tbl.appendBuffer(1, "[MESSAGE_ID: 11]\nесть кто?")
	tbl.appendBuffer(2, "[MESSAGE_ID: 12]\nдругой клиент")

	got := tbl.popBuffer(1)
	want := "[MESSAGE_ID: 10]\nпривет\n==========\n[MESSAGE_ID: 11]\nесть кто?"
	if got != want {
		t.Fatalf("popBuffer(1) = %q, want %q", got, want)
	}

	// Буфер очищается после извлечения.
	if got := tbl.popBuffer(1); got != "" {
		t.Fatalf("second popBuffer(1) = %q, want empty", got)
	}

	// Буферы клиентов независимы.
	if got := tbl.popBuffer(2); got != "[MESSAGE_ID: 12]\nдругой клиент" {
		t.Fatalf("popBuffer(2) = %q", got)
	}
}

func TestStateLastGap(t *testing.T) {
	t.Parallel()

	tbl := newStateTable()
	base := time.Now()
	tbl.now = func() time.Time { return base }

	// Без сообщений буфер считается давно остывшим.
	if got := tbl.lastGap(1); got < time.Hour {
		t.Fatalf("lastGap without messages = %v, want large", got)
	}

	tbl.appendBuffer(1, "msg")
	tbl.now = func() time.Time { return base.Add(3 * time.Second) }
	if got := tbl.lastGap(1); got != 3*time.Second {
		t.Fatalf("lastGap = %v, want 3s", got)
	}

	// Новое сообщение сбрасывает отсчёт.
	tbl.appendBuffer(1, "more")
	if got := tbl.lastGap(1); got != 0 {
		t.Fatalf("lastGap after append = %v, want 0", got)
	}
}

func TestStateTaskReplacementCancelsPrevious(t *testing.T) {
	t.Parallel()

	tbl := newStateTable()

	ctx1, cancel1 := context.WithCancel(context.Background())
	tbl.setTask(1, cancel1)

	_, cancel2 := context.WithCancel(context.Background())
	tbl.setTask(1, cancel2)

	select {
	case <-ctx1.Done():
	default:
		t.Fatal("previous task was not cancelled by replacement")
	}
}

func TestStateCancelTasks(t *testing.T) {
	t.Parallel()

	tbl := newStateTable()

	taskCtx, cancelTask := context.WithCancel(context.Background())
	inactCtx, cancelInact := context.WithCancel(context.Background())
	tbl.setTask(1, cancelTask)
	tbl.setInactivity(1, cancelInact)

	otherCtx, cancelOther := context.WithCancel(context.Background())
	tbl.setTask(2, cancelOther)

	tbl.cancelTasks(1)

	for name, ctx := range map[string]context.Context{"task": taskCtx, "inactivity": inactCtx} {
		select {
		case <-ctx.Done():
		default:
			t.Fatalf("%s context was not cancelled", name)
		}
	}
	if otherCtx.Err() != nil {
		t.Fatal("cancelTasks(1) must not touch other users")
	}

	// Повторная отмена безопасна.
	tbl.cancelTasks(1)
	tbl.cancelTasks(99)
}

func TestStateCancelAll(t *testing.T) {
	t.Parallel()

	tbl := newStateTable()
	ctxs := make([]context.Context, 0, 3)
	for id := int64(1); id <= 3; id++ {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, ctx)
		tbl.setTask(id, cancel)
	}

	tbl.cancelAll()
	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Fatalf("task %d not cancelled by cancelAll", i+1)
		}
	}
}
