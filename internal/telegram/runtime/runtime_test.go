package runtime

import (
	"context"
	"strings"
	"testing"
	"time"
)

// Всплеск входящих должен слиться в один вход для ассистента: ожидание тишины
// заканчивается только после паузы длиннее окна буферизации, и буфер к этому
// моменту содержит все сообщения всплеска.
func TestBurstCoalescesIntoSingleInput(t *testing.T) {
	t.Parallel()

	r := &Runtime{states: newStateTable(), tick: 5 * time.Millisecond}
	r.states.appendBuffer(1, "[MESSAGE_ID: 10]\nпривет")

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		r.states.appendBuffer(1, "[MESSAGE_ID: 11]\nесть кто?")
		time.Sleep(20 * time.Millisecond)
		r.states.appendBuffer(1, "[MESSAGE_ID: 12]\nинтересует каталог")
	}()

	start := time.Now()
	if !r.awaitQuiet(context.Background(), 1, 0.1) {
		t.Fatal("awaitQuiet returned false without cancellation")
	}
	<-done

	// Тишина не могла наступить раньше, чем дописан весь всплеск.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("awaitQuiet returned after %v, before the burst ended", elapsed)
	}

	got := r.states.popBuffer(1)
	for _, part := range []string{"привет", "есть кто?", "интересует каталог"} {
		if !strings.Contains(got, part) {
			t.Fatalf("popBuffer(1) = %q, missing %q", got, part)
		}
	}
	if n := strings.Count(got, "\n==========\n"); n != 2 {
		t.Fatalf("popBuffer(1) joined %d separators, want 2", n)
	}
	if again := r.states.popBuffer(1); again != "" {
		t.Fatalf("second popBuffer(1) = %q, want empty", again)
	}
}

func TestAwaitQuietCancelled(t *testing.T) {
	t.Parallel()

	r := &Runtime{states: newStateTable(), tick: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if r.awaitQuiet(ctx, 1, 3600) {
		t.Fatal("awaitQuiet = true after context cancellation")
	}
}
