package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFabricSleepDeadlineMonotonic(t *testing.T) {
	t.Parallel()

	f := NewFabric()
	defer f.Stop()
	base := time.Now()
	f.now = func() time.Time { return base }

	f.Sleep(1, 10*time.Minute)
	want := base.Add(10 * time.Minute)

	// Более короткий повторный сон не сокращает назначенный дедлайн.
	f.Sleep(1, time.Minute)

	st := f.state(1)
	st.mu.Lock()
	got := st.sleepUntil
	st.mu.Unlock()
	require.Equal(t, want, got)
	require.True(t, f.Sleeping(1))

	// Более длинный — продлевает.
	f.Sleep(1, 20*time.Minute)
	st.mu.Lock()
	got = st.sleepUntil
	st.mu.Unlock()
	require.Equal(t, base.Add(20*time.Minute), got)
}

func TestFabricDrainsQueueInOrderAfterWake(t *testing.T) {
	t.Parallel()

	f := NewFabric()
	defer f.Stop()

	f.Sleep(7, 60*time.Millisecond)
	require.True(t, f.Sleeping(7))

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		f.Enqueue(7, func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			last := len(order) == 3
			mu.Unlock()
			if last {
				close(done)
			}
			return nil
		})
	}

	// Пока исполнитель спит, очередь не трогается.
	mu.Lock()
	require.Empty(t, order)
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue was not drained after wake")
	}
	mu.Lock()
	require.Equal(t, []int{1, 2, 3}, order)
	mu.Unlock()
	require.False(t, f.Sleeping(7))
}

func TestFabricEnqueueWhileAwakeRunsPromptly(t *testing.T) {
	t.Parallel()

	f := NewFabric()
	defer f.Stop()

	done := make(chan struct{})
	f.Enqueue(2, func(context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred fn did not run for awake executor")
	}
}

func TestFabricBackoff(t *testing.T) {
	t.Parallel()

	f := NewFabric()
	defer f.Stop()

	require.Equal(t, 60*time.Second, f.Backoff(3))

	f.GrowBackoff(3)
	require.Equal(t, 120*time.Second, f.Backoff(3))

	for range 20 {
		f.GrowBackoff(3)
	}
	require.Equal(t, 24*time.Hour, f.Backoff(3))

	f.ResetBackoff(3)
	require.Equal(t, 60*time.Second, f.Backoff(3))

	// Backoff других исполнителей не затрагивается.
	require.Equal(t, 60*time.Second, f.Backoff(4))
}

func TestFabricAwaitAwake(t *testing.T) {
	t.Parallel()

	f := NewFabric()
	defer f.Stop()

	// Бодрствующий исполнитель не блокирует ожидание.
	require.True(t, f.AwaitAwake(context.Background(), 5))

	f.Sleep(5, 60*time.Millisecond)
	start := time.Now()
	require.True(t, f.AwaitAwake(context.Background(), 5))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.False(t, f.Sleeping(5))
}

func TestFabricAwaitAwakeCancelled(t *testing.T) {
	t.Parallel()

	f := NewFabric()
	defer f.Stop()

	f.Sleep(6, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.False(t, f.AwaitAwake(ctx, 6))
}

func TestFabricStopInterruptsSleepers(t *testing.T) {
	t.Parallel()

	f := NewFabric()

	executed := make(chan struct{}, 1)
	f.Sleep(8, time.Hour)
	f.Enqueue(8, func(context.Context) error {
		executed <- struct{}{}
		return nil
	})

	stopped := make(chan struct{})
	go func() {
		f.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return while a drainer was sleeping")
	}
	select {
	case <-executed:
		t.Fatal("deferred fn must not run after Stop")
	default:
	}
}

func TestFabricDropClearsState(t *testing.T) {
	t.Parallel()

	f := NewFabric()
	defer f.Stop()

	executed := make(chan struct{}, 1)
	f.Sleep(9, 50*time.Millisecond)
	f.Enqueue(9, func(context.Context) error {
		executed <- struct{}{}
		return nil
	})

	f.Drop(9)
	require.False(t, f.Sleeping(9))

	// Очередь очищена вместе с состоянием: работа не выполняется после удаления.
	select {
	case <-executed:
		t.Fatal("deferred fn ran after Drop")
	case <-time.After(200 * time.Millisecond):
	}
}
