package pool

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"
)

// PEER_FLOOD — временный лимит: исполнитель засыпает с растущим backoff,
// отправка уходит в очередь повторов, а статус в БД не меняется. store
// в тесте nil, так что любое обращение к нему уронило бы тест паникой.
func TestAbsorbPeerFloodKeepsExecutorInRotation(t *testing.T) {
	t.Parallel()

	p := &Pool{fabric: NewFabric()}
	defer p.fabric.Stop()

	send := func(context.Context, *Client, *tg.InputPeerUser) error { return nil }
	err := p.absorb(context.Background(), 7, 100, SendOptions{}, send, tgerr.New(400, "PEER_FLOOD"))

	require.NoError(t, err)
	require.True(t, p.fabric.Sleeping(7))
	require.Equal(t, 2*defaultBackoff, p.fabric.Backoff(7))
}

func TestAbsorbPeerFloodBackoffGrowsPerHit(t *testing.T) {
	t.Parallel()

	p := &Pool{fabric: NewFabric()}
	defer p.fabric.Stop()

	send := func(context.Context, *Client, *tg.InputPeerUser) error { return nil }
	floodErr := tgerr.New(400, "PEER_FLOOD")

	require.NoError(t, p.absorb(context.Background(), 9, 100, SendOptions{}, send, floodErr))
	require.NoError(t, p.absorb(context.Background(), 9, 101, SendOptions{}, send, floodErr))
	require.Equal(t, 4*defaultBackoff, p.fabric.Backoff(9))

	// Другой исполнитель лимитом не задет.
	require.False(t, p.fabric.Sleeping(10))
	require.Equal(t, defaultBackoff, p.fabric.Backoff(10))
}

func TestAbsorbThrottledUsesServerWait(t *testing.T) {
	t.Parallel()

	p := &Pool{fabric: NewFabric()}
	defer p.fabric.Stop()

	send := func(context.Context, *Client, *tg.InputPeerUser) error { return nil }
	err := p.absorb(context.Background(), 3, 100, SendOptions{}, send, tgerr.New(420, "FLOOD_WAIT_30"))

	require.NoError(t, err)
	require.True(t, p.fabric.Sleeping(3))
	// Точная пауза от сервера backoff не растит.
	require.Equal(t, defaultBackoff, p.fabric.Backoff(3))

	st := p.fabric.state(3)
	st.mu.Lock()
	deadline := st.sleepUntil
	st.mu.Unlock()
	require.WithinDuration(t, time.Now().Add(30*time.Second), deadline, time.Second)
}
