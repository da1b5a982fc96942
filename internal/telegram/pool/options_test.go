package pool

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"

	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/config"
)

func TestClientOptionsProxyFallbackToEnv(t *testing.T) {
	t.Parallel()

	p := &Pool{
		env: config.EnvConfig{
			ProxyIP:     "203.0.113.10",
			ProxyUser:   "shared",
			ProxyPass:   "secret",
			ThrottleRPS: 2,
		},
		store: &db.Controller{},
	}
	port := 1080
	ex := db.Executor{ExecutorID: 1, Name: "alpha", ProxyType: "socks5", ProxyPort: &port}

	options, err := p.clientOptions(ex, tg.NewUpdateDispatcher())
	require.NoError(t, err)
	require.NotNil(t, options.Resolver)
	require.NotNil(t, options.SessionStorage)
	require.Len(t, options.Middlewares, 1)
}

func TestClientOptionsRejectsUnknownProxyType(t *testing.T) {
	t.Parallel()

	p := &Pool{env: config.EnvConfig{ProxyIP: "203.0.113.10"}, store: &db.Controller{}}
	ex := db.Executor{ExecutorID: 1, Name: "alpha", ProxyType: "quic"}

	_, err := p.clientOptions(ex, tg.NewUpdateDispatcher())
	require.Error(t, err)
}
