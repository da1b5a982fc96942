// Пакет pool — флот MTProto-клиентов исполнителей. Владеет жизненным циклом
// клиентов (ленивое подключение, реестр обработчиков, корректный останов),
// фабрикой ограничений (сон, очереди отложенной работы, backoff) и поверхностью
// отправки: текст, документы, первый контакт по (user_id, access_hash).
//
// Клиент на исполнителя создаётся один раз и живёт до Shutdown или удаления
// аккаунта. Подключение сериализуется пер-исполнительным мьютексом с двойной
// проверкой, чтобы конкурирующие вызовы не поднимали два клиента.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/config"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/infra/settings"
	"github.com/Erykalkin/Seller-bot/internal/telegram/peerscache"
	"github.com/Erykalkin/Seller-bot/internal/telegram/proxy"
)

// connectTimeout ограничивает ожидание готовности клиента при ленивом подключении.
const connectTimeout = 45 * time.Second

// Handler — обработчик входящего сообщения, полученного любым клиентом пула.
// executorID указывает, чей клиент принял апдейт.
type Handler func(ctx context.Context, executorID int64, entities tg.Entities, msg *tg.Message) error

// Client — живой клиент одного исполнителя.
type Client struct {
	ExecutorID int64
	API        *tg.Client

	tg     *telegram.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool — реестр клиентов и точка входа для всей работы с Telegram.
type Pool struct {
	env      config.EnvConfig
	settings *settings.Store
	store    *db.Controller
	peers    *peerscache.Cache
	fabric   *Fabric

	mu       sync.Mutex
	clients  map[int64]*Client
	locks    map[int64]*sync.Mutex
	handlers []Handler

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New собирает пул поверх подключённых зависимостей.
func New(env config.EnvConfig, st *settings.Store, store *db.Controller, peers *peerscache.Cache) *Pool {
	return &Pool{
		env:      env,
		settings: st,
		store:    store,
		peers:    peers,
		fabric:   NewFabric(),
		clients:  make(map[int64]*Client),
		locks:    make(map[int64]*sync.Mutex),
		stopCh:   make(chan struct{}),
	}
}

// Fabric открывает доступ к ограничителю (нужен рантайму диалогов для проверки сна).
func (p *Pool) Fabric() *Fabric { return p.fabric }

// Store открывает доступ к persistence-контроллеру пула.
func (p *Pool) Store() *db.Controller { return p.store }

// Settings возвращает актуальный снимок оперативных настроек.
func (p *Pool) Settings() settings.Settings { return p.settings.Get() }

// AddHandler регистрирует обработчик входящих сообщений. Реестр читается
// динамически, поэтому обработчик действует и на уже подключённые клиенты.
func (p *Pool) AddHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// GetClient возвращает уже подключённый клиент без попытки подключения.
func (p *Pool) GetClient(executorID int64) (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[executorID]
	return c, ok
}

// executorLock возвращает пер-исполнительный мьютекс подключения.
func (p *Pool) executorLock(executorID int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[executorID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[executorID] = lock
	}
	return lock
}

// EnsureClient возвращает подключённый клиент исполнителя, поднимая его при
// необходимости. Подключение выполняется под пер-исполнительным мьютексом с
// двойной проверкой. Успех переводит исполнителя в статус active, провал — в
// disconnected либо proxy_or_auth_failed.
func (p *Pool) EnsureClient(ctx context.Context, executorID int64) (*Client, error) {
	if c, ok := p.GetClient(executorID); ok {
		return c, nil
	}

	lock := p.executorLock(executorID)
	lock.Lock()
	defer lock.Unlock()

	// Второй заход: пока ждали мьютекс, клиент мог подняться.
	if c, ok := p.GetClient(executorID); ok {
		return c, nil
	}

	ex, err := p.store.Executors().Get(ctx, executorID)
	if err != nil {
		return nil, errors.Wrapf(err, "executor %d", executorID)
	}

	client, err := p.connect(ctx, ex)
	if err != nil {
		status := db.StatusDisconnected
		if kind, _ := Classify(err); kind == KindAuth {
			status = db.StatusProxyOrAuthFailed
		}
		if stErr := p.store.Executors().SetStatus(ctx, executorID, status); stErr != nil {
			logger.Warn("set executor status failed", zap.Int64("executor_id", executorID), zap.Error(stErr))
		}
		return nil, err
	}

	if err := p.store.Executors().SetStatus(ctx, executorID, db.StatusActive); err != nil {
		logger.Warn("set executor status failed", zap.Int64("executor_id", executorID), zap.Error(err))
	}

	p.mu.Lock()
	p.clients[executorID] = client
	p.mu.Unlock()
	logger.Info("executor client connected", zap.Int64("executor_id", executorID), zap.String("name", ex.Name))
	return client, nil
}

// clientOptions строит telegram.Options для исполнителя: сессия из БД, прокси
// из строки исполнителя, лимитер запросов и паспорт устройства.
func (p *Pool) clientOptions(ex db.Executor, dispatcher tg.UpdateDispatcher) (telegram.Options, error) {
	desc := proxy.Descriptor{Type: ex.ProxyType}
	if ex.ProxyIP != nil {
		desc.Host = *ex.ProxyIP
	} else {
		desc.Host = p.env.ProxyIP
	}
	if ex.ProxyPort != nil {
		desc.Port = *ex.ProxyPort
	}
	if ex.ProxyUser != nil {
		desc.User = *ex.ProxyUser
	} else {
		desc.User = p.env.ProxyUser
	}
	if ex.ProxyPass != nil {
		desc.Pass = *ex.ProxyPass
	} else {
		desc.Pass = p.env.ProxyPass
	}

	dial, err := proxy.Dialer(desc)
	if err != nil {
		return telegram.Options{}, err
	}

	options := telegram.Options{
		SessionStorage: &dbSessionStorage{repo: p.store.Executors(), executorID: ex.ExecutorID},
		UpdateHandler:  dispatcher,
		Resolver:       dcs.Plain(dcs.PlainOptions{Dial: dcs.DialFunc(dial)}),
		Middlewares: []telegram.Middleware{
			ratelimit.New(
				rate.Limit(p.env.ThrottleRPS),
				p.env.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "1.0.0",
		},
	}
	if p.env.TestDC {
		options.DCList = dcs.Test()
	}
	return options, nil
}

// connect поднимает клиент исполнителя и дожидается авторизованной готовности.
// Клиент живёт в собственной горутине до отмены его контекста.
func (p *Pool) connect(ctx context.Context, ex db.Executor) (*Client, error) {
	dispatcher := tg.NewUpdateDispatcher()
	options, err := p.clientOptions(ex, dispatcher)
	if err != nil {
		return nil, err
	}

	tc := telegram.NewClient(int(ex.APIID), ex.APIHash, options)
	runCtx, cancel := context.WithCancel(context.Background())

	client := &Client{
		ExecutorID: ex.ExecutorID,
		API:        tc.API(),
		tg:         tc,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	dispatcher.OnNewMessage(func(hctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
		msg, ok := update.Message.(*tg.Message)
		if !ok {
			return nil
		}
		return p.dispatch(hctx, ex.ExecutorID, e, msg)
	})

	ready := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		defer close(client.done)
		runErr := tc.Run(runCtx, func(rctx context.Context) error {
			status, authErr := tc.Auth().Status(rctx)
			if authErr != nil {
				return errors.Wrap(authErr, "auth status")
			}
			if !status.Authorized {
				return errors.New("session is not authorized")
			}
			close(ready)
			<-rctx.Done()
			return rctx.Err()
		})
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			select {
			case errCh <- runErr:
			default:
			}
			logger.Warn("executor client stopped",
				zap.Int64("executor_id", ex.ExecutorID), zap.Error(runErr))
		}
	}()

	select {
	case <-ready:
		return client, nil
	case err := <-errCh:
		cancel()
		return nil, errors.Wrapf(err, "connect executor %d", ex.ExecutorID)
	case <-time.After(connectTimeout):
		cancel()
		return nil, errors.Errorf("connect executor %d: timeout", ex.ExecutorID)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// dispatch фильтрует личные текстовые сообщения и раздаёт их по реестру
// обработчиков. Ошибки обработчиков логируются и не прерывают цепочку.
func (p *Pool) dispatch(ctx context.Context, executorID int64, e tg.Entities, msg *tg.Message) error {
	if msg.Out {
		return nil
	}
	if _, ok := msg.PeerID.(*tg.PeerUser); !ok {
		return nil
	}

	p.mu.Lock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, executorID, e, msg); err != nil {
			logger.Warn("message handler failed",
				zap.Int64("executor_id", executorID), zap.Error(err))
		}
	}
	return nil
}

// EvictClient останавливает и убирает клиент исполнителя из кэша (для reload/delete).
func (p *Pool) EvictClient(executorID int64) {
	p.mu.Lock()
	client, ok := p.clients[executorID]
	if ok {
		delete(p.clients, executorID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	client.cancel()
	select {
	case <-client.done:
	case <-time.After(10 * time.Second):
		logger.Warn("client did not stop in time", zap.Int64("executor_id", executorID))
	}
}

// Activate жадно подключает всех исполнителей и блокируется до отмены контекста
// (сигнал останова приходит от supervisors через signal.NotifyContext).
func (p *Pool) Activate(ctx context.Context) error {
	ids, err := p.store.Executors().IDs(ctx)
	if err != nil {
		return errors.Wrap(err, "list executors")
	}
	for _, id := range ids {
		if _, err := p.EnsureClient(ctx, id); err != nil {
			logger.Warn("eager connect failed", zap.Int64("executor_id", id), zap.Error(err))
		}
	}
	logger.Infof("pool activated: %d executors", len(ids))

	<-ctx.Done()
	p.Shutdown()
	return nil
}

// Shutdown останавливает фоновые механизмы в обратном порядке зависимостей:
// будит и глушит фабрику, затем гасит всех клиентов. Идемпотентен.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		logger.Info("pool shutting down")
		close(p.stopCh)
		p.fabric.Stop()

		p.mu.Lock()
		clients := make([]*Client, 0, len(p.clients))
		for _, c := range p.clients {
			clients = append(clients, c)
		}
		p.clients = make(map[int64]*Client)
		p.mu.Unlock()

		for _, c := range clients {
			c.cancel()
		}
		for _, c := range clients {
			select {
			case <-c.done:
			case <-time.After(10 * time.Second):
				logger.Warn("client did not stop in time", zap.Int64("executor_id", c.ExecutorID))
			}
		}
	})
}

// Stopped возвращает канал, закрываемый при останове пула.
func (p *Pool) Stopped() <-chan struct{} { return p.stopCh }
