package pool

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	tgauth "github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/telegram/auth"
	"github.com/Erykalkin/Seller-bot/internal/telegram/proxy"
)

// ExecutorSpec — данные для выпуска нового аккаунта рассылки. executor_id
// заранее неизвестен: Telegram сообщает его только после успешного логина.
type ExecutorSpec struct {
	Name    string
	Phone   string
	APIID   int64
	APIHash string

	ProxyIP   string
	ProxyPort int
	ProxyType string
	ProxyUser string
	ProxyPass string
}

// AddExecutor проводит интерактивный вход нового аккаунта (код и 2FA читаются
// из консоли оператора), узнаёт executor_id у Telegram и сохраняет строку в БД
// вместе с выпущенной сессией. Возвращает executor_id.
func (p *Pool) AddExecutor(ctx context.Context, spec ExecutorSpec) (int64, error) {
	if spec.Name == "" || spec.Phone == "" || spec.APIID == 0 || spec.APIHash == "" {
		return 0, errors.New("name, phone, api_id and api_hash are required")
	}

	id, sessionData, err := p.issueSession(ctx, spec)
	if err != nil {
		return 0, err
	}

	row := db.Executor{
		ExecutorID:    id,
		Name:          spec.Name,
		Phone:         &spec.Phone,
		APIID:         spec.APIID,
		APIHash:       spec.APIHash,
		SessionString: encodeSession(sessionData),
		Status:        db.StatusActive,
		ProxyType:     spec.ProxyType,
	}
	if spec.ProxyIP != "" {
		row.ProxyIP = &spec.ProxyIP
	}
	if spec.ProxyPort != 0 {
		row.ProxyPort = &spec.ProxyPort
	}
	if spec.ProxyUser != "" {
		row.ProxyUser = &spec.ProxyUser
	}
	if spec.ProxyPass != "" {
		row.ProxyPass = &spec.ProxyPass
	}

	if _, err := p.store.Executors().Add(ctx, row); err != nil {
		return 0, errors.Wrapf(err, "store executor %q", spec.Name)
	}
	logger.Info("executor added", zap.Int64("executor_id", id), zap.String("name", spec.Name))
	return id, nil
}

// ReloadExecutor перевыпускает сессию существующего исполнителя: гасит клиент,
// проводит интерактивный вход заново и возвращает статус active. Применяется
// после proxy_or_auth_failed.
func (p *Pool) ReloadExecutor(ctx context.Context, executorID int64) error {
	ex, err := p.store.Executors().Get(ctx, executorID)
	if err != nil {
		return errors.Wrapf(err, "executor %d", executorID)
	}
	if ex.Phone == nil || *ex.Phone == "" {
		return errors.Errorf("executor %d has no phone on record", executorID)
	}

	p.EvictClient(executorID)

	spec := ExecutorSpec{
		Name:      ex.Name,
		Phone:     *ex.Phone,
		APIID:     ex.APIID,
		APIHash:   ex.APIHash,
		ProxyType: ex.ProxyType,
	}
	if ex.ProxyIP != nil {
		spec.ProxyIP = *ex.ProxyIP
	}
	if ex.ProxyPort != nil {
		spec.ProxyPort = *ex.ProxyPort
	}
	if ex.ProxyUser != nil {
		spec.ProxyUser = *ex.ProxyUser
	}
	if ex.ProxyPass != nil {
		spec.ProxyPass = *ex.ProxyPass
	}

	id, sessionData, err := p.issueSession(ctx, spec)
	if err != nil {
		return err
	}
	if id != executorID {
		return errors.Errorf("phone %s belongs to account %d, not %d", spec.Phone, id, executorID)
	}

	if err := p.store.Executors().StoreSessionString(ctx, executorID, encodeSession(sessionData)); err != nil {
		return err
	}
	if err := p.store.Executors().SetStatus(ctx, executorID, db.StatusActive); err != nil {
		return err
	}
	logger.Info("executor session reissued", zap.Int64("executor_id", executorID))
	return nil
}

// DeleteExecutor выводит аккаунт из флота: гасит клиент, чистит состояние
// фабрики и кэш пиров, удаляет строку из БД. Закреплённые клиенты остаются
// с NULL-исполнителем и будут перераспределены при следующем контакте.
func (p *Pool) DeleteExecutor(ctx context.Context, executorID int64, name string) error {
	if executorID == 0 && name != "" {
		ex, err := p.store.Executors().GetByName(ctx, name)
		if err != nil {
			return err
		}
		executorID = ex.ExecutorID
	}

	p.EvictClient(executorID)
	p.fabric.Drop(executorID)
	if err := p.peers.DropExecutor(executorID); err != nil {
		logger.Warn("peers cache cleanup failed", zap.Int64("executor_id", executorID), zap.Error(err))
	}

	ok, err := p.store.Executors().Delete(ctx, executorID, name)
	if err != nil {
		return err
	}
	if !ok {
		return db.ErrNotFound
	}
	logger.Info("executor deleted", zap.Int64("executor_id", executorID))
	return nil
}

// issueSession поднимает временный клиент с памятью вместо БД, проходит полный
// интерактивный вход и возвращает (executor_id, сырые байты сессии).
func (p *Pool) issueSession(ctx context.Context, spec ExecutorSpec) (int64, []byte, error) {
	desc := proxy.Descriptor{
		Type: spec.ProxyType,
		Host: spec.ProxyIP,
		Port: spec.ProxyPort,
		User: spec.ProxyUser,
		Pass: spec.ProxyPass,
	}
	if desc.Host == "" {
		desc.Host = p.env.ProxyIP
		desc.User = p.env.ProxyUser
		desc.Pass = p.env.ProxyPass
	}
	dial, err := proxy.Dialer(desc)
	if err != nil {
		return 0, nil, err
	}

	mem := &memorySession{}
	options := telegram.Options{
		SessionStorage: mem,
		Resolver:       dcs.Plain(dcs.PlainOptions{Dial: dcs.DialFunc(dial)}),
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "1.0.0",
		},
	}
	if p.env.TestDC {
		options.DCList = dcs.Test()
	}

	tc := telegram.NewClient(int(spec.APIID), spec.APIHash, options)
	flow := tgauth.NewFlow(
		auth.TerminalAuthenticator{PhoneNumber: spec.Phone},
		tgauth.SendCodeOptions{},
	)

	var selfID int64
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	err = tc.Run(runCtx, func(rctx context.Context) error {
		if err := tc.Auth().IfNecessary(rctx, flow); err != nil {
			return errors.Wrap(err, "auth flow")
		}
		self, err := tc.Self(rctx)
		if err != nil {
			return errors.Wrap(err, "fetch self")
		}
		selfID = self.ID
		return nil
	})
	if err != nil {
		return 0, nil, errors.Wrapf(err, "issue session for %s", spec.Phone)
	}
	if len(mem.data) == 0 {
		return 0, nil, errors.New("login produced no session data")
	}
	return selfID, mem.data, nil
}
