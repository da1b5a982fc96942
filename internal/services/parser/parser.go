// Пакет parser — ночной приём лидов: вне дневного окна рассылки вычитывает
// целевых пользователей из внешней базы и добавляет новых в основную БД через
// пул (назначение исполнителя и гидрация карточки идут внутри AddUser).
package parser

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/infra/settings"
	"github.com/Erykalkin/Seller-bot/internal/infra/timeutil"
	"github.com/Erykalkin/Seller-bot/internal/source"
	"github.com/Erykalkin/Seller-bot/internal/telegram/pool"
)

// Parser — фоновый цикл приёма лидов.
type Parser struct {
	pool     *pool.Pool
	source   *source.Reader
	settings *settings.Store
}

// New создаёт парсер. source может быть nil, если внешняя база не настроена —
// тогда Run завершается сразу.
func New(p *pool.Pool, src *source.Reader, st *settings.Store) *Parser {
	return &Parser{pool: p, source: src, settings: st}
}

// Run крутит циклы приёма до отмены контекста. Работает только ночью:
// днём исполнители заняты рассылкой и диалогами.
func (p *Parser) Run(ctx context.Context) {
	if p.source == nil {
		logger.Info("parser disabled: no source database configured")
		return
	}
	logger.Info("parser started")

	for {
		cfg := p.settings.Get()
		if !timeutil.InDaytimeWindow(time.Now(), cfg.Location(), cfg.Morning, cfg.Night) {
			p.ingest(ctx)
		}

		period := time.Duration(cfg.UpdateDBPeriod) * time.Second
		if period < 5*time.Second {
			period = 5 * time.Second
		}
		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("parser stopped")
			return
		case <-timer.C:
		}
	}
}

// ingest выполняет один проход: читает целевых пользователей и добавляет
// отсутствующих. Ошибки по строкам логируются и не прерывают проход.
func (p *Parser) ingest(ctx context.Context) {
	prospects, err := p.source.TargetProspects(ctx)
	if err != nil {
		logger.Warn("parser: read source failed", zap.Error(err))
		return
	}

	users := p.pool.Store().Users()
	added := 0
	for _, prospect := range prospects {
		known, err := users.Has(ctx, prospect.UserID)
		if err != nil {
			logger.Warn("parser: check user failed", zap.Int64("user_id", prospect.UserID), zap.Error(err))
			continue
		}
		if known {
			continue
		}

		row := db.User{
			UserID:      prospect.UserID,
			Username:    prospect.Username,
			Phone:       prospect.Telephone,
			DisplayName: prospect.Name,
			Info:        prospect.Info,
		}
		if _, err := p.pool.AddUser(ctx, row, prospect.SourceLink); err != nil {
			logger.Warn("parser: add user failed", zap.Int64("user_id", prospect.UserID), zap.Error(err))
			continue
		}
		added++

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if added > 0 {
		logger.Infof("parser: %d new prospects ingested", added)
	}
}
