package pool

import (
	"context"
	"math/rand/v2"
	"mime"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
)

// SendOptions — параметры отправки.
type SendOptions struct {
	// ReplyTo — id сообщения клиента, на которое нужно ответить (0 — без reply).
	ReplyTo int
	// First включает путь первого контакта: peer строится напрямую из
	// (user_id, access_hash) из БД, без истории диалога.
	First bool
	// ExecutorID задаёт исполнителя явно; 0 — взять закреплённого за клиентом.
	ExecutorID int64
}

// SendText отправляет клиенту текст. Если исполнитель спит, отправка уходит в
// очередь отложенной работы и повторится после пробуждения; это не ошибка.
// Ошибки API классифицируются: троттлинг усыпляет исполнителя и повторяет
// отправку, терминальные ошибки меняют состояние клиента и возвращаются вызывающему.
func (p *Pool) SendText(ctx context.Context, userID int64, text string, opts SendOptions) error {
	return p.deliver(ctx, userID, opts, func(sctx context.Context, c *Client, peer *tg.InputPeerUser) error {
		req := &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  text,
			RandomID: rand.Int64(), // #nosec G404
		}
		if opts.ReplyTo != 0 {
			req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: opts.ReplyTo})
		}
		_, err := c.API.MessagesSendMessage(sctx, req)
		return err
	})
}

// SendDocument отправляет клиенту документ с подписью.
func (p *Pool) SendDocument(ctx context.Context, userID int64, path, caption string, opts SendOptions) error {
	return p.deliver(ctx, userID, opts, func(sctx context.Context, c *Client, peer *tg.InputPeerUser) error {
		up := uploader.NewUploader(c.API)
		file, err := up.FromPath(sctx, path)
		if err != nil {
			return errors.Wrapf(err, "upload %s", path)
		}

		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		media := &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: mimeType,
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeFilename{FileName: filepath.Base(path)},
			},
		}

		req := &tg.MessagesSendMediaRequest{
			Peer:     peer,
			Media:    media,
			Message:  caption,
			RandomID: rand.Int64(), // #nosec G404
		}
		if opts.ReplyTo != 0 {
			req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: opts.ReplyTo})
		}
		_, err = c.API.MessagesSendMedia(sctx, req)
		return err
	})
}

// Typing отправляет индикатор «печатает...» в диалог с клиентом.
func (p *Pool) Typing(ctx context.Context, executorID, userID int64) error {
	c, err := p.EnsureClient(ctx, executorID)
	if err != nil {
		return err
	}
	peer, err := p.ConnectUser(ctx, c, userID, nil)
	if err != nil {
		return err
	}
	_, err = c.API.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageTypingAction{},
	})
	return err
}

// MarkRead помечает входящие от клиента как прочитанные.
func (p *Pool) MarkRead(ctx context.Context, executorID, userID int64) error {
	c, err := p.EnsureClient(ctx, executorID)
	if err != nil {
		return err
	}
	peer, err := p.ConnectUser(ctx, c, userID, nil)
	if err != nil {
		return err
	}
	_, err = c.API.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{Peer: peer})
	return err
}

// deliver — общий путь отправки: разрешение исполнителя, проверка сна,
// подключение, разрешение peer, вызов send и классификация ошибки.
func (p *Pool) deliver(
	ctx context.Context,
	userID int64,
	opts SendOptions,
	send func(ctx context.Context, c *Client, peer *tg.InputPeerUser) error,
) error {
	executorID := opts.ExecutorID
	if executorID == 0 {
		user, err := p.store.Users().Get(ctx, userID)
		if err != nil {
			return errors.Wrapf(err, "resolve executor for user %d", userID)
		}
		if user.ExecutorID == nil {
			return errors.Errorf("user %d has no executor assigned", userID)
		}
		executorID = *user.ExecutorID
	}

	// Спящий исполнитель: работа уходит в очередь и повторится после пробуждения.
	if p.fabric.Sleeping(executorID) {
		p.enqueueRetry(executorID, userID, opts, send)
		return nil
	}

	c, err := p.EnsureClient(ctx, executorID)
	if err != nil {
		return err
	}

	peer, err := p.resolvePeer(ctx, c, userID, opts.First)
	if err != nil {
		return err
	}

	sendErr := send(ctx, c, peer)
	if sendErr == nil {
		p.fabric.ResetBackoff(executorID)
		now := time.Now().Unix()
		if err := p.store.Executors().TouchLastMessage(ctx, executorID, now); err != nil {
			logger.Warn("touch executor timestamp failed", zap.Int64("executor_id", executorID), zap.Error(err))
		}
		return nil
	}

	return p.absorb(ctx, executorID, userID, opts, send, sendErr)
}

// absorb переводит ошибку API в действие: сон + повтор, либо изменение состояния
// клиента/исполнителя. Повторяемые случаи возвращают nil (отправка не потеряна,
// она в очереди); терминальные — ошибку вызывающему.
func (p *Pool) absorb(
	ctx context.Context,
	executorID, userID int64,
	opts SendOptions,
	send func(ctx context.Context, c *Client, peer *tg.InputPeerUser) error,
	sendErr error,
) error {
	kind, wait := Classify(sendErr)
	switch kind {
	case KindThrottled:
		// Точная пауза от сервера: backoff не трогаем.
		logger.Warn("send throttled",
			zap.Int64("executor_id", executorID), zap.Duration("wait", wait))
		p.fabric.Sleep(executorID, wait)
		p.enqueueRetry(executorID, userID, opts, send)
		return nil

	case KindPeerFlood:
		// Статус исполнителя не меняется: лимит временный, после сна
		// исполнитель возвращается в ротацию сам.
		backoff := p.fabric.Backoff(executorID)
		logger.Warn("peer flood, backing off",
			zap.Int64("executor_id", executorID), zap.Duration("backoff", backoff))
		p.fabric.Sleep(executorID, backoff)
		p.fabric.GrowBackoff(executorID)
		p.enqueueRetry(executorID, userID, opts, send)
		return nil

	case KindBlocked:
		if err := p.store.Users().UpdateParam(ctx, userID, "banned", true); err != nil {
			logger.Warn("mark user banned failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return errors.Wrapf(sendErr, "user %d blocked the executor", userID)

	case KindPremiumRequired:
		if err := p.store.Users().RotateDown(ctx, userID); err != nil {
			logger.Warn("rotate user down failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return errors.Wrapf(sendErr, "user %d requires premium", userID)

	case KindAuth:
		if err := p.store.Executors().SetStatus(ctx, executorID, db.StatusProxyOrAuthFailed); err != nil {
			logger.Warn("set executor status failed", zap.Int64("executor_id", executorID), zap.Error(err))
		}
		p.EvictClient(executorID)
		return errors.Wrapf(sendErr, "executor %d auth failed", executorID)

	default:
		if err := p.store.Users().RotateDown(ctx, userID); err != nil {
			logger.Warn("rotate user down failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return errors.Wrapf(sendErr, "send to user %d", userID)
	}
}

// enqueueRetry ставит повтор отправки в очередь исполнителя. Повтор проходит полный
// путь deliver заново: к моменту пробуждения состояние могло измениться.
func (p *Pool) enqueueRetry(
	executorID, userID int64,
	opts SendOptions,
	send func(ctx context.Context, c *Client, peer *tg.InputPeerUser) error,
) {
	opts.ExecutorID = executorID
	p.fabric.Enqueue(executorID, func(dctx context.Context) error {
		return p.deliver(dctx, userID, opts, send)
	})
}

// resolvePeer выбирает способ получения peer: при первом контакте peer строится
// из сохранённого access_hash без обращения к истории; иначе — через ConnectUser.
func (p *Pool) resolvePeer(ctx context.Context, c *Client, userID int64, first bool) (*tg.InputPeerUser, error) {
	if first {
		user, err := p.store.Users().Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user.AccessHash == nil {
			return nil, errors.Errorf("user %d has no access hash for first contact", userID)
		}
		return &tg.InputPeerUser{UserID: userID, AccessHash: *user.AccessHash}, nil
	}
	return p.ConnectUser(ctx, c, userID, nil)
}
