package pool

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
)

// AddUser вставляет клиента в БД, назначает исполнителя и гидрирует карточку
// (access_hash, username, phone) через клиент назначенного исполнителя.
// link — ссылка на сообщение-источник; по ней можно восстановить access_hash,
// когда клиент сам ещё ни разу не писал аккаунту. Ошибки гидрации не фатальны:
// клиент остаётся в БД и будет дозаполнен позже. Возвращает назначенный executor_id.
func (p *Pool) AddUser(ctx context.Context, u db.User, link string) (int64, error) {
	if _, err := p.store.Users().Add(ctx, u); err != nil {
		return 0, err
	}

	assigned, err := p.store.Users().AssignExecutor(ctx, u.UserID, u.ExecutorID)
	if err != nil {
		return 0, errors.Wrapf(err, "assign executor for user %d", u.UserID)
	}

	c, err := p.EnsureClient(ctx, assigned)
	if err != nil {
		logger.Warn("add_user: executor client unavailable, hydration skipped",
			zap.Int64("user_id", u.UserID), zap.Int64("executor_id", assigned), zap.Error(err))
		return assigned, nil
	}

	if err := p.hydrateUser(ctx, c, u.UserID, u.AccessHash, link); err != nil {
		logger.Warn("add_user: hydration failed",
			zap.Int64("user_id", u.UserID), zap.Error(err))
	}
	return assigned, nil
}

// hydrateUser дозаполняет access_hash, username и phone клиента.
// Порядок получения access_hash: явно переданный → по ссылке на сообщение →
// сохранённый в БД → прямой resolve (сработает, только если клиент писал первым).
func (p *Pool) hydrateUser(ctx context.Context, c *Client, userID int64, accessHash *int64, link string) error {
	var hash int64
	switch {
	case accessHash != nil:
		hash = *accessHash
	case link != "":
		uid, h, err := p.AccessHashViaDiscussion(ctx, c, link)
		if err != nil {
			logger.Debug("access hash via discussion failed",
				zap.Int64("user_id", userID), zap.String("link", link), zap.Error(err))
		} else if uid != userID {
			logger.Warn("discussion author mismatch",
				zap.Int64("user_id", userID), zap.Int64("found", uid))
		} else {
			hash = h
		}
	}

	user, err := p.resolveFullUser(ctx, c, userID, hash)
	if err != nil {
		return err
	}

	users := p.store.Users()
	if user.AccessHash != 0 {
		if err := users.UpdateParam(ctx, userID, "access_hash", user.AccessHash); err != nil {
			return err
		}
		if err := p.peers.Put(c.ExecutorID, userID, user.AccessHash); err != nil {
			logger.Warn("peers cache put failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	if err := users.UpdateParam(ctx, userID, "username", displayUsername(user)); err != nil {
		return err
	}
	if name := strings.TrimSpace(user.FirstName + " " + user.LastName); name != "" {
		if err := users.UpdateParam(ctx, userID, "display_name", name); err != nil {
			return err
		}
	}
	if user.Phone != "" {
		phone := "+" + user.Phone
		if err := users.UpdateParam(ctx, userID, "phone", phone); err != nil {
			return err
		}
		// Телефон добавляется к info: ассистент видит его в контексте знакомства.
		if cur, err := users.GetParam(ctx, userID, "info"); err == nil {
			info, _ := cur.(string)
			_ = users.UpdateParam(ctx, userID, "info", info+"\n\nTG phone NUMBER: "+phone)
		}
	}
	return nil
}

// ConnectUser разрешает клиента в tg.InputPeerUser. Порядок: явный hash →
// кэш пиров → БД → resolve с нулевым хэшем (допустим, если диалог уже существует).
// Успешное разрешение обновляет кэш пиров.
func (p *Pool) ConnectUser(ctx context.Context, c *Client, userID int64, accessHash *int64) (*tg.InputPeerUser, error) {
	var hash int64
	switch {
	case accessHash != nil:
		hash = *accessHash
	default:
		if cached, ok, err := p.peers.Get(c.ExecutorID, userID); err == nil && ok {
			hash = cached
		} else if raw, err := p.store.Users().GetParam(ctx, userID, "access_hash"); err == nil {
			if stored, ok := raw.(int64); ok {
				hash = stored
			}
		}
	}

	user, err := p.resolveFullUser(ctx, c, userID, hash)
	if err != nil {
		return nil, errors.Wrapf(err, "connect user %d", userID)
	}
	if user.AccessHash != 0 && user.AccessHash != hash {
		if err := p.peers.Put(c.ExecutorID, userID, user.AccessHash); err != nil {
			logger.Warn("peers cache put failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, nil
}

// resolveFullUser выполняет users.getUsers и возвращает полную карточку.
func (p *Pool) resolveFullUser(ctx context.Context, c *Client, userID, accessHash int64) (*tg.User, error) {
	res, err := c.API.UsersGetUsers(ctx, []tg.InputUserClass{
		&tg.InputUser{UserID: userID, AccessHash: accessHash},
	})
	if err != nil {
		return nil, errors.Wrap(err, "users.getUsers")
	}
	if len(res) == 0 {
		return nil, errors.Errorf("user %d not found", userID)
	}
	user, ok := res[0].(*tg.User)
	if !ok {
		return nil, errors.Errorf("unexpected user class %T", res[0])
	}
	return user, nil
}

// displayUsername возвращает username, телефон или синтетическое имя —
// в порядке убывания полезности для оператора.
func displayUsername(u *tg.User) string {
	if u.Username != "" {
		return u.Username
	}
	if u.Phone != "" {
		return "+" + u.Phone
	}
	return fmt.Sprintf("User_id_%d", u.ID)
}

// AccessHashViaDiscussion восстанавливает (user_id, access_hash) автора сообщения
// по публичной ссылке. Поддерживаются формы:
//   - https://t.me/<username>/<msg_id>
//   - https://t.me/<username>/<post_id>?comment=<comment_id>
//
// Во втором случае пост сперва разрешается в сообщение обсуждения, и комментарий
// читается уже из discussion-канала.
func (p *Pool) AccessHashViaDiscussion(ctx context.Context, c *Client, link string) (int64, int64, error) {
	username, primaryID, commentID, err := parseMessageLink(link)
	if err != nil {
		return 0, 0, err
	}

	channel, err := resolveChannel(ctx, c.API, username)
	if err != nil {
		return 0, 0, err
	}

	target := channel
	msgID := primaryID
	if commentID != 0 {
		discussion, err := c.API.MessagesGetDiscussionMessage(ctx, &tg.MessagesGetDiscussionMessageRequest{
			Peer:  &tg.InputPeerChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash},
			MsgID: primaryID,
		})
		if err != nil {
			return 0, 0, errors.Wrap(err, "get discussion message")
		}
		dc, ok := discussionChannel(discussion.Chats)
		if !ok {
			return 0, 0, errors.New("discussion channel not found in response")
		}
		target = dc
		msgID = commentID
	}

	res, err := c.API.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: target,
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}},
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "channels.getMessages")
	}
	channelMsgs, ok := res.(*tg.MessagesChannelMessages)
	if !ok {
		return 0, 0, errors.Errorf("unexpected messages class %T", res)
	}
	if len(channelMsgs.Messages) == 0 {
		return 0, 0, errors.New("message not found")
	}
	msg, ok := channelMsgs.Messages[0].(*tg.Message)
	if !ok {
		return 0, 0, errors.Errorf("unexpected message class %T", channelMsgs.Messages[0])
	}
	author, ok := msg.FromID.(*tg.PeerUser)
	if !ok {
		return 0, 0, errors.New("message author is not a user")
	}

	for _, uc := range channelMsgs.Users {
		if u, ok := uc.(*tg.User); ok && u.ID == author.UserID && u.AccessHash != 0 {
			return u.ID, u.AccessHash, nil
		}
	}
	return 0, 0, errors.Errorf("access hash for user %d not present in response", author.UserID)
}

// resolveChannel разрешает username в InputChannel.
func resolveChannel(ctx context.Context, api *tg.Client, username string) (*tg.InputChannel, error) {
	res, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", username)
	}
	for _, chat := range res.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
		}
	}
	return nil, errors.Errorf("%q is not a channel", username)
}

// discussionChannel находит канал обсуждения в списке чатов ответа.
func discussionChannel(chats []tg.ChatClass) (*tg.InputChannel, bool) {
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok && ch.Megagroup {
			return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true
		}
	}
	return nil, false
}

// parseMessageLink разбирает t.me-ссылку на сообщение.
func parseMessageLink(link string) (username string, msgID, commentID int, err error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", 0, 0, errors.Wrap(err, "parse link")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", 0, 0, errors.Errorf("link %q has no message id", link)
	}
	username = parts[0]
	msgID, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, errors.Errorf("link %q has invalid message id", link)
	}
	if raw := u.Query().Get("comment"); raw != "" {
		commentID, err = strconv.Atoi(raw)
		if err != nil {
			return "", 0, 0, errors.Errorf("link %q has invalid comment id", link)
		}
	}
	return username, msgID, commentID, nil
}
