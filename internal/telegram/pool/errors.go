package pool

import (
	"time"

	"github.com/gotd/td/tgerr"
)

// Kind — поведенческая классификация ошибок отправки. Важно именно поведение
// (что делать дальше), а не конкретный код ошибки API.
type Kind int

const (
	// KindOther — неклассифицированная ошибка: фиксируем неудачу по клиенту, не повторяем.
	KindOther Kind = iota
	// KindThrottled — сервер прислал точную паузу: спим ровно столько и повторяем.
	KindThrottled
	// KindPeerFlood — аккаунт шлёт слишком активно: спим текущий backoff и наращиваем его.
	KindPeerFlood
	// KindBlocked — получатель заблокировал аккаунт: пометить banned, не повторять.
	KindBlocked
	// KindPremiumRequired — получатель принимает сообщения только от premium: неудача по клиенту.
	KindPremiumRequired
	// KindAuth — сессия исполнителя недействительна: вывести аккаунт из ротации.
	KindAuth
)

// Classify сопоставляет ошибку API с поведением отправщика. Для KindThrottled
// вторым значением возвращается требуемая сервером пауза.
func Classify(err error) (Kind, time.Duration) {
	if err == nil {
		return KindOther, 0
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return KindThrottled, wait
	}
	if tgerr.Is(err, "PEER_FLOOD") {
		return KindPeerFlood, 0
	}
	if tgerr.Is(err, "USER_IS_BLOCKED", "YOU_BLOCKED_USER", "INPUT_USER_DEACTIVATED") {
		return KindBlocked, 0
	}
	if tgerr.Is(err, "PRIVACY_PREMIUM_REQUIRED") {
		return KindPremiumRequired, 0
	}
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN") {
		return KindAuth, 0
	}
	return KindOther, 0
}
