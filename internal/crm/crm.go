// Пакет crm отправляет согласившихся клиентов в очередь формы amoCRM.
// Интеграция односторонняя: POST формы с данными клиента; ответ 200 означает,
// что заявка принята в очередь (подтверждения создания сделки нет).
package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/Erykalkin/Seller-bot/internal/infra/throttle"
)

// queueURL — очередь приёма форм amoCRM.
const queueURL = "https://forms.amocrm.ru/queue/add"

// Идентификаторы полей формы. Заданы конструктором формы на стороне amoCRM
// и фиксированы для конкретной формы.
const (
	fieldName     = "fields[name_1]"
	fieldPhone    = "fields[581821_1][521181]"
	fieldNote     = "fields[note_2]"
	fieldTelegram = "fields[656491_1]"
)

// Client отправляет заявки в amoCRM. Повторные попытки и ограничение частоты
// идут через общий троттлер.
type Client struct {
	httpClient *http.Client
	throttler  *throttle.Throttler

	formID   string
	formHash string
	referer  string
	timezone string

	// baseURL подменяется в тестах.
	baseURL string
	now     func() time.Time
}

// Lead — данные заявки. Telegram — username клиента, Note — сводка диалога.
type Lead struct {
	Name     string
	Phone    string
	Note     string
	Telegram string
}

// New создаёт клиент CRM. formID, formHash и referer берутся из окружения;
// пустые значения означают, что интеграция выключена.
func New(formID, formHash, referer, timezone string) *Client {
	t := throttle.New(1, throttle.WithMaxRetries(3))
	t.Start(context.Background())
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		throttler:  t,
		formID:     formID,
		formHash:   formHash,
		referer:    referer,
		timezone:   timezone,
		baseURL:    queueURL,
		now:        time.Now,
	}
}

// Enabled сообщает, настроена ли интеграция.
func (c *Client) Enabled() bool {
	return c.formID != "" && c.formHash != ""
}

// Close останавливает троттлер клиента.
func (c *Client) Close() {
	c.throttler.Stop()
}

// Submit отправляет заявку. Каждая отправка несёт три одноразовых UUID,
// имитирующих сессию посетителя формы.
func (c *Client) Submit(ctx context.Context, lead Lead) error {
	if !c.Enabled() {
		return errors.New("crm: integration is not configured")
	}

	origin, err := json.Marshal(map[string]string{
		"datetime": c.now().Format("Mon Jan 02 2006 15:04:05 GMT-0700"),
		"timezone": c.timezone,
		"referer":  c.referer,
	})
	if err != nil {
		return errors.Wrap(err, "marshal user origin")
	}

	form := url.Values{}
	form.Set(fieldName, lead.Name)
	form.Set(fieldPhone, lead.Phone)
	form.Set(fieldNote, lead.Note)
	form.Set(fieldTelegram, lead.Telegram)
	form.Set("form_id", c.formID)
	form.Set("hash", c.formHash)
	form.Set("user_origin", string(origin))
	form.Set("visitor_uid", uuid.NewString())
	form.Set("form_request_id", uuid.NewString())
	form.Set("gso_session_uid", uuid.NewString())

	return c.throttler.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return errors.Wrap(err, "build crm request")
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", "https://forms.amocrm.ru")
		req.Header.Set("Referer", c.referer)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "post crm form")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("crm queue returned %d", resp.StatusCode)
		}
		return nil
	})
}
