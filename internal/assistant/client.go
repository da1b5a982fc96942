// Пакет assistant — клиент OpenAI-совместимого Responses API и диспетчер
// инструментов. Диалог с каждым клиентом живёт в серверной conversation,
// идентификатор которой хранится в users.conversation_id: история не
// пересылается с каждым запросом, контекст накапливается на стороне API.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/infra/throttle"
)

// maxToolRounds ограничивает цепочку вызовов инструментов в одном обращении:
// модель, зациклившаяся на инструментах, не должна вешать рантайм.
const maxToolRounds = 5

const defaultTemperature = 0.7

// Assistant — клиент диалогового ассистента.
type Assistant struct {
	httpClient *http.Client
	throttler  *throttle.Throttler

	apiKey       string
	model        string
	baseURL      string
	instructions string

	users   *db.UsersRepo
	tools   *Toolset
	dialogs *DialogLog
}

// New собирает ассистента: читает системный промпт, справочник ссылок и
// привязывает инструменты к БД и CRM.
func New(apiKey, model, baseURL, promptFile string, users *db.UsersRepo, tools *Toolset, dialogs *DialogLog) (*Assistant, error) {
	prompt, err := os.ReadFile(promptFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read prompt file %s", promptFile)
	}

	t := throttle.New(2, throttle.WithMaxRetries(3), throttle.WithWaitExtractors(retryAfterWait))
	t.Start(context.Background())

	return &Assistant{
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		throttler:    t,
		apiKey:       apiKey,
		model:        model,
		baseURL:      baseURL,
		instructions: string(prompt),
		users:        users,
		tools:        tools,
		dialogs:      dialogs,
	}, nil
}

// Close останавливает троттлер ассистента.
func (a *Assistant) Close() {
	a.throttler.Stop()
}

// Respond отправляет вход в conversation клиента и возвращает структурированный
// ответ. Вызовы инструментов выполняются и досылаются, пока модель не ответит
// обычным сообщением.
func (a *Assistant) Respond(ctx context.Context, userID int64, input string) (Reply, error) {
	conv, err := a.conversation(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	return a.respondIn(ctx, conv, userID, input)
}

// respondIn гоняет цикл инструментов внутри готовой conversation.
func (a *Assistant) respondIn(ctx context.Context, conv string, userID int64, input string) (Reply, error) {
	a.dialogs.Append(userID, "USER", input)
	items := []inputItem{userMessage(input)}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.createResponse(ctx, conv, items)
		if err != nil {
			return Reply{}, err
		}

		calls := resp.functionCalls()
		if len(calls) == 0 {
			text := resp.outputText()
			a.dialogs.Append(userID, "ASSISTANT", text)
			return ParseReply(text)
		}

		items = items[:0]
		for _, call := range calls {
			output := a.tools.Dispatch(ctx, userID, call.Name, call.Arguments)
			a.dialogs.Append(userID, "TOOL", fmt.Sprintf("%s(%s) -> %s", call.Name, call.Arguments, output))
			items = append(items, functionCallOutput(call.CallID, output))
		}
	}
	return Reply{}, errors.Errorf("assistant for user %d did not converge after %d tool rounds", userID, maxToolRounds)
}

// conversation возвращает conversation_id клиента, создавая беседу при первом
// обращении и сохраняя идентификатор в БД.
func (a *Assistant) conversation(ctx context.Context, userID int64) (string, error) {
	user, err := a.users.Get(ctx, userID)
	if err != nil {
		return "", errors.Wrapf(err, "load user %d", userID)
	}
	if user.ConversationID != nil && *user.ConversationID != "" {
		return *user.ConversationID, nil
	}

	var conv conversationResponse
	if err := a.post(ctx, "/conversations", map[string]any{}, &conv); err != nil {
		return "", errors.Wrap(err, "create conversation")
	}
	if conv.ID == "" {
		return "", errors.New("conversation id is empty")
	}

	if err := a.users.UpdateParam(ctx, userID, "conversation_id", conv.ID); err != nil {
		return "", errors.Wrapf(err, "store conversation id for user %d", userID)
	}
	logger.Debug("conversation created", zap.Int64("user_id", userID), zap.String("conversation_id", conv.ID))
	return conv.ID, nil
}

// createResponse выполняет один запрос к /responses.
func (a *Assistant) createResponse(ctx context.Context, conv string, items []inputItem) (response, error) {
	req := responseRequest{
		Model:             a.model,
		Conversation:      conv,
		Instructions:      a.instructions,
		Input:             items,
		Tools:             toolDefs(),
		Text:              replyFormat(),
		Temperature:       defaultTemperature,
		ParallelToolCalls: false,
		Store:             true,
	}

	var resp response
	if err := a.post(ctx, "/responses", req, &resp); err != nil {
		return response{}, err
	}
	if resp.Error != nil {
		return response{}, errors.Errorf("assistant response error: %s", resp.Error.Message)
	}
	if resp.Status != "" && resp.Status != "completed" {
		return response{}, errors.Errorf("assistant response status %q", resp.Status)
	}
	return resp, nil
}

// post — общий HTTP-путь: marshal, запрос с Bearer-авторизацией, decode.
// Повторные попытки и ограничение частоты берёт на себя троттлер.
func (a *Assistant) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	return a.throttler.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.apiKey)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "post "+path)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &httpError{status: resp.StatusCode, body: string(raw), retryAfter: resp.Header.Get("Retry-After")}
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// httpError переносит статус и Retry-After до WaitExtractor троттлера.
type httpError struct {
	status     int
	body       string
	retryAfter string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("assistant api: status %d: %s", e.status, e.body)
}

// StopRetry: клиентские ошибки, кроме 429, повторять бессмысленно.
func (e *httpError) StopRetry() bool {
	return e.status >= 400 && e.status < 500 && e.status != http.StatusTooManyRequests
}

// retryAfterWait извлекает серверную паузу из заголовка Retry-After.
func retryAfterWait(err error) (time.Duration, bool) {
	var he *httpError
	if !errors.As(err, &he) || he.retryAfter == "" {
		return 0, false
	}
	var seconds int
	if _, scanErr := fmt.Sscanf(he.retryAfter, "%d", &seconds); scanErr != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// toolDefs — декларации инструментов, которые видит модель.
func toolDefs() []toolDef {
	return []toolDef{
		{
			Type:        "function",
			Name:        "get_link",
			Description: "Возвращает ссылку из справочника по цепочке ключей.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"keys": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"keys"},
			},
		},
		{
			Type:        "function",
			Name:        "save_user_phone",
			Description: "Сохраняет телефон клиента.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phone": map[string]any{"type": "string"},
				},
				"required": []string{"phone"},
			},
		},
		{
			Type:        "function",
			Name:        "save_user_name",
			Description: "Сохраняет имя клиента.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
				},
				"required": []string{"name"},
			},
		},
		{
			Type:        "function",
			Name:        "ban_user",
			Description: "Прекращает общение с клиентом навсегда.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Type:        "function",
			Name:        "process_user_agreement",
			Description: "Фиксирует согласие клиента и передаёт сводку диалога менеджерам.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string"},
				},
				"required": []string{"summary"},
			},
		},
	}
}

// replyFormat — JSON-схема структурированного ответа.
func replyFormat() *textFormat {
	return &textFormat{Format: map[string]any{
		"type": "json_schema",
		"name": "dialog_reply",
		"schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"answer": map[string]any{"type": "string"},
				"send":   map[string]any{"type": "boolean"},
				"file":   map[string]any{"type": "boolean"},
				"wait":   map[string]any{"type": "boolean"},
				"reply":  map[string]any{"type": "integer"},
			},
			"required":             []string{"answer", "send", "file", "wait", "reply"},
			"additionalProperties": false,
		},
		"strict": true,
	}}
}
