package assistant

import (
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
)

// Reply — структурированный ответ ассистента, который рантайм диалога
// превращает в действия: отправить текст, отправить каталог, ждать ответа
// клиента, ответить на конкретное сообщение.
type Reply struct {
	Answer string `json:"answer"`
	Send   bool   `json:"send"`
	File   bool   `json:"file"`
	Wait   bool   `json:"wait"`
	Reply  int    `json:"reply"`
}

// ParseReply разбирает output_text ответа в Reply. Модель изредка оборачивает
// JSON в markdown-ограждение; такие случаи вычищаются до разбора.
func ParseReply(raw string) (Reply, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var r Reply
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Reply{}, errors.Wrapf(err, "parse assistant reply %q", raw)
	}
	return r, nil
}

// Проводные типы Responses API (подмножество, которое использует движок).

type conversationResponse struct {
	ID string `json:"id"`
}

// inputItem — элемент входа: сообщение пользователя либо результат вызова
// инструмента. Поля перекрываются, сериализуются только заполненные.
type inputItem struct {
	Type    string `json:"type,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Output  string `json:"output,omitempty"`
}

func userMessage(text string) inputItem {
	return inputItem{Role: "user", Content: text}
}

func functionCallOutput(callID, output string) inputItem {
	return inputItem{Type: "function_call_output", CallID: callID, Output: output}
}

// toolDef — декларация функции в формате Responses API.
type toolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type textFormat struct {
	Format map[string]any `json:"format"`
}

type responseRequest struct {
	Model             string      `json:"model"`
	Conversation      string      `json:"conversation,omitempty"`
	Instructions      string      `json:"instructions,omitempty"`
	Input             []inputItem `json:"input"`
	Tools             []toolDef   `json:"tools,omitempty"`
	Text              *textFormat `json:"text,omitempty"`
	Temperature       float64     `json:"temperature"`
	ParallelToolCalls bool        `json:"parallel_tool_calls"`
	Store             bool        `json:"store"`
}

// outputItem — элемент выхода ответа: сообщение ассистента или вызов функции.
type outputItem struct {
	Type      string          `json:"type"`
	Content   []outputContent `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
}

type outputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type response struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []outputItem `json:"output"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// functionCalls возвращает все вызовы инструментов из выхода ответа.
func (r response) functionCalls() []outputItem {
	var calls []outputItem
	for _, item := range r.Output {
		if item.Type == "function_call" {
			calls = append(calls, item)
		}
	}
	return calls
}

// outputText собирает текст всех message-элементов выхода.
func (r response) outputText() string {
	var sb strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				sb.WriteString(c.Text)
			}
		}
	}
	return sb.String()
}
