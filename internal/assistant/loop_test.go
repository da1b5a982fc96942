package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Erykalkin/Seller-bot/internal/infra/throttle"
)

// loopAssistant собирает ассистента поверх тестового сервера. Повторы и лимит
// частоты ослаблены, чтобы ошибочные ветки не растягивали тест.
func loopAssistant(t *testing.T, baseURL string) *Assistant {
	t.Helper()

	tr := throttle.New(100, throttle.WithMaxRetries(1))
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)

	links := filepath.Join(t.TempDir(), "links.json")
	if err := os.WriteFile(links, []byte(`{"site": "https://example.com/catalog"}`), 0o600); err != nil {
		t.Fatalf("write links file: %v", err)
	}
	tools, err := NewToolset(links, nil, nil)
	if err != nil {
		t.Fatalf("NewToolset: %v", err)
	}

	return &Assistant{
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		throttler:    tr,
		apiKey:       "test-key",
		model:        "gpt-test",
		baseURL:      baseURL,
		instructions: "отвечай клиенту",
		tools:        tools,
	}
}

// Цикл инструментов: модель запрашивает get_link, результат досылается как
// function_call_output с тем же call_id, и только после этого приходит
// обычное сообщение со структурированным ответом.
func TestRespondResubmitsToolOutput(t *testing.T) {
	t.Parallel()

	var requests []responseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req responseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		requests = append(requests, req)

		w.Header().Set("Content-Type", "application/json")
		if len(requests) == 1 {
			_, _ = w.Write([]byte(`{
				"id": "resp_1",
				"status": "completed",
				"output": [{
					"type": "function_call",
					"name": "get_link",
					"arguments": "{\"keys\": [\"site\"]}",
					"call_id": "call_1"
				}]
			}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "resp_2",
			"status": "completed",
			"output": [{
				"type": "message",
				"content": [{
					"type": "output_text",
					"text": "{\"answer\": \"Каталог: https://example.com/catalog\", \"send\": true, \"file\": false, \"wait\": true, \"reply\": 0}"
				}]
			}]
		}`))
	}))
	defer srv.Close()

	a := loopAssistant(t, srv.URL)
	reply, err := a.respondIn(context.Background(), "conv_test", 55, "SYSTEM: клиент спросил каталог")
	if err != nil {
		t.Fatalf("respondIn: %v", err)
	}

	if !reply.Send || !reply.Wait || reply.File {
		t.Fatalf("reply directives = %+v", reply)
	}
	if !strings.Contains(reply.Answer, "https://example.com/catalog") {
		t.Fatalf("reply.Answer = %q", reply.Answer)
	}

	if len(requests) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(requests))
	}
	first, second := requests[0], requests[1]
	if first.Conversation != "conv_test" || second.Conversation != "conv_test" {
		t.Fatalf("conversations = %q, %q", first.Conversation, second.Conversation)
	}
	if len(first.Input) != 1 || first.Input[0].Role != "user" {
		t.Fatalf("first input = %+v", first.Input)
	}
	if len(second.Input) != 1 {
		t.Fatalf("second input = %+v", second.Input)
	}
	out := second.Input[0]
	if out.Type != "function_call_output" || out.CallID != "call_1" {
		t.Fatalf("tool output item = %+v", out)
	}
	if !strings.Contains(out.Output, "https://example.com/catalog") {
		t.Fatalf("tool output = %q, missing link", out.Output)
	}
}

// Модель, которая не выходит из цикла инструментов, отсекается лимитом раундов.
func TestRespondToolLoopBounded(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "completed",
			"output": [{
				"type": "function_call",
				"name": "get_link",
				"arguments": "{\"keys\": [\"site\"]}",
				"call_id": "call_loop"
			}]
		}`))
	}))
	defer srv.Close()

	a := loopAssistant(t, srv.URL)
	_, err := a.respondIn(context.Background(), "conv_test", 55, "SYSTEM: старт")
	if err == nil {
		t.Fatal("expected error after exhausting tool rounds")
	}
	if calls != maxToolRounds {
		t.Fatalf("server saw %d requests, want %d", calls, maxToolRounds)
	}
}
