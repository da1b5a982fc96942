package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Erykalkin/Seller-bot/internal/infra/throttle"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := New("123456", "deadbeef", "https://example.com/landing", "Europe/Moscow")
	c.baseURL = baseURL
	c.now = func() time.Time {
		return time.Date(2025, time.March, 7, 12, 30, 0, 0, time.FixedZone("MSK", 3*3600))
	}
	t.Cleanup(c.Close)
	return c
}

func TestSubmitSendsFormFields(t *testing.T) {
	t.Parallel()

	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = r.PostForm
		if got := r.Header.Get("Origin"); got != "https://forms.amocrm.ru" {
			t.Errorf("Origin = %q", got)
		}
		if got := r.Header.Get("Referer"); got != "https://example.com/landing" {
			t.Errorf("Referer = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	err := c.Submit(context.Background(), Lead{
		Name:     "Иван",
		Phone:    "+79123456789",
		Note:     "Согласен на звонок",
		Telegram: "ivan_tg",
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	wantValues := map[string]string{
		fieldName:     "Иван",
		fieldPhone:    "+79123456789",
		fieldNote:     "Согласен на звонок",
		fieldTelegram: "ivan_tg",
		"form_id":     "123456",
		"hash":        "deadbeef",
	}
	for key, want := range wantValues {
		if got := firstValue(form, key); got != want {
			t.Errorf("form[%q] = %q, want %q", key, got, want)
		}
	}

	// Каждая отправка несёт три одноразовых идентификатора сессии.
	for _, key := range []string{"visitor_uid", "form_request_id", "gso_session_uid"} {
		if firstValue(form, key) == "" {
			t.Errorf("form[%q] is empty", key)
		}
	}

	var origin map[string]string
	if err := json.Unmarshal([]byte(firstValue(form, "user_origin")), &origin); err != nil {
		t.Fatalf("user_origin is not JSON: %v", err)
	}
	if origin["timezone"] != "Europe/Moscow" {
		t.Errorf("user_origin timezone = %q", origin["timezone"])
	}
	if origin["referer"] != "https://example.com/landing" {
		t.Errorf("user_origin referer = %q", origin["referer"])
	}
	if origin["datetime"] != "Fri Mar 07 2025 12:30:00 GMT+0300" {
		t.Errorf("user_origin datetime = %q", origin["datetime"])
	}
}

func TestSubmitRejectsNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	// Боевые ретраи растянули бы тест; одного повтора достаточно.
	c.throttler.Stop()
	c.throttler = throttle.New(100, throttle.WithMaxRetries(1))
	c.throttler.Start(context.Background())

	if err := c.Submit(context.Background(), Lead{Name: "x"}); err == nil {
		t.Fatal("Submit() expected error on 502")
	}
}

func TestSubmitDisabled(t *testing.T) {
	t.Parallel()

	c := New("", "", "", "Europe/Moscow")
	defer c.Close()
	if c.Enabled() {
		t.Fatal("Enabled() = true for empty credentials")
	}
	if err := c.Submit(context.Background(), Lead{}); err == nil {
		t.Fatal("Submit() expected error when integration is disabled")
	}
}

func firstValue(form map[string][]string, key string) string {
	if vs := form[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
