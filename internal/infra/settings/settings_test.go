package settings_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Erykalkin/Seller-bot/internal/infra/settings"
)

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	got := s.Get()
	if got.BufferTime != 6.0 || got.Morning != 9 || got.Night != 21 {
		t.Fatalf("defaults not applied: %#v", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("Open() must not create the file")
	}
}

func TestOpenPartialFileOverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"BUFFER_TIME": 2.5, "MORNING": 10, "SECOND_GREET": true}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := settings.Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	got := s.Get()
	if got.BufferTime != 2.5 {
		t.Errorf("BufferTime = %v, want 2.5", got.BufferTime)
	}
	if got.Morning != 10 {
		t.Errorf("Morning = %d, want 10", got.Morning)
	}
	if !got.SecondGreet {
		t.Error("SecondGreet = false, want true")
	}
	// Ключи, которых нет в файле, остаются дефолтными.
	if got.Night != 21 {
		t.Errorf("Night = %d, want 21", got.Night)
	}
}

func TestUpdateRejectsUnknownKeyWithoutWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Update(map[string]any{"DELAY": 3.0, "NO_SUCH_KEY": 1}); err == nil {
		t.Fatal("Update() must reject unknown key")
	}
	// Батч отклонён целиком: валидный ключ тоже не применился.
	if got := s.Get().Delay; got != 5.0 {
		t.Fatalf("Delay = %v, want untouched default 5.0", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("rejected update must not write the file")
	}
}

func TestUpdateRejectsWrongTypes(t *testing.T) {
	t.Parallel()

	s, err := settings.Open(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		key   string
		value any
	}{
		{"BUFFER_TIME", "fast"},
		{"MORNING", 9.5},
		{"SECOND_GREET", "yes"},
		{"TIMEZONE", 3},
	}
	for _, tc := range cases {
		if _, err := s.Set(tc.key, tc.value); err == nil {
			t.Errorf("Set(%s, %v) expected error", tc.key, tc.value)
		}
	}
}

func TestSetRejectsInvalidTimezone(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{"Mars/Olympus", "", "+15:00"} {
		if _, err := s.Set("TIMEZONE", bad); err == nil {
			t.Errorf("Set(TIMEZONE, %q) expected error", bad)
		}
	}
	if got := s.Get().Timezone; got != "Europe/Moscow" {
		t.Fatalf("Timezone = %q, want untouched default", got)
	}
}

func TestLocationFollowsTimezoneKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Set("TIMEZONE", "UTC+5"); err != nil {
		t.Fatalf("Set(TIMEZONE) error: %v", err)
	}

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := at.In(s.Get().Location()).Hour(); got != 17 {
		t.Fatalf("hour in TIMEZONE location = %d, want 17", got)
	}
}

func TestSetPersistsAndReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Set("GREET_PERIOD", 600); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	// Новый Store видит записанное значение.
	s2, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.Get().GreetPeriod; got != 600 {
		t.Fatalf("GreetPeriod = %d, want 600", got)
	}
}

func TestGetPicksUpExternalEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"DELAY": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Get().Delay; got != 1 {
		t.Fatalf("Delay = %v, want 1", got)
	}

	if err := os.WriteFile(path, []byte(`{"DELAY": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	// mtime может совпасть при быстрой перезаписи; сдвигаем вручную.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if got := s.Get().Delay; got != 7 {
		t.Fatalf("Delay after external edit = %v, want 7", got)
	}
}
