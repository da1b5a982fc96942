// Пакет timeutil содержит служебные функции для работы со временем:
// парсинг таймзон и расчёт дневного окна активности (MORNING..NIGHT).
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseLocation разбирает либо IANA‑таймзону (например, "Europe/Moscow"),
// либо UTC‑смещение (например, "+03:00", "-0700", "UTC+3", "GMT-04:30").
// Возвращает *time.Location или ошибку.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	// Try IANA first.
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	// Try to parse UTC offset forms.
	if loc, ok := ParseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// ParseUTCOffsetToLocation парсит строки вида "+03:00", "-0700", "UTC+3", "GMT-04:30" или "Z".
// Возвращает фиксированную таймзону и ok=true при успешном разборе.
func ParseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	// Normalize optional UTC/GMT prefix
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)
	// Patterns: +HH, -HH, +HHMM, -HHMM, +HH:MM, -HH:MM
	re := regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)
	m := re.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		var err2 error
		mins, err2 = strconv.Atoi(m[3])
		if err2 != nil {
			return nil, false
		}
	}
	if hours < 0 || hours > 14 || mins < 0 || mins > 59 {
		return nil, false
	}
	const (
		secInHour = 60 * 60
		secInMin  = 60
	)
	offset := sign * ((hours * secInHour) + (mins * secInMin))
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}

// InDaytimeWindow сообщает, попадает ли момент now в дневное окно [morning, night]
// по часам локальной таймзоны loc. Границы включительны: при morning=9 и night=21
// окно действует с 09:00:00 до 21:59:59. Nil loc трактуется как UTC.
func InDaytimeWindow(now time.Time, loc *time.Location, morning, night int) bool {
	if loc == nil {
		loc = time.UTC
	}
	h := now.In(loc).Hour()
	return h >= morning && h <= night
}

// NextMorning возвращает ближайший момент, когда наступит morning:00 в таймзоне loc.
// Если сейчас уже дневное окно, возвращает now без изменений.
func NextMorning(now time.Time, loc *time.Location, morning, night int) time.Time {
	if InDaytimeWindow(now, loc, morning, night) {
		return now
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), morning, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// SecondsUntilNight возвращает длительность до конца дневного окна (night+1 час, 00:00 минут)
// от момента now. Если окно уже закрыто, возвращает 0.
func SecondsUntilNight(now time.Time, loc *time.Location, morning, night int) time.Duration {
	if !InDaytimeWindow(now, loc, morning, night) {
		return 0
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), night+1, 0, 0, 0, loc)
	return end.Sub(local)
}
