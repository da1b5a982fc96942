package timeutil_test

import (
	"testing"
	"time"

	"github.com/Erykalkin/Seller-bot/internal/infra/timeutil"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		value      string
		wantOffset int // секунды; для IANA не проверяется
		wantErr    bool
		iana       bool
	}{
		{name: "iana", value: "Europe/Moscow", iana: true},
		{name: "utc", value: "UTC", wantOffset: 0},
		{name: "plainOffset", value: "+03:00", wantOffset: 3 * 3600},
		{name: "compactOffset", value: "-0700", wantOffset: -7 * 3600},
		{name: "utcPrefix", value: "UTC+3", wantOffset: 3 * 3600},
		{name: "gmtHalfHour", value: "GMT-04:30", wantOffset: -(4*3600 + 30*60)},
		{name: "zulu", value: "Z", wantOffset: 0},
		{name: "empty", value: "", wantErr: true},
		{name: "garbage", value: "Mars/Olympus", wantErr: true},
		{name: "hoursOutOfRange", value: "+15:00", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			loc, err := timeutil.ParseLocation(tc.value)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseLocation(%q) expected error", tc.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLocation(%q) error: %v", tc.value, err)
			}
			if tc.iana {
				return
			}
			_, offset := time.Date(2025, 6, 1, 12, 0, 0, 0, loc).Zone()
			if offset != tc.wantOffset {
				t.Fatalf("offset = %d, want %d", offset, tc.wantOffset)
			}
		})
	}
}

func TestInDaytimeWindow(t *testing.T) {
	t.Parallel()

	msk := time.FixedZone("MSK", 3*3600)
	at := func(hour int) time.Time {
		return time.Date(2025, 6, 1, hour, 30, 0, 0, msk)
	}

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "beforeMorning", now: at(8), want: false},
		{name: "morningEdge", now: at(9), want: true},
		{name: "midday", now: at(14), want: true},
		{name: "nightEdge", now: at(21), want: true},
		{name: "afterNight", now: at(22), want: false},
		{name: "midnight", now: at(0), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := timeutil.InDaytimeWindow(tc.now, msk, 9, 21); got != tc.want {
				t.Fatalf("InDaytimeWindow(%v) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}

	// Час берётся в целевой таймзоне, а не в зоне значения.
	utcEvening := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC) // 23:00 MSK
	if timeutil.InDaytimeWindow(utcEvening, msk, 9, 21) {
		t.Fatal("20:00 UTC is 23:00 MSK and must be outside the window")
	}
}

func TestNextMorning(t *testing.T) {
	t.Parallel()

	msk := time.FixedZone("MSK", 3*3600)

	inside := time.Date(2025, 6, 1, 12, 0, 0, 0, msk)
	if got := timeutil.NextMorning(inside, msk, 9, 21); !got.Equal(inside) {
		t.Fatalf("NextMorning inside window = %v, want now", got)
	}

	night := time.Date(2025, 6, 1, 23, 0, 0, 0, msk)
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, msk)
	if got := timeutil.NextMorning(night, msk, 9, 21); !got.Equal(want) {
		t.Fatalf("NextMorning at night = %v, want %v", got, want)
	}

	early := time.Date(2025, 6, 1, 3, 0, 0, 0, msk)
	want = time.Date(2025, 6, 1, 9, 0, 0, 0, msk)
	if got := timeutil.NextMorning(early, msk, 9, 21); !got.Equal(want) {
		t.Fatalf("NextMorning before dawn = %v, want %v", got, want)
	}
}

func TestSecondsUntilNight(t *testing.T) {
	t.Parallel()

	msk := time.FixedZone("MSK", 3*3600)

	midday := time.Date(2025, 6, 1, 20, 0, 0, 0, msk)
	if got := timeutil.SecondsUntilNight(midday, msk, 9, 21); got != 2*time.Hour {
		t.Fatalf("SecondsUntilNight = %v, want 2h", got)
	}

	night := time.Date(2025, 6, 1, 23, 0, 0, 0, msk)
	if got := timeutil.SecondsUntilNight(night, msk, 9, 21); got != 0 {
		t.Fatalf("SecondsUntilNight outside window = %v, want 0", got)
	}
}
