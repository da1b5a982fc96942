package greeter_test

import (
	"sort"
	"testing"
	"time"

	"github.com/Erykalkin/Seller-bot/internal/services/greeter"
)

func TestGreetOffsetsEmpty(t *testing.T) {
	t.Parallel()

	if got := greeter.GreetOffsets(0, time.Minute); got != nil {
		t.Fatalf("GreetOffsets(0) = %v, want nil", got)
	}
	if got := greeter.GreetOffsets(-1, time.Minute); got != nil {
		t.Fatalf("GreetOffsets(-1) = %v, want nil", got)
	}
}

func TestGreetOffsetsSingle(t *testing.T) {
	t.Parallel()

	window := 5 * time.Minute
	for range 50 {
		offs := greeter.GreetOffsets(1, window)
		if len(offs) != 1 {
			t.Fatalf("len = %d, want 1", len(offs))
		}
		// Одиночная отправка попадает в средние 60% окна.
		lo := time.Duration(0.2 * float64(window))
		hi := time.Duration(0.8 * float64(window))
		if offs[0] < lo || offs[0] > hi {
			t.Fatalf("offset %v outside [%v, %v]", offs[0], lo, hi)
		}
	}
}

func TestGreetOffsetsSortedWithGap(t *testing.T) {
	t.Parallel()

	window := 10 * time.Minute
	for range 20 {
		offs := greeter.GreetOffsets(8, window)
		if len(offs) != 8 {
			t.Fatalf("len = %d, want 8", len(offs))
		}
		if !sort.SliceIsSorted(offs, func(i, j int) bool { return offs[i] < offs[j] }) {
			t.Fatalf("offsets not sorted: %v", offs)
		}
		for i := 1; i < len(offs); i++ {
			gap := offs[i] - offs[i-1]
			// Зазор гарантирован, пока коррекция не упёрлась в конец окна.
			if gap < 2*time.Second && offs[i] != window {
				t.Fatalf("gap %v between offsets %d and %d", gap, i-1, i)
			}
		}
		for _, off := range offs {
			if off < 0 || off > window {
				t.Fatalf("offset %v outside window %v", off, window)
			}
		}
	}
}

func TestGreetOffsetsCrowdedWindowClampsToEnd(t *testing.T) {
	t.Parallel()

	// Окно заведомо меньше, чем n*minGap: хвост прижимается к концу окна.
	window := 5 * time.Second
	offs := greeter.GreetOffsets(10, window)
	if len(offs) != 10 {
		t.Fatalf("len = %d, want 10", len(offs))
	}
	for _, off := range offs {
		if off > window {
			t.Fatalf("offset %v exceeds window %v", off, window)
		}
	}
	if offs[len(offs)-1] != window {
		t.Fatalf("last offset = %v, want clamped to %v", offs[len(offs)-1], window)
	}
}
