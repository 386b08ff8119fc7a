package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/firmflow/engine/internal/domain"
)

// TestLoadZone tests IANA zone resolution
func TestLoadZone(t *testing.T) {
	t.Run("valid zone", func(t *testing.T) {
		loc, err := LoadZone("America/New_York")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if loc.String() != "America/New_York" {
			t.Errorf("expected America/New_York, got %s", loc)
		}
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		if _, err := LoadZone(""); !errors.Is(err, domain.ErrBadRule) {
			t.Errorf("expected ErrBadRule, got %v", err)
		}
	})

	t.Run("unknown name is rejected", func(t *testing.T) {
		if _, err := LoadZone("Mars/Olympus_Mons"); !errors.Is(err, domain.ErrBadRule) {
			t.Errorf("expected ErrBadRule, got %v", err)
		}
	})
}

// TestResolveCivilTime tests wall-time resolution across DST transitions
func TestResolveCivilTime(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading zone: %v", err)
	}

	t.Run("plain wall time", func(t *testing.T) {
		got := ResolveCivilTime(domain.CivilDate{Year: 2026, Month: time.June, Day: 10}, 9, 30, newYork)
		expected := time.Date(2026, 6, 10, 13, 30, 0, 0, time.UTC) // EDT, UTC-4
		if !got.Equal(expected) {
			t.Errorf("expected %v, got %v", expected, got)
		}
	})

	t.Run("spring-forward gap shifts to gap end", func(t *testing.T) {
		// 2026-03-08 02:30 does not exist in New York; clocks jump
		// 02:00 EST -> 03:00 EDT. The first valid instant is 03:00 EDT.
		got := ResolveCivilTime(domain.CivilDate{Year: 2026, Month: time.March, Day: 8}, 2, 30, newYork)
		expected := time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC)
		if !got.Equal(expected) {
			t.Errorf("expected %v, got %v", expected, got)
		}
	})

	t.Run("fall-back overlap takes the earlier instant", func(t *testing.T) {
		// 2026-11-01 01:30 happens twice in New York: 05:30Z (EDT) and
		// 06:30Z (EST). The earlier instant wins.
		got := ResolveCivilTime(domain.CivilDate{Year: 2026, Month: time.November, Day: 1}, 1, 30, newYork)
		expected := time.Date(2026, 11, 1, 5, 30, 0, 0, time.UTC)
		if !got.Equal(expected) {
			t.Errorf("expected %v, got %v", expected, got)
		}
	})

	t.Run("midnight inside a gap", func(t *testing.T) {
		// Sao Paulo's 2017 DST start skipped midnight entirely: 2017-10-15
		// went 23:59:59 -03 straight to 01:00 -02. Midnight resolves to the
		// gap end, 01:00 -02.
		saoPaulo, err := time.LoadLocation("America/Sao_Paulo")
		if err != nil {
			t.Fatalf("loading zone: %v", err)
		}
		got := ResolveCivil(domain.CivilDate{Year: 2017, Month: time.October, Day: 15}, saoPaulo)
		expected := time.Date(2017, 10, 15, 3, 0, 0, 0, time.UTC)
		if !got.Equal(expected) {
			t.Errorf("expected %v, got %v", expected, got)
		}
	})
}

// TestCivilDateIn tests instant-to-civil conversion in a zone
func TestCivilDateIn(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading zone: %v", err)
	}

	// 03:00Z on June 10 is still June 9 in New York.
	got := CivilDateIn(time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC), newYork)
	expected := domain.CivilDate{Year: 2026, Month: time.June, Day: 9}
	if got != expected {
		t.Errorf("expected %v, got %v", expected, got)
	}
}
