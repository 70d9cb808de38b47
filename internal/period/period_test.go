package period

import (
	"errors"
	"testing"
	"time"
)

func TestParse_Daily(t *testing.T) {
	p, err := Parse(CadenceDaily, "2026-10-18")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantStart := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	if !p.Start.Equal(wantStart) {
		t.Errorf("expected start=%v, got %v", wantStart, p.Start)
	}
	if !p.End.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Errorf("expected end one day later, got %v", p.End)
	}
}

func TestParse_Monthly(t *testing.T) {
	p, err := Parse(CadenceMonthly, "2026-02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.End.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected end %v", p.End)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		cadence, id string
	}{
		{CadenceDaily, ""},
		{CadenceDaily, "2026-10"},
		{CadenceDaily, "2026-13-01"},
		{CadenceDaily, "2026-02-30"},
		{CadenceDaily, "20261018"},
		{CadenceMonthly, "2026-10-18"},
		{CadenceMonthly, "2026-00"},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.cadence, tt.id); !errors.Is(err, ErrInvalidPeriod) {
			t.Errorf("Parse(%s, %q): expected ErrInvalidPeriod, got %v", tt.cadence, tt.id, err)
		}
	}
}

func TestParse_InvalidCadence(t *testing.T) {
	if _, err := Parse("weekly", "2026-10-18"); !errors.Is(err, ErrInvalidCadence) {
		t.Errorf("expected ErrInvalidCadence, got %v", err)
	}
}

func TestPrevious(t *testing.T) {
	now := time.Date(2026, 10, 19, 0, 5, 0, 0, time.UTC)

	p, err := Previous(CadenceDaily, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "2026-10-18" {
		t.Errorf("expected 2026-10-18, got %s", p.ID)
	}

	m, err := Previous(CadenceMonthly, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "2025-12" {
		t.Errorf("expected 2025-12, got %s", m.ID)
	}
}

func TestContaining_NonUTC(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	// 08:00 KST on the 19th is 23:00 UTC on the 18th.
	p, err := Containing(CadenceDaily, time.Date(2026, 10, 19, 8, 0, 0, 0, seoul))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "2026-10-18" {
		t.Errorf("expected UTC day 2026-10-18, got %s", p.ID)
	}
	if !p.Contains(time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)) {
		t.Error("period should contain its own instant")
	}
}
