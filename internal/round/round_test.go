package round

import (
	"errors"
	"testing"
	"time"
)

func TestValidate_Valid(t *testing.T) {
	tests := []struct {
		id, timeframe int64
	}{
		{1_700_000_040, 60},
		{1_700_000_100, 300},
		{86_400, 86_400},
	}
	for _, tt := range tests {
		if err := Validate(tt.id, tt.timeframe); err != nil {
			t.Errorf("Validate(%d, %d): unexpected error %v", tt.id, tt.timeframe, err)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name          string
		id, timeframe int64
	}{
		{"zero timeframe", 1_700_000_040, 0},
		{"negative timeframe", 1_700_000_040, -60},
		{"timeframe too long", 1_700_000_040 * 2, MaxTimeframe * 2},
		{"zero id", 0, 60},
		{"misaligned", 1_700_000_041, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.id, tt.timeframe); !errors.Is(err, ErrInvalidRound) {
				t.Errorf("expected ErrInvalidRound, got %v", err)
			}
		})
	}
}

func TestShell_DerivesWindow(t *testing.T) {
	r, err := Shell(1_700_000_040, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantStart := time.Unix(1_700_000_040, 0).UTC()
	if !r.StartAt.Equal(wantStart) {
		t.Errorf("expected start %v, got %v", wantStart, r.StartAt)
	}
	if got := r.EndAt.Sub(r.StartAt); got != time.Minute {
		t.Errorf("expected 1m window, got %v", got)
	}
	if r.Resolved {
		t.Error("new round must not be resolved")
	}
}

func TestPhaseAt(t *testing.T) {
	r, _ := Shell(1_700_000_040, 60)

	if p := PhaseAt(r, r.StartAt.Add(10*time.Second)); p != PhaseOpen {
		t.Errorf("expected open, got %s", p)
	}
	if p := PhaseAt(r, r.EndAt); p != PhaseLocked {
		t.Errorf("expected locked at end, got %s", p)
	}
	r.Resolved = true
	if p := PhaseAt(r, r.EndAt.Add(time.Hour)); p != PhaseResolved {
		t.Errorf("expected resolved, got %s", p)
	}
}

func TestCheckAcceptsBets(t *testing.T) {
	r, _ := Shell(1_700_000_040, 60)

	if err := CheckAcceptsBets(r, r.StartAt); err != nil {
		t.Errorf("expected open round to accept bets, got %v", err)
	}
	if err := CheckAcceptsBets(r, r.EndAt.Add(time.Second)); !errors.Is(err, ErrInvalidRound) {
		t.Errorf("expected ErrInvalidRound after end, got %v", err)
	}
	r.Resolved = true
	if err := CheckAcceptsBets(r, r.StartAt); !errors.Is(err, ErrInvalidRound) {
		t.Errorf("expected ErrInvalidRound for resolved round, got %v", err)
	}
}

func TestParseID(t *testing.T) {
	if id, err := ParseID("1700000040"); err != nil || id != 1_700_000_040 {
		t.Errorf("expected 1700000040, got %d %v", id, err)
	}
	for _, bad := range []string{"", "abc", "-5", "0"} {
		if _, err := ParseID(bad); !errors.Is(err, ErrInvalidRound) {
			t.Errorf("ParseID(%q): expected ErrInvalidRound, got %v", bad, err)
		}
	}
}
