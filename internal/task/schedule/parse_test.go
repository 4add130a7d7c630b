package schedule

import (
	"testing"
	"time"

	"tasksched/internal/clock"
)

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{name: "go duration", in: "90s", want: 90 * time.Second},
		{name: "compound", in: "1h30m", want: 90 * time.Minute},
		{name: "hhmm minutes", in: "00:50", want: 50 * time.Minute},
		{name: "hhmm hours", in: " 01:30 ", want: 90 * time.Minute},
		{name: "every descriptor", in: "@every 5m", want: 5 * time.Minute},
		{name: "zero", in: "0s", want: 0},
		{name: "empty", in: "  ", wantErr: true},
		{name: "bad minutes", in: "01:75", wantErr: true},
		{name: "negative", in: "-5m", wantErr: true},
		{name: "garbage", in: "soon", wantErr: true},
		{name: "non constant descriptor", in: "@hourly", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseInterval(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseInterval(%q) expected error, got %v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInterval(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDays(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    WeekdaySet
		wantErr bool
	}{
		{in: "mon-fri", want: NewWeekdaySet(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)},
		{in: "SAT,SUN", want: NewWeekdaySet(time.Saturday, time.Sunday)},
		{in: "1,3,5", want: NewWeekdaySet(time.Monday, time.Wednesday, time.Friday)},
		{in: "*", want: NewWeekdaySet(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)},
		{in: "", wantErr: true},
		{in: "funday", wantErr: true},
		{in: "7", wantErr: true},
		{in: "mon fri", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDays(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDays(%q) expected error, got %v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDays(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseDays(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseHours(t *testing.T) {
	t.Parallel()
	h, err := ParseHours("08:00-18:30:15")
	if err != nil {
		t.Fatalf("ParseHours error: %v", err)
	}
	if h.From != clock.NewTimeOfDay(8, 0, 0) || h.To != clock.NewTimeOfDay(18, 30, 15) {
		t.Fatalf("ParseHours = %v-%v", h.From, h.To)
	}

	// Inverted windows parse; they evaluate as malformed.
	inv, err := ParseHours("22:00-06:00")
	if err != nil {
		t.Fatalf("ParseHours inverted error: %v", err)
	}
	if !Every(0, During(inv.From, inv.To)).Malformed() {
		t.Fatal("inverted window should be malformed")
	}

	for _, bad := range []string{"08:00", "8-18", "24:00-25:00", "08:60-09:00"} {
		if _, err := ParseHours(bad); err == nil {
			t.Fatalf("ParseHours(%q) expected error", bad)
		}
	}
}

func TestParseMoment(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-01T09:30:00Z", time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
		{"2026-03-01 09:30", time.Date(2026, 3, 1, 9, 30, 0, 0, loc)},
		{"2026-03-01 09:30:45", time.Date(2026, 3, 1, 9, 30, 45, 0, loc)},
		{"2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		got, err := ParseMoment(tt.in, loc)
		if err != nil {
			t.Fatalf("ParseMoment(%q) error: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("ParseMoment(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseMoment("tomorrow", loc); err == nil {
		t.Fatal("expected error")
	}
}
