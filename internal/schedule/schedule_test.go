package schedule

import (
	"testing"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
)

func TestSpec(t *testing.T) {
	cases := []struct {
		schedule string
		at       *string
		want     string
	}{
		{"daily", nil, "0 9 * * *"},
		{"Daily", domain.StringPtr("18:45"), "45 18 * * *"},
		{"hourly", domain.StringPtr("07:15"), "15 * * * *"},
		{"weekly", domain.StringPtr("06:00"), "0 6 * * 1"},
		{"every 5 minutes", nil, "@every 5m"},
		{"every  2 hours", nil, "@every 2h"},
		{"*/10 * * * *", nil, "*/10 * * * *"},
		{"@midnight", nil, "@midnight"},
	}
	for _, tc := range cases {
		got, err := Spec(tc.schedule, tc.at)
		if err != nil {
			t.Fatalf("Spec(%q): %v", tc.schedule, err)
		}
		if got != tc.want {
			t.Fatalf("Spec(%q) = %q, want %q", tc.schedule, got, tc.want)
		}
	}
}

func TestParseRejectsInvalidInput(t *testing.T) {
	if _, _, err := Parse("", nil); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty schedule, got %v", err)
	}
	if _, _, err := Parse("daily", domain.StringPtr("25:99")); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for bad time, got %v", err)
	}
	if _, _, err := Parse("whenever", nil); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown schedule, got %v", err)
	}
}

func TestNextDaily(t *testing.T) {
	agent := domain.Agent{Schedule: "daily", ScheduleTime: domain.StringPtr("09:30")}
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	next, err := Next(agent, from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestNextEvery(t *testing.T) {
	agent := domain.Agent{Schedule: "every 15 minutes"}
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next, err := Next(agent, from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Sub(from) != 15*time.Minute {
		t.Fatalf("expected +15m, got %s", next.Sub(from))
	}
}
