package policy

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/streamlimit/internal/config"
	"github.com/goodtune/streamlimit/internal/policy/opa"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, enabled bool) *Engine {
	t.Helper()

	cfg := Config{
		OptOutDays: []string{"sunday"},
		BlockedHours: BlockedHours{
			Enabled: enabled,
			Start:   22*60 + 30,
			End:     13 * 60,
		},
		Location: time.UTC,
	}

	engine, err := NewEngine(cfg, opa.Config{Source: opa.SourceEmbedded}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	return engine
}

func TestEvaluate(t *testing.T) {
	engine := newTestEngine(t, true)

	tests := []struct {
		name        string
		now         time.Time
		wantSkip    bool
		wantBlocked bool
		wantWeekday string
	}{
		{
			name:        "friday afternoon",
			now:         time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC),
			wantWeekday: "friday",
		},
		{
			name:        "friday bedtime",
			now:         time.Date(2025, 3, 14, 22, 45, 0, 0, time.UTC),
			wantBlocked: true,
			wantWeekday: "friday",
		},
		{
			name:        "saturday morning still blocked",
			now:         time.Date(2025, 3, 15, 12, 59, 0, 0, time.UTC),
			wantBlocked: true,
			wantWeekday: "saturday",
		},
		{
			name:        "saturday at one",
			now:         time.Date(2025, 3, 15, 13, 0, 0, 0, time.UTC),
			wantWeekday: "saturday",
		},
		{
			name:        "sunday opt-out",
			now:         time.Date(2025, 3, 16, 15, 0, 0, 0, time.UTC),
			wantSkip:    true,
			wantWeekday: "sunday",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Evaluate(context.Background(), tt.now)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			if decision.Skip != tt.wantSkip {
				t.Errorf("Expected skip=%v, got %v", tt.wantSkip, decision.Skip)
			}
			if decision.Blocked != tt.wantBlocked {
				t.Errorf("Expected blocked=%v, got %v", tt.wantBlocked, decision.Blocked)
			}
			if decision.Weekday != tt.wantWeekday {
				t.Errorf("Expected weekday %s, got %s", tt.wantWeekday, decision.Weekday)
			}
		})
	}
}

func TestEvaluate_UsesConfiguredLocation(t *testing.T) {
	engine := newTestEngine(t, true)
	engine.config.Location = time.FixedZone("UTC+10", 10*60*60)

	// 13:00 UTC is 23:00 at UTC+10, inside the window.
	decision, err := engine.Evaluate(context.Background(), time.Date(2025, 3, 14, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if !decision.Blocked {
		t.Error("Expected local bedtime to be blocked")
	}
}

func TestEvaluate_BlockedHoursDisabled(t *testing.T) {
	engine := newTestEngine(t, false)

	decision, err := engine.Evaluate(context.Background(), time.Date(2025, 3, 14, 23, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if decision.Blocked {
		t.Error("Expected no block when blocked hours are disabled")
	}
}

func TestBlockedHoursLabel(t *testing.T) {
	tests := []struct {
		window BlockedHours
		want   string
	}{
		{BlockedHours{Start: 22*60 + 30, End: 13 * 60}, "10:30 PM - 1:00 PM"},
		{BlockedHours{Start: 0, End: 7*60 + 5}, "12:00 AM - 7:05 AM"},
	}

	for _, tt := range tests {
		if got := tt.window.Label(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := &config.Config{
		Timezone: "UTC",
		Gates: config.GatesConfig{
			OptOutDays: []string{"Saturday", "sunday"},
			BlockedHours: config.BlockedHoursConfig{
				Enabled: true,
				Start:   "21:00",
				End:     "07:30",
			},
		},
	}

	gates, err := ConfigFrom(cfg)
	if err != nil {
		t.Fatalf("ConfigFrom failed: %v", err)
	}

	if gates.BlockedHours.Start != 21*60 || gates.BlockedHours.End != 7*60+30 {
		t.Errorf("Unexpected window: %+v", gates.BlockedHours)
	}
	if gates.OptOutDays[0] != "saturday" {
		t.Errorf("Expected normalised day names, got %v", gates.OptOutDays)
	}
	if gates.Location != time.UTC {
		t.Errorf("Expected UTC location, got %v", gates.Location)
	}
}
