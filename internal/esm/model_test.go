package esm

import (
	"errors"
	"testing"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		value      string
		wantHour   int
		wantMinute int
		wantErr    bool
	}{
		{value: "09:30", wantHour: 9, wantMinute: 30},
		{value: "00:00", wantHour: 0, wantMinute: 0},
		{value: "23:59", wantHour: 23, wantMinute: 59},
		{value: " 8:05 ", wantHour: 8, wantMinute: 5},
		{value: "24:00", wantErr: true},
		{value: "12:60", wantErr: true},
		{value: "noonish", wantErr: true},
		{value: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			hour, minute, err := ParseTimeOfDay(tt.value)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTimeOfDay) {
					t.Fatalf("expected invalid-time error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if hour != tt.wantHour || minute != tt.wantMinute {
				t.Fatalf("got %d:%d, want %d:%d", hour, minute, tt.wantHour, tt.wantMinute)
			}
		})
	}
}

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{name: "event", trigger: Trigger{ID: 1, Kind: TriggerKindEvent, EventName: "app_open"}},
		{name: "periodic", trigger: Trigger{ID: 2, Kind: TriggerKindPeriodic, TimeOfDay: "10:15"}},
		{name: "event-empty-name", trigger: Trigger{ID: 3, Kind: TriggerKindEvent}, wantErr: true},
		{name: "periodic-bad-time", trigger: Trigger{ID: 4, Kind: TriggerKindPeriodic, TimeOfDay: "later"}, wantErr: true},
		{name: "unknown-kind", trigger: Trigger{ID: 5, Kind: TriggerKind("cron")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
