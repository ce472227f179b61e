package hours

import (
	"testing"
	"time"
)

func businessWindow() Window {
	return Window{WeekdaysOnly: true, StartHour: 6, EndHour: 24}
}

func TestIsActive(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		// 2024-01-06 is a Saturday.
		{"saturday morning", time.Date(2024, 1, 6, 10, 0, 0, 0, loc), false},
		{"sunday evening", time.Date(2024, 1, 7, 20, 0, 0, 0, loc), false},
		{"tuesday morning", time.Date(2024, 1, 9, 10, 0, 0, 0, loc), true},
		{"tuesday before open", time.Date(2024, 1, 9, 2, 0, 0, 0, loc), false},
		{"tuesday at open", time.Date(2024, 1, 9, 6, 0, 0, 0, loc), true},
		{"tuesday last minute", time.Date(2024, 1, 9, 23, 59, 0, 0, loc), true},
		{"wednesday midnight", time.Date(2024, 1, 10, 0, 0, 0, 0, loc), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsActive(tt.now, loc, businessWindow()); got != tt.want {
				t.Errorf("IsActive(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsActiveTimezone(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 01:00 UTC Tuesday is 06:30 IST Tuesday.
	now := time.Date(2024, 1, 9, 1, 0, 0, 0, time.UTC)
	if !IsActive(now, ist, businessWindow()) {
		t.Error("IsActive(06:30 IST) = false, want true")
	}
	if IsActive(now, time.UTC, businessWindow()) {
		t.Error("IsActive(01:00 UTC) = true, want false")
	}

	// 20:00 UTC Friday is 01:30 IST Saturday.
	fri := time.Date(2024, 1, 12, 20, 0, 0, 0, time.UTC)
	if IsActive(fri, ist, Window{WeekdaysOnly: true, StartHour: 0, EndHour: 24}) {
		t.Error("IsActive(saturday IST) = true, want false")
	}
}

func TestIsActiveHoliday(t *testing.T) {
	w := businessWindow()
	w.Holidays = []string{"2024-01-09"}

	if IsActive(time.Date(2024, 1, 9, 10, 0, 0, 0, time.UTC), time.UTC, w) {
		t.Error("IsActive on holiday = true, want false")
	}
	if !IsActive(time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC), time.UTC, w) {
		t.Error("IsActive day after holiday = false, want true")
	}
}

func TestWindowValidate(t *testing.T) {
	tests := []struct {
		name    string
		w       Window
		wantErr bool
	}{
		{"business", businessWindow(), false},
		{"all day", Window{StartHour: 0, EndHour: 24}, false},
		{"start too large", Window{StartHour: 24, EndHour: 24}, true},
		{"end before start", Window{StartHour: 10, EndHour: 8}, true},
		{"bad holiday", Window{StartHour: 0, EndHour: 24, Holidays: []string{"01/09/2024"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGateInterval(t *testing.T) {
	g, err := NewGate("UTC", businessWindow())
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	fast, slow := 10*time.Second, 5*time.Minute
	if got := g.Interval(time.Date(2024, 1, 9, 10, 0, 0, 0, time.UTC), fast, slow); got != fast {
		t.Errorf("Interval(open) = %v, want %v", got, fast)
	}
	if got := g.Interval(time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC), fast, slow); got != slow {
		t.Errorf("Interval(weekend) = %v, want %v", got, slow)
	}
}

func TestNewGateBadTimezone(t *testing.T) {
	if _, err := NewGate("Mars/Olympus", businessWindow()); err == nil {
		t.Error("NewGate with unknown timezone expected error")
	}
}

func TestAlwaysOpen(t *testing.T) {
	g := AlwaysOpen()
	if !g.IsActive(time.Date(2024, 1, 6, 3, 0, 0, 0, time.UTC)) {
		t.Error("AlwaysOpen().IsActive = false, want true")
	}
}
