package ui

import (
	"strings"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		d        time.Duration
		expected string
	}{
		{"zero", 0, "0:00"},
		{"seconds_only", 42 * time.Second, "0:42"},
		{"minutes", 90 * time.Second, "1:30"},
		{"rounds_millis", 59*time.Second + 700*time.Millisecond, "1:00"},
		{"long", 61 * time.Minute, "61:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatDuration(tt.d); got != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.expected)
			}
		})
	}
}

func TestRenderProgressBar(t *testing.T) {
	if got := renderProgressBar(10*time.Second, 0, 10); got != "" {
		t.Errorf("unknown duration should render empty, got %q", got)
	}

	half := renderProgressBar(150*time.Second, 300*time.Second, 10)
	if strings.Count(half, "━") != 5 {
		t.Errorf("half progress filled %d cells, want 5: %q", strings.Count(half, "━"), half)
	}

	over := renderProgressBar(400*time.Second, 300*time.Second, 10)
	if strings.Count(over, "━") != 10 {
		t.Errorf("overrun should clamp to full bar: %q", over)
	}
}

func TestRenderVolumeBar(t *testing.T) {
	tests := []struct {
		name   string
		level  float64
		filled int
	}{
		{"silent", 0, 0},
		{"half", 0.5, 5},
		{"full", 1.0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderVolumeBar(tt.level, 10)
			if strings.Count(got, "█") != tt.filled {
				t.Errorf("level %v filled %d cells, want %d: %q",
					tt.level, strings.Count(got, "█"), tt.filled, got)
			}
		})
	}
}
