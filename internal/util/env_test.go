package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("DISPATCH_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("DISPATCH_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 5 * time.Second
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"90s", 90 * time.Second},
		{"720h", 720 * time.Hour},
		{"-1s", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Setenv("DISPATCH_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("DISPATCH_TEST_DURATION", def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseFloatEnv(t *testing.T) {
	t.Setenv("DISPATCH_TEST_FLOAT", "0.35")
	if got := ParseFloatEnv("DISPATCH_TEST_FLOAT", 0.5); got != 0.35 {
		t.Errorf("ParseFloatEnv = %v, want 0.35", got)
	}
	t.Setenv("DISPATCH_TEST_FLOAT", "high")
	if got := ParseFloatEnv("DISPATCH_TEST_FLOAT", 0.5); got != 0.5 {
		t.Errorf("ParseFloatEnv invalid = %v, want default 0.5", got)
	}
}
