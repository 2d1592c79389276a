package util

import (
	"strings"
	"testing"
)

func TestRandomHex(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 4, 7, 16, 33} {
		got := RandomHex(n)
		want := n
		if want < 0 {
			want = 0
		}
		if len(got) != want {
			t.Errorf("RandomHex(%d) has length %d", n, len(got))
		}
		if strings.Trim(got, "0123456789abcdef") != "" {
			t.Errorf("RandomHex(%d) = %q contains non-hex characters", n, got)
		}
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID(DeliveryIDPrefix)
		if !strings.HasPrefix(id, DeliveryIDPrefix) || len(id) != len(DeliveryIDPrefix)+32 {
			t.Fatalf("malformed id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
