package clock

import (
	"context"
	"testing"
	"time"
)

func TestFromContext(t *testing.T) {
	pinned := time.UnixMilli(1_700_000_000_000)
	def := Fixed(time.Unix(0, 0))

	if got := FromContext(context.Background(), def).Now(); !got.Equal(time.Unix(0, 0)) {
		t.Errorf("expected default clock, got %v", got)
	}

	ctx := WithClock(context.Background(), Fixed(pinned))
	if got := FromContext(ctx, def).Now(); !got.Equal(pinned) {
		t.Errorf("expected pinned clock, got %v", got)
	}

	if _, ok := FromContext(context.Background(), nil).(System); !ok {
		t.Error("nil default should fall back to System")
	}
}

func TestParseMillis(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want int64
	}{
		{"", false, 0},
		{"abc", false, 0},
		{"1.5", false, 0},
		{"1700000000123", true, 1700000000123},
		{"-1000", true, -1000},
	}
	for _, tt := range tests {
		got, ok := ParseMillis(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseMillis(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.UnixMilli() != tt.want {
			t.Errorf("ParseMillis(%q) = %d, want %d", tt.in, got.UnixMilli(), tt.want)
		}
	}
}
