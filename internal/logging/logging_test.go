package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	cases := []struct {
		level       string
		debugOn     bool
		infoEnabled bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"", false, true},        // default
		{"verbose", false, true}, // unknown falls back to info
	}
	for _, tc := range cases {
		logger := New(tc.level, "text")
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tc.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", tc.level, got, tc.debugOn)
		}
		if got := logger.Enabled(context.Background(), slog.LevelInfo); got != tc.infoEnabled {
			t.Errorf("level %q: info enabled = %v, want %v", tc.level, got, tc.infoEnabled)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if New("info", "json") == nil {
		t.Fatal("nil logger for json format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("fresh context has request ID %q", id)
	}

	ctx = WithRequestID(ctx, "req_abc")
	if id := RequestID(ctx); id != "req_abc" {
		t.Errorf("RequestID = %q, want req_abc", id)
	}

	// Later values shadow earlier ones.
	ctx = WithRequestID(ctx, "req_def")
	if id := RequestID(ctx); id != "req_def" {
		t.Errorf("RequestID = %q, want req_def", id)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext must fall back to the default logger")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("FromContext did not return the stored logger")
	}
}

func TestL_TagsRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("L returned nil without a request ID")
	}

	ctx = WithRequestID(ctx, "req_1")
	if L(ctx) == nil {
		t.Fatal("L returned nil with a request ID")
	}
}
