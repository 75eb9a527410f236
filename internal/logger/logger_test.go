package logger

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetLevel_AllVariants(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"  DeBuG  ", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"unknown", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		SetLevel(tc.in)
		if got := zerolog.GlobalLevel(); got != tc.want {
			t.Fatalf("SetLevel(%q) -> %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestEndpoint_Truncates(t *testing.T) {
	short := "https://push.example/a"
	if got := Endpoint(short); got != short {
		t.Fatalf("short endpoint changed: %q", got)
	}
	long := "https://fcm.googleapis.com/fcm/send/" + strings.Repeat("x", 120)
	got := Endpoint(long)
	if len(got) >= len(long) || !strings.HasPrefix(long, strings.TrimSuffix(got, "…")) {
		t.Fatalf("long endpoint not truncated to a prefix: %q", got)
	}
}
