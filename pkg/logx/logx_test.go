package logx

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"error","time":"x","message":"plan commit failed","user_id":7,"err":"disk full"}`)
	got := formatAlert(line)
	want := "[ERROR] plan commit failed\n- err=disk full\n- user_id=7"
	if got != want {
		t.Fatalf("formatAlert=%q want %q", got, want)
	}

	if got := formatAlert([]byte("  not json  ")); got != "not json" {
		t.Fatalf("raw fallback=%q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate=%q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate=%q", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("ignored", Err(nil))
}

func TestServiceAlertSinkRespectsMinLevel(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{}, 4)
	)
	fn := func(_ context.Context, thread int, text string) error {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "test.log"), MaxSizeMB: 1},
		Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10, ThreadID: 3},
	}, fn)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("above threshold", Int64("user_id", 42))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("alert was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("alerts=%d want 1: %v", len(got), got)
	}
	if !strings.HasPrefix(got[0], "[ERROR] above threshold") || !strings.Contains(got[0], "user_id=42") {
		t.Fatalf("unexpected alert text %q", got[0])
	}
}

func TestDomainFieldsAndCaller(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	zl := zerolog.New(&buf)
	l := Logger{src: func() zerolog.Logger { return zl }}.With(UserID(7))

	l.Info("plan committed", ConvID(3), Stringer("key", time.Duration(90)*time.Second))

	out := buf.String()
	for _, want := range []string{`"user_id":7`, `"conv_id":3`, `"key":"1m30s"`, `"caller":"logx_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}
