package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingSender struct {
	mu    sync.Mutex
	lines []string
	got   chan struct{}
}

func (r *recordingSender) SendText(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestFormatOpsLineSortsFields(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"x","message":"send failed","tenant":7,"err":"boom"}`
	got := formatOpsLine([]byte(line))
	want := "[WARN] send failed\n- err=boom\n- tenant=7"
	if got != want {
		t.Fatalf("formatOpsLine = %q, want %q", got, want)
	}
}

func TestOpsSinkDeliversAboveMinLevel(t *testing.T) {
	rs := &recordingSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		Ops:   OpsConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	})
	defer svc.Close()
	svc.SetSender(rs)

	log.Info("not forwarded")
	log.Warn("forwarded", Int("n", 1))

	select {
	case <-rs.got:
	case <-time.After(2 * time.Second):
		t.Fatal("ops line was not delivered")
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.lines) != 1 {
		t.Fatalf("delivered %d lines, want 1", len(rs.lines))
	}
	if !strings.HasPrefix(rs.lines[0], "[WARN] forwarded") {
		t.Fatalf("unexpected line %q", rs.lines[0])
	}
}

func TestApplyReopensFileWithoutLosingWrites(t *testing.T) {
	var writeErrs atomic.Int64
	prev := zerolog.ErrorHandler
	zerolog.ErrorHandler = func(error) { writeErrs.Add(1) }
	defer func() { zerolog.ErrorHandler = prev }()

	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")}
	cfg := func(i int) Config {
		return Config{Level: "info", File: FileConfig{Enabled: true, Path: paths[i%2]}}
	}
	svc, log := New(cfg(0))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				log.Info("tick")
			}
		}
	}()
	for i := 1; i <= 50; i++ {
		svc.Apply(cfg(i))
	}
	close(stop)
	<-done
	log.Info("last line")
	_ = svc.Close()

	if n := writeErrs.Load(); n != 0 {
		t.Fatalf("%d writes failed across reopen", n)
	}
	// cfg(50) points at a.log.
	b, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "last line") {
		t.Fatalf("final line missing from %s", paths[0])
	}
}
