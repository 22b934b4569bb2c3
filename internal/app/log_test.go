package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name      string
		sessionID string
		level     slog.Level
		message   string
		attrs     []slog.Attr
		want      string
	}{
		{
			name:      "basic info message",
			sessionID: "s-123",
			level:     slog.LevelInfo,
			message:   "download finished",
			want:      "2024-06-15T14:30:45Z\tINFO\ts-123\tdownload finished\n",
		},
		{
			name:      "debug level",
			sessionID: "s-456",
			level:     slog.LevelDebug,
			message:   "scanning",
			want:      "2024-06-15T14:30:45Z\tDEBUG\ts-456\tscanning\n",
		},
		{
			name:      "with record attrs",
			sessionID: "s-789",
			level:     slog.LevelInfo,
			message:   "queued",
			attrs:     []slog.Attr{slog.String("target", "album/a.mp3"), slog.Int("size", 42)},
			want:      "2024-06-15T14:30:45Z\tINFO\ts-789\tqueued\ttarget=album/a.mp3\tsize=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &fileHandler{w: &buf, level: slog.LevelDebug, sessionID: tt.sessionID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestFileHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &fileHandler{w: &buf, level: slog.LevelInfo, sessionID: "s-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "queue")}).(*fileHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "added", 0)
	r.AddAttrs(slog.String("key", "abc"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	for _, want := range []string{"a=1", "component=queue", "key=abc"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in output, got: %q", want, got)
		}
	}
}

func TestFileHandler_Enabled(t *testing.T) {
	h := &fileHandler{level: slog.LevelWarn}
	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, false},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var stderr bytes.Buffer

	logger, f, err := newLogger(dir, "s-1", slog.LevelInfo, &stderr)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Debug("hidden")
	logger.Info("listening", "addr", ":1412")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if strings.Contains(got, "hidden") {
		t.Errorf("debug record written at info level: %q", got)
	}
	if !strings.Contains(got, "\ts-1\tlistening\taddr=:1412") {
		t.Errorf("log file = %q, want listening record", got)
	}
	if !strings.Contains(stderr.String(), "listening") {
		t.Errorf("stderr = %q, want listening record", stderr.String())
	}
}

func TestSlogAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	a := &slogAdapter{l: slog.New(&fileHandler{w: &buf, level: slog.LevelInfo, sessionID: "s-1"})}

	a.With("conn", "c-1").Info("handshake done")

	if !strings.Contains(buf.String(), "conn=c-1") {
		t.Errorf("output = %q, want conn=c-1", buf.String())
	}
}
