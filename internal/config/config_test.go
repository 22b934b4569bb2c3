package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("/home/user/.local/share/sphubd")
	original.LogLevel = "debug"
	original.Share = ShareConfig{
		Mountpoints:    []MountpointConfig{{Path: "/music", VirtualRoot: "tunes"}, {Path: "/films"}},
		Ignore:         []string{"*.tmp", "Thumbs.db"},
		RescanInterval: Duration(2 * time.Hour),
	}
	original.Slots = SlotsConfig{Total: 5, Global: true, FreeSizeLimit: 128 * datasize.KB}
	original.Queue.PartialDirectoryMoves = true
	original.Peers = map[string]string{"alice": "10.0.0.5:1412"}

	var buf bytes.Buffer
	m := &Manager{}
	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := m.Read(&buf, "/elsewhere")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.WorkingDir != original.WorkingDir {
		t.Errorf("WorkingDir = %q, want %q", got.WorkingDir, original.WorkingDir)
	}
	if got.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", got.LogLevel, "debug")
	}
	if got.IncompleteDir != original.IncompleteDir {
		t.Errorf("IncompleteDir = %q, want %q", got.IncompleteDir, original.IncompleteDir)
	}
	if len(got.Share.Mountpoints) != 2 {
		t.Fatalf("len(Share.Mountpoints) = %d, want 2", len(got.Share.Mountpoints))
	}
	if got.Share.Mountpoints[0].VirtualRoot != "tunes" {
		t.Errorf("Mountpoints[0].VirtualRoot = %q, want %q", got.Share.Mountpoints[0].VirtualRoot, "tunes")
	}
	if got.Share.RescanInterval.Std() != 2*time.Hour {
		t.Errorf("Share.RescanInterval = %v, want 2h", got.Share.RescanInterval.Std())
	}
	if got.Slots != original.Slots {
		t.Errorf("Slots = %+v, want %+v", got.Slots, original.Slots)
	}
	if !got.Queue.PartialDirectoryMoves || !got.Queue.AutoDownloadFilelists {
		t.Errorf("Queue = %+v", got.Queue)
	}
	if got.Peers["alice"] != "10.0.0.5:1412" {
		t.Errorf("Peers = %v", got.Peers)
	}
}

func TestManager_Read_Partial(t *testing.T) {
	input := `
download_dir = "/data/dl"
log_level = "warn"

[slots]
total = 1
free_size_limit = "1MB"

[connection]
idle_timeout = "2m"
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(input), "/base")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"WorkingDir", cfg.WorkingDir, "/base"},
		{"DownloadDir", cfg.DownloadDir, "/data/dl"},
		{"IncompleteDir", cfg.IncompleteDir, "/data/dl/.incomplete"},
		{"LogLevel", cfg.LogLevel, "warn"},
		{"Slots.Total", cfg.Slots.Total, 1},
		{"Slots.FreeSizeLimit", cfg.Slots.FreeSizeLimit, datasize.MB},
		{"Connection.IdleTimeout", cfg.Connection.IdleTimeout.Std(), 2 * time.Minute},
		{"Connection.HandshakeTimeout", cfg.Connection.HandshakeTimeout.Std(), 90 * time.Second},
		{"Connection.ListenAddr", cfg.Connection.ListenAddr, DefaultListenAddr},
		{"UI.ListenAddr", cfg.UI.ListenAddr, DefaultUIListenAddr},
		{"Queue.ConnectInterval", cfg.Queue.ConnectInterval.Std(), time.Minute},
		{"ExtIP.LookupURL", cfg.ExtIP.LookupURL, DefaultLookupURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestManager_Read_BadDuration(t *testing.T) {
	m := &Manager{}
	_, err := m.Read(strings.NewReader("[queue]\nconnect_interval = \"soon\"\n"), "/base")
	if err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/data/sphubd")

	if cfg.LogDir != "/data/sphubd/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/sphubd/log")
	}
	if cfg.DownloadDir != "/data/sphubd/downloads" {
		t.Errorf("DownloadDir = %q, want %q", cfg.DownloadDir, "/data/sphubd/downloads")
	}
	if cfg.IncompleteDir != "/data/sphubd/downloads/.incomplete" {
		t.Errorf("IncompleteDir = %q", cfg.IncompleteDir)
	}
	if cfg.Slots.Total != DefaultSlots || cfg.Slots.FreeSizeLimit != DefaultFreeSizeLimit {
		t.Errorf("Slots = %+v", cfg.Slots)
	}
	if cfg.History.Type != "sqlite" || cfg.History.DataDir != "/data/sphubd" {
		t.Errorf("History = %+v", cfg.History)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no nick", func(c *Config) { c.Nick = "" }},
		{"nick with separator", func(c *Config) { c.Nick = "a|b" }},
		{"no working dir", func(c *Config) { c.WorkingDir = "" }},
		{"no download dir", func(c *Config) { c.DownloadDir = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"negative slots", func(c *Config) { c.Slots.Total = -1 }},
		{"mountpoint without path", func(c *Config) { c.Share.Mountpoints = []MountpointConfig{{VirtualRoot: "x"}} }},
		{"static ip missing", func(c *Config) { c.ExtIP.UseStatic = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("/data")
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "sphubd.toml")

		if err := Init(path, NewConfig(dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "sphubd.toml")
		cfg := NewConfig(dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "sphubd.toml")
		cfg := NewConfig(dir)
		cfg.History = HistoryConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		got, err := ReadFromFile(path, "/unused")
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.History.Type != "memory" {
			t.Errorf("History.Type = %q, want %q", got.History.Type, "memory")
		}
		if got.WorkingDir != dir {
			t.Errorf("WorkingDir = %q, want %q", got.WorkingDir, dir)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/sphubd.toml", "/base"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
