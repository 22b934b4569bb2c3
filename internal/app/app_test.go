package app

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sphub/internal/config"
	"sphub/internal/engine"
	"sphub/internal/history"
	"sphub/internal/pidfile"
	"sphub/internal/sp"
)

const testTTH = "LWPNACQDBZRYXW3VHJVCJ64QBZNGHOHHHZWCLNQ"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Connection.ListenAddr = ""
	cfg.UI.ListenAddr = "127.0.0.1:0"
	cfg.ExtIP.LookupURL = ""
	return cfg
}

func TestNewSPHubApp(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Nick = ""
		if _, err := NewSPHubApp(cfg, nil); err == nil {
			t.Fatal("NewSPHubApp() error = nil, want error")
		}
		if _, err := os.Stat(pidfile.Path(cfg.WorkingDir, PIDName)); !os.IsNotExist(err) {
			t.Errorf("PID file exists after failed start")
		}
	})

	t.Run("unknown log level", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LogLevel = "loud"
		if _, err := NewSPHubApp(cfg, nil); err == nil {
			t.Fatal("NewSPHubApp() error = nil, want error")
		}
	})

	t.Run("writes PID file and releases it", func(t *testing.T) {
		cfg := testConfig(t)
		a, err := NewSPHubApp(cfg, nil)
		if err != nil {
			t.Fatalf("NewSPHubApp() error = %v", err)
		}
		path := pidfile.Path(cfg.WorkingDir, PIDName)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("PID file missing: %v", err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("PID file still exists after Close")
		}
	})

	t.Run("takes over stale PID file", func(t *testing.T) {
		cfg := testConfig(t)
		path := pidfile.Path(cfg.WorkingDir, PIDName)
		if err := os.WriteFile(path, []byte("2147483646\n"), 0644); err != nil {
			t.Fatal(err)
		}
		a, err := NewSPHubApp(cfg, nil)
		if err != nil {
			t.Fatalf("NewSPHubApp() error = %v", err)
		}
		defer a.Close()
	})
}

func TestSPHubApp_Run(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewSPHubApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewSPHubApp() error = %v", err)
	}
	sessionID := a.session.ID

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	var nick string
	if err := a.Engine().Do(dctx, func(e *engine.Engine) { nick = e.Config().Nick }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if nick != config.DefaultNick {
		t.Errorf("nick = %q, want %q", nick, config.DefaultNick)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	store, err := history.Open(filepath.Join(cfg.History.DataDir, history.FileName), sp.NewNopLogger(), sp.RealClock{})
	if err != nil {
		t.Fatalf("history.Open() error = %v", err)
	}
	defer store.Close()
	s, err := store.FindSession(sessionID)
	if err != nil {
		t.Fatalf("FindSession() error = %v", err)
	}
	if s.Status != history.SessionFinished {
		t.Errorf("Status = %q, want %q", s.Status, history.SessionFinished)
	}
	if s.FinishedAt == nil {
		t.Error("FinishedAt = nil, want set")
	}

	logData, err := os.ReadFile(filepath.Join(cfg.LogDir, LogFileName))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(logData), sessionID) {
		t.Errorf("log does not mention session %s", sessionID)
	}
}

func TestSPHubApp_UIListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := testConfig(t)
	cfg.UI.ListenAddr = busy.Addr().String()
	a, err := NewSPHubApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewSPHubApp() error = %v", err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want error")
	}
	if a.session.Status != history.SessionError {
		t.Errorf("Status = %q, want %q", a.session.Status, history.SessionError)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDumpQueue(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewSPHubApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewSPHubApp() error = %v", err)
	}
	if err := a.Engine().Queue().Add("bar", "music/a.mp3", 100, "a.mp3", testTTH); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var buf bytes.Buffer
	if err := DumpQueue(cfg, &buf); err != nil {
		t.Fatalf("DumpQueue() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"+T:a.mp3:", testTTH, "+S:bar:a.mp3:music/a.mp3"} {
		if !strings.Contains(out, want) {
			t.Errorf("DumpQueue() output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(pidfile.Path(cfg.WorkingDir, PIDName)); !os.IsNotExist(err) {
		t.Errorf("PID file left behind by DumpQueue")
	}
}

func TestListTTH(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewSPHubApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewSPHubApp() error = %v", err)
	}
	if err := a.Engine().TTH().AddEntry(testTTH, []byte("leaves")); err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	if err := a.Engine().TTH().AddInode(42, 1000, testTTH); err != nil {
		t.Fatalf("AddInode() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var buf bytes.Buffer
	if err := ListTTH(cfg, &buf); err != nil {
		t.Fatalf("ListTTH() error = %v", err)
	}
	if !strings.Contains(buf.String(), testTTH) || !strings.Contains(buf.String(), "inodes=[42]") {
		t.Errorf("ListTTH() = %q", buf.String())
	}
}
