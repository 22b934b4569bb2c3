package pidfile

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
)

func startSleep(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd.Process.Pid
}

func writePID(t *testing.T, dir, name string, pid int) {
	t.Helper()
	if err := os.WriteFile(Path(dir, name), []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	p, err := Acquire(dir, "sphubd")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	data, err := os.ReadFile(p.Path())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.TrimSpace(string(data)), fmt.Sprint(os.Getpid()); got != want {
		t.Errorf("PID file = %q, want %q", got, want)
	}

	// Acquiring again from the same process is allowed.
	if _, err := Acquire(dir, "sphubd"); err != nil {
		t.Errorf("second Acquire() error = %v", err)
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Errorf("PID file still present after Release(): %v", err)
	}
	if err := p.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestAcquire_LiveInstance(t *testing.T) {
	dir := t.TempDir()
	pid := startSleep(t)
	writePID(t, dir, "sleep", pid)

	_, err := Acquire(dir, "sleep")
	if !errors.Is(err, ErrRunning) {
		t.Fatalf("Acquire() error = %v, want ErrRunning", err)
	}
	if got := Running(dir, "sleep"); got != int32(pid) {
		t.Errorf("Running() = %d, want %d", got, pid)
	}
}

func TestAcquire_StaleFile(t *testing.T) {
	tests := []struct {
		name    string
		content func(t *testing.T) string
	}{
		{"dead pid", func(t *testing.T) string { return "2147483000" }},
		{"garbage", func(t *testing.T) string { return "not a pid" }},
		{"other program", func(t *testing.T) string { return fmt.Sprint(startSleep(t)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(Path(dir, "sphubd"), []byte(tt.content(t)), 0644); err != nil {
				t.Fatal(err)
			}
			if got := Running(dir, "sphubd"); got != 0 {
				t.Errorf("Running() = %d, want 0", got)
			}
			p, err := Acquire(dir, "sphubd")
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			defer p.Release()
		})
	}
}

func TestRelease_KeepsForeignFile(t *testing.T) {
	dir := t.TempDir()
	p, err := Acquire(dir, "sphubd")
	if err != nil {
		t.Fatal(err)
	}
	writePID(t, dir, "sphubd", 12345)
	if err := p.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p.Path()); err != nil {
		t.Errorf("Release() removed a file owned by another process: %v", err)
	}
}
