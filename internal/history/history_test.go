package history_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sphub/internal/history"
	"sphub/internal/testutil"
)

func newTestStore(t *testing.T) (*history.Store, *testutil.StubClock) {
	t.Helper()
	clock := testutil.FixedClock()
	s, err := history.Open(":memory:", nil, clock)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestSessions(t *testing.T) {
	s, clock := newTestStore(t)

	if _, err := s.StartSession("one"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := s.StartSession("two"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	clock.Advance(time.Minute)
	if err := s.FinishSession("one", history.SessionFinished); err != nil {
		t.Fatalf("FinishSession() error = %v", err)
	}
	if err := s.FinishSession("missing", history.SessionFinished); err == nil {
		t.Error("FinishSession() of unknown session succeeded")
	}

	got, err := s.FindSession("one")
	if err != nil || got == nil {
		t.Fatalf("FindSession() = %v, %v", got, err)
	}
	if got.Status != history.SessionFinished || got.FinishedAt == nil {
		t.Errorf("FindSession() = %+v, want finished", got)
	} else if want := testutil.FixedClock().Now().Add(61 * time.Minute); !got.FinishedAt.Equal(want) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, want)
	}

	missing, err := s.FindSession("nope")
	if err != nil || missing != nil {
		t.Errorf("FindSession(nope) = %v, %v, want nil, nil", missing, err)
	}

	list, err := s.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "two" || list[1].ID != "one" {
		t.Fatalf("ListSessions() = %+v, want two then one", list)
	}
	if list[0].Status != history.SessionRunning || list[0].FinishedAt != nil {
		t.Errorf("running session = %+v", list[0])
	}
}

func TestTransfers(t *testing.T) {
	s, clock := newTestStore(t)
	if _, err := s.StartSession("sess"); err != nil {
		t.Fatal(err)
	}

	records := []*history.Transfer{
		{SessionID: "sess", Direction: "download", Nick: "alice", Filename: "a.mp3", Size: 100, Bytes: 100, Status: history.StatusFinished},
		{Direction: "upload", Nick: "bob", Filename: "/music/b.mp3", Size: 50, Offset: 10, Bytes: 20, Status: history.StatusAborted},
		{SessionID: "sess", Direction: "download", Nick: "alice", Filename: "c.mp3", Size: 30, Bytes: 30, Status: history.StatusFinished},
	}
	for _, r := range records {
		clock.Advance(time.Second)
		if err := s.RecordTransfer(r); err != nil {
			t.Fatalf("RecordTransfer(%s) error = %v", r.Filename, err)
		}
		if r.ID == 0 {
			t.Errorf("RecordTransfer(%s) did not set ID", r.Filename)
		}
	}

	all, err := s.ListTransfers("", 10)
	if err != nil {
		t.Fatalf("ListTransfers() error = %v", err)
	}
	var names []string
	for _, tr := range all {
		names = append(names, tr.Filename)
	}
	if got, want := strings.Join(names, ","), "c.mp3,/music/b.mp3,a.mp3"; got != want {
		t.Errorf("ListTransfers() = %s, want %s", got, want)
	}
	if b := all[1]; b.Offset != 10 || b.Bytes != 20 || b.SessionID != "" || b.Status != history.StatusAborted {
		t.Errorf("upload record = %+v", b)
	}

	alice, err := s.ListTransfers("alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(alice) != 1 || alice[0].Filename != "c.mp3" {
		t.Errorf("ListTransfers(alice, 1) = %+v", alice)
	}

	totals, err := s.Totals()
	if err != nil {
		t.Fatal(err)
	}
	if totals["download"] != 130 || totals["upload"] != 20 {
		t.Errorf("Totals() = %v", totals)
	}

	n, err := s.Prune(testutil.FixedClock().Now().Add(2500 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Prune() = %d, want 2", n)
	}
}

func TestRecordTransfer_UnknownSession(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.RecordTransfer(&history.Transfer{SessionID: "ghost", Direction: "upload", Nick: "x", Filename: "f", Status: history.StatusFinished})
	if err == nil {
		t.Error("RecordTransfer() with unknown session succeeded")
	}
}

func TestOpen_RecoversCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, history.FileName)
	garbage := []byte(strings.Repeat("this is not a database\n", 200))
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := history.Open(path, nil, testutil.FixedClock())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	backup := path + ".corrupt-20250301T120000Z"
	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("corrupt file not kept: %v", err)
	}
	if string(data) != string(garbage) {
		t.Errorf("renamed file content = %q, want %q", data, garbage)
	}
	if _, err := s.StartSession("fresh"); err != nil {
		t.Errorf("recreated database unusable: %v", err)
	}
	if err := s.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), history.FileName)
	s, err := history.Open(path, nil, testutil.FixedClock())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartSession("kept"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = history.Open(path, nil, testutil.FixedClock())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	if got, _ := s.FindSession("kept"); got == nil {
		t.Error("session lost across reopen")
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 0 {
		t.Errorf("healthy database moved aside: %v", matches)
	}
}

func TestBackupTo(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.StartSession("x"); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "copy.db")
	if err := s.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	dup, err := history.Open(dest, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dup.Close()
	if got, _ := dup.FindSession("x"); got == nil {
		t.Error("backup lacks session")
	}
}
