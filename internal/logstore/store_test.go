package logstore

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type replayed struct {
	tag    string
	fields []string
}

func replayAll(t *testing.T, s *Store, n int) []replayed {
	t.Helper()
	var got []replayed
	err := s.Replay(func(rec Record) error {
		fields, err := rec.Fields(n)
		if err != nil {
			return err
		}
		got = append(got, replayed{tag: rec.Tag, fields: fields})
		return nil
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	return got
}

func TestEscapeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
	}{
		{name: "plain", fields: []string{"nick", "file.txt"}},
		{name: "colons", fields: []string{"ni:ck", "C:\\dir\\file"}},
		{name: "newline", fields: []string{"a\nb", ""}},
		{name: "trailing backslash", fields: []string{"dir\\", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			line := strings.TrimSuffix(joinFields("+X", tt.fields), "\n")
			_, rest, _ := strings.Cut(line, ":")
			got, err := SplitFields(rest)
			if err != nil {
				t.Fatalf("SplitFields() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.fields) {
				t.Errorf("SplitFields() = %q, want %q", got, tt.fields)
			}
		})
	}
}

func TestSplitFields_invalidEscape(t *testing.T) {
	if _, err := SplitFields(`a\x`); err == nil {
		t.Error("SplitFields() with invalid escape: expected error")
	}
	if _, err := SplitFields(`a\`); err == nil {
		t.Error("SplitFields() with dangling escape: expected error")
	}
}

func TestStore_AppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Append("+S", "bar", "local:file", "remote\\file"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append("-S", "local:file", "bar", ""); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	s.Close()

	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	got := replayAll(t, s, 3)
	want := []replayed{
		{tag: "+S", fields: []string{"bar", "local:file", "remote\\file"}},
		{tag: "-S", fields: []string{"local:file", "bar", ""}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("replayed = %v, want %v", got, want)
	}
	if s.Legacy() {
		t.Error("Legacy() = true for a log with version header")
	}
}

func TestStore_AppendSuppressedWhileLoading(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	s.Append("+F", "alice", "0")
	calls := 0
	err = s.Replay(func(rec Record) error {
		calls++
		if !s.Loading() {
			t.Error("Loading() = false during replay")
		}
		return s.Append("+F", "again", "0")
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if s.Loading() {
		t.Error("Loading() = true after replay")
	}

	if got := len(replayAll(t, s, 2)); got != 1 {
		t.Errorf("records after replay = %d, want 1 (no duplicated records)", got)
	}
	if calls != 1 {
		t.Errorf("replay calls = %d, want 1", calls)
	}
}

func TestStore_TruncatedFinalLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	content := VersionHeader + "\n+F:alice:0\n+F:bob:2"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got := replayAll(t, s, 2)
	if len(got) != 2 || got[1].fields[0] != "bob" {
		t.Fatalf("replayed = %v, want alice and bob", got)
	}

	// The next append must start on a fresh line.
	if err := s.Append("+F", "carol", "0"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	s.Close()

	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	got = replayAll(t, s, 2)
	if len(got) != 3 {
		t.Fatalf("replayed %d records, want 3: %v", len(got), got)
	}
	if got[1].fields[1] != "2" || got[2].fields[0] != "carol" {
		t.Errorf("replayed = %v", got)
	}
}

func TestStore_MalformedLinesSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	content := VersionHeader + "\nnotag\n+F:alice:0\n+F:bad\\q:0\n+F:bob:1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	got := replayAll(t, s, 2)
	if len(got) != 2 {
		t.Fatalf("replayed %d records, want 2: %v", len(got), got)
	}
	if got[0].fields[0] != "alice" || got[1].fields[0] != "bob" {
		t.Errorf("replayed = %v", got)
	}
}

func TestStore_LegacyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	content := "+S:bar:local_file:dir\\with:colon\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	got := replayAll(t, s, 3)
	if !s.Legacy() {
		t.Error("Legacy() = false for a log without header")
	}
	want := []string{"bar", "local_file", "dir\\with:colon"}
	if len(got) != 1 || !reflect.DeepEqual(got[0].fields, want) {
		t.Errorf("replayed = %v, want fields %q", got, want)
	}
}

func TestStore_Normalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	for _, nick := range []string{"a", "b", "c"} {
		s.Append("+F", nick, "0")
	}
	s.Append("-F", "b")

	var offsets []int64
	err = s.Normalize(func(w *Writer) error {
		for _, nick := range []string{"a", "c"} {
			off, err := w.Record("+F", nick, "0")
			if err != nil {
				return err
			}
			offsets = append(offsets, off)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind after Normalize()")
	}

	if err := s.Append("+F", "d", "0"); err != nil {
		t.Fatalf("Append() after Normalize() error = %v", err)
	}

	got := replayAll(t, s, 2)
	var nicks []string
	for _, r := range got {
		nicks = append(nicks, r.fields[0])
	}
	if want := []string{"a", "c", "d"}; !reflect.DeepEqual(nicks, want) {
		t.Errorf("nicks after normalize = %v, want %v", nicks, want)
	}

	rec, err := s.ReadAt(offsets[1])
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	fields, _ := rec.Fields(2)
	if fields[0] != "c" {
		t.Errorf("ReadAt(%d) nick = %q, want %q", offsets[1], fields[0], "c")
	}
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.log"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	if err := s.Append("+F", "x", "0"); err != ErrClosed {
		t.Errorf("Append() after Close() error = %v, want %v", err, ErrClosed)
	}
}
