package slots

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"sphub/internal/notify"
	"sphub/internal/testutil"
)

func openExtra(t *testing.T, dir string) (*ExtraSlots, *testutil.Recorder) {
	t.Helper()
	nc := notify.NewCenter()
	rec := testutil.NewRecorder(nc)
	x, err := OpenExtraSlots(dir, nc, nil)
	if err != nil {
		t.Fatalf("OpenExtraSlots() error = %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x, rec
}

func TestRequest(t *testing.T) {
	x, _ := openExtra(t, t.TempDir())
	if err := x.Grant("friend", 1); err != nil {
		t.Fatal(err)
	}
	a := NewAllocator(1, false, DefaultFreeSizeLimit, x, nil)

	tests := []struct {
		name     string
		nick     string
		filename string
		size     uint64
		want     State
	}{
		{"no filename", "bob", "", 1 << 30, Free},
		{"filelist", "bob", "files.xml.bz2", 1 << 30, Free},
		{"small file", "bob", `music\a.mp3`, 64*1024 - 1, Free},
		{"extra slot", "friend", `movie.avi`, 1 << 30, Extra},
		{"normal", "bob", `movie.avi`, 64 * 1024, Normal},
		{"exhausted", "carol", `movie.avi`, 1 << 30, None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Request("hub1", tt.nick, tt.filename, tt.size); got != tt.want {
				t.Errorf("Request() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := a.Request("hub2", "carol", "movie.avi", 1<<30); got != Normal {
		t.Errorf("Request() on another hub = %v, want Normal", got)
	}
}

func TestRelease_Extra(t *testing.T) {
	x, rec := openExtra(t, t.TempDir())
	if err := x.Grant("friend", 2); err != nil {
		t.Fatal(err)
	}
	a := NewAllocator(0, true, DefaultFreeSizeLimit, x, nil)

	st := a.Request("", "friend", "big.iso", 1<<30)
	if st != Extra {
		t.Fatalf("Request() = %v, want Extra", st)
	}
	if x.Get("friend") != 2 {
		t.Errorf("grant decremented on request")
	}
	a.Release("", "friend", st)
	if got := x.Get("friend"); got != 1 {
		t.Errorf("Get() after release = %d, want 1", got)
	}
	ev, ok := rec.Last(notify.KindExtraSlotGranted).(notify.ExtraSlotGranted)
	if !ok || ev.Slots != 1 {
		t.Errorf("last extra-slot-granted = %+v", ev)
	}
}

func TestSlotAccountingInvariant(t *testing.T) {
	a := NewAllocator(3, false, DefaultFreeSizeLimit, nil, nil)
	rng := rand.New(rand.NewSource(1))
	var held []State

	for i := 0; i < 2000; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			st := a.Request("hub", "nick", "file.bin", 1<<20)
			if st == Normal && a.Used("hub") > a.Total() {
				t.Fatalf("step %d: used %d > total %d after Normal", i, a.Used("hub"), a.Total())
			}
			if st == Normal {
				held = append(held, st)
			}
		case 2:
			if len(held) > 0 {
				a.Release("hub", "nick", held[len(held)-1])
				held = held[:len(held)-1]
			}
		case 3:
			a.SetTotal(rng.Intn(5))
		}
		if want := max(0, a.Total()-a.Used("hub")); a.Available("hub") != want {
			t.Fatalf("step %d: Available() = %d, want %d", i, a.Available("hub"), want)
		}
		if a.Available("hub") < 0 {
			t.Fatalf("step %d: Available() negative", i)
		}
	}
}

func TestLowerTotalBelowUsed(t *testing.T) {
	a := NewAllocator(2, true, DefaultFreeSizeLimit, nil, nil)
	a.Request("", "a", "x.bin", 1<<20)
	a.Request("", "b", "x.bin", 1<<20)

	a.SetTotal(1)
	if got := a.Available(""); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}
	if got := a.Request("", "c", "x.bin", 1<<20); got != None {
		t.Errorf("Request() = %v, want None", got)
	}
	a.Release("", "a", Normal)
	if got := a.Request("", "c", "x.bin", 1<<20); got != None {
		t.Errorf("Request() with one slot still owed = %v, want None", got)
	}
	a.Release("", "b", Normal)
	if got := a.Request("", "c", "x.bin", 1<<20); got != Normal {
		t.Errorf("Request() = %v, want Normal", got)
	}
}

func TestModeSwitchReconciles(t *testing.T) {
	a := NewAllocator(2, false, DefaultFreeSizeLimit, nil, nil)
	a.Request("hub", "a", "x.bin", 1<<20)

	a.SetGlobal(true)
	a.Request("hub", "b", "x.bin", 1<<20)
	if got := a.Used("hub"); got != 1 {
		t.Errorf("global Used() = %d, want 1", got)
	}

	// Both transfers end in global mode.
	a.Release("hub", "b", Normal)
	a.Release("hub", "a", Normal)
	a.SetGlobal(false)
	if got := a.Used("hub"); got != 0 {
		t.Errorf("per-hub Used() = %d, want 0 after the old slot was returned", got)
	}

	// A further release is an internal error and must not go negative.
	a.Release("hub", "a", Normal)
	if got := a.Used("hub"); got != 0 {
		t.Errorf("Used() = %d, want 0", got)
	}
}

func TestExtraSlots_Persistence(t *testing.T) {
	dir := t.TempDir()
	x, _ := openExtra(t, dir)

	weird := "ni:ck\\with\nstuff"
	if err := x.Grant(weird, 3); err != nil {
		t.Fatal(err)
	}
	if err := x.Grant("bob", 1); err != nil {
		t.Fatal(err)
	}
	if err := x.Grant("bob", -1); err != nil {
		t.Fatal(err)
	}
	if err := x.Grant("bob", -1); !errors.Is(err, ErrNegativeGrant) {
		t.Errorf("Grant() below zero error = %v, want ErrNegativeGrant", err)
	}
	x.Close()

	x2, _ := openExtra(t, dir)
	want := []Grant{{Nick: weird, Slots: 3}}
	if got := x2.All(); !reflect.DeepEqual(got, want) {
		t.Errorf("All() after reload = %v, want %v", got, want)
	}
	if !x2.NeedNormalize() {
		t.Error("NeedNormalize() = false with a superseded grant")
	}
	if err := x2.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, ExtraLogName))
	if want := "!V:2\n=X:ni\\:ck\\\\with\\nstuff:3\n"; string(data) != want {
		t.Errorf("normalized log = %q, want %q", data, want)
	}
}
