package queue

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"sphub/internal/testutil"
)

func TestConnectTrigger(t *testing.T) {
	q, _ := newQueue(t, t.TempDir())
	clock := testutil.FixedClock()

	mustAdd(t, q, "bar", "A", 100, "a", tth0)
	mustAdd(t, q, "paused", "B", 100, "b", tth1)
	mustAdd(t, q, "busy", "C", 100, "c", tth2)
	if err := q.SetPriority("b", 0); err != nil {
		t.Fatal(err)
	}
	if err := q.SetTargetActive("c", true); err != nil {
		t.Fatal(err)
	}
	if err := q.AddFilelist("lister", false); err != nil {
		t.Fatal(err)
	}

	ct := NewConnectTrigger(q, time.Minute, clock)
	if got, want := ct.Candidates(), []string{"bar", "lister"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Candidates() = %v, want %v", got, want)
	}

	var calls []string
	connect := func(nick string) error {
		calls = append(calls, nick)
		if nick == "lister" {
			return errors.New("no route")
		}
		return nil
	}

	if got := ct.Run(connect); got != 2 {
		t.Errorf("first Run() = %d, want 2", got)
	}

	clock.Advance(time.Second)
	calls = nil
	ct.Run(connect)
	if want := []string{"lister"}; !reflect.DeepEqual(calls, want) {
		t.Errorf("second Run() connected %v, want %v (failed nick only)", calls, want)
	}

	clock.Advance(time.Minute)
	calls = nil
	ct.Run(connect)
	if want := []string{"bar", "lister"}; !reflect.DeepEqual(calls, want) {
		t.Errorf("Run() after interval connected %v, want %v", calls, want)
	}
}

func TestConnectTrigger_SetIntervalAndForget(t *testing.T) {
	q, _ := newQueue(t, t.TempDir())
	clock := testutil.FixedClock()
	mustAdd(t, q, "bar", "A", 100, "a", tth0)

	ct := NewConnectTrigger(q, 0, clock)
	if ct.Interval() != DefaultConnectInterval {
		t.Errorf("Interval() = %v, want %v", ct.Interval(), DefaultConnectInterval)
	}

	n := 0
	connect := func(string) error { n++; return nil }

	ct.Run(connect)
	ct.SetInterval(10 * time.Second)
	clock.Advance(11 * time.Second)
	ct.Run(connect)
	if n != 2 {
		t.Errorf("connects = %d, want 2 after shortening the interval", n)
	}

	ct.Run(connect)
	if n != 2 {
		t.Errorf("connects = %d, want still 2 within the interval", n)
	}
	ct.Forget("bar")
	ct.Run(connect)
	if n != 3 {
		t.Errorf("connects = %d, want 3 after Forget()", n)
	}
}
