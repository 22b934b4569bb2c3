package extip

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sphub/internal/notify"
	"sphub/internal/testutil"
)

func slash24(net.IP) net.IPMask { return net.CIDRMask(24, 32) }

func newDetector(opts Options) (*Detector, *testutil.Recorder, *testutil.StubClock) {
	nc := notify.NewCenter()
	rec := testutil.NewRecorder(nc)
	clock := testutil.FixedClock()
	opts.Notify = nc
	opts.Clock = clock
	if opts.Mask == nil {
		opts.Mask = slash24
	}
	return New(opts), rec, clock
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"plain text", "192.0.34.166\n", "192.0.34.166", false},
		{"html", "<html><body><p>Your IP: <b>81.2.3.4</b></p></body></html>", "81.2.3.4", false},
		{"skips bogus numbers", "431.123.1567.1<external-ip>192.0.34.166</external-ip>", "192.0.34.166", false},
		{"out of range octet", "300.1.1.1 and then 10.0.0.1", "10.0.0.1", false},
		{"no address", "no ip address here", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(strings.NewReader(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGet(t *testing.T) {
	tests := []struct {
		name      string
		static    string
		external  string
		local     string
		hub       string
		want      string
		wantStale bool
	}{
		{"hub on local subnet", "1.1.1.1", "5.6.7.8", "192.168.1.10", "192.168.1.200", "192.168.1.10", false},
		{"static", "1.1.1.1", "5.6.7.8", "192.168.1.10", "8.8.8.8", "1.1.1.1", false},
		{"both private", "", "5.6.7.8", "192.168.1.10", "10.1.2.3", "192.168.1.10", false},
		{"external", "", "5.6.7.8", "192.168.1.10", "8.8.8.8", "5.6.7.8", false},
		{"no external yet", "", "", "192.168.1.10", "8.8.8.8", "192.168.1.10", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newDetector(Options{StaticIP: tt.static, UseStatic: tt.static != ""})
			if tt.external != "" {
				d.Update(tt.external)
			}
			got, stale, err := d.Get(tt.local, tt.hub)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got != tt.want || stale != tt.wantStale {
				t.Errorf("Get() = %q, %v, want %q, %v", got, stale, tt.want, tt.wantStale)
			}
		})
	}
}

func TestGet_InvalidHub(t *testing.T) {
	d, _, _ := newDetector(Options{})
	if _, _, err := d.Get("192.168.1.10", "hub.example.org"); err == nil {
		t.Error("Get() expected error for a hub name")
	}
}

func TestGet_Staleness(t *testing.T) {
	d, _, clock := newDetector(Options{Validity: 10 * time.Minute})
	d.Update("5.6.7.8")

	clock.Advance(11 * time.Minute)
	if _, stale, _ := d.Get("192.168.1.10", "8.8.8.8"); !stale {
		t.Error("cache not stale after its validity")
	}

	// A public local address needs no new lookup for a day.
	d.Update("5.6.7.8")
	clock.Advance(11 * time.Minute)
	if _, stale, _ := d.Get("5.6.7.8", "8.8.8.8"); stale {
		t.Error("cache stale although we are not behind NAT")
	}
}

func TestSetStatic(t *testing.T) {
	d, rec, _ := newDetector(Options{})
	if err := d.SetStatic("not-an-ip"); err == nil {
		t.Error("SetStatic() accepted an invalid address")
	}
	if err := d.SetStatic("1.2.3.4"); err != nil {
		t.Fatalf("SetStatic() error = %v", err)
	}
	d.Update("5.6.7.8")
	if err := d.SetStatic(""); err != nil {
		t.Fatal(err)
	}
	if got := rec.Count(notify.KindExternalIPDetected); got != 3 {
		t.Errorf("external-ip events = %d, want 3", got)
	}
	if ev := rec.Last(notify.KindExternalIPDetected).(notify.ExternalIPDetected); ev.IP != "5.6.7.8" {
		t.Errorf("last event = %+v, want the looked up address", ev)
	}
}

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			http.Error(w, "no agent", http.StatusBadRequest)
			return
		}
		w.Write([]byte("<html><body>Current IP Address: 203.0.113.7</body></html>"))
	}))
	defer srv.Close()

	d, _, _ := newDetector(Options{LookupURL: srv.URL})
	got, err := d.Lookup(context.Background())
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got != "203.0.113.7" {
		t.Errorf("Lookup() = %q, want %q", got, "203.0.113.7")
	}
}

func TestLookup_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, _, _ := newDetector(Options{LookupURL: srv.URL})
	if _, err := d.Lookup(context.Background()); err == nil {
		t.Error("Lookup() expected error for a 503")
	}
}
