// Package extip decides which IP address to advertise to a hub.
package extip

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"

	"sphub/internal/notify"
	"sphub/internal/sp"
)

const (
	DefaultLookupURL = "http://shakespeer.bzero.se/ip.shtml"
	// DefaultValidity is how long a looked up address is trusted.
	DefaultValidity = 30 * time.Minute
	// publicBonus extends the validity when the external address turns out
	// to be the local one, i.e. there is no NAT.
	publicBonus = 24 * time.Hour

	userAgent = "sphubd/1.0"
)

var ipPattern = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)

// Options configures New.
type Options struct {
	StaticIP  string
	UseStatic bool
	LookupURL string
	Validity  time.Duration
	Client    *http.Client
	Notify    *notify.Center
	Logger    sp.Logger
	Clock     sp.Clock
	// Mask returns the netmask of the interface holding ip; nil uses the
	// system's interfaces.
	Mask func(ip net.IP) net.IPMask
}

// Detector caches the external address. Get, SetStatic and Update belong
// to the engine loop; Lookup may run on any goroutine.
type Detector struct {
	opts     Options
	logger   sp.Logger
	clock    sp.Clock
	static   string
	external string
	lookedUp time.Time
}

func New(opts Options) *Detector {
	if opts.LookupURL == "" {
		opts.LookupURL = DefaultLookupURL
	}
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Mask == nil {
		opts.Mask = interfaceMask
	}
	d := &Detector{opts: opts, logger: sp.OrNop(opts.Logger), clock: opts.Clock}
	if d.clock == nil {
		d.clock = sp.RealClock{}
	}
	if opts.UseStatic && opts.StaticIP != "" {
		if err := d.SetStatic(opts.StaticIP); err != nil {
			d.logger.Warn("ignoring static IP", "ip", opts.StaticIP, "error", err)
		}
	}
	return d
}

// SetStatic makes Get prefer ip for hubs outside the local network. An
// empty ip turns automatic detection back on.
func (d *Detector) SetStatic(ip string) error {
	if ip == "" {
		d.static = ""
		if d.external != "" {
			d.opts.Notify.Publish(notify.ExternalIPDetected{IP: d.external})
		}
		return nil
	}
	if parsed := net.ParseIP(ip); parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("invalid IP address %q", ip)
	}
	d.static = ip
	d.opts.Notify.Publish(notify.ExternalIPDetected{IP: ip})
	return nil
}

// External is the cached looked up address, or "".
func (d *Detector) External() string { return d.external }

// Stale reports whether a new lookup is due.
func (d *Detector) Stale() bool {
	return d.external == "" || d.clock.Now().After(d.lookedUp.Add(d.opts.Validity))
}

// Get returns the address to advertise to the hub at hubIP when our end of
// the hub connection is localIP. The second result asks the caller to run
// a Lookup because the cache is stale.
func (d *Detector) Get(localIP, hubIP string) (string, bool, error) {
	hub := net.ParseIP(hubIP).To4()
	if hub == nil {
		return "", false, fmt.Errorf("invalid hub IP %q", hubIP)
	}
	local := net.ParseIP(localIP).To4()
	if local == nil {
		return "", false, fmt.Errorf("invalid local IP %q", localIP)
	}

	if mask := d.opts.Mask(local); mask != nil && local.Mask(mask).Equal(hub.Mask(mask)) {
		d.logger.Info("hub in local subnet, using local IP", "hub", hubIP, "ip", localIP)
		return localIP, false, nil
	}
	if d.static != "" {
		d.logger.Info("using static IP", "hub", hubIP, "ip", d.static)
		return d.static, false, nil
	}
	if local.IsPrivate() && hub.IsPrivate() {
		d.logger.Info("using private local IP for private hub", "hub", hubIP, "ip", localIP)
		return localIP, false, nil
	}

	if d.external == localIP {
		d.logger.Info("detected use of public IP (no NAT)")
		d.lookedUp = d.lookedUp.Add(publicBonus)
	}
	stale := d.Stale()
	if d.external == "" {
		d.logger.Warn("external IP unavailable, using local IP", "ip", localIP)
		return localIP, stale, nil
	}
	d.logger.Info("using external IP", "hub", hubIP, "ip", d.external)
	return d.external, stale, nil
}

// Update stores a looked up address and announces it.
func (d *Detector) Update(ip string) {
	d.external = ip
	d.lookedUp = d.clock.Now()
	d.logger.Debug("detected external IP", "ip", ip)
	d.opts.Notify.Publish(notify.ExternalIPDetected{IP: ip})
}

// Lookup asks the lookup service for our address. It touches no detector
// state and is safe to call from any goroutine.
func (d *Detector) Lookup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.LookupURL, nil)
	if err != nil {
		return "", fmt.Errorf("building IP lookup request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Connection", "close")

	res, err := d.opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("looking up external IP: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("looking up external IP: status %d", res.StatusCode)
	}
	return ParseResponse(res.Body)
}

// ParseResponse finds the first IPv4 address in the text of an HTML or
// plain text page.
func ParseResponse(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parsing IP lookup response: %w", err)
	}
	var found string
	doc.Find("*").Contents().EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if goquery.NodeName(s) != "#text" {
			return true
		}
		for _, m := range ipPattern.FindAllString(s.Text(), -1) {
			if ip := net.ParseIP(m); ip != nil && ip.To4() != nil {
				found = m
				return false
			}
		}
		return true
	})
	if found == "" {
		return "", fmt.Errorf("no IP address in lookup response")
	}
	return found, nil
}

// interfaceMask finds the netmask of the local interface holding ip,
// falling back to a /24.
func interfaceMask(ip net.IP) net.IPMask {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
				if len(n.Mask) == net.IPv6len {
					return n.Mask[12:]
				}
				return n.Mask
			}
		}
	}
	return net.CIDRMask(24, 32)
}
