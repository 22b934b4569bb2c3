package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
)

// Config is the configuration of sphubd.
type Config struct {
	// Nick is announced to peers in the connection handshake.
	Nick          string `toml:"nick"`
	WorkingDir    string `toml:"working_dir"`
	LogDir        string `toml:"log_dir"`
	LogLevel      string `toml:"log_level"`
	DownloadDir   string `toml:"download_dir"`
	IncompleteDir string `toml:"incomplete_dir"`

	Share      ShareConfig       `toml:"share"`
	Slots      SlotsConfig       `toml:"slots"`
	Queue      QueueConfig       `toml:"queue"`
	Connection ConnectionConfig  `toml:"connection"`
	UI         UIConfig          `toml:"ui"`
	History    HistoryConfig     `toml:"history"`
	ExtIP      ExtIPConfig       `toml:"extip"`
	Peers      map[string]string `toml:"peers"`
}

// Duration is a time.Duration written as a string like "90s" or "1h".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MountpointConfig shares Path under VirtualRoot, which defaults to the
// last path component.
type MountpointConfig struct {
	Path        string `toml:"path"`
	VirtualRoot string `toml:"virtual_root,omitempty"`
}

type ShareConfig struct {
	Mountpoints []MountpointConfig `toml:"mountpoints"`
	Ignore      []string           `toml:"ignore"`
	// RescanInterval of 0 disables periodic rescans.
	RescanInterval Duration `toml:"rescan_interval"`
}

type SlotsConfig struct {
	Total int `toml:"total"`
	// Global shares one pool of slots across hubs.
	Global        bool              `toml:"global"`
	FreeSizeLimit datasize.ByteSize `toml:"free_size_limit"`
}

type QueueConfig struct {
	ConnectInterval       Duration `toml:"connect_interval"`
	MatchSearchResponses  bool     `toml:"match_search_responses"`
	AutoDownloadFilelists bool     `toml:"auto_download_filelists"`
	PartialDirectoryMoves bool     `toml:"partial_directory_moves"`
}

type ConnectionConfig struct {
	ListenAddr          string   `toml:"listen_addr"`
	HandshakeTimeout    Duration `toml:"handshake_timeout"`
	IdleTimeout         Duration `toml:"idle_timeout"`
	TransferIdleTimeout Duration `toml:"transfer_idle_timeout"`
}

// UIConfig configures the control API. An empty ListenAddr disables it.
type UIConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// HistoryConfig represents configuration for the transfer history database.
// The Type field determines which other fields are relevant.
type HistoryConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

type ExtIPConfig struct {
	StaticIP       string   `toml:"static_ip,omitempty"`
	UseStatic      bool     `toml:"use_static"`
	LookupURL      string   `toml:"lookup_url"`
	LookupInterval Duration `toml:"lookup_interval"`
}

const (
	DefaultNick                = "sphubd"
	DefaultLogLevel            = "info"
	DefaultSlots               = 3
	DefaultFreeSizeLimit       = 64 * datasize.KB
	DefaultListenAddr          = ":1412"
	DefaultUIListenAddr        = "127.0.0.1:1413"
	DefaultLookupURL           = "http://shakespeer.bzero.se/ip.shtml"
	DefaultRescanInterval      = Duration(time.Hour)
	DefaultConnectInterval     = Duration(60 * time.Second)
	DefaultHandshakeTimeout    = Duration(90 * time.Second)
	DefaultIdleTimeout         = Duration(180 * time.Second)
	DefaultTransferIdleTimeout = Duration(300 * time.Second)
	DefaultLookupInterval      = Duration(30 * time.Minute)
)

// NewConfig returns the default configuration with every directory below
// baseDir.
func NewConfig(baseDir string) *Config {
	cfg := &Config{
		Nick:        DefaultNick,
		WorkingDir:  baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		LogLevel:    DefaultLogLevel,
		DownloadDir: filepath.Join(baseDir, "downloads"),
		Share: ShareConfig{
			RescanInterval: DefaultRescanInterval,
		},
		Slots: SlotsConfig{
			Total:         DefaultSlots,
			FreeSizeLimit: DefaultFreeSizeLimit,
		},
		Queue: QueueConfig{
			ConnectInterval:       DefaultConnectInterval,
			MatchSearchResponses:  true,
			AutoDownloadFilelists: true,
		},
		Connection: ConnectionConfig{
			ListenAddr:          DefaultListenAddr,
			HandshakeTimeout:    DefaultHandshakeTimeout,
			IdleTimeout:         DefaultIdleTimeout,
			TransferIdleTimeout: DefaultTransferIdleTimeout,
		},
		UI: UIConfig{ListenAddr: DefaultUIListenAddr},
		History: HistoryConfig{
			Type:    "sqlite",
			DataDir: baseDir,
		},
		ExtIP: ExtIPConfig{
			LookupURL:      DefaultLookupURL,
			LookupInterval: DefaultLookupInterval,
		},
	}
	cfg.IncompleteDir = filepath.Join(cfg.DownloadDir, ".incomplete")
	return cfg
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Nick == "" {
		return fmt.Errorf("nick is required")
	}
	if strings.ContainsAny(c.Nick, "$| ") {
		return fmt.Errorf("nick %q contains a reserved character", c.Nick)
	}
	if c.WorkingDir == "" {
		return fmt.Errorf("working_dir is required")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download_dir is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Slots.Total < 0 {
		return fmt.Errorf("slots.total must not be negative")
	}
	for i, mp := range c.Share.Mountpoints {
		if mp.Path == "" {
			return fmt.Errorf("share.mountpoints[%d]: path is required", i)
		}
	}
	if c.ExtIP.UseStatic && c.ExtIP.StaticIP == "" {
		return fmt.Errorf("extip.use_static needs extip.static_ip")
	}
	return nil
}

// Incomplete returns IncompleteDir, defaulting to a hidden directory
// inside the download directory.
func (c *Config) Incomplete() string {
	if c.IncompleteDir != "" {
		return c.IncompleteDir
	}
	return filepath.Join(c.DownloadDir, ".incomplete")
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from r. Settings missing from r keep the defaults
// of NewConfig(baseDir).
func (m *Manager) Read(r io.Reader, baseDir string) (*Config, error) {
	cfg := NewConfig(baseDir)
	cfg.IncompleteDir = ""
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.IncompleteDir = cfg.Incomplete()
	return cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path, baseDir string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f, baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
