// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "PLINK_CONFIG"

// MaxChunkSize bounds transfer.chunk_size. Larger messages are not
// portable across SCTP implementations.
const MaxChunkSize = 64 * 1024

// Config is the root of a plink configuration file.
type Config struct {
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Peer       PeerConfig       `yaml:"peer"`
	Transfer   TransferConfig   `yaml:"transfer"`
}

// RendezvousConfig configures plink-rendezvous.
type RendezvousConfig struct {
	// Listen is the TCP address for the CBOR stream protocol. Empty
	// disables the listener.
	Listen string `yaml:"listen"`

	// UnixSocket is an optional Unix socket path for the same
	// protocol.
	UnixSocket string `yaml:"unix_socket"`

	// HTTPListen serves the WebSocket endpoint (/ws) and /healthz.
	HTTPListen string `yaml:"http_listen"`

	// MDNS advertises Listen on the local network.
	MDNS bool `yaml:"mdns"`

	// OutboxSize is the number of undelivered messages a member may
	// accumulate before it is disconnected.
	OutboxSize int `yaml:"outbox_size"`
}

// PeerConfig configures the plink client.
type PeerConfig struct {
	// Rendezvous is the coordinator address: tcp://host:port,
	// unix:///path, ws://host/ws, wss://host/ws, or "mdns".
	Rendezvous string `yaml:"rendezvous"`

	// DownloadDir receives completed files.
	DownloadDir string `yaml:"download_dir"`

	// StateDir holds the chunk store database.
	StateDir string `yaml:"state_dir"`

	ICEServers []ICEServer `yaml:"ice_servers"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
	MaxICERestarts int      `yaml:"max_ice_restarts"`
}

// ICEServer is a STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	ChunkSize         int      `yaml:"chunk_size"`
	HighWaterMark     int      `yaml:"high_water_mark"`
	LowWaterMark      int      `yaml:"low_water_mark"`
	AckTimeout        Duration `yaml:"ack_timeout"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	MaxRequestRetries int      `yaml:"max_request_retries"`
	PullWindow        int      `yaml:"pull_window"`
	StallTimeout      Duration `yaml:"stall_timeout"`
	MaxRecoveries     int      `yaml:"max_recoveries"`

	// Mode is "pull" or "push".
	Mode string `yaml:"mode"`

	// Compression is "deflate", "zstd", "lz4" or "none".
	Compression string `yaml:"compression"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses strings such as "1m30s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() *Config {
	config := &Config{
		Rendezvous: RendezvousConfig{
			Listen:     ":7420",
			HTTPListen: ":7421",
			OutboxSize: 64,
		},
		Peer: PeerConfig{
			Rendezvous:     "tcp://127.0.0.1:7420",
			DownloadDir:    "${HOME}/Downloads",
			StateDir:       "${XDG_STATE_HOME:-${HOME}/.local/state}/plink",
			ICEServers:     []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			ConnectTimeout: Duration(30 * time.Second),
			MaxICERestarts: 3,
		},
		Transfer: TransferConfig{
			ChunkSize:         16 * 1024,
			HighWaterMark:     16 * 16 * 1024,
			LowWaterMark:      4 * 16 * 1024,
			AckTimeout:        Duration(30 * time.Second),
			RequestTimeout:    Duration(5 * time.Second),
			MaxRequestRetries: 5,
			PullWindow:        4,
			StallTimeout:      Duration(60 * time.Second),
			MaxRecoveries:     1,
			Mode:              "pull",
			Compression:       "deflate",
		},
	}
	config.expandVariables()
	return config
}

// Load reads the file named by PLINK_CONFIG, or returns Default when
// the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. Keys absent from the file keep
// their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes data over the defaults. extension selects the format
// (".json" and ".jsonc" are JSONC, anything else YAML).
func Parse(data []byte, extension string) (*Config, error) {
	config := Default()
	switch strings.ToLower(extension) {
	case ".json", ".jsonc":
		// JSON is valid YAML once comments and trailing commas are
		// stripped, so one decoder serves both.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	config.expandVariables()
	return config, nil
}

func (c *Config) expandVariables() {
	c.Peer.DownloadDir = expandVars(c.Peer.DownloadDir)
	c.Peer.StateDir = expandVars(c.Peer.StateDir)
	c.Rendezvous.UnixSocket = expandVars(c.Rendezvous.UnixSocket)
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^{}]*))?\}`)

// expandVars replaces ${NAME} and ${NAME:-fallback}. Patterns are
// applied innermost first, so a fallback may itself reference a
// variable.
func expandVars(s string) string {
	for range 4 {
		expanded := varPattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := varPattern.FindStringSubmatch(match)
			if value := os.Getenv(parts[1]); value != "" {
				return value
			}
			return parts[2]
		})
		if expanded == s {
			return s
		}
		s = expanded
	}
	return s
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Rendezvous.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("rendezvous.outbox_size must be positive"))
	}
	if c.Peer.Rendezvous == "" {
		errs = append(errs, fmt.Errorf("peer.rendezvous is required"))
	}
	if c.Peer.DownloadDir == "" {
		errs = append(errs, fmt.Errorf("peer.download_dir is required"))
	}
	if c.Peer.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("peer.connect_timeout must be positive"))
	}
	if c.Peer.MaxICERestarts < 0 {
		errs = append(errs, fmt.Errorf("peer.max_ice_restarts must not be negative"))
	}
	for index, server := range c.Peer.ICEServers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("peer.ice_servers[%d] has no urls", index))
		}
	}

	transfer := c.Transfer
	if transfer.ChunkSize <= 0 || transfer.ChunkSize > MaxChunkSize {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must be in (0, %d]", MaxChunkSize))
	}
	if transfer.LowWaterMark < 0 {
		errs = append(errs, fmt.Errorf("transfer.low_water_mark must not be negative"))
	}
	if transfer.LowWaterMark+transfer.ChunkSize > transfer.HighWaterMark {
		errs = append(errs, fmt.Errorf("transfer.high_water_mark must be at least low_water_mark + chunk_size"))
	}
	for name, value := range map[string]Duration{
		"ack_timeout":     transfer.AckTimeout,
		"request_timeout": transfer.RequestTimeout,
		"stall_timeout":   transfer.StallTimeout,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("transfer.%s must be positive", name))
		}
	}
	if transfer.MaxRequestRetries < 0 || transfer.MaxRecoveries < 0 {
		errs = append(errs, fmt.Errorf("transfer retry limits must not be negative"))
	}
	if transfer.PullWindow <= 0 {
		errs = append(errs, fmt.Errorf("transfer.pull_window must be positive"))
	}
	if modes := []string{"pull", "push"}; !slices.Contains(modes, transfer.Mode) {
		errs = append(errs, fmt.Errorf("transfer.mode must be one of %v", modes))
	}
	if algorithms := []string{"none", "deflate", "zstd", "lz4"}; !slices.Contains(algorithms, transfer.Compression) {
		errs = append(errs, fmt.Errorf("transfer.compression must be one of %v", algorithms))
	}

	return errors.Join(errs...)
}
