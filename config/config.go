// Package config holds the tunables of the torrent core. Defaults
// mirror the teacher's top-level constants; an optional YAML overlay
// lets an operator override the handful of values worth tuning
// without recompiling.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config collects every tunable named by spec.md.
type Config struct {
	// ListenPort is the TCP port the event loop's accept socket binds.
	ListenPort int `yaml:"listen_port"`

	// BlockSize is the size of a single requested block (§ Glossary:
	// "Block"). 16 KiB is the de facto wire convention.
	BlockSize int `yaml:"block_size"`

	// MaxRequestBytes bounds an incoming Request/Cancel length (§4.4).
	// A larger value is a fatal protocol violation.
	MaxRequestBytes int `yaml:"max_request_bytes"`

	// MaxPipeline bounds outstanding requests per peer (§4.6).
	MaxPipeline int `yaml:"max_pipeline"`

	// MaxPeers bounds the number of simultaneously connected peers
	// per torrent (§4.6 "peer-count ceiling").
	MaxPeers int `yaml:"max_peers"`

	// DefaultAnnounceInterval is loaded and defaulted but not read by
	// any package: the tracker scheduler falls back to its own
	// tracker.DefaultInterval when a response carries neither
	// "interval" nor "min interval" (§4.7).
	DefaultAnnounceInterval time.Duration `yaml:"default_announce_interval"`

	// KeepAliveInterval: send KeepAlive once this long has elapsed
	// since we last wrote to a peer (§5).
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// EvictionTimeout: drop a peer once this long has elapsed since we
	// last heard from it (§5).
	EvictionTimeout time.Duration `yaml:"eviction_timeout"`

	// SelectTimeout is the event loop's per-tick readiness timeout
	// (§4.8's "configurable short timeout (~50ms)").
	SelectTimeout time.Duration `yaml:"select_timeout"`

	// TrackerTimeout bounds a single announce HTTP round trip.
	TrackerTimeout time.Duration `yaml:"tracker_timeout"`

	// HandshakeTimeout is loaded and defaulted but not read by any
	// package; outbound dials and handshakes are not bounded by it.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Defaults returns the spec's baseline values.
func Defaults() Config {
	return Config{
		ListenPort:              6881,
		BlockSize:               16 * 1024,
		MaxRequestBytes:         16 * 1024,
		MaxPipeline:             10,
		MaxPeers:                50,
		DefaultAnnounceInterval: 1800 * time.Second,
		KeepAliveInterval:       120 * time.Second,
		EvictionTimeout:         180 * time.Second,
		SelectTimeout:           50 * time.Millisecond,
		TrackerTimeout:          30 * time.Second,
		HandshakeTimeout:        3 * time.Second,
	}
}

// Load reads a YAML overlay from path and applies it on top of
// Defaults(). Missing fields in the file keep their default value.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
