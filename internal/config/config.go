// Package config loads node settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
	TransportRedis     = "redis"

	CodecProto = "proto"
	CodecCBOR  = "cbor"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	// NodeID defaults to a random uuid.
	NodeID string `env:"SELF_ID"`
	// AdvertiseAddr is what peers dial. Defaults to HTTPAddr for the
	// websocket transport and ListenAddr otherwise.
	AdvertiseAddr string `env:"SELF_ADDR"`
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":7946"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`

	Transport     string   `env:"TRANSPORT" envDefault:"tcp"`
	Codec         string   `env:"CODEC" envDefault:"proto"`
	Peers         []string `env:"PEERS" envSeparator:","`
	EtcdEndpoints []string `env:"ETCD_ENDPOINTS" envSeparator:","`
	RedisURL      string   `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisChannel  string   `env:"REDIS_CHANNEL" envDefault:"zephyrbus"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"1s"`
	PeerTimeout       time.Duration `env:"PEER_TIMEOUT"`
	Replay            int           `env:"REPLAY" envDefault:"128"`

	CacheBytes int           `env:"CACHE_BYTES" envDefault:"67108864"`
	CacheTTL   time.Duration `env:"CACHE_TTL"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom reads the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
		if cfg.Transport == TransportWebSocket {
			cfg.AdvertiseAddr = cfg.HTTPAddr
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportWebSocket, TransportRedis:
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalid, c.Transport)
	}
	switch c.Codec {
	case CodecProto, CodecCBOR:
	default:
		return fmt.Errorf("%w: codec %q", ErrInvalid, c.Codec)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval %s", ErrInvalid, c.HeartbeatInterval)
	}
	if c.PeerTimeout < 0 || (c.PeerTimeout > 0 && c.PeerTimeout <= c.HeartbeatInterval) {
		return fmt.Errorf("%w: peer timeout %s must exceed heartbeat interval", ErrInvalid, c.PeerTimeout)
	}
	if c.Replay <= 0 {
		return fmt.Errorf("%w: replay %d", ErrInvalid, c.Replay)
	}
	if c.CacheBytes <= 0 {
		return fmt.Errorf("%w: cache bytes %d", ErrInvalid, c.CacheBytes)
	}
	return nil
}
