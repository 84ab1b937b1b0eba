package config

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	_, err = uuid.Parse(cfg.NodeID)
	require.NoError(t, err, "default node id is not a uuid")
	require.Equal(t, ":7946", cfg.ListenAddr)
	require.Equal(t, cfg.ListenAddr, cfg.AdvertiseAddr)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, TransportTCP, cfg.Transport)
	require.Equal(t, CodecProto, cfg.Codec)
	require.Equal(t, time.Second, cfg.HeartbeatInterval)
	require.Zero(t, cfg.PeerTimeout)
	require.Equal(t, 128, cfg.Replay)
	require.Equal(t, 64<<20, cfg.CacheBytes)
	require.Equal(t, "info", cfg.LogLevel)
	require.Empty(t, cfg.Peers)
}

func TestOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"SELF_ID":            "node-a",
		"SELF_ADDR":          "node-a:7946",
		"TRANSPORT":          "redis",
		"CODEC":              "cbor",
		"PEERS":              "node-b:7946,node-c:7946",
		"ETCD_ENDPOINTS":     "http://etcd:2379",
		"HEARTBEAT_INTERVAL": "250ms",
		"PEER_TIMEOUT":       "2s",
		"REPLAY":             "16",
		"CACHE_TTL":          "1m",
		"LOG_DEVELOPMENT":    "true",
	})
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.NodeID)
	require.Equal(t, "node-a:7946", cfg.AdvertiseAddr)
	require.Equal(t, TransportRedis, cfg.Transport)
	require.Equal(t, CodecCBOR, cfg.Codec)
	require.Equal(t, []string{"node-b:7946", "node-c:7946"}, cfg.Peers)
	require.Equal(t, []string{"http://etcd:2379"}, cfg.EtcdEndpoints)
	require.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval)
	require.Equal(t, 2*time.Second, cfg.PeerTimeout)
	require.Equal(t, 16, cfg.Replay)
	require.Equal(t, time.Minute, cfg.CacheTTL)
	require.True(t, cfg.LogDevelopment)
}

func TestWebSocketAdvertisesHTTPAddr(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"TRANSPORT": "ws", "HTTP_ADDR": ":9090"})
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.AdvertiseAddr)
}

func TestInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"transport": {"TRANSPORT": "udp"},
		"codec":     {"CODEC": "json"},
		"heartbeat": {"HEARTBEAT_INTERVAL": "0s"},
		"timeout":   {"HEARTBEAT_INTERVAL": "1s", "PEER_TIMEOUT": "500ms"},
		"replay":    {"REPLAY": "0"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(vars)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := LoadFrom(map[string]string{"REPLAY": "many"})
	require.Error(t, err)
}
