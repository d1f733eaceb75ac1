// Package envconfig reads vAttention configuration from the environment.
package envconfig

import (
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/vattention/vattention/format"
)

// Host returns the scheme and host for the control server.
// Configurable via VATTN_HOST. Default: http://127.0.0.1:11500
func Host() *url.URL {
	defaultPort := "11500"

	s := strings.TrimSpace(Var("VATTN_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns the origins allowed to reach the control server.
// Configurable via VATTN_ORIGINS (comma separated).
func AllowedOrigins() (origins []string) {
	if s := Var("VATTN_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			"http://"+origin,
			"https://"+origin,
			"http://"+net.JoinHostPort(origin, "*"),
			"https://"+net.JoinHostPort(origin, "*"),
		)
	}

	return origins
}

// LogLevel returns the log level.
// Configurable via VATTN_DEBUG: 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VATTN_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// Device selects the memory backend (VATTN_DEVICE, default "mock").
	Device = StringWithDefault("VATTN_DEVICE", "mock")

	// DeviceID selects the device ordinal (VATTN_DEVICE_ID).
	DeviceID = Uint("VATTN_DEVICE_ID", 0)

	// PageSize is the physical page size in bytes (VATTN_PAGE_SIZE, default 2 MiB).
	// Must match the device allocation granularity.
	PageSize = Uint64("VATTN_PAGE_SIZE", 2*format.MebiByte)

	// PoolBytes is the physical page pool budget in bytes
	// (VATTN_POOL_BYTES, default 512 MiB).
	PoolBytes = Uint64("VATTN_POOL_BYTES", 512*format.MebiByte)

	// MockVRAM is the simulated device memory for the mock backend
	// (VATTN_MOCK_VRAM, default 1 GiB).
	MockVRAM = Uint64("VATTN_MOCK_VRAM", format.GibiByte)

	// MaxBatchSize is the number of batch slots (VATTN_MAX_BATCH, default 8).
	MaxBatchSize = Uint("VATTN_MAX_BATCH", 8)

	// ContextLength is the per-sequence context capacity in tokens
	// (VATTN_CONTEXT_LENGTH, default 4096).
	ContextLength = Uint("VATTN_CONTEXT_LENGTH", 4096)

	// NumLayers is the transformer layer count the cache serves
	// (VATTN_NUM_LAYERS, default 32).
	NumLayers = Uint("VATTN_NUM_LAYERS", 32)

	// NumKVHeads is the number of KV attention heads per layer
	// (VATTN_KV_HEADS, default 8).
	NumKVHeads = Uint("VATTN_KV_HEADS", 8)

	// HeadSize is the per-head embedding dimension (VATTN_HEAD_SIZE, default 128).
	HeadSize = Uint("VATTN_HEAD_SIZE", 128)

	// KVDType is the element type of cache entries
	// (VATTN_KV_DTYPE: f16, bf16, f32, i32; default f16).
	KVDType = StringWithDefault("VATTN_KV_DTYPE", "f16")

	// Megacache interleaves K and V in a single region per layer (VATTN_MEGACACHE).
	Megacache = Bool("VATTN_MEGACACHE")

	// EagerReclaim returns shrunk pages to the pool on every synchronous
	// step instead of waiting for slot teardown (VATTN_EAGER_RECLAIM).
	EagerReclaim = Bool("VATTN_EAGER_RECLAIM")
)

// Var returns an environment variable, trimmed of whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
