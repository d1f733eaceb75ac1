package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// Bool returns a getter for a boolean variable (default: false).
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// String returns a getter for a string variable.
func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}

// StringWithDefault returns a getter for a string variable with a default value.
func StringWithDefault(k, defaultValue string) func() string {
	return func() string {
		if s := Var(k); s != "" {
			return s
		}
		return defaultValue
	}
}

// Uint returns a getter for a uint variable with a default value.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a getter for a uint64 variable with a default value.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar describes one environment variable and its current value.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VATTN_DEBUG":          {"VATTN_DEBUG", LogLevel(), "Show additional debug information (e.g. VATTN_DEBUG=1)"},
		"VATTN_HOST":           {"VATTN_HOST", Host(), "IP address for the control server (default 127.0.0.1:11500)"},
		"VATTN_ORIGINS":        {"VATTN_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"VATTN_DEVICE":         {"VATTN_DEVICE", Device(), "Memory backend to use (mock, cuda)"},
		"VATTN_DEVICE_ID":      {"VATTN_DEVICE_ID", DeviceID(), "Device ordinal for the memory backend"},
		"VATTN_PAGE_SIZE":      {"VATTN_PAGE_SIZE", PageSize(), "Physical page size in bytes (default 2 MiB)"},
		"VATTN_POOL_BYTES":     {"VATTN_POOL_BYTES", PoolBytes(), "Physical page pool budget in bytes (default 512 MiB)"},
		"VATTN_MOCK_VRAM":      {"VATTN_MOCK_VRAM", MockVRAM(), "Simulated device memory for the mock backend"},
		"VATTN_MAX_BATCH":      {"VATTN_MAX_BATCH", MaxBatchSize(), "Maximum number of concurrent batch slots (default 8)"},
		"VATTN_NUM_LAYERS":     {"VATTN_NUM_LAYERS", NumLayers(), "Transformer layer count served by the cache (default 32)"},
		"VATTN_KV_HEADS":       {"VATTN_KV_HEADS", NumKVHeads(), "KV attention heads per layer (default 8)"},
		"VATTN_HEAD_SIZE":      {"VATTN_HEAD_SIZE", HeadSize(), "Per-head embedding dimension (default 128)"},
		"VATTN_KV_DTYPE":       {"VATTN_KV_DTYPE", KVDType(), "Element type of cache entries (f16, bf16, f32, i32)"},
		"VATTN_CONTEXT_LENGTH": {"VATTN_CONTEXT_LENGTH", ContextLength(), "Per-sequence context capacity in tokens (default 4096)"},
		"VATTN_MEGACACHE":      {"VATTN_MEGACACHE", Megacache(), "Interleave K and V in one region per layer"},
		"VATTN_EAGER_RECLAIM":  {"VATTN_EAGER_RECLAIM", EagerReclaim(), "Reclaim shrunk pages on every synchronous step"},
	}
}

// Values returns every configuration value keyed by variable name.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
