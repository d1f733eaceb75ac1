package envconfig

import (
	"log/slog"
	"testing"
)

func TestHost(t *testing.T) {
	tests := map[string]struct {
		value  string
		expect string
	}{
		"empty":          {"", "127.0.0.1:11500"},
		"only address":   {"1.2.3.4", "1.2.3.4:11500"},
		"only port":      {":1234", ":1234"},
		"address + port": {"1.2.3.4:1234", "1.2.3.4:1234"},
		"hostname":       {"example.com", "example.com:11500"},
		"http":           {"http://1.2.3.4", "1.2.3.4:80"},
		"https":          {"https://1.2.3.4", "1.2.3.4:443"},
		"zero port":      {":0", ":0"},
		"bad port":       {":66000", ":11500"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("VATTN_HOST", tt.value)
			if host := Host(); host.Host != tt.expect {
				t.Errorf("%s: expected %s, got %s", name, tt.expect, host.Host)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for value, expect := range tests {
		t.Run(value, func(t *testing.T) {
			t.Setenv("VATTN_DEBUG", value)
			if level := LogLevel(); level != expect {
				t.Errorf("VATTN_DEBUG=%q: expected %v, got %v", value, expect, level)
			}
		})
	}
}

func TestUint64(t *testing.T) {
	get := Uint64("VATTN_PAGE_SIZE", 42)

	tests := map[string]uint64{
		"":        42,
		"2097152": 2097152,
		"bogus":   42,
	}

	for value, expect := range tests {
		t.Run(value, func(t *testing.T) {
			t.Setenv("VATTN_PAGE_SIZE", value)
			if got := get(); got != expect {
				t.Errorf("VATTN_PAGE_SIZE=%q: expected %d, got %d", value, expect, got)
			}
		})
	}
}

func TestBool(t *testing.T) {
	get := Bool("VATTN_MEGACACHE")

	tests := map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"1":     true,
		"true":  true,
		"yes":   true,
	}

	for value, expect := range tests {
		t.Run(value, func(t *testing.T) {
			t.Setenv("VATTN_MEGACACHE", value)
			if got := get(); got != expect {
				t.Errorf("VATTN_MEGACACHE=%q: expected %v, got %v", value, expect, got)
			}
		})
	}
}
