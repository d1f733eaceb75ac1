package format

import "testing"

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		in  int64
		out string
	}{
		{0, "0 B"},
		{1024, "1.0 KB"},
		{1000000, "1 MB"},
		{1024 * 1024, "1.0 MB"},
		{2 * GigaByte, "2 GB"},
		{256 * MegaByte, "256 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.out, func(t *testing.T) {
			if got := HumanBytes(tt.in); got != tt.out {
				t.Errorf("HumanBytes(%d) = %q, want %q", tt.in, got, tt.out)
			}
		})
	}
}

func TestHumanBytes2(t *testing.T) {
	tests := []struct {
		in  uint64
		out string
	}{
		{0, "0 B"},
		{1024, "1.0 KiB"},
		{2 * MebiByte, "2.0 MiB"},
		{256 * MebiByte, "256.0 MiB"},
		{3 * GibiByte / 2, "1.5 GiB"},
	}

	for _, tt := range tests {
		t.Run(tt.out, func(t *testing.T) {
			if got := HumanBytes2(tt.in); got != tt.out {
				t.Errorf("HumanBytes2(%d) = %q, want %q", tt.in, got, tt.out)
			}
		})
	}
}
