// device_info.go - device identification for discovery and logging
package ml

import (
	"log/slog"

	"github.com/vattention/vattention/format"
)

type DeviceInfo struct {
	// ID is the device ordinal within its library.
	ID int `json:"id"`

	// Library is the backend that drives the device (e.g. "mock", "cuda").
	Library string `json:"library"`

	// Name is the name of the device as labeled by the backend.
	Name string `json:"name"`

	// TotalMemory is the total amount of memory on the device.
	TotalMemory uint64 `json:"total_memory"`

	// FreeMemory is the amount of memory currently available for
	// physical page reservations.
	FreeMemory uint64 `json:"free_memory,omitempty"`

	// Granularity is the minimum physical allocation granularity. Page
	// sizes must be a multiple of it.
	Granularity uint64 `json:"granularity,omitempty"`

	// Driver information, -1 when the backend does not report it.
	DriverMajor int `json:"driver_major,omitempty"`
	DriverMinor int `json:"driver_minor,omitempty"`
}

func (d DeviceInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("id", d.ID),
		slog.String("library", d.Library),
		slog.String("name", d.Name),
		slog.String("total", format.HumanBytes2(d.TotalMemory)),
		slog.String("free", format.HumanBytes2(d.FreeMemory)),
	)
}

// ByFreeMemory sorts devices by available memory, smallest first.
type ByFreeMemory []DeviceInfo

func (a ByFreeMemory) Len() int           { return len(a) }
func (a ByFreeMemory) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByFreeMemory) Less(i, j int) bool { return a[i].FreeMemory < a[j].FreeMemory }
