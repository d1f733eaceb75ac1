package kvcache

import (
	"fmt"
	"strings"

	"github.com/vattention/vattention/format"
)

// SlotState is one row of the allocator's debug dump.
type SlotState struct {
	Index       int   `json:"index"`
	Occupied    bool  `json:"occupied"`
	Length      int32 `json:"length"`
	MappedPages int   `json:"mapped_pages"`
}

// AllocatorState is a read-only snapshot of pool and slot occupancy, for
// debugging and tests, not for control decisions.
type AllocatorState struct {
	TotalPages  int         `json:"total_pages"`
	FreePages   int         `json:"free_pages"`
	MappedPages int         `json:"mapped_pages"`
	PageSize    uint64      `json:"page_size"`
	Slots       []SlotState `json:"slots"`
}

// State snapshots the allocator.
func (c *Cache) State() (AllocatorState, error) {
	if !c.initialized {
		return AllocatorState{}, ErrUninitialized
	}

	state := AllocatorState{
		TotalPages: c.pool.Total(),
		FreePages:  c.pool.FreeCount(),
		PageSize:   c.config.PageSize,
		Slots:      make([]SlotState, len(c.slots)),
	}

	for i, slot := range c.slots {
		mapped := slot.steps * c.config.regionsPerSlot()
		state.MappedPages += mapped
		state.Slots[i] = SlotState{
			Index:       i,
			Occupied:    slot.occupied,
			Length:      slot.length,
			MappedPages: mapped,
		}
	}

	return state, nil
}

func (s AllocatorState) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "pages: %d total, %d free, %d mapped (page size %s)\n",
		s.TotalPages, s.FreePages, s.MappedPages, format.HumanBytes2(s.PageSize))

	for _, slot := range s.Slots {
		if !slot.Occupied {
			fmt.Fprintf(&sb, "  slot %d: free\n", slot.Index)
			continue
		}
		fmt.Fprintf(&sb, "  slot %d: %d tokens, %d pages (%s)\n",
			slot.Index, slot.Length, slot.MappedPages,
			format.HumanBytes2(uint64(slot.MappedPages)*s.PageSize))
	}

	return sb.String()
}
