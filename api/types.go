package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the server logs for details"
	}
}

// AdmitRequest asks the allocator to admit a new sequence with an initial
// prompt of Prefill tokens. NumPredict caps the number of decode steps the
// sequence may take before it is retired.
type AdmitRequest struct {
	Prefill    int32 `json:"prefill"`
	NumPredict int32 `json:"num_predict,omitempty"`
}

// AdmitResponse reports the identifier and batch slot assigned to an
// admitted sequence.
type AdmitResponse struct {
	ID   string `json:"id"`
	Slot int    `json:"slot"`
}

// StepRequest advances the cache to a new set of per-sequence lengths.
type StepRequest struct {
	// Lengths maps sequence IDs to their new token counts. When empty,
	// every active sequence is advanced by one token instead.
	Lengths map[string]int32 `json:"lengths,omitempty"`

	// EagerReclaim releases pages freed by shrinking sequences back to
	// the pool immediately rather than keeping them mapped.
	EagerReclaim bool `json:"eager_reclaim,omitempty"`
}

// StepResponse lists the sequences retired by a step, if any.
type StepResponse struct {
	Completed []string `json:"completed,omitempty"`
}

// SequenceResponse describes one active sequence.
type SequenceResponse struct {
	ID        string    `json:"id"`
	Slot      int       `json:"slot"`
	Length    int32     `json:"length"`
	StartedAt time.Time `json:"started_at"`
}

// SlotState describes the backing of one batch slot.
type SlotState struct {
	Slot        int   `json:"slot"`
	Occupied    bool  `json:"occupied"`
	Length      int32 `json:"length"`
	MappedPages int   `json:"mapped_pages"`
	MappedBytes int64 `json:"mapped_bytes"`
}

// StateResponse is a point-in-time snapshot of the allocator.
type StateResponse struct {
	Device        string             `json:"device"`
	PageSize      int64              `json:"page_size"`
	TotalPages    int                `json:"total_pages"`
	FreePages     int                `json:"free_pages"`
	MappedPages   int                `json:"mapped_pages"`
	TokensPerPage int32              `json:"tokens_per_page"`
	Megacache     bool               `json:"megacache"`
	Slots         []SlotState        `json:"slots"`
	Sequences     []SequenceResponse `json:"sequences,omitempty"`
}

// FreeBlocksResponse reports how many physical pages remain unmapped in
// the pool.
type FreeBlocksResponse struct {
	FreeBlocks int `json:"free_blocks"`
}

// VersionResponse is returned from [Client.Version].
type VersionResponse struct {
	Version string `json:"version"`
}

func (s StateResponse) String() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
