package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vattention/vattention/api"
	"github.com/vattention/vattention/kvcache"
	"github.com/vattention/vattention/runner"
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, kvcache.ErrOutOfMemory),
		errors.Is(err, kvcache.ErrPoolExhausted),
		errors.Is(err, kvcache.ErrBatchFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, kvcache.ErrBatchTooLong),
		errors.Is(err, kvcache.ErrInvalidBatchID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// StateHandler returns a snapshot of pool and slot occupancy.
func (s *Server) StateHandler(c *gin.Context) {
	state, err := s.runner.State()
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	config := s.runner.Config()
	resp := api.StateResponse{
		Device:        s.device,
		PageSize:      int64(state.PageSize),
		TotalPages:    state.TotalPages,
		FreePages:     state.FreePages,
		MappedPages:   state.MappedPages,
		TokensPerPage: config.TokensPerPage(),
		Megacache:     config.Megacache,
		Slots:         make([]api.SlotState, len(state.Slots)),
	}

	for i, slot := range state.Slots {
		resp.Slots[i] = api.SlotState{
			Slot:        slot.Index,
			Occupied:    slot.Occupied,
			Length:      slot.Length,
			MappedPages: slot.MappedPages,
			MappedBytes: int64(slot.MappedPages) * resp.PageSize,
		}
	}

	for _, seq := range s.runner.Sequences() {
		resp.Sequences = append(resp.Sequences, api.SequenceResponse{
			ID:        seq.ID,
			Slot:      seq.Slot,
			Length:    seq.Length,
			StartedAt: seq.StartedAt,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// FreeBlocksHandler reports remaining pool capacity in token blocks.
func (s *Server) FreeBlocksHandler(c *gin.Context) {
	blocks, err := s.runner.FreeBlocks()
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, api.FreeBlocksResponse{FreeBlocks: blocks})
}

// AdmitHandler registers a new sequence and maps backing for its prompt.
// The request blocks while all batch slots are taken, until the client
// gives up or a slot frees.
func (s *Server) AdmitHandler(c *gin.Context) {
	var req api.AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Prefill <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prefill must be positive"})
		return
	}

	seq, err := s.runner.Add(c.Request.Context(), req.Prefill, req.NumPredict)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, api.AdmitResponse{ID: seq.ID, Slot: seq.Slot})
}

// ReleaseHandler retires a sequence and reclaims its pages.
func (s *Server) ReleaseHandler(c *gin.Context) {
	id := c.Param("id")

	if _, ok := s.runner.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("sequence %q not found", id)})
		return
	}

	if err := s.runner.Remove(id); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusOK)
}

// StepHandler advances the cache to the requested per-sequence lengths,
// or by one token per active sequence when none are given.
func (s *Server) StepHandler(c *gin.Context) {
	var req api.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	completed, err := s.runner.StepTo(req.Lengths, req.EagerReclaim)
	if err != nil {
		status := statusForError(err)
		if errors.Is(err, runner.ErrUnknownSequence) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, api.StepResponse{Completed: completed})
}
