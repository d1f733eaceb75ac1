// Package runner drives the KV-cache allocator for a set of concurrent
// sequences. It owns the single-writer discipline the allocator requires:
// every allocator operation funnels through one mutex, and callers
// (handlers, simulation loops) interact with sequences by request ID.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vattention/vattention/kvcache"
)

// ErrUnknownSequence is returned for request IDs with no active sequence.
var ErrUnknownSequence = errors.New("unknown sequence")

// Sequence is one active request occupying a batch slot.
type Sequence struct {
	ID         string    `json:"id"`
	Slot       int       `json:"slot"`
	Length     int32     `json:"length"`
	NumPredict int32     `json:"num_predict,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type Runner struct {
	mu    sync.Mutex
	cache *kvcache.Cache

	seqsSem *semaphore.Weighted
	seqs    map[string]*Sequence

	// targets maps sequence ID to the absolute length at which the
	// sequence completes, 0 for open-ended sequences.
	targets map[string]int32
}

func New(cache *kvcache.Cache) *Runner {
	return &Runner{
		cache:   cache,
		seqsSem: semaphore.NewWeighted(int64(cache.Config().MaxBatchSize)),
		seqs:    make(map[string]*Sequence),
		targets: make(map[string]int32),
	}
}

// Add admits a new request: it waits for a free sequence position, claims
// a batch slot and grows the slot's backing to cover the prefill.
// numPredict limits how many tokens Advance generates before the sequence
// retires on its own; zero means unbounded.
func (r *Runner) Add(ctx context.Context, prefill, numPredict int32) (*Sequence, error) {
	if err := r.seqsSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.cache.AllocBatchSlot(prefill)
	if err != nil {
		r.seqsSem.Release(1)
		return nil, err
	}

	seq := &Sequence{
		ID:         uuid.NewString(),
		Slot:       slot,
		Length:     prefill,
		NumPredict: numPredict,
		StartedAt:  time.Now(),
	}
	r.seqs[seq.ID] = seq
	if numPredict > 0 {
		r.targets[seq.ID] = prefill + numPredict
	}

	slog.Info("sequence admitted", "id", seq.ID, "slot", slot, "prefill", prefill)
	return seq, nil
}

// Remove evicts a request and reclaims every page its slot held.
func (r *Runner) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(id)
}

func (r *Runner) removeLocked(id string) error {
	seq, ok := r.seqs[id]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSequence, id)
	}

	if err := r.cache.FreeBatchSlot(seq.Slot); err != nil {
		return err
	}

	delete(r.seqs, id)
	delete(r.targets, id)
	r.seqsSem.Release(1)

	slog.Info("sequence removed", "id", id, "slot", seq.Slot, "length", seq.Length)
	return nil
}

// Get returns the sequence for a request ID.
func (r *Runner) Get(id string) (*Sequence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, ok := r.seqs[id]
	return seq, ok
}

// Sequences lists active sequences ordered by slot.
func (r *Runner) Sequences() []*Sequence {
	r.mu.Lock()
	defer r.mu.Unlock()

	seqs := make([]*Sequence, 0, len(r.seqs))
	for _, seq := range r.seqs {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i].Slot < seqs[j].Slot })
	return seqs
}

// Step synchronously reconciles every active slot at its current length.
func (r *Runner) Step(eagerReclaim bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cache.Step(r.lengthsLocked(), eagerReclaim)
}

// StepTo sets per-sequence lengths by request ID and reconciles the cache
// synchronously. When lengths is empty every active sequence grows by one
// token instead. Sequences that reach their predict budget retire and
// their IDs are returned.
func (r *Runner) StepTo(lengths map[string]int32, eagerReclaim bool) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(lengths) == 0 {
		for _, seq := range r.seqs {
			seq.Length++
		}
	} else {
		for id, length := range lengths {
			seq, ok := r.seqs[id]
			if !ok {
				return nil, fmt.Errorf("%w %q", ErrUnknownSequence, id)
			}
			seq.Length = length
		}
	}

	if err := r.cache.Step(r.lengthsLocked(), eagerReclaim); err != nil {
		return nil, err
	}

	return r.retireLocked()
}

// Advance grows every active sequence by one token and enqueues the
// backing growth asynchronously, as a serving loop does before each
// decode iteration. Sequences that reach their predict budget retire and
// their IDs are returned.
func (r *Runner) Advance() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, seq := range r.seqs {
		seq.Length++
	}

	if err := r.cache.StepAsync(r.lengthsLocked()); err != nil {
		return nil, err
	}

	return r.retireLocked()
}

// retireLocked removes every sequence that has reached its predict budget.
func (r *Runner) retireLocked() ([]string, error) {
	var completed []string
	for id, seq := range r.seqs {
		if target := r.targets[id]; target > 0 && seq.Length >= target {
			completed = append(completed, id)
		}
	}
	sort.Strings(completed)

	for _, id := range completed {
		if err := r.removeLocked(id); err != nil {
			return completed, err
		}
	}

	return completed, nil
}

func (r *Runner) lengthsLocked() []kvcache.SlotLength {
	lengths := make([]kvcache.SlotLength, 0, len(r.seqs))
	for _, seq := range r.seqs {
		lengths = append(lengths, kvcache.SlotLength{Slot: seq.Slot, Length: seq.Length})
	}
	sort.Slice(lengths, func(i, j int) bool { return lengths[i].Slot < lengths[j].Slot })
	return lengths
}

// State snapshots the allocator.
func (r *Runner) State() (kvcache.AllocatorState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cache.State()
}

// Config returns the cache geometry the runner serves.
func (r *Runner) Config() kvcache.Config {
	return r.cache.Config()
}

// FreeBlocks reports the number of free pages.
func (r *Runner) FreeBlocks() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cache.FreeBlocks()
}

// ReservePages grows the physical pool by a byte budget.
func (r *Runner) ReservePages(budget uint64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cache.ReservePages(budget)
}

// Close releases every sequence and the cache itself.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.seqs {
		if err := r.removeLocked(id); err != nil {
			slog.Warn("failed to remove sequence during close", "id", id, "error", err)
		}
	}

	return r.cache.Close()
}
