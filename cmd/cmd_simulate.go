package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vattention/vattention/envconfig"
	"github.com/vattention/vattention/format"
	"github.com/vattention/vattention/kvcache"
	"github.com/vattention/vattention/logutil"
	"github.com/vattention/vattention/ml"
	_ "github.com/vattention/vattention/ml/backend"
	"github.com/vattention/vattention/runner"
)

func newSimulateCmd() *cobra.Command {
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic serving workload against an in-process allocator",
		Args:  cobra.ExactArgs(0),
		RunE:  SimulateHandler,
	}

	simulateCmd.Flags().Int("requests", 3, "Number of concurrent requests to admit")
	simulateCmd.Flags().Int("decode", 64, "Decode iterations to run per request")
	simulateCmd.Flags().Bool("eager", false, "Reclaim shrunk pages on every synchronous step")

	return simulateCmd
}

// SimulateHandler admits a batch of synthetic requests, decodes them to
// completion and verifies that teardown returns every page to the pool.
func SimulateHandler(cmd *cobra.Command, args []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	requests, _ := cmd.Flags().GetInt("requests")
	decode, _ := cmd.Flags().GetInt("decode")
	eager, _ := cmd.Flags().GetBool("eager")
	if !eager {
		eager = envconfig.EagerReclaim()
	}

	dtype, err := ml.ParseDType(envconfig.KVDType())
	if err != nil {
		return err
	}

	config := kvcache.Config{
		NumLayers:        int(envconfig.NumLayers()),
		NumKVHeads:       int(envconfig.NumKVHeads()),
		HeadSize:         int(envconfig.HeadSize()),
		DType:            dtype,
		PageSize:         envconfig.PageSize(),
		MaxBatchSize:     int(envconfig.MaxBatchSize()),
		MaxContextLength: int32(envconfig.ContextLength()),
		Megacache:        envconfig.Megacache(),
	}

	dev, err := ml.NewDevice(envconfig.Device(), ml.DeviceParams{
		ID:       int(envconfig.DeviceID()),
		Capacity: envconfig.MockVRAM(),
	})
	if err != nil {
		return err
	}

	cache := kvcache.NewCache(config)
	if _, err := cache.Init(dev); err != nil {
		return err
	}
	defer cache.Close()

	reserved, err := cache.ReservePages(envconfig.PoolBytes())
	if err != nil {
		return err
	}
	slog.Info("pool reserved", "pages", reserved,
		"page_size", format.HumanBytes2(config.PageSize))

	r := runner.New(cache)

	prefills := []int32{512, 768, 256}
	for i := 0; i < requests; i++ {
		prefill := prefills[i%len(prefills)]
		seq, err := r.Add(context.Background(), prefill, int32(decode))
		if err != nil {
			return fmt.Errorf("admitting request %d: %w", i, err)
		}
		slog.Info("request admitted", "id", seq.ID, "slot", seq.Slot, "prefill", prefill)
	}

	state, err := r.State()
	if err != nil {
		return err
	}
	fmt.Println("after prefill:")
	fmt.Print(state.String())

	// the serving loop: enqueue growth asynchronously before each decode
	// iteration, synchronize periodically like a real model forward pass
	for iter := 0; len(r.Sequences()) > 0; iter++ {
		completed, err := r.Advance()
		if err != nil {
			return fmt.Errorf("decode iteration %d: %w", iter, err)
		}
		for _, id := range completed {
			slog.Info("request completed", "id", id, "iteration", iter)
		}

		if iter%16 == 15 {
			if err := r.Step(eager); err != nil {
				return fmt.Errorf("synchronizing at iteration %d: %w", iter, err)
			}
		}
	}

	if err := r.Step(eager); err != nil {
		return err
	}

	state, err = r.State()
	if err != nil {
		return err
	}
	fmt.Println("after completion:")
	fmt.Print(state.String())

	if state.FreePages != state.TotalPages {
		return fmt.Errorf("leaked pages: %d of %d still held after teardown",
			state.TotalPages-state.FreePages, state.TotalPages)
	}

	slog.Info("simulation complete", "requests", requests, "decode", decode,
		"pages", state.TotalPages)
	return nil
}
