package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vattention/vattention/api"
	"github.com/vattention/vattention/format"
)

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show allocator pool and slot occupancy",
		Args:  cobra.ExactArgs(0),
		RunE:  StateHandler,
	}
}

func newFreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "free",
		Short: "Show how many physical pages remain unmapped",
		Args:  cobra.ExactArgs(0),
		RunE:  FreeHandler,
	}
}

// StateHandler prints the allocator snapshot of a running server.
func StateHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	state, err := client.State(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("device %s, %d pages of %s (%d free, %d mapped)\n\n",
		state.Device,
		state.TotalPages,
		format.HumanBytes2(uint64(state.PageSize)),
		state.FreePages,
		state.MappedPages)

	var data [][]string
	for _, slot := range state.Slots {
		status := "free"
		tokens := "-"
		if slot.Occupied {
			status = "occupied"
			tokens = strconv.FormatInt(int64(slot.Length), 10)
		}

		data = append(data, []string{
			strconv.Itoa(slot.Slot),
			status,
			tokens,
			strconv.Itoa(slot.MappedPages),
			format.HumanBytes2(uint64(slot.MappedBytes)),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"SLOT", "STATUS", "TOKENS", "PAGES", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	if len(state.Sequences) > 0 {
		fmt.Println()

		var rows [][]string
		for _, seq := range state.Sequences {
			rows = append(rows, []string{
				seq.ID,
				strconv.Itoa(seq.Slot),
				strconv.FormatInt(int64(seq.Length), 10),
				format.HumanTime(seq.StartedAt, "Never"),
			})
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "SLOT", "TOKENS", "STARTED"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(rows)
		table.Render()
	}

	return nil
}

// FreeHandler prints the remaining pool capacity of a running server.
func FreeHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	free, err := client.FreeBlocks(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("%d free pages\n", free.FreeBlocks)
	return nil
}
