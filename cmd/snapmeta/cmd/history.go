package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <instance-id>",
	Short: "Show the append-only event history of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	rt, closeDB, err := openRuntime()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()
	if _, err := rt.Engine.GetInstance(ctx, args[0]); err != nil {
		return fmt.Errorf("instance %s: %w", args[0], err)
	}

	events, err := rt.Engine.History(ctx, args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return json.NewEncoder(os.Stdout).Encode(events)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Seq", "Kind", "Activity", "At")
	for _, ev := range events {
		table.Append(fmt.Sprintf("%d", ev.Sequence), string(ev.Kind), ev.Activity,
			ev.At.Format(time.RFC3339))
	}
	table.Render()
	return nil
}
