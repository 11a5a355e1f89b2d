package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/snapmeta/snapmeta"
)

var (
	instancesStatus    string
	instancesContainer string
)

var instancesCmd = &cobra.Command{
	Use:   "instances [id]",
	Short: "List orchestration instances or show one in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstances,
}

func init() {
	rootCmd.AddCommand(instancesCmd)
	instancesCmd.Flags().StringVar(&instancesStatus, "status", "", "filter by status: RUNNING, COMPLETED, FAILED")
	instancesCmd.Flags().StringVar(&instancesContainer, "container", "", "filter by source container")
}

func runInstances(cmd *cobra.Command, args []string) error {
	rt, closeDB, err := openRuntime()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()

	if len(args) == 1 {
		inst, err := rt.Engine.GetInstance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("instance %s: %w", args[0], err)
		}
		return printInstance(inst)
	}

	insts, err := rt.Engine.ListInstances(ctx, snapmeta.InstanceListOptions{
		Status:    snapmeta.Status(instancesStatus),
		Container: instancesContainer,
	})
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return json.NewEncoder(os.Stdout).Encode(insts)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Instance", "Status", "Blob", "Size (bytes)", "Updated")
	for _, inst := range insts {
		table.Append(inst.ID, string(inst.Status), inst.Input.Ref().String(),
			fmt.Sprintf("%d", inst.Input.SizeBytes),
			inst.UpdatedAt.Format(time.RFC3339))
	}
	table.Render()
	return nil
}

func printInstance(inst *snapmeta.OrchestrationInstance) error {
	if IsJSONOutput() {
		return json.NewEncoder(os.Stdout).Encode(inst)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Instance", inst.ID)
	table.Append("Status", string(inst.Status))
	table.Append("Blob", inst.Input.Ref().String())
	table.Append("Size (bytes)", fmt.Sprintf("%d", inst.Input.SizeBytes))
	table.Append("Created At", inst.CreatedAt.Format(time.RFC3339))
	table.Append("Updated At", inst.UpdatedAt.Format(time.RFC3339))
	if inst.Output != nil {
		table.Append("Format", inst.Output.Format)
		table.Append("Dimensions", fmt.Sprintf("%dx%d", inst.Output.Width, inst.Output.Height))
		table.Append("Size (KB)", fmt.Sprintf("%d", inst.Output.FileSizeKB))
	}
	if inst.Reason != "" {
		table.Append("Failure", inst.Reason)
	}
	table.Render()
	return nil
}
