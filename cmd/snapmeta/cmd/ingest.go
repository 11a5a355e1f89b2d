package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snapmeta/snapmeta"
	"github.com/snapmeta/snapmeta/pkg/api"
)

var ingestWait time.Duration

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest local image files and process them to completion",
	Long: `ingest copies each file into the blob store, submits the upload event,
and drives the resulting instances with an in-process worker until they
reach a terminal status. Re-ingesting identical content is a no-op.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().DurationVar(&ingestWait, "wait", 30*time.Second, "how long to wait for processing to finish")
}

func runIngest(cmd *cobra.Command, args []string) error {
	rt, closeDB, err := openRuntime()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, cancel := context.WithTimeout(context.Background(), ingestWait)
	defer cancel()

	if err := rt.StartWorkers(ctx, 0); err != nil {
		return err
	}
	defer rt.Stop()

	container := viper.GetString("container")

	type result struct {
		File     string
		Instance *snapmeta.OrchestrationInstance
		Err      error
	}
	var results []result

	for _, file := range args {
		inst, err := rt.IngestFile(ctx, container, file)
		if err != nil {
			results = append(results, result{File: file, Err: err})
			continue
		}
		inst, err = waitTerminal(ctx, rt.Engine, inst.ID)
		results = append(results, result{File: file, Instance: inst, Err: err})
	}

	if IsJSONOutput() {
		return json.NewEncoder(os.Stdout).Encode(results)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("File", "Instance", "Status", "Format", "Dimensions", "Size (KB)", "Error")
	for _, r := range results {
		switch {
		case r.Err != nil:
			reason := r.Err.Error()
			if errors.Is(r.Err, api.ErrRejected) {
				reason = "rejected: not an accepted image type"
			}
			table.Append(r.File, "-", "-", "-", "-", "-", reason)
		case r.Instance.Output != nil:
			md := r.Instance.Output
			table.Append(r.File, r.Instance.ID, string(r.Instance.Status),
				md.Format, fmt.Sprintf("%dx%d", md.Width, md.Height),
				fmt.Sprintf("%d", md.FileSizeKB), "")
		default:
			table.Append(r.File, r.Instance.ID, string(r.Instance.Status), "-", "-", "-", r.Instance.Reason)
		}
	}
	table.Render()
	return nil
}

// waitTerminal polls until the instance reaches a terminal status or the
// context expires.
func waitTerminal(ctx context.Context, eng snapmeta.Engine, id string) (*snapmeta.OrchestrationInstance, error) {
	for {
		inst, err := eng.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}
