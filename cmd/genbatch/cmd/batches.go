package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/genbatch/pkg/models"
	"github.com/psantana5/genbatch/pkg/orchestrator"
)

var (
	listStatus string
	pruneDays  int
	staleAfter time.Duration
)

// batchesCmd represents the batches command
var batchesCmd = &cobra.Command{
	Use:     "batches",
	Aliases: []string{"batch"},
	Short:   "Manage stored batches",
	Long:    `Commands for listing, inspecting, retrying and removing batches in the configured store.`,
}

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBatchesList,
}

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch with its results and errors",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesShow,
}

var batchesStartCmd = &cobra.Command{
	Use:   "start <batch-id>",
	Short: "Run a pending batch in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesStart,
}

var batchesRetryCmd = &cobra.Command{
	Use:   "retry <batch-id>",
	Short: "Re-run the failed configs of a finished batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesRetry,
}

var batchesCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a batch",
	Long:  `Mark a batch cancelled. A run in another process stops dispatching once it observes the new status.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesCancel,
}

var batchesDeleteCmd = &cobra.Command{
	Use:   "delete <batch-id>",
	Short: "Delete a batch that is not running",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesDelete,
}

var batchesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished batches older than --days",
	Args:  cobra.NoArgs,
	RunE:  runBatchesPrune,
}

var batchesRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail batches whose run was lost",
	Long: `Mark processing batches that have not been updated for --stale-after as
failed, so their unfinished configs can be re-run with "batches retry".
Only use this when no other process is running those batches.`,
	Args: cobra.NoArgs,
	RunE: runBatchesRecover,
}

func init() {
	rootCmd.AddCommand(batchesCmd)
	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	batchesCmd.AddCommand(batchesStartCmd)
	batchesCmd.AddCommand(batchesRetryCmd)
	batchesCmd.AddCommand(batchesCancelCmd)
	batchesCmd.AddCommand(batchesDeleteCmd)
	batchesCmd.AddCommand(batchesPruneCmd)
	batchesCmd.AddCommand(batchesRecoverCmd)

	batchesListCmd.Flags().StringVar(&listStatus, "status", "", "only show batches with this status")
	batchesPruneCmd.Flags().IntVar(&pruneDays, "days", 30, "minimum age in days")
	batchesRecoverCmd.Flags().DurationVar(&staleAfter, "stale-after", 30*time.Minute, "minimum time since the last update")
	batchesStartCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print per-config progress")
	batchesRetryCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print per-config progress")
}

func runBatchesList(cmd *cobra.Command, args []string) error {
	return withApp("cli", func(ctx context.Context, a *app) error {
		batches, err := a.orch.List(ctx)
		if err != nil {
			return err
		}
		if listStatus != "" {
			filtered := batches[:0]
			for _, b := range batches {
				if string(b.Status) == listStatus {
					filtered = append(filtered, b)
				}
			}
			batches = filtered
		}

		if IsJSONOutput() {
			return printJSON(batches)
		}
		if len(batches) == 0 {
			fmt.Println("No batches found")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Name", "Status", "Progress", "Failed", "Created")
		for _, b := range batches {
			_, failed := b.Counts()
			table.Append(
				b.ID,
				b.Name,
				string(b.Status),
				progressLabel(b),
				fmt.Sprintf("%d", failed),
				b.CreatedAt.Format(time.RFC3339),
			)
		}
		table.Render()
		return nil
	})
}

func runBatchesShow(cmd *cobra.Command, args []string) error {
	return withApp("cli", func(ctx context.Context, a *app) error {
		b, err := a.orch.Get(ctx, args[0])
		if err != nil {
			return batchError(args[0], err)
		}
		return printBatch(b, true)
	})
}

func runBatchesStart(cmd *cobra.Command, args []string) error {
	return withApp("cli", func(ctx context.Context, a *app) error {
		return batchError(args[0], startInForeground(ctx, a, args[0], a.orch.Start))
	})
}

func runBatchesRetry(cmd *cobra.Command, args []string) error {
	return withApp("cli", func(ctx context.Context, a *app) error {
		return batchError(args[0], startInForeground(ctx, a, args[0], a.orch.RetryFailed))
	})
}

func runBatchesCancel(cmd *cobra.Command, args []string) error {
	return withApp("cli", func(ctx context.Context, a *app) error {
		if err := a.orch.Cancel(ctx, args[0]); err != nil {
			return batchError(args[0], err)
		}
		if IsJSONOutput() {
			return printJSON(map[string]string{"batch_id": args[0], "status": "cancelled"})
		}
		fmt.Printf("Batch %s cancelled\n", args[0])
		return nil
	})
}

func runBatchesDelete(cmd *cobra.Command, args []string) error {
	return withApp("cli", func(ctx context.Context, a *app) error {
		deleted, err := a.orch.Delete(ctx, args[0])
		if err != nil {
			return batchError(args[0], err)
		}
		if !deleted {
			return fmt.Errorf("batch %s not found", args[0])
		}
		if IsJSONOutput() {
			return printJSON(map[string]interface{}{"batch_id": args[0], "deleted": true})
		}
		fmt.Printf("Batch %s deleted\n", args[0])
		return nil
	})
}

func runBatchesPrune(cmd *cobra.Command, args []string) error {
	return withApp("cli", func(ctx context.Context, a *app) error {
		pruned, err := a.orch.PruneOlderThan(ctx, pruneDays)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(map[string]int{"pruned": pruned})
		}
		fmt.Printf("Pruned %d batches older than %d days\n", pruned, pruneDays)
		return nil
	})
}

func runBatchesRecover(cmd *cobra.Command, args []string) error {
	return withApp("cli", func(ctx context.Context, a *app) error {
		recovered, err := a.orch.RecoverStale(ctx, staleAfter)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(map[string]int{"recovered": recovered})
		}
		fmt.Printf("Recovered %d stale batches\n", recovered)
		return nil
	})
}

// batchError rewrites orchestrator sentinels into CLI-friendly messages
func batchError(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orchestrator.ErrNotFound):
		return fmt.Errorf("batch %s not found", id)
	case errors.Is(err, orchestrator.ErrNoFailures):
		return fmt.Errorf("batch %s has no failed configs to retry", id)
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		return fmt.Errorf("batch %s is already running", id)
	}
	return err
}

// printBatch renders a batch summary and, when withResults is set, its
// per-config outcomes
func printBatch(b *models.Batch, withResults bool) error {
	if IsJSONOutput() {
		return printJSON(b)
	}

	succeeded, failed := b.Counts()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", b.ID)
	table.Append("Name", b.Name)
	table.Append("Status", string(b.Status))
	table.Append("Progress", progressLabel(b))
	table.Append("Succeeded", fmt.Sprintf("%d", succeeded))
	table.Append("Failed", fmt.Sprintf("%d", failed))
	table.Append("Created", b.CreatedAt.Format(time.RFC3339))
	if b.CompletedAt != nil {
		table.Append("Completed", b.CompletedAt.Format(time.RFC3339))
	}
	if len(b.Options.Tags) > 0 {
		table.Append("Tags", fmt.Sprintf("%v", b.Options.Tags))
	}
	table.Render()

	if !withResults || len(b.Results) == 0 {
		return nil
	}

	fmt.Println()
	results := tablewriter.NewWriter(os.Stdout)
	results.Header("Config", "Status", "Attempts", "Error")
	for _, r := range b.Results {
		results.Append(r.ConfigName, string(r.Status), fmt.Sprintf("%d", r.Attempts), r.Error)
	}
	results.Render()
	return nil
}
