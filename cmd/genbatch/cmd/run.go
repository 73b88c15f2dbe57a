package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/genbatch/pkg/events"
	"github.com/psantana5/genbatch/pkg/models"
)

// batchFile is the on-disk description of a batch
type batchFile struct {
	Name    string              `yaml:"name"`
	Configs []models.JobConfig  `yaml:"configs"`
	Options models.BatchOptions `yaml:"options"`
}

var runQuiet bool

var runCmd = &cobra.Command{
	Use:   "run <batch.yaml>",
	Short: "Create a batch from a file and run it to completion",
	Long: `Create a batch from a YAML file and run it in the foreground.

The first Ctrl-C cancels the batch: no new configs are dispatched and
in-flight generations are allowed to finish. A second Ctrl-C exits at once.

Example batch file:

  name: fractions
  configs:
    - id: easy
      payload: {topic: fractions, difficulty: easy}
    - id: hard
      payload: {topic: fractions, difficulty: hard}
  options:
    auto_export: true
    export_bank_id: grade-5
`,
	Args: cobra.ExactArgs(1),
	RunE: runBatchFile,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print per-config progress")
}

func readBatchFile(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var bf batchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}
	return &bf, nil
}

func runBatchFile(cmd *cobra.Command, args []string) error {
	bf, err := readBatchFile(args[0])
	if err != nil {
		return err
	}

	return withApp("cli", func(ctx context.Context, a *app) error {
		batch, err := a.orch.CreateBatch(ctx, bf.Name, bf.Configs, bf.Options)
		if err != nil {
			return err
		}
		if !IsJSONOutput() {
			fmt.Fprintf(os.Stderr, "Created batch %s (%s) with %d configs\n", batch.ID, batch.Name, len(batch.Configs))
		}
		return startInForeground(ctx, a, batch.ID, a.orch.Start)
	})
}

// startInForeground runs fn for a batch, prints progress and turns the first
// SIGINT/SIGTERM into a cooperative cancel
func startInForeground(ctx context.Context, a *app, id string, fn func(context.Context, string) error) error {
	if !runQuiet && !IsJSONOutput() {
		sub := a.orch.RegisterListeners(id, progressPrinter())
		defer sub.Close()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCtx.Done():
			// restore default handling so a second signal terminates
			stop()
			fmt.Fprintln(os.Stderr, "Cancelling batch, waiting for in-flight configs...")
			if err := a.orch.Cancel(context.Background(), id); err != nil {
				a.logger.Error("Failed to cancel batch", map[string]interface{}{"batch_id": id, "error": err.Error()})
			}
		case <-done:
		}
	}()

	runErr := fn(ctx, id)

	final, err := a.orch.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := printBatch(final, true); err != nil {
		return err
	}
	return runErr
}

func progressPrinter() events.Listener {
	return events.Listener{
		OnConfigComplete: func(b *models.Batch, r models.JobResult) {
			fmt.Fprintf(os.Stderr, "[%s] %s completed (attempts: %d)\n", progressLabel(b), r.ConfigName, r.Attempts)
		},
		OnConfigError: func(b *models.Batch, e models.JobError) {
			fmt.Fprintf(os.Stderr, "[%s] %s failed: %s\n", progressLabel(b), e.ConfigName, e.Error)
		},
		OnError: func(b *models.Batch, message string) {
			fmt.Fprintf(os.Stderr, "Batch %s failed: %s\n", b.ID, message)
		},
	}
}
