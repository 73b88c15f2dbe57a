package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genbatch/pkg/config"
	"github.com/psantana5/genbatch/pkg/models"
	"github.com/psantana5/genbatch/pkg/orchestrator"
	"github.com/psantana5/genbatch/pkg/store"
)

const sampleBatch = `
name: fractions
configs:
  - id: easy
    name: Easy fractions
    payload:
      topic: fractions
      difficulty: easy
      count: 10
  - id: hard
    payload: {topic: fractions, difficulty: hard}
options:
  auto_export: true
  export_bank_id: grade-5
  tags: [math, grade-5]
  features:
    answers: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadBatchFile(t *testing.T) {
	bf, err := readBatchFile(writeFile(t, "batch.yaml", sampleBatch))
	require.NoError(t, err)

	assert.Equal(t, "fractions", bf.Name)
	require.Len(t, bf.Configs, 2)

	easy := bf.Configs[0]
	assert.Equal(t, "easy", easy.ID)
	assert.Equal(t, "Easy fractions", easy.Name)
	assert.Equal(t, "easy", easy.Payload["difficulty"])
	assert.Equal(t, 10, easy.Payload["count"])

	hard := bf.Configs[1]
	assert.Equal(t, "hard", hard.ID)
	assert.Empty(t, hard.Name)
	assert.Equal(t, "hard", hard.Payload["difficulty"])

	assert.True(t, bf.Options.AutoExport)
	assert.Equal(t, "grade-5", bf.Options.ExportBankID)
	assert.Equal(t, []string{"math", "grade-5"}, bf.Options.Tags)
	assert.True(t, bf.Options.Features["answers"])
}

func TestReadBatchFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr string
	}{
		{
			name:    "missing file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") },
			wantErr: "failed to read batch file",
		},
		{
			name:    "malformed yaml",
			path:    func(t *testing.T) string { return writeFile(t, "bad.yaml", "configs: [\n") },
			wantErr: "failed to parse batch file",
		},
		{
			name:    "configs not a list",
			path:    func(t *testing.T) string { return writeFile(t, "bad.yaml", "configs: easy\n") },
			wantErr: "failed to parse batch file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readBatchFile(tt.path(t))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestBatchError(t *testing.T) {
	other := errors.New("disk full")
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: b1", orchestrator.ErrNotFound), "batch b1 not found"},
		{orchestrator.ErrNoFailures, "batch b1 has no failed configs to retry"},
		{fmt.Errorf("%w: b1", orchestrator.ErrAlreadyRunning), "batch b1 is already running"},
		{other, "disk full"},
	}
	for _, tt := range tests {
		assert.EqualError(t, batchError("b1", tt.err), tt.want)
	}
	assert.NoError(t, batchError("b1", nil))
}

func TestPlaceholderClientFailsPermanently(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "config.yaml", "store:\n  type: memory\nlog:\n  level: error\n"))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, "test")
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	b, err := a.orch.CreateBatch(ctx, "no generator", []models.JobConfig{{ID: "c1"}}, models.BatchOptions{})
	require.NoError(t, err)
	require.NoError(t, a.orch.Start(ctx, b.ID))

	final, err := a.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, final.Status)
	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0].Error, "generator.url")
	assert.False(t, final.Errors[0].Retryable)
	assert.Equal(t, 1, final.Results[0].Attempts)
}

func TestRunCommandCreatesBatchFromFile(t *testing.T) {
	t.Cleanup(func() {
		outputFormat = "table"
		runQuiet = false
		cfgFile = ""
		rootCmd.SetArgs(nil)
	})

	dbPath := filepath.Join(t.TempDir(), "genbatch.db")
	cfgPath := writeFile(t, "config.yaml", "log:\n  level: error\n")
	batchPath := writeFile(t, "batch.yaml", sampleBatch)

	rootCmd.SetArgs([]string{
		"--config", cfgPath,
		"--store", "sqlite",
		"--db", dbPath,
		"--output", "json",
		"run", "--quiet", batchPath,
	})
	require.NoError(t, rootCmd.Execute())

	st, err := store.NewStore(store.Config{Type: "sqlite", Path: dbPath})
	require.NoError(t, err)
	defer st.Close()

	batches, err := st.ListBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)

	b := batches[0]
	assert.Equal(t, "fractions", b.Name)
	assert.Len(t, b.Configs, 2)
	assert.Equal(t, "Easy fractions", b.Configs[0].Name)
	assert.Equal(t, "hard", b.Configs[1].Name, "unnamed configs are named after their id")
	assert.Equal(t, []string{"math", "grade-5"}, b.Options.Tags)
	// no generator is configured, so every config fails without retries
	assert.Equal(t, models.BatchStatusFailed, b.Status)
	assert.Equal(t, 2, b.Progress.Current)
	assert.Len(t, b.Errors, 2)
}
