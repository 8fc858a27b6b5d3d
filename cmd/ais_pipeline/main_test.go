package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	root := newRootCommand(&bytes.Buffer{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"provision", "prepare", "ingest", "filter", "gaps", "run", "runs"} {
		assert.Contains(t, names, want)
	}
}

func TestInvalidFlagFailsBeforeConnecting(t *testing.T) {
	_, err := execute(t, "ingest", "--ingest.workers=0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.workers")

	_, err = execute(t, "gaps", "--gaps.mode=sloppy")
	require.Error(t, err)
}

func TestRunsListsLedger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger:\n  sqlite_path: "+filepath.Join(dir, "ledger.db")+"\n"), 0o600))

	out, err := execute(t, "--config", path, "runs")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}
