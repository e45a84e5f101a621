package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkflowFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const validWF = `
name: sample
tasks:
  a:
    executor: {type: shell, command: "echo hi"}
`

func TestStoreRefreshWalksRecursively(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFile(t, dir, "top.yml", validWF)
	writeWorkflowFile(t, dir, filepath.Join("etl", "daily.yaml"), validWF)
	writeWorkflowFile(t, dir, "notes.txt", "not a workflow")

	store := NewStore(dir, time.Minute, nil)
	require.NoError(t, store.Refresh(context.Background()))

	_, ok := store.Get("top")
	assert.True(t, ok)
	_, ok = store.Get("etl.daily")
	assert.True(t, ok)
	assert.Len(t, store.List(), 2)
}

func TestStoreSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFile(t, dir, "good.yml", validWF)
	writeWorkflowFile(t, dir, "bad.yml", "name: [broken")
	writeWorkflowFile(t, dir, "cyclic.yml", `
name: cyclic
tasks:
  a:
    depends: [b]
    executor: {type: shell, command: true}
  b:
    depends: [a]
    executor: {type: shell, command: true}
`)

	store := NewStore(dir, time.Minute, nil)
	require.NoError(t, store.Refresh(context.Background()))

	assert.Len(t, store.List(), 1)
	_, ok := store.Get("good")
	assert.True(t, ok)
}

func TestStoreRefreshSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFile(t, dir, "a.yml", validWF)

	store := NewStore(dir, time.Minute, nil)
	require.NoError(t, store.Refresh(context.Background()))
	_, ok := store.Get("a")
	require.True(t, ok)

	// Replace the file set entirely; the old id disappears in one swap.
	require.NoError(t, os.Remove(filepath.Join(dir, "a.yml")))
	writeWorkflowFile(t, dir, "b.yml", validWF)
	require.NoError(t, store.Refresh(context.Background()))

	_, ok = store.Get("a")
	assert.False(t, ok)
	_, ok = store.Get("b")
	assert.True(t, ok)
}

func TestStoreMissingDirectoryYieldsEmptySet(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope"), time.Minute, nil)
	require.NoError(t, store.Refresh(context.Background()))
	assert.Empty(t, store.List())
}
