package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "session-a", "sess-1", 1234, 1000)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(Event{Kind: FunctionCall, ThreadID: uint64(i)}))
	}
	require.NoError(t, w.Sync())

	assert.Equal(t, uint64(5), w.EventCount())
	assert.Greater(t, w.BytesWritten(), uint64(0))

	f, err := os.Open(filepath.Join(w.SessionDir(), "events.bin"))
	require.NoError(t, err)
	defer f.Close()

	events, err := ReadAll(f)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, uint64(i), ev.ThreadID)
		assert.Equal(t, FunctionCall, ev.Kind)
	}
}

func TestWriterAssignsMonotonicEventIDsWhenZero(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "session-b", "sess-2", 1, 0)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(Event{Kind: FunctionCall}))
	require.NoError(t, w.Append(Event{Kind: FunctionCall}))

	f, err := os.Open(filepath.Join(w.SessionDir(), "events.bin"))
	require.NoError(t, err)
	defer f.Close()
	events, err := ReadAll(f)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEqual(t, uint64(0), events[0].EventID)
	assert.NotEqual(t, events[0].EventID, events[1].EventID)
}

func TestRegisterModuleDeduplicatesAndBoundsCapacity(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "session-c", "sess-3", 1, 0)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.RegisterModule("libfoo"))
	require.NoError(t, w.RegisterModule("libfoo"))
	assert.Equal(t, uint32(1), w.ModuleCount())

	for i := 0; i < MaxModules-1; i++ {
		require.NoError(t, w.RegisterModule(string(rune('a'+i%26))+string(rune(i))))
	}
	assert.Equal(t, uint32(MaxModules), w.ModuleCount())

	err = w.RegisterModule("one-too-many")
	require.Error(t, err)
}

func TestFinalizeWritesManifestAtomically(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "session-d", "sess-4", 99, 100)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.RegisterModule("libfoo"))
	require.NoError(t, w.Append(Event{Kind: FunctionCall}))
	require.NoError(t, w.Finalize(200))

	data, err := os.ReadFile(filepath.Join(w.SessionDir(), "trace.json"))
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))

	want := Manifest{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		PID:         99,
		SessionID:   "sess-4",
		TimeStartNs: 100,
		TimeEndNs:   200,
		EventCount:  1,
		Modules:     []string{"libfoo"},
	}
	if diff := cmp.Diff(want, m, cmpopts.IgnoreFields(Manifest{}, "BytesWritten")); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}

	// No leftover temp files.
	entries, err := os.ReadDir(w.SessionDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestFinalizeOnRenameFailureUnlinksTempAndCountsError(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "session-e", "sess-5", 1, 0)
	require.NoError(t, err)
	defer w.Close()

	// Replace the session directory's final manifest path with a
	// directory so rename-over-it fails, simulating an injected rename
	// failure.
	require.NoError(t, os.Mkdir(filepath.Join(w.SessionDir(), "trace.json"), 0o755))

	err = w.Finalize(10)
	require.Error(t, err)
	assert.Equal(t, uint64(1), w.WriteErrors())

	entries, err := os.ReadDir(w.SessionDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file must be unlinked on failure")
	}
}
