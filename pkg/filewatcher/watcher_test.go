package filewatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newWatcher(t *testing.T, dir string) (*Watcher, chan string) {
	t.Helper()
	w, err := New(
		WithDirs(dir),
		WithPatterns("*.yaml", "*.yml"),
		WithDebounce(50*time.Millisecond),
	)
	require.NoError(t, err)
	changes := make(chan string, 10)
	w.OnChange(func(path string) { changes <- path })
	require.NoError(t, w.Start())
	return w, changes
}

func expectChange(t *testing.T, changes chan string, want string) {
	t.Helper()
	select {
	case got := <-changes:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no change reported for %s", want)
	}
}

func TestReportsMatchingFiles(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	w, changes := newWatcher(t, dir)
	defer w.Stop()

	cfg := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("realms: [realm1]\n"), 0o644))
	expectChange(t, changes, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "router.log"), []byte("noise"), 0o644))
	select {
	case got := <-changes:
		t.Fatalf("unexpected change for %s", got)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(cfg, []byte("realms: [realm1, realm2]\n"), 0o644))
	expectChange(t, changes, cfg)
}

func TestBurstOfWritesReportedOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	w, changes := newWatcher(t, dir)
	defer w.Stop()

	cfg := filepath.Join(dir, "router.yaml")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(cfg, []byte("realms: [realm1]\n"), 0o644))
	}
	expectChange(t, changes, cfg)
	select {
	case got := <-changes:
		t.Fatalf("burst reported twice: %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRenameOverFile(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	cfg := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("realms: [realm1]\n"), 0o644))

	w, changes := newWatcher(t, dir)
	defer w.Stop()

	tmp := filepath.Join(dir, ".router.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("realms: [realm2]\n"), 0o644))
	require.NoError(t, os.Rename(tmp, cfg))
	expectChange(t, changes, cfg)
}

func TestStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	w, err := New(WithDirs(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.ErrorIs(t, w.Start(), ErrStopped)
}
