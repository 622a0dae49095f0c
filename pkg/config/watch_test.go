package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitPolicy(t *testing.T, ch <-chan Policy) Policy {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for policy reload")
		return Policy{}
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("platform_version = \"1.0.0\"\n"), 0o644))

	ch := make(chan Policy, 4)
	w, err := Watch(path, zerolog.Nop(), func(p Policy) { ch <- p })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("platform_version = \"1.1.0\"\n"), 0o644))

	p := waitPolicy(t, ch)
	assert.Equal(t, "1.1.0", p.PlatformVersion)
}

func TestWatchSeesAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("platform_version = \"1.0.0\"\n"), 0o644))

	ch := make(chan Policy, 4)
	w, err := Watch(path, zerolog.Nop(), func(p Policy) { ch <- p })
	require.NoError(t, err)
	defer w.Close()

	tmp := filepath.Join(dir, "policy.toml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("platform_version = \"2.0.0\"\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	p := waitPolicy(t, ch)
	assert.Equal(t, "2.0.0", p.PlatformVersion)
}

func TestWatchKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("platform_version = \"1.0.0\"\n"), 0o644))

	ch := make(chan Policy, 4)
	w, err := Watch(path, zerolog.Nop(), func(p Policy) { ch <- p })
	require.NoError(t, err)
	defer w.Close()

	// A broken file must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("[sandbox"), 0o644))
	select {
	case p := <-ch:
		t.Fatalf("unexpected reload with policy %+v", p)
	case <-time.After(600 * time.Millisecond):
	}

	// A later valid write still comes through.
	require.NoError(t, os.WriteFile(path, []byte("platform_version = \"3.0.0\"\n"), 0o644))
	p := waitPolicy(t, ch)
	assert.Equal(t, "3.0.0", p.PlatformVersion)
}

func TestWatchCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	w, err := Watch(path, zerolog.Nop(), func(Policy) {})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWatchMissingDirectory(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "absent", "policy.toml"), zerolog.Nop(), func(Policy) {})
	assert.Error(t, err)
}
