package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])

	f := root.PersistentFlags().Lookup("env-file")
	require.NotNil(t, f)
	assert.Equal(t, ".env", f.DefValue)
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	require.NoError(t, loadEnvFile(""))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DISPATCH_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("DISPATCH_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("DISPATCH_TEST_DOTENV"))
	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("DISPATCH_TEST_DOTENV"))
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("PG_DSN", "")
	t.Setenv("DISPATCH_PG_DSN", "")
	root := newRootCmd()
	root.SetArgs([]string{"migrate", "--env-file", ""})
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PG_DSN")
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
