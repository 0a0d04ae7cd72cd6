package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// run executes the CLI against a database in dir and returns its output.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	base := []string{"atomstore",
		"--env-file", "",
		"--config", filepath.Join(dir, "atomstore.yaml"),
		"--db", filepath.Join(dir, "db"),
	}
	err := app.Run(append(base, args...))
	return out.String(), err
}

func TestSetupLogger(t *testing.T) {
	_, err := run(t, t.TempDir(), "--log-level", "verbose", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	_, err = run(t, t.TempDir(), "--log-level", "DEBUG", "stats")
	require.NoError(t, err)
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("ATOMSTORE_TEST_MARKER=loaded\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("ATOMSTORE_TEST_MARKER") })

	app := newApp()
	app.Writer = &bytes.Buffer{}
	err := app.Run([]string{"atomstore", "--env-file", envFile, "--db", filepath.Join(dir, "db"), "stats"})
	require.NoError(t, err)
	assert.Equal(t, "loaded", os.Getenv("ATOMSTORE_TEST_MARKER"))

	// a missing env file is not an error
	_, err = run(t, dir, "--env-file", filepath.Join(dir, "missing.env"), "stats")
	require.NoError(t, err)
}

func TestRequiredFlags(t *testing.T) {
	dir := t.TempDir()

	t.Run("history requires id", func(t *testing.T) {
		_, err := run(t, dir, "history")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "id")
	})

	t.Run("rotate requires model", func(t *testing.T) {
		_, err := run(t, dir, "landmarks", "rotate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model")
	})

	t.Run("reembed requires from", func(t *testing.T) {
		_, err := run(t, dir, "reembed")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "from")
	})

	t.Run("put requires content", func(t *testing.T) {
		_, err := run(t, dir, "put")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--text or --file")
	})

	t.Run("put vector requires model", func(t *testing.T) {
		_, err := run(t, dir, "put", "--text", "x", "--vector", "1,0")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--model")
	})

	t.Run("search needs one query", func(t *testing.T) {
		_, err := run(t, dir, "search")
		require.Error(t, err)
		_, err = run(t, dir, "search", "--query", "a", "--vector", "1")
		require.Error(t, err)
	})

	t.Run("top-k has default value", func(t *testing.T) {
		cmd := newApp().Command("search")
		require.NotNil(t, cmd)
		var topK *cli.IntFlag
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.IntFlag); ok && f.Name == "top-k" {
				topK = f
				break
			}
		}
		require.NotNil(t, topK)
		assert.Equal(t, 10, topK.Value)
	})
}

func TestParseVector(t *testing.T) {
	v, err := parseVector("1, 0.5,-2")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, -2}, v)

	_, err = parseVector("1,x")
	require.Error(t, err)
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "put", "--text", "hello", "--subtype", "word")
	require.NoError(t, err)
	assert.Contains(t, out, "atom 1:")
	assert.Contains(t, out, "refs=1")

	out, err = run(t, dir, "put", "--text", "hello", "--subtype", "word")
	require.NoError(t, err)
	assert.Contains(t, out, "atom 1:")
	assert.Contains(t, out, "refs=2")

	out, err = run(t, dir, "put", "--text", "world", "--model", "m", "--vector", "1,0,0")
	require.NoError(t, err)
	assert.Contains(t, out, "atom 2:")
	assert.Contains(t, out, "embedding: model=m dims=3 indexed=false")

	_, err = run(t, dir, "put", "--text", "again", "--model", "m", "--vector", "0,1,0")
	require.NoError(t, err)

	out, err = run(t, dir, "search", "--model", "m", "--vector", "0.9,0.1,0", "-k", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "mode=brute_force")
	assert.Contains(t, out, "degraded=no_landmarks")
	assert.Regexp(t, `(?m)^2\s+`, out)

	out, err = run(t, dir, "get", "--id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	out, err = run(t, dir, "history", "--id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1:")
	assert.Contains(t, out, "to=current")

	out, err = run(t, dir, "release", "--id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "refs=1")

	out, err = run(t, dir, "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "0 purged")

	out, err = run(t, dir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "atoms: 3")
	assert.Contains(t, out, "MODEL")

	out, err = run(t, dir, "landmarks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")

	_, err = run(t, dir, "get", "--id", "99")
	require.Error(t, err)
}
