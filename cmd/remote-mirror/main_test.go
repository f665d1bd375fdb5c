package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-mirror/internal/engine"
	"remote-mirror/internal/fs"
)

func writeConfig(t *testing.T, body string) *globalFlags {
	path := filepath.Join(t.TempDir(), "remote-mirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return &globalFlags{configPath: path, logLevel: "error"}
}

func TestOpenManager(t *testing.T) {
	logrus.SetOutput(io.Discard)
	defer logrus.SetOutput(os.Stderr)

	remote := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(remote, "index.html"), []byte("<html>"), 0644))

	flags := writeConfig(t, `
state_dir: `+t.TempDir()+`
connections:
  - id: site
    scheme: local
    local_root: `+t.TempDir()+`
    remote_root: `+filepath.ToSlash(remote)+`
    verify: download-and-hash
    auto_index: false
`)

	_, manager, cleanup, err := openManager(flags, "site")
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, []string{"site"}, manager.Connections())

	_, _, _, err = openManager(flags, "missing")
	assert.True(t, errors.Is(err, engine.ErrUnknownConnection))
}

func TestPrintNodes(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printNodes(&out, []*fs.Node{
		{Name: "css", Path: "/site/css", IsDir: true},
		{Name: "index.html", Path: "/site/index.html", Size: 2048},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "css/"))
	assert.Contains(t, lines[1], "2.0 kB")
	assert.True(t, strings.HasSuffix(lines[1], "index.html"))
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	require.NoError(t, setupLogging(&globalFlags{logLevel: "debug"}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	assert.Error(t, setupLogging(&globalFlags{logLevel: "loud"}))
}
