package cmd

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	assets := filepath.Join(dir, "dist")
	require.NoError(t, os.MkdirAll(filepath.Join(assets, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(assets, "index.html"), []byte("<html></html>"), 0o644))

	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("server:\n  shutdown_timeout: 2\nassets:\n  dir: %q\nlogging:\n  level: error\n", assets)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestVersion_Short(t *testing.T) {
	out, err := execute(t, "", "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestVersion_Full(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Go version:")
}

func TestServe_ConsoleScript(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "start\nport\nstart\nexit\n", "serve", "--config", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, "%q", out)
	assert.Regexp(t, regexp.MustCompile(`^\d+$`), lines[0])
	assert.Equal(t, "strudel already running", lines[1])
}

func TestServe_AutoStart(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "port\n", "serve", "--config", path, "--start", "--log-level", "error")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d+\n$`), out)
}

func TestServe_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  host: 0.0.0.0\n"), 0o644))

	_, err := execute(t, "", "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loopback")
}

func TestServe_StartFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("assets:\n  dir: %q\nlogging:\n  level: error\n", filepath.Join(dir, "missing"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := execute(t, "", "serve", "--config", path, "--start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "static assets unavailable")
}

func TestStatus_Table(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"strudel-bridge","state":"running","port":40123,"sessions":2,"subscribers":2}`))
	}))
	defer srv.Close()

	out, err := execute(t, "", "status", "--url", srv.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "STATE")
	assert.Regexp(t, regexp.MustCompile(`running\s+40123\s+2\s+2`), out)
}

func TestStatus_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"running","port":1}`))
	}))
	defer srv.Close()

	out, err := execute(t, "", "status", "--url", srv.URL, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "\"state\": \"running\"")
}

func TestStatus_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := execute(t, "", "status", "--url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error (500): boom")
}
