package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoreap/autoreap/internal/observability"
)

// resetForTest clears package state shared between command executions.
func resetForTest(t *testing.T) {
	t.Helper()
	cfgFile = ""
	observability.ResetForTest()
	rootCmd = NewRootCommand()
	t.Cleanup(observability.ResetForTest)
}

// fastConfig writes a config file that keeps every artifact under a temp dir
// and shortens the form waits.
func fastConfig(t *testing.T, extra string) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	content := `
logger:
  level: error
  log_file: ` + filepath.Join(dir, "autoreap.log") + `
declaration_file: ` + filepath.Join(dir, "autoreapmpa.json") + `
browser:
  profile_dir: ` + filepath.Join(dir, "profile") + `
timeouts:
  poll_interval: 1ms
  click_fallback: 20ms
  list_open: 20ms
  search_settle: 1ms
  combo_retry_pause: 1ms
  basic_marker: 50ms
  activity_marker: 50ms
  accordion: 50ms
  closed_header: 50ms
  production_header: 50ms
  option_visible: 50ms
  row_added: 50ms
  acceptance: 50ms
  advance: 50ms
  advance_settle: 1ms
  generator: 2s
` + extra
	path = filepath.Join(dir, "autoreap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dir
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// executeCommandNoPreRun checks argument and flag validation without loading
// any configuration.
func executeCommandNoPreRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)
	rootCmd.PersistentPreRunE = nil
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommandNoPreRun(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "autoreap version dev")
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommandNoPreRun(t)
	require.NoError(t, err)
	assert.Contains(t, out, "declaração anual de pesca")
	for _, name := range []string{"run", "pending", "browser", "simulate", "rehearse", "config", "logs", "serve", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestVersionCmd_SkipsConfig(t *testing.T) {
	resetForTest(t)
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"version", "--config", missing})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, buf.String(), "autoreap dev (")
}

func TestRootCmd_BadConfigFile(t *testing.T) {
	_, err := executeCommand(t, "config", "show", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestRehearseCmd_RequiredFlags(t *testing.T) {
	out, err := executeCommandNoPreRun(t, "rehearse")
	require.Error(t, err)
	assert.Contains(t, err.Error()+out, `required flag(s) "fixture" not set`)
}

func findCommand(root *cobra.Command, path ...string) *cobra.Command {
	c, _, err := root.Find(path)
	if err != nil {
		return nil
	}
	return c
}

func TestCommandTree(t *testing.T) {
	root := NewRootCommand()
	for _, p := range [][]string{
		{"browser", "open"}, {"browser", "kill"}, {"browser", "front"}, {"browser", "tabs"}, {"browser", "home"},
		{"config", "show"}, {"config", "path"}, {"config", "init"}, {"config", "reset"},
	} {
		c := findCommand(root, p...)
		if assert.NotNil(t, c, strings.Join(p, " ")) {
			assert.Equal(t, p[len(p)-1], c.Name())
		}
	}
}
