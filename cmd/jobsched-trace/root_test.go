package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRun(t *testing.T) {
	stdout, _, err := execute(t, `run`,
		filepath.Join(`..`, `..`, `internal`, `scenario`, `testdata`, `recursion.yaml`),
		filepath.Join(`..`, `..`, `internal`, `scenario`, `testdata`, `unmount.yaml`),
	)
	require.NoError(t, err)
	assert.Equal(t, `=== runaway watcher
run watcher
run watcher
run watcher
run watcher
skip watcher: recursion limit
run render
stats flushes=1 jobs=5 callbacks=0 errors=0 skips=1 aborted=0

=== unmount
run parent
run sibling
stats flushes=1 jobs=2 callbacks=0 errors=0 skips=0 aborted=0
`, stdout)
}

func TestRun_logLevel(t *testing.T) {
	_, stderr, err := execute(t, `run`, `--log-level`, `debug`,
		filepath.Join(`..`, `..`, `internal`, `scenario`, `testdata`, `unmount.yaml`),
	)
	require.NoError(t, err)
	assert.Contains(t, stderr, `"msg":"jobsched: flush completed"`)
}

func TestRun_invalidLogLevel(t *testing.T) {
	_, _, err := execute(t, `run`, `--log-level`, `verbose`, `x.yaml`)
	require.EqualError(t, err, `invalid log level "verbose"`)
}

func TestRun_missingFile(t *testing.T) {
	_, _, err := execute(t, `run`, filepath.Join(t.TempDir(), `missing.yaml`))
	require.Error(t, err)
}

func TestRun_noArgs(t *testing.T) {
	_, _, err := execute(t, `run`)
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for _, level := range logLevels {
		v, err := parseLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, v)
	}
}
