package runner

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCapturesOutputAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var live strings.Builder
	res, err := Exec{}.Run(context.Background(), "sh", []string{"-c", "echo out; echo oops >&2; exit 3"}, Options{Stdout: &live})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "out\n", live.String())
	assert.Contains(t, Describe(res, err), "oops")
}

func TestExecMissingProgram(t *testing.T) {
	res, err := Exec{}.Run(context.Background(), "vx-definitely-missing-program", nil, Options{})
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "boom", Describe(Result{}, errors.New("boom")))
	assert.Equal(t, "exit code 2: second", Describe(Result{ExitCode: 2, Stderr: []byte("first\nsecond\n")}, nil))
	assert.Equal(t, "boom: from stdout", Describe(Result{Stdout: []byte("from stdout")}, errors.New("boom")))
}
