package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

type Options struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner executes external programs. Installer extraction and package
// manager invocations go through it so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, command string, args []string, opts Options) (Result, error)
}

type Exec struct{}

func (Exec) Run(ctx context.Context, command string, args []string, opts Options) (Result, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer

	stdoutWriter := io.Writer(&stdoutBuf)
	if opts.Stdout != nil {
		stdoutWriter = io.MultiWriter(&stdoutBuf, opts.Stdout)
	}
	stderrWriter := io.Writer(&stderrBuf)
	if opts.Stderr != nil {
		stderrWriter = io.MultiWriter(&stderrBuf, opts.Stderr)
	}

	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter

	err := cmd.Run()
	res := Result{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
	}
	return res, err
}

var _ Runner = Exec{}

// Describe formats a failed run for error messages, preferring the last line
// of stderr.
func Describe(res Result, err error) string {
	msg := lastLine(res.Stderr)
	if msg == "" {
		msg = lastLine(res.Stdout)
	}
	switch {
	case err != nil && msg != "":
		return fmt.Sprintf("%v: %s", err, msg)
	case err != nil:
		return err.Error()
	case res.ExitCode != 0:
		return fmt.Sprintf("exit code %d: %s", res.ExitCode, msg)
	default:
		return msg
	}
}

func lastLine(data []byte) string {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
