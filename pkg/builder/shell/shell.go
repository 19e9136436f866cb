// Package shell runs external commands on behalf of the build pipeline and keeps
// their output in the run's stdout/stderr log files.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Runner executes a command and returns its stdout.
// Implementations must record the command output regardless of the outcome.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (stdout string, err error)
}

// LogSink receives the output of every external command
type LogSink struct {
	Stdout string
	Stderr string
}

// ErrSaveLogs is returned when command output could not be persisted
var ErrSaveLogs = fmt.Errorf("error saving output to files")

// Save appends stdout and stderr to their log files in parallel. Empty output is not written.
// A sink without files discards the output.
func (s *LogSink) Save(stdout, stderr string) error {
	if s == nil {
		return nil
	}

	var eg errgroup.Group
	eg.Go(func() error { return appendFile(s.Stdout, stdout) })
	eg.Go(func() error { return appendFile(s.Stderr, stderr) })
	if err := eg.Wait(); err != nil {
		log.WithError(err).Debug("cannot append command output")
		return ErrSaveLogs
	}
	return nil
}

func appendFile(fn, content string) error {
	if fn == "" || len(content) == 0 {
		return nil
	}
	f, err := os.OpenFile(fn, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// CommandError is returned when a command exits unsuccessfully
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", e.Command, e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Exec runs commands with os/exec
type Exec struct {
	Logs *LogSink
	Env  []string
}

// Run implements Runner
func (r *Exec) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	command := strings.Join(append([]string{name}, args...), " ")
	log.WithField("command", command).WithField("dir", dir).Debug("running")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	runErr := cmd.Run()

	if err := r.Logs.Save(stdout.String(), stderr.String()); err != nil {
		return stdout.String(), err
	}
	if runErr != nil {
		return stdout.String(), &CommandError{Command: command, Stderr: stderr.String(), Err: runErr}
	}
	return stdout.String(), nil
}
