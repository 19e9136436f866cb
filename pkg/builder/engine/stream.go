package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"time"

	"github.com/docker/docker/pkg/jsonmessage"
	"golang.org/x/xerrors"
)

// ErrBuildTimeout is returned when a build did not produce output for longer than its idle timeout
var ErrBuildTimeout = errors.New("build timeout")

// BuildError is a failure reported by the engine in the build stream
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string {
	return e.Message
}

var runningContainerPattern = regexp.MustCompile(`Running in ([0-9a-f]+)`)

// RunningContainer extracts the id of the intermediate container a build step runs in
func RunningContainer(line string) (id string, ok bool) {
	m := runningContainerPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MessageHandler receives every message of a build stream in order.
// Returning an error aborts the build.
type MessageHandler func(msg jsonmessage.JSONMessage) error

// followStream decodes the JSON message stream in body and passes each message to fn.
// If idle is positive and no message arrives for that long, ErrBuildTimeout is returned.
// The caller must close body afterwards to release the decoding goroutine.
func followStream(ctx context.Context, body io.Reader, idle time.Duration, fn MessageHandler) error {
	var (
		msgs = make(chan jsonmessage.JSONMessage)
		errc = make(chan error, 1)
		done = make(chan struct{})
	)
	defer close(done)

	go func() {
		dec := json.NewDecoder(body)
		for {
			var msg jsonmessage.JSONMessage
			err := dec.Decode(&msg)
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				errc <- err
				return
			}

			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	var timeout <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case msg := <-msgs:
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(idle)
			}

			if msg.Error != nil {
				return &BuildError{Message: msg.Error.Message}
			}
			if msg.ErrorMessage != "" {
				return &BuildError{Message: msg.ErrorMessage}
			}
			if err := fn(msg); err != nil {
				return err
			}
		case err := <-errc:
			if err != nil {
				return xerrors.Errorf("cannot read build output: %w", err)
			}
			return nil
		case <-timeout:
			return ErrBuildTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
