package builder

import (
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/gookit/color"
	"github.com/segmentio/textio"
	log "github.com/sirupsen/logrus"
)

// Reporter provides feedback about the build progress to the user.
//
// All functions are called in the hotpath of the build, blocking in them blocks the build.
type Reporter interface {
	// StepStarted is called before a pipeline step runs
	StepStarted(step string)

	// Info prints an operator facing message, e.g. which repository is being cloned
	Info(msg string)

	// BuildOutput is called for every line of output of the image build
	BuildOutput(line string)

	// BuildProgress is called for progress messages of the image build (pulls, pushes)
	BuildProgress(msg jsonmessage.JSONMessage)

	// Finished is called once the pipeline is done. err is nil if the build succeeded.
	Finished(err error)
}

// exclusiveWriter makes a write an exclusive resource by protecting Write calls with a mutex.
type exclusiveWriter struct {
	O  io.Writer
	mu sync.Mutex
}

func (w *exclusiveWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.O.Write(p)
}

// ConsoleReporter reports build progress by printing to stdout/stderr
type ConsoleReporter struct {
	out    io.Writer
	errOut io.Writer

	prefixed *textio.PrefixWriter
	build    io.Writer
}

// NewConsoleReporter produces a new console reporter
func NewConsoleReporter(out, errOut io.Writer) *ConsoleReporter {
	prefixed := textio.NewPrefixWriter(out, color.Gray.Render("[build] "))
	return &ConsoleReporter{
		out:      out,
		errOut:   errOut,
		prefixed: prefixed,
		build:    &exclusiveWriter{O: prefixed},
	}
}

// StepStarted is called before a pipeline step runs
func (r *ConsoleReporter) StepStarted(step string) {
	log.WithField("step", step).Debug("running step")
}

// Info prints an operator facing message
func (r *ConsoleReporter) Info(msg string) {
	fmt.Fprintln(r.out, color.New(color.FgYellow, color.OpBold).Sprint(msg))
}

// BuildOutput prints a line of build output
func (r *ConsoleReporter) BuildOutput(line string) {
	_, _ = io.WriteString(r.build, line)
}

// BuildProgress renders a progress message
func (r *ConsoleReporter) BuildProgress(msg jsonmessage.JSONMessage) {
	if err := msg.Display(r.build, false); err != nil {
		log.WithError(err).Debug("cannot display progress")
	}
}

// Finished prints the outcome of the build
func (r *ConsoleReporter) Finished(err error) {
	_ = r.prefixed.Flush()

	if err != nil {
		fmt.Fprintln(r.errOut, color.New(color.FgRed, color.OpBold).Sprintf("Hit an unexpected error: %s", err))
		return
	}
	fmt.Fprintln(r.out, color.New(color.FgGreen, color.OpBold).Sprint("Build completed successfully!"))
}
