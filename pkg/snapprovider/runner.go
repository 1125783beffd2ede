package snapprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/snaptypes"
)

const DefaultCallTimeout = 60 * time.Second

// Runner executes one backend tool invocation and returns its stdout
type Runner interface {
	Run(ctx context.Context, command string, args ...string) ([]byte, error)
}

type execRunner struct {
	timeout time.Duration
	log     *logex.Leveled
}

func ExecRunner(timeout time.Duration, logger *log.Logger) Runner {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	return &execRunner{timeout, logex.Levels(logex.NonNil(logger))}
}

// Run does not start anything if ctx is already cancelled. once started, the tool runs to
// completion or until the per-call timeout: backend tools are not safe to interrupt.
func (e *execRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	//nolint:gosec // command comes from a closed set of backend tools
	cmd := exec.CommandContext(callCtx, command, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.timeout, context.DeadlineExceeded)
		}

		e.log.Error.Printf("%s %s: %v", command, strings.Join(args, " "), err)

		return nil, &snaptypes.BackendError{
			Command: commandLine(command, args),
			Output:  stderr.String(),
			Err:     err,
		}
	}

	return stdout.Bytes(), nil
}

func commandLine(command string, args []string) string {
	return strings.TrimSpace(command + " " + strings.Join(args, " "))
}

var notFoundDiagnosticRe = regexp.MustCompile(`(?i)(failed to find logical volume|not found|does not exist|no such)`)

// classify turns "object is absent" diagnostics of a backend tool into ErrNotFound
func classify(err error, target string) error {
	var backendErr *snaptypes.BackendError
	if errors.As(err, &backendErr) && notFoundDiagnosticRe.MatchString(backendErr.Output) {
		return fmt.Errorf("%s: %w (%s)", target, snaptypes.ErrNotFound, strings.TrimSpace(backendErr.Output))
	}

	return err
}
