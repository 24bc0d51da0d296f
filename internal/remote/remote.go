// Package remote runs shell commands on the deployment target.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Channel executes shell commands on the deployment target. Implementations
// must be safe for sequential use; concurrent calls are not required.
type Channel interface {
	// Run executes command with stdin attached and returns its standard
	// output. A non-zero exit status is reported as a *CommandError.
	Run(ctx context.Context, command string, stdin io.Reader) ([]byte, error)
	Close() error
}

// CommandError is returned when a remote command exits unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", summarize(e.Command), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ExitCode extracts the exit status from err, or -1 if err does not carry one.
func ExitCode(err error) int {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.ExitCode
	}
	return -1
}

// Quote wraps s in single quotes for POSIX shells, escaping any embedded
// single quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every element and joins them with spaces.
func QuoteAll(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// waitDelay bounds how long Run waits for output after a cancelled command
// was killed.
const waitDelay = 2 * time.Second

func summarize(command string) string {
	const max = 120
	if len(command) > max {
		return command[:max] + "..."
	}
	return command
}

// LocalChannel runs commands with sh on this machine. It is used when no
// remote host is configured.
type LocalChannel struct {
	// Dir is the working directory for commands. Empty means the current one.
	Dir string
}

// NewLocalChannel returns a channel that runs commands locally in dir.
func NewLocalChannel(dir string) *LocalChannel {
	return &LocalChannel{Dir: dir}
}

func (c *LocalChannel) Run(ctx context.Context, command string, stdin io.Reader) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = c.Dir
	killGroupOnCancel(cmd)
	// Grandchildren may hold the output pipes open after the group is killed.
	cmd.WaitDelay = waitDelay
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &CommandError{
				Command:  command,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return stdout.Bytes(), fmt.Errorf("failed to run %q: %w", summarize(command), err)
	}
	return stdout.Bytes(), nil
}

func (c *LocalChannel) Close() error {
	return nil
}
