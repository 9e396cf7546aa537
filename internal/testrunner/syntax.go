package testrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SyntaxChecker compiles a file without running it, for example with
// python -m py_compile.
type SyntaxChecker struct {
	Command []string
	Dir     string
	Timeout time.Duration
}

// SyntaxError carries the checker's output for a file that does not parse.
type SyntaxError struct {
	Path   string
	Output string
}

func (e *SyntaxError) Error() string {
	out := strings.TrimSpace(e.Output)
	if lines := strings.Split(out, "\n"); len(lines) > 0 {
		out = strings.TrimSpace(lines[len(lines)-1])
	}
	return fmt.Sprintf("%s: %s", e.Path, out)
}

func (c *SyntaxChecker) CheckSyntax(ctx context.Context, path string) error {
	if len(c.Command) == 0 {
		return errors.New("syntax check command is empty")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, c.Command[1:]...), path)
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	cmd.Dir = c.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return &SyntaxError{Path: path, Output: out.String()}
	}
	return fmt.Errorf("syntax check %s: %w", path, err)
}
