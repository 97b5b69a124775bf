package budget

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLISource queries usage by running a shell command, e.g. "claude usage".
type CLISource struct {
	command string
	timeout time.Duration
}

// NewCLISource creates a source that runs command with a bounded timeout.
func NewCLISource(command string, timeout time.Duration) *CLISource {
	return &CLISource{
		command: command,
		timeout: timeout,
	}
}

// Query runs the usage command and returns its combined stdout, falling
// back to stderr when stdout is empty. Some CLIs print usage to stderr.
func (s *CLISource) Query(ctx context.Context) (string, error) {
	if strings.TrimSpace(s.command) == "" {
		return "", fmt.Errorf("usage command is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", s.command)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("usage command timed out after %v", s.timeout)
	}
	if err != nil {
		return "", fmt.Errorf("usage command failed: %w", err)
	}

	output := stdout.String()
	if output == "" {
		output = stderr.String()
	}
	return output, nil
}
