package audio

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/municipio-digital/actas-engine/pkg/errors"
)

const stderrTailBytes = 500

// Runner executes external CLI tools. It exists so the pipeline can be
// tested without ffmpeg/sox installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	LookPath(name string) error
}

type execRunner struct{}

// NewRunner creates an exec-backed runner.
func NewRunner() Runner {
	return &execRunner{}
}

// Run executes a command, capturing stdout. On non-zero exit the stderr tail
// is carried in a TOOL_FAILED error.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(errors.ErrorTypeCancelled, name+" interrupted", ctx.Err())
		}
		return "", errors.NewToolFailedError(name, stderrTail(stderr.String()), err)
	}
	return stdout.String(), nil
}

// LookPath reports TOOL_UNAVAILABLE when the binary is not installed.
func (r *execRunner) LookPath(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return errors.NewToolUnavailableError(name)
	}
	return nil
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTailBytes {
		return s
	}
	return s[len(s)-stderrTailBytes:]
}
