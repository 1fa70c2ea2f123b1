package shell_exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/davarch/ci-promoter/internal/domain"
)

// Runner executes argv directly, without a shell. A non-zero exit is
// reported through CommandResult.ExitCode, not as an error.
type Runner struct {
	// Env is appended to the process environment of every command.
	Env []string
}

func New() *Runner { return &Runner{} }

func (r *Runner) Run(ctx context.Context, dir string, argv []string, env []string) (domain.CommandResult, error) {
	if len(argv) == 0 {
		return domain.CommandResult{}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), r.Env...), env...)

	var out lockedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := domain.CommandResult{Output: out.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		res.ExitCode = -1
		return res, err
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
