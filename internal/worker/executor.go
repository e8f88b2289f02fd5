package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ChuLiYu/distbuild/internal/job"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

// Environment variables set for every command.
const (
	EnvToolchainDir = "FB_TOOLCHAIN_DIR"
	EnvTarget       = "FB_TARGET"
	EnvJobID        = "FB_JOB_ID"
)

// ErrNoCommand is returned by a CommandExecutor without a command.
var ErrNoCommand = errors.New("worker: no command configured")

// CommandExecutor runs an external command per job. The job data is written
// to stdin; stdout becomes the result output and every stderr line a
// diagnostic. A non-zero exit is a build failure, anything that prevents the
// command from running is a system error.
type CommandExecutor struct {
	Command []string
	// ToolchainDir resolves where the job's toolchain files live.
	ToolchainDir func(types.ToolID) string
	Env          []string
}

func (e *CommandExecutor) Execute(ctx context.Context, j *job.Job) (job.Result, error) {
	if len(e.Command) == 0 {
		return job.Result{}, ErrNoCommand
	}
	data, err := j.Data()
	if err != nil {
		return job.Result{}, fmt.Errorf("job payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		EnvTarget+"="+j.Target().Name,
		EnvJobID+"="+strconv.FormatUint(uint64(j.ID()), 10),
	)
	if e.ToolchainDir != nil {
		dir := e.ToolchainDir(j.ToolID())
		cmd.Env = append(cmd.Env, EnvToolchainDir+"="+dir)
	}

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return job.Result{}, ctx.Err()
	}

	for _, line := range splitLines(stderr.Bytes()) {
		j.Error(line)
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return job.Result{Success: true, Output: stdout.Bytes()}, nil
	case errors.As(runErr, &exitErr):
		j.Errorf("%s exited with code %d", e.Command[0], exitErr.ExitCode())
		return job.Result{Success: false, Output: stdout.Bytes()}, nil
	default:
		return job.Result{}, fmt.Errorf("run %s: %w", e.Command[0], runErr)
	}
}

func splitLines(b []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
