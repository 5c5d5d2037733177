package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opensafely-core/job-runner/internal/model"
)

// CLI drives docker/podman via the CLI, matching the OpenSAFELY agent's
// real production executor. Containers are named deterministically from
// the job ID ("jobrunner-<job-id>") rather than tracked in memory, so the
// agent can rediscover state after a restart purely from GetStatus.
type CLI struct {
	Runtime   string // "docker" or "podman"
	StageRoot string // base directory for staged checkouts/inputs
	OutputRoot string // base directory outputs get copied to on Finalize
}

// NewCLI builds a CLI executor, auto-detecting the runtime if runtime is "".
func NewCLI(runtime, stageRoot, outputRoot string) (*CLI, error) {
	if runtime == "" {
		detected, err := DetectRuntime()
		if err != nil {
			return nil, err
		}
		runtime = detected
	}
	return &CLI{Runtime: runtime, StageRoot: stageRoot, OutputRoot: outputRoot}, nil
}

func (c *CLI) containerName(jobID string) string {
	return "jobrunner-" + jobID
}

func (c *CLI) stageDir(jobID string) string {
	return filepath.Join(c.StageRoot, jobID)
}

// Prepare stages the workspace directory for jobID. Idempotent: MkdirAll
// succeeds whether or not the directory already exists.
func (c *CLI) Prepare(ctx context.Context, jobID string, def model.TaskDefinition) error {
	dir := c.stageDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare: stage dir: %w", err)
	}
	for _, input := range def.Inputs {
		if _, err := os.Stat(input); err != nil {
			return fmt.Errorf("prepare: required input %q missing: %w", input, err)
		}
	}
	return nil
}

// Execute creates (if absent) and starts the container for jobID.
func (c *CLI) Execute(ctx context.Context, jobID string, def model.TaskDefinition) error {
	name := c.containerName(jobID)

	if exists, err := c.containerExists(ctx, name); err != nil {
		return err
	} else if !exists {
		args := []string{"create", "--name", name,
			"--label", "jobrunner-job=" + jobID,
			"-w", "/workspace",
			"-v", c.stageDir(jobID) + ":/workspace",
		}
		for k, v := range def.Env {
			args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
		}
		args = append(args, def.Image)
		args = append(args, strings.Fields(def.RunCommand)...)

		if _, err := c.run(ctx, args...); err != nil {
			return fmt.Errorf("execute: create: %w", err)
		}
	}

	if _, err := c.run(ctx, "start", name); err != nil {
		return fmt.Errorf("execute: start: %w", err)
	}
	return nil
}

// GetStatus inspects the container's current state.
func (c *CLI) GetStatus(ctx context.Context, jobID string) (Status, error) {
	name := c.containerName(jobID)

	exists, err := c.containerExists(ctx, name)
	if err != nil {
		return Status{}, err
	}
	if !exists {
		return Status{State: StateUnstarted}, nil
	}

	out, err := c.run(ctx, "inspect", "-f", "{{.State.Running}} {{.State.ExitCode}}", name)
	if err != nil {
		return Status{}, fmt.Errorf("get_status: inspect: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return Status{}, fmt.Errorf("get_status: unexpected inspect output %q", out)
	}

	if fields[0] == "true" {
		return Status{State: StateExecuting}, nil
	}

	exitCode, err := strconv.Atoi(fields[1])
	if err != nil {
		return Status{}, fmt.Errorf("get_status: parse exit code: %w", err)
	}
	return Status{State: StateExecuted, ExitCode: &exitCode}, nil
}

// Finalize copies outputs matching def.Outputs out of the stage directory
// and returns a TaskResults summarizing matched/unmatched patterns.
func (c *CLI) Finalize(ctx context.Context, jobID string, def model.TaskDefinition) (*model.TaskResults, error) {
	status, err := c.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	exitCode := 0
	if status.ExitCode != nil {
		exitCode = *status.ExitCode
	}

	results := &model.TaskResults{ExitCode: exitCode, Outputs: map[string]string{}}

	for pattern, privacy := range def.Outputs {
		matches, err := filepath.Glob(filepath.Join(c.stageDir(jobID), pattern))
		if err != nil {
			return nil, fmt.Errorf("finalize: glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			results.UnmatchedPatterns = append(results.UnmatchedPatterns, pattern)
			continue
		}
		for _, m := range matches {
			dest := filepath.Join(c.OutputRoot, privacy, jobID, filepath.Base(m))
			if err := copyFile(m, dest); err != nil {
				return nil, fmt.Errorf("finalize: copy output %q: %w", m, err)
			}
			results.Outputs[filepath.Base(m)] = dest
		}
	}

	return results, nil
}

// Terminate stops the running container, if any.
func (c *CLI) Terminate(ctx context.Context, jobID string) error {
	name := c.containerName(jobID)
	exists, err := c.containerExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = c.run(ctx, "stop", "-t", "10", name)
	return err
}

// Cleanup removes the container and its stage directory. Idempotent.
func (c *CLI) Cleanup(ctx context.Context, jobID string) error {
	name := c.containerName(jobID)
	if exists, err := c.containerExists(ctx, name); err == nil && exists {
		if _, err := c.run(ctx, "rm", "-f", name); err != nil {
			return fmt.Errorf("cleanup: rm: %w", err)
		}
	}
	if err := os.RemoveAll(c.stageDir(jobID)); err != nil {
		return fmt.Errorf("cleanup: stage dir: %w", err)
	}
	return nil
}

func (c *CLI) containerExists(ctx context.Context, name string) (bool, error) {
	out, err := c.run(ctx, "ps", "-a", "--filter", "name=^"+name+"$", "--format", "{{.Names}}")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == name, nil
}

func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.Runtime, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s %s: %w: %s", c.Runtime, strings.Join(args, " "), err, stderr.String())
		}
		return "", fmt.Errorf("%s %s: %w", c.Runtime, strings.Join(args, " "), err)
	}
	return stdout.String(), nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

var _ Adapter = (*CLI)(nil)
