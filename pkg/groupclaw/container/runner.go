// Package container turns "run the agent for group G with prompt P"
// into a supervised docker invocation: it assembles mounts through the
// security gate, writes snapshots, pipes secrets and the prompt over
// stdin, and streams validated protocol events back to the caller.
package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/config"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/mounts"
)

// Container-side layout. The agent always finds its own workspace at
// /workspace/group regardless of privilege level.
const (
	workspaceTarget = "/workspace"
	groupTarget     = "/workspace/group"
	memoTarget      = "/workspace/memo.md"
	extraTarget     = "/workspace/extra"

	// ControlSubdir under a group workspace receives agent envelopes.
	// Mounted read-write even when the workspace itself is read-only.
	ControlSubdir = "control"
)

// ErrTimeout reports that the invocation hit the configured deadline
// and the container was force-stopped.
var ErrTimeout = errors.New("container timed out")

// RunRequest describes one agent invocation.
type RunRequest struct {
	// GroupID is the chat id (used only for logging).
	GroupID string

	// GroupFolder is the workspace directory name under groups/.
	GroupFolder string

	// IsMain grants the privileged mount set (whole project read-write).
	IsMain bool

	// Prompt is the initial text handed to the agent.
	Prompt string

	// SessionID resumes a prior agent session when non-empty.
	SessionID string

	// Secrets are piped over stdin before the prompt. They never appear
	// in environment variables or mounted files.
	Secrets map[string]string

	// AdditionalMounts are agent-requested mounts; each is validated
	// individually and dropped on failure.
	AdditionalMounts []mounts.MountRequest

	// Snapshots are written into the workspace before launch so the
	// agent can read task and group state without store access.
	Snapshots Snapshots

	// OnEvent receives every validated protocol event, including
	// synthesized error results for timeout and output overflow.
	OnEvent func(Event)

	// OnStart receives the live process handle once the container is
	// launched, before any output is read.
	OnStart func(p *Process)
}

// RunResult summarizes a finished invocation.
type RunResult struct {
	// SessionID is the id announced by the init event, if any.
	SessionID string

	// LastResult is the text of the final non-nil result event.
	LastResult string

	// Delivered counts non-nil result events emitted to OnEvent.
	Delivered int

	// Truncated is set when the output cap cut the stream short.
	Truncated bool

	// ExitCode is the docker client exit code.
	ExitCode int
}

// DockerRunner runs the agent in a docker container via the docker CLI.
// The client process is stdin-attached (docker run -i) so secrets and
// piped follow-up messages flow over the container's input stream.
type DockerRunner struct {
	agent  config.AgentConfig
	cfg    config.ContainerConfig
	loader *mounts.Loader
	logger *slog.Logger

	// dockerBin is the docker client binary; tests substitute a stub.
	dockerBin string
}

// NewDockerRunner creates the docker backend.
func NewDockerRunner(agent config.AgentConfig, cfg config.ContainerConfig, loader *mounts.Loader, logger *slog.Logger) *DockerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{
		agent:     agent,
		cfg:       cfg,
		loader:    loader,
		logger:    logger.With("component", "container"),
		dockerBin: "docker",
	}
}

// Run launches the agent container and blocks until it exits, the
// timeout fires, or the output cap trips. Protocol events are delivered
// through req.OnEvent as they arrive.
func (r *DockerRunner) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	groupDir := filepath.Join(r.cfg.ProjectDir, "groups", req.GroupFolder)
	logsDir := filepath.Join(groupDir, "logs")
	for _, dir := range []string{groupDir, logsDir, filepath.Join(groupDir, ControlSubdir, "messages"), filepath.Join(groupDir, ControlSubdir, "tasks")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("preparing workspace: %w", err)
		}
	}

	if err := writeSnapshots(groupDir, req.Snapshots); err != nil {
		return nil, fmt.Errorf("writing snapshots: %w", err)
	}

	name := containerName(req.GroupFolder)
	args := r.buildArgs(name, groupDir, req)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.dockerBin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the container, not just the docker client, so nothing
		// keeps running detached after a timeout or shutdown.
		_ = exec.Command(r.dockerBin, "kill", name).Run()
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}

	logFile, err := os.Create(filepath.Join(logsDir, name+".log"))
	if err != nil {
		return nil, fmt.Errorf("creating container log: %w", err)
	}
	defer logFile.Close()
	cmd.Stderr = logFile

	r.logger.Info("launching agent container",
		"group", req.GroupID,
		"container", name,
		"image", r.agent.Image,
		"resume", req.SessionID != "",
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	proc := newProcess(name, req.GroupFolder, r.dockerBin, stdin, r.cfg.IdleTimeout, r.logger)

	// Secrets ride the input stream, then the opening turn.
	if len(req.Secrets) > 0 {
		if err := proc.writeLine(inputLine{Type: "secrets", Env: req.Secrets}); err != nil {
			proc.Stop()
			_ = cmd.Wait()
			return nil, fmt.Errorf("delivering secrets: %w", err)
		}
	}
	if err := proc.writeLine(inputLine{Type: "start", Text: req.Prompt, SessionID: req.SessionID}); err != nil {
		proc.Stop()
		_ = cmd.Wait()
		return nil, fmt.Errorf("delivering prompt: %w", err)
	}

	if req.OnStart != nil {
		req.OnStart(proc)
	}

	result := r.consumeOutput(stdout, req, proc)

	waitErr := cmd.Wait()
	_ = proc.CloseInput()

	if runCtx.Err() == context.DeadlineExceeded {
		r.emit(req, Event{Type: EventResult, Subtype: SubtypeTimeout, IsError: true})
		r.logger.Error("container timed out",
			"group", req.GroupID, "container", name, "timeout", r.cfg.Timeout)
		return result, fmt.Errorf("container %s after %s: %w", name, r.cfg.Timeout, ErrTimeout)
	}

	if result.Truncated {
		// Already killed by the reader; the synthesized event was
		// emitted there. Not a crash, so no retry.
		r.logger.Warn("container output truncated",
			"group", req.GroupID, "container", name, "cap_bytes", r.cfg.MaxOutputBytes)
		return result, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, fmt.Errorf("container %s exited: %w", name, waitErr)
	}

	r.logger.Info("container finished",
		"group", req.GroupID,
		"container", name,
		"session", result.SessionID,
		"results", result.Delivered,
	)
	return result, nil
}

// consumeOutput reads the event stream line by line until EOF or the
// output cap. Unparseable lines are skipped.
func (r *DockerRunner) consumeOutput(stdout io.Reader, req *RunRequest, proc *Process) *RunResult {
	result := &RunResult{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var total int64
	for scanner.Scan() {
		line := scanner.Bytes()
		total += int64(len(line)) + 1
		if total > r.cfg.MaxOutputBytes {
			result.Truncated = true
			r.emit(req, Event{Type: EventResult, Subtype: SubtypeOutputOverflow, IsError: true})
			proc.Stop()
			break
		}

		ev, ok := ParseEvent(line)
		if !ok {
			continue
		}
		switch ev.Type {
		case EventInit:
			result.SessionID = ev.SessionID
		case EventResult:
			if ev.Result != nil {
				result.LastResult = *ev.Result
				result.Delivered++
			}
		}
		r.emit(req, *ev)
	}
	return result
}

func (r *DockerRunner) emit(req *RunRequest, ev Event) {
	if req.OnEvent != nil {
		req.OnEvent(ev)
	}
}

// buildArgs assembles the docker run invocation: privilege-dependent
// workspace mounts plus the security-gated additional mounts.
func (r *DockerRunner) buildArgs(name, groupDir string, req *RunRequest) []string {
	args := []string{"run", "--rm", "-i", "--name", name}
	if r.cfg.Network != "" {
		args = append(args, "--network", r.cfg.Network)
	}

	volume := func(source, target string, readonly bool) {
		spec := source + ":" + target
		if readonly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}

	if req.IsMain {
		// The main group sees the whole project read-write.
		volume(r.cfg.ProjectDir, workspaceTarget, false)
		volume(groupDir, groupTarget, false)
	} else {
		volume(groupDir, groupTarget, r.cfg.ForceGroupReadOnly)
		if _, err := os.Stat(r.cfg.MemoFile); err == nil {
			volume(r.cfg.MemoFile, memoTarget, true)
		}
	}
	// The control channel stays writable even on a read-only workspace.
	volume(filepath.Join(groupDir, ControlSubdir), groupTarget+"/"+ControlSubdir, false)

	for _, m := range r.loader.ValidateAdditionalMounts(req.AdditionalMounts, req.GroupFolder, req.IsMain) {
		volume(m.Source, extraTarget+"/"+m.Target, m.ReadOnly)
	}

	args = append(args, r.agent.Image)
	args = append(args, r.agent.Command...)
	return args
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// containerName generates a unique, docker-safe container name.
func containerName(folder string) string {
	safe := unsafeNameChars.ReplaceAllString(folder, "-")
	safe = strings.Trim(safe, "-.")
	if safe == "" {
		safe = "group"
	}
	return fmt.Sprintf("groupclaw-%s-%d", safe, time.Now().UnixMilli())
}
