// Package container – process.go is the live handle for a spawned agent
// container: it serializes writes to the container's input stream and
// owns the idle timer that closes stdin when no new message arrives.
package container

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Process is the handle for one running agent container. At most one
// exists per group at any instant; the queue holds it while the
// container is live.
type Process struct {
	name      string
	folder    string
	dockerBin string
	logger    *slog.Logger

	mu          sync.Mutex
	stdin       io.WriteCloser
	closed      bool
	idle        *time.Timer
	idleTimeout time.Duration
}

// inputLine is one record piped into the agent over stdin.
type inputLine struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

func newProcess(name, folder, dockerBin string, stdin io.WriteCloser, idleTimeout time.Duration, logger *slog.Logger) *Process {
	p := &Process{
		name:        name,
		folder:      folder,
		dockerBin:   dockerBin,
		stdin:       stdin,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
	if idleTimeout > 0 {
		p.idle = time.AfterFunc(idleTimeout, func() {
			p.logger.Info("closing container input after idle period",
				"container", name, "idle", idleTimeout)
			_ = p.CloseInput()
		})
	}
	return p
}

// ContainerName returns the generated container name.
func (p *Process) ContainerName() string { return p.name }

// Folder returns the group workspace folder this process serves.
func (p *Process) Folder() string { return p.folder }

// PipeMessage delivers a follow-up chat message to the running agent
// and resets the idle timer.
func (p *Process) PipeMessage(sender, text string) error {
	return p.writeLine(inputLine{Type: "message", Sender: sender, Text: text})
}

// CloseInput signals the agent that no further input is forthcoming.
// Safe to call more than once.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.idle != nil {
		p.idle.Stop()
	}
	return p.stdin.Close()
}

// Stop force-terminates the container.
func (p *Process) Stop() {
	_ = p.CloseInput()
	if err := exec.Command(p.dockerBin, "kill", p.name).Run(); err != nil {
		p.logger.Debug("docker kill", "container", p.name, "error", err)
	}
}

func (p *Process) writeLine(line inputLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encoding input line: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("container %s input already closed", p.name)
	}
	if p.idle != nil {
		p.idle.Reset(p.idleTimeout)
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to container %s: %w", p.name, err)
	}
	return nil
}
