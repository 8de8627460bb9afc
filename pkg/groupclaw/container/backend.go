// Package container – backend.go selects the agent execution backend.
// The set is closed: backends are compiled in and chosen once at
// startup by configuration, no dynamic loading.
package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/config"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/mounts"
)

// Backend runs one agent invocation. DockerRunner is the only
// implementation currently compiled in.
type Backend interface {
	Run(ctx context.Context, req *RunRequest) (*RunResult, error)
}

// NewBackend builds the backend named by the agent config.
func NewBackend(agent config.AgentConfig, cfg config.ContainerConfig, loader *mounts.Loader, logger *slog.Logger) (Backend, error) {
	switch agent.Backend {
	case "docker":
		return NewDockerRunner(agent, cfg, loader, logger), nil
	default:
		return nil, fmt.Errorf("unknown agent backend: %q", agent.Backend)
	}
}
