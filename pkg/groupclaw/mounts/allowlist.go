// Package mounts implements the mount security gate: container-mount
// requests from the agent are validated against a fail-closed allowlist
// before the runner passes them to docker.
//
// The allowlist file lives outside the project tree so a compromised
// agent can never request a mount of the allowlist itself. A missing or
// invalid allowlist denies every mount until the process restarts.
package mounts

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// AllowedRoot is one host directory that mounts may resolve into.
type AllowedRoot struct {
	// Path is the absolute host directory.
	Path string `json:"path"`

	// AllowReadWrite permits read-write mounts under this root.
	// When false, every mount matching this root is forced read-only.
	AllowReadWrite bool `json:"allowReadWrite"`

	// Description documents why the root is exposed.
	Description string `json:"description,omitempty"`
}

// Allowlist is the declarative mount policy document.
type Allowlist struct {
	// AllowedRoots are the only host paths mounts may resolve into.
	AllowedRoots []AllowedRoot `json:"allowedRoots"`

	// BlockedPatterns are substrings that deny a mount when present in
	// the resolved host path. Merged with the built-in defaults.
	BlockedPatterns []string `json:"blockedPatterns"`

	// NonMainReadOnly forces read-only on every additional mount
	// requested by a non-main group.
	NonMainReadOnly bool `json:"nonMainReadOnly"`
}

// defaultBlockedPatterns are credential-like path fragments that are
// always denied, regardless of what the allowlist file declares.
var defaultBlockedPatterns = []string{
	".ssh",
	".aws",
	".gnupg",
	".env",
	".pem",
	"id_rsa",
	"id_ed25519",
	"credentials",
	"secret",
	"token",
	"private_key",
	"keychain",
}

// Loader reads and caches the allowlist. The first Load result — success
// or failure — is cached for the process lifetime, so a bad file cannot
// be "fixed" underneath a running daemon.
type Loader struct {
	path   string
	logger *slog.Logger

	once sync.Once
	list *Allowlist
}

// NewLoader creates a Loader for the allowlist file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger.With("component", "mounts")}
}

// Load returns the cached allowlist, reading the file on first call.
// Returns nil when the file is missing, unparseable, or structurally
// invalid; callers must treat nil as "deny everything".
func (l *Loader) Load() *Allowlist {
	l.once.Do(func() {
		l.list = l.read()
	})
	return l.list
}

func (l *Loader) read() *Allowlist {
	if l.path == "" {
		l.logger.Warn("no allowlist path configured, all additional mounts will be denied")
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		// Expected on a fresh installation: no allowlist means no
		// additional mounts, which is the safe default.
		l.logger.Warn("mount allowlist unavailable, all additional mounts will be denied",
			"path", l.path, "error", err)
		return nil
	}

	var list Allowlist
	if err := json.Unmarshal(data, &list); err != nil {
		l.logger.Warn("mount allowlist is not valid JSON, all additional mounts will be denied",
			"path", l.path, "error", err)
		return nil
	}

	if !structurallyValid(&list) {
		l.logger.Warn("mount allowlist is structurally invalid, all additional mounts will be denied",
			"path", l.path)
		return nil
	}

	// The built-in credential patterns always apply, even when the file
	// declares its own list.
	list.BlockedPatterns = append(list.BlockedPatterns, defaultBlockedPatterns...)

	l.logger.Info("mount allowlist loaded",
		"path", l.path,
		"roots", len(list.AllowedRoots),
		"blocked_patterns", len(list.BlockedPatterns),
	)
	return &list
}

// structurallyValid rejects documents that parsed as JSON but do not
// describe a usable policy (no roots, or roots with empty/relative paths).
func structurallyValid(list *Allowlist) bool {
	if len(list.AllowedRoots) == 0 {
		return false
	}
	for _, root := range list.AllowedRoots {
		if root.Path == "" || root.Path[0] != '/' {
			return false
		}
	}
	return true
}
