// Package secrets resolves the agent API key at spawn time and builds
// the environment map piped to the container over stdin. Secrets never
// appear in `docker run` arguments, container environment flags, or
// mounted files.
//
// Priority for resolving the key:
//  1. OS keyring (Linux: Secret Service/GNOME Keyring, macOS: Keychain,
//     Windows: Credential Manager)
//  2. Environment variable (GROUPCLAW_API_KEY, ANTHROPIC_API_KEY)
package secrets

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "groupclaw"

	// keyringAPIKey is the key name for the agent API key.
	keyringAPIKey = "api_key"

	// agentKeyEnvVar is the variable name the agent expects inside the
	// container.
	agentKeyEnvVar = "ANTHROPIC_API_KEY"
)

// apiKeyEnvVars are checked in order when the keyring has no entry.
var apiKeyEnvVars = []string{"GROUPCLAW_API_KEY", "ANTHROPIC_API_KEY"}

// Store saves a secret to the OS keyring.
func Store(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// Get retrieves a secret from the OS keyring. Returns empty string if
// not found.
func Get(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// Delete removes a secret from the OS keyring.
func Delete(key string) error {
	return keyring.Delete(keyringService, key)
}

// Available checks if the OS keyring is accessible.
func Available() bool {
	testKey := "__groupclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// StoreAPIKey saves the agent API key to the OS keyring.
func StoreAPIKey(value string) error {
	return Store(keyringAPIKey, value)
}

// DeleteAPIKey removes the agent API key from the OS keyring.
func DeleteAPIKey() error {
	return Delete(keyringAPIKey)
}

// ResolveAgentEnv builds the environment map delivered to the agent
// over stdin: keyring first, then host environment variables. An empty
// map means no key was found; the agent may still run against a
// credential baked into the image.
func ResolveAgentEnv(logger *slog.Logger) map[string]string {
	if logger == nil {
		logger = slog.Default()
	}
	env := make(map[string]string)

	if val := Get(keyringAPIKey); val != "" {
		env[agentKeyEnvVar] = val
		logger.Debug("agent API key loaded from OS keyring")
		return env
	}

	for _, name := range apiKeyEnvVars {
		if val := os.Getenv(name); val != "" {
			env[agentKeyEnvVar] = val
			logger.Debug("agent API key loaded from environment", "var", name)
			return env
		}
	}

	logger.Warn("no agent API key found in keyring or environment")
	return env
}
