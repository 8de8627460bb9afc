// Package mounts – validate.go checks individual mount requests against
// the allowlist. Failing requests are dropped one by one; validation
// never aborts a container launch.
package mounts

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MountRequest is a mount as requested by the agent: a host path, a
// container-relative target, and the requested access mode.
type MountRequest struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readonly"`
}

// ResolvedMount is an accepted mount: the symlink-resolved host source,
// the validated container-relative target, and the effective access mode.
type ResolvedMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResolveContainerPath validates the container-side path of a request.
// The path must be non-empty after trimming, relative, and free of ".."
// segments. An empty path falls back to the basename of the host path.
// Returns the resolved relative path, or a denial reason.
func ResolveContainerPath(req MountRequest) (string, string) {
	target := strings.TrimSpace(req.ContainerPath)

	if target == "" {
		base := filepath.Base(strings.TrimSpace(req.HostPath))
		if base == "" || base == "." || base == "/" {
			return "", "container path is empty and host path has no usable basename"
		}
		return base, ""
	}

	if strings.HasPrefix(target, "/") {
		return "", fmt.Sprintf("container path %q must be relative, not absolute", target)
	}

	for _, seg := range strings.Split(filepath.ToSlash(target), "/") {
		if seg == ".." {
			return "", fmt.Sprintf("container path %q contains a '..' segment", target)
		}
	}

	return target, ""
}

// ValidateAdditionalMounts filters agent-requested mounts against the
// allowlist. Each request is resolved through symlinks, checked for
// blocked patterns and containment in an allowed root, and has its
// container path validated. Failing requests are dropped individually
// and logged at warning level; the accepted subset is returned.
//
// If the allowlist is unavailable, every request is denied.
func (l *Loader) ValidateAdditionalMounts(reqs []MountRequest, groupFolder string, isMain bool) []ResolvedMount {
	if len(reqs) == 0 {
		return nil
	}

	list := l.Load()
	if list == nil {
		l.logger.Warn("denying all additional mounts: allowlist unavailable",
			"group", groupFolder, "requested", len(reqs))
		return nil
	}

	var accepted []ResolvedMount
	for _, req := range reqs {
		resolved, reason := l.validateOne(list, req, isMain)
		if reason != "" {
			l.logger.Warn("mount request denied",
				"group", groupFolder,
				"host_path", req.HostPath,
				"container_path", req.ContainerPath,
				"reason", reason,
			)
			continue
		}
		accepted = append(accepted, resolved)
	}
	return accepted
}

func (l *Loader) validateOne(list *Allowlist, req MountRequest, isMain bool) (ResolvedMount, string) {
	host := strings.TrimSpace(req.HostPath)
	if host == "" {
		return ResolvedMount{}, "host path is empty"
	}

	// Follow symlinks so a link inside an allowed root cannot smuggle in
	// a target outside it. EvalSymlinks also fails for missing paths.
	real, err := evalSymlinks(host)
	if err != nil {
		return ResolvedMount{}, fmt.Sprintf("host path does not exist or cannot be resolved: %v", err)
	}

	lower := strings.ToLower(real)
	for _, pat := range list.BlockedPatterns {
		if pat == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pat)) {
			return ResolvedMount{}, fmt.Sprintf("host path matches blocked pattern %q", pat)
		}
	}

	root := l.matchRoot(list, real)
	if root == nil {
		return ResolvedMount{}, "host path is not inside any allowed root"
	}

	target, reason := ResolveContainerPath(req)
	if reason != "" {
		return ResolvedMount{}, reason
	}

	readonly := req.ReadOnly ||
		!root.AllowReadWrite ||
		(!isMain && list.NonMainReadOnly)

	return ResolvedMount{Source: real, Target: target, ReadOnly: readonly}, ""
}

// matchRoot finds the allowed root containing the resolved path, if any.
// Roots are themselves symlink-resolved so containment is compared on
// real paths only.
func (l *Loader) matchRoot(list *Allowlist, real string) *AllowedRoot {
	for i := range list.AllowedRoots {
		root := &list.AllowedRoots[i]
		realRoot, err := evalSymlinks(root.Path)
		if err != nil {
			continue
		}
		if real == realRoot || strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
			return root
		}
	}
	return nil
}

// evalSymlinks resolves path to its real absolute form.
func evalSymlinks(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
