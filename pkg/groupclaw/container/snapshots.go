// Package container – snapshots.go writes the task and group snapshots
// the agent reads instead of touching the persistent store. The caller
// filters them to the requesting group's privilege level before launch.
package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

// Snapshot filenames inside the group workspace.
const (
	snapshotDir    = ".groupclaw"
	tasksSnapshot  = "tasks.json"
	groupsSnapshot = "groups.json"
)

// GroupSummary is the group listing entry exposed to agents. Non-main
// groups get a restricted view: only their own entry, without chat ids.
type GroupSummary struct {
	ID     string `json:"id,omitempty"`
	Folder string `json:"folder"`
	IsMain bool   `json:"isMain"`
}

// Snapshots holds the pre-filtered state written into the workspace.
type Snapshots struct {
	Tasks  []*store.Task
	Groups []GroupSummary
}

// writeSnapshots persists both snapshot files under the workspace.
// Files are written in place; the workspace is not watched, so the
// atomic-rename discipline of the control protocol is not needed here.
func writeSnapshots(groupDir string, snaps Snapshots) error {
	dir := filepath.Join(groupDir, snapshotDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if snaps.Tasks == nil {
		snaps.Tasks = []*store.Task{}
	}
	if snaps.Groups == nil {
		snaps.Groups = []GroupSummary{}
	}

	if err := writeJSON(filepath.Join(dir, tasksSnapshot), snaps.Tasks); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, groupsSnapshot), snaps.Groups)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
