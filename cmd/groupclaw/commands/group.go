package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/container"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

// newGroupCmd creates the `groupclaw group` command group. This is the
// bootstrap path: the very first group (the main one) can only come from
// the operator, since agent-driven registration requires an already
// existing main group.
func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage registered groups",
	}

	addCmd := &cobra.Command{
		Use:   "add <chat-id> <folder>",
		Short: "Register a group",
		Long: `Register a chat group with the daemon. The folder names the
group workspace under the groups directory.

Examples:
  groupclaw group add 123456789@g.us main --main
  groupclaw group add 987654321@g.us family --requires-trigger`,
		Args: cobra.ExactArgs(2),
		RunE: runGroupAdd,
	}
	addCmd.Flags().Bool("main", false, "grant main-group privileges")
	addCmd.Flags().Bool("requires-trigger", false, "only react to messages carrying the trigger word")
	addCmd.Flags().StringSlice("admin", nil, "platform user ids with admin rights in this group")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE:  runGroupList,
	}

	cmd.AddCommand(addCmd, listCmd)
	return cmd
}

func runGroupAdd(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	isMain, _ := cmd.Flags().GetBool("main")
	requiresTrigger, _ := cmd.Flags().GetBool("requires-trigger")
	admins, _ := cmd.Flags().GetStringSlice("admin")

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("preparing data dir: %w", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	group := &store.Group{
		ID:              args[0],
		Folder:          args[1],
		IsMain:          isMain,
		RequiresTrigger: requiresTrigger,
		AdminUsers:      admins,
	}
	if err := st.UpsertGroup(group); err != nil {
		return fmt.Errorf("registering group: %w", err)
	}

	// Pre-create the workspace control directories so the watcher picks
	// the group up on its next scan.
	controlDir := filepath.Join(cfg.GroupsDir(), group.Folder, container.ControlSubdir)
	for _, sub := range []string{"messages", "tasks"} {
		if err := os.MkdirAll(filepath.Join(controlDir, sub), 0o755); err != nil {
			return fmt.Errorf("creating control dir: %w", err)
		}
	}

	role := "group"
	if group.IsMain {
		role = "main group"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s %s (folder %q)\n", role, group.ID, group.Folder)
	return nil
}

func runGroupList(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	groups, err := st.ListGroups()
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No groups registered.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tCHAT ID\tMAIN\tTRIGGER\tADMINS")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%d\n",
			g.Folder, g.ID, g.IsMain, g.RequiresTrigger, len(g.AdminUsers))
	}
	return w.Flush()
}
