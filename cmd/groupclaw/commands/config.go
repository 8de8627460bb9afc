package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/secrets"
)

// newConfigCmd creates the `groupclaw config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and credentials",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set-key",
			Short: "Store the agent API key in the OS keyring",
			Long: `Store the agent API key in the operating system keyring so it
never sits in a config file. The key is piped to agent containers over
stdin at spawn time.`,
			RunE: runSetKey,
		},
		&cobra.Command{
			Use:   "delete-key",
			Short: "Remove the agent API key from the OS keyring",
			RunE: func(*cobra.Command, []string) error {
				return secrets.DeleteAPIKey()
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE:  runConfigShow,
		},
	)
	return cmd
}

func runSetKey(cmd *cobra.Command, _ []string) error {
	if !secrets.Available() {
		return fmt.Errorf("no OS keyring available")
	}

	fmt.Fprint(cmd.OutOrStdout(), "API key: ")
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return fmt.Errorf("empty key")
	}

	if err := secrets.StoreAPIKey(key); err != nil {
		return fmt.Errorf("storing key: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "API key stored in OS keyring.")
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
