package root

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/docker/chatlog/pkg/cli"
	"github.com/docker/chatlog/pkg/config"
)

func newConfigCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the chatlog configuration",
		Example: `  # Print the effective configuration
  chatlog config show

  # Always open finished transcripts
  chatlog config set auto_open true`,
		GroupID: "advanced",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, environment overrides included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShowCommand(cmd, root)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting in the config file",
		Long:  "Change a setting in the config file. Keys: " + strings.Join(config.Keys, ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSetCommand(cmd, root, args[0], args[1])
		},
	})

	return cmd
}

func runConfigShowCommand(cmd *cobra.Command, root *rootFlags) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigSetCommand(cmd *cobra.Command, root *rootFlags, key, value string) error {
	out := cli.NewPrinter(cmd.OutOrStdout())

	// The file alone, so that environment overrides are not persisted.
	cfg, err := config.ReadFile(root.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if err := cfg.Save(root.configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	out.PrintSuccess("%s set to %q in %s", key, value, cmp.Or(root.configPath, config.Path()))
	return nil
}
