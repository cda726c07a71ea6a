package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vault-cli/credvault/internal/config"
	"github.com/vault-cli/credvault/internal/util"
)

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or write the configuration",
		Long: `Show the effective configuration or write it to a file.

Settings are layered: built-in defaults, then the config file, then a
.env file next to the config file, then CREDVAULT_* environment
variables, then command-line flags.

Example:
  credvault config path
  credvault config show
  credvault --session-timeout 15 config write`,
	}
	cmd.AddCommand(a.newConfigPathCommand(), a.newConfigShowCommand(), a.newConfigWriteCommand())
	return cmd
}

func (a *app) configPath() string {
	if a.globals.cfgFile != "" {
		return a.globals.cfgFile
	}
	if f := a.cfg.File(); f != "" {
		return f
	}
	return config.DefaultPath()
}

func (a *app) newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeOutput(cmd.OutOrStdout(), "%s\n", a.configPath())
		},
	}
}

func (a *app) newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			return writeString(cmd.OutOrStdout(), string(data))
		},
	}
}

func (a *app) newConfigWriteCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write the effective configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return util.Errorf(util.ErrValidation, "%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(a.cfg, path); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), "✓ Configuration written to %s\n", path)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
