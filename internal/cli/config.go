package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/happyhackingspace/deepel/internal/config"
)

const configHierarchy = `Configuration hierarchy (highest to lowest priority):
  1. Command flags
  2. Environment variables (DEEPEL_*, e.g. DEEPEL_TRAIN_BATCH_SIZE)
  3. Config file (--config, ./deepel.yaml or $HOME/.deepel/deepel.yaml)
  4. Defaults`

func (c *CLI) newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create configuration",
		Long:  "Manage deepel configuration.\n\n" + configHierarchy,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			if cfg.File != "" {
				fmt.Fprintf(os.Stderr, "Configuration file: %s\n\n", cfg.File)
			} else {
				fmt.Fprintf(os.Stderr, "No configuration file found (using defaults)\n\n")
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a YAML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "deepel.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := writeDefaultConfig(path, force); err != nil {
				return err
			}
			fmt.Printf("Created default configuration: %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(showCmd, initCmd)
	return configCmd
}

func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := "# deepel configuration\n#\n"
	for _, line := range strings.Split(configHierarchy, "\n") {
		header += "# " + line + "\n"
	}
	return os.WriteFile(path, append([]byte(header+"\n"), data...), 0644)
}
