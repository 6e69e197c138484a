// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const configName = "webui-installer"

// DefaultConfig returns the default configuration.
func DefaultConfig() map[string]any {
	return map[string]any{
		"manifest":           "",
		"scratch":            "",
		"progress-file":      "install_progress.json",
		"retries":            10,
		"retry-interval":     "3s",
		"retry-max-interval": "",
		"timeout":            "30m",
		"verify":             "none",
		"no-reverify":        false,
	}
}

// defaultConfigPath returns the first existing config file in
// ~/.config, or "" when there is none.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	// Try JSON first, then YAML
	for _, ext := range []string{".json", ".jsonc", ".yaml", ".yml"} {
		p := filepath.Join(home, ".config", configName+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadConfigFile reads path, or the default config file when path is
// empty. A missing default file yields an empty map.
func loadConfigFile(path string) (map[string]any, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg := map[string]any{}
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Parse based on file extension
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML config file: %w", err)
		}
	default: // .json, .jsonc or unknown
		if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON config file: %w", err)
		}
	}
	return cfg, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		useYAML bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Long: `Creates a default configuration file at ~/.config/webui-installer.json (or .yaml)

The configuration file sets default values for the installer flags.
CLI flags always override config file values; config file values override
WEBUI_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("could not find home directory: %w", err)
			}

			configDir := filepath.Join(home, ".config")
			ext := ".json"
			if useYAML {
				ext = ".yaml"
			}
			configPath := filepath.Join(configDir, configName+ext)

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
			}
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			cfg := DefaultConfig()
			var data []byte
			if useYAML {
				data, err = yaml.Marshal(cfg)
			} else {
				data, err = json.MarshalIndent(cfg, "", "  ")
			}
			if err != nil {
				return err
			}

			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("could not write config file: %w", err)
			}

			fmt.Printf("✓ Created config file: %s\n", configPath)
			fmt.Println()
			fmt.Println("Edit this file to set your defaults. For example:")
			fmt.Println("  - Point scratch at a drive with room for pip caches")
			fmt.Println("  - Use your own manifest")
			fmt.Println("  - Adjust retry settings for a flaky connection")

			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing config file")
	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Create YAML config instead of JSON")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := defaultConfigPath()
			if configPath == "" {
				home, _ := os.UserHomeDir()
				fmt.Println("No config file found.")
				fmt.Printf("Run 'webui-installer config init' to create one at:\n  %s\n",
					filepath.Join(home, ".config", configName+".json"))
				return nil
			}

			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("Config file: %s\n\n", configPath)
			fmt.Println(string(data))

			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			if p := defaultConfigPath(); p != "" {
				fmt.Println(p)
				return
			}
			home, _ := os.UserHomeDir()
			fmt.Println(filepath.Join(home, ".config", configName+".json"))
		},
	}
}
