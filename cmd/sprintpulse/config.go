package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	sprintpulse "github.com/sprintpulse/sprintpulse-go"
)

var (
	showRaw    bool
	showReveal bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().BoolVar(&showRaw, "raw", false, "print the config file as stored, without environment overrides")
	configShowCmd.Flags().BoolVar(&showReveal, "reveal", false, "print the auth token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit CLI settings",
	Long: "Inspect and edit the settings the dashboard and notification streams connect with.\n" +
		"Values come from the config file and are overridden by SPRINTPULSE_* environment variables (or ./.env).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long: "Print the settings a command would run with: the config file merged with SPRINTPULSE_* overrides\n" +
		"and built-in defaults. The auth token is masked unless --reveal is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if showRaw {
			return showConfigFile(cmd.OutOrStdout(), path)
		}
		loadDotEnv()
		return showEffectiveConfig(cmd.OutOrStdout(), path, showReveal)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the config file",
	Long:  "Set a value in the config file using section.field keys.\nExample: sprintpulse config set default.project 42",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		return updateConfigFile(cmd.OutOrStdout(), path, args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a value in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		return updateConfigFile(cmd.OutOrStdout(), path, args[0], "")
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// effectiveConfig renders merged settings back into the file layout.
func effectiveConfig(s settings, reveal bool) *Config {
	token := s.Token
	if !reveal && token != "" {
		token = maskToken(token)
	}
	return &Config{
		Default: ConfigDefault{
			BaseURL:    s.BaseURL,
			Tenant:     valueOrDefault(s.Tenant, sprintpulse.DefaultTenant),
			DirectPort: s.DirectPort,
			Project:    s.Project,
		},
		Auth: ConfigAuth{Token: token, TokenExpires: s.TokenExpires},
	}
}

// envSources lists the environment variables that override the file.
func envSources(ov envOverrides) []string {
	var names []string
	if ov.BaseURL != "" {
		names = append(names, "SPRINTPULSE_BASE_URL")
	}
	if ov.Token != "" {
		names = append(names, "SPRINTPULSE_TOKEN")
	}
	if ov.Tenant != "" {
		names = append(names, "SPRINTPULSE_TENANT")
	}
	if ov.Project != "" {
		names = append(names, "SPRINTPULSE_PROJECT")
	}
	if ov.DirectPort != 0 {
		names = append(names, "SPRINTPULSE_DIRECT_PORT")
	}
	sort.Strings(names)
	return names
}

func showEffectiveConfig(w io.Writer, path string, reveal bool) error {
	cfg, err := readConfig(path)
	if err != nil {
		return err
	}
	ov, err := parseEnvOverrides()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(effectiveConfig(mergeSettings(cfg, ov), reveal))
	if err != nil {
		return fmt.Errorf("cannot render config: %w", err)
	}

	fmt.Fprintf(w, "# file: %s\n", path)
	for _, name := range envSources(ov) {
		fmt.Fprintf(w, "# overridden by %s\n", name)
	}
	_, err = w.Write(data)
	return err
}

func showConfigFile(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(w, "No configuration file found. Run 'sprintpulse init <token>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// updateConfigFile sets key in the file at path. An empty value clears it.
func updateConfigFile(w io.Writer, path, key, value string) error {
	cfg, err := readConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := writeConfig(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	switch {
	case value == "":
		fmt.Fprintf(w, "Cleared %s\n", key)
	case key == "auth.token":
		fmt.Fprintf(w, "Set %s = %s\n", key, maskToken(value))
	default:
		fmt.Fprintf(w, "Set %s = %s\n", key, value)
	}
	return nil
}
