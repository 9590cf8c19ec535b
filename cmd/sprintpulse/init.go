package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initTenant  string
	initProject string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Dashboard origin, e.g. https://acme.sprintpulse.io")
	initCmd.Flags().StringVar(&initTenant, "tenant", "", "Tenant identifier (derived from the host when empty)")
	initCmd.Flags().StringVar(&initProject, "project", "", "Default project id")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the auth token in ~/.sprintpulse/config.toml",
	Long:  "Initialize the SprintPulse CLI by storing your auth token and connection defaults in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initTenant != "" {
			cfg.Default.Tenant = initTenant
		}
		if initProject != "" {
			cfg.Default.Project = initProject
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
