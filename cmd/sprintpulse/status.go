package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	sprintpulse "github.com/sprintpulse/sprintpulse-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and project status",
	Long:  "Display the effective configuration, the stream endpoints it resolves to, and the live summary of the default project.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		tenant := sprintpulse.ResolveTenant(s.Tenant, hostOfURL(s.BaseURL))

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", s.BaseURL)
		fmt.Printf("  Tenant:      %s\n", tenant)
		fmt.Printf("  Direct port: %d\n", s.DirectPort)
		fmt.Printf("  Project:     %s\n", valueOrDefault(s.Project, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Token:       %s\n", tokenStatus(s))

		fmt.Println()
		fmt.Println("Streams:")
		if ep, err := sprintpulse.TelemetryEndpoint(s.BaseURL, tenant, s.Project, s.DirectPort); err == nil {
			fmt.Printf("  Dashboard:     %s\n", ep.Primary)
			if ep.HasFallback() {
				fmt.Printf("  Fallback:      %s\n", ep.Fallback)
			}
		} else {
			fmt.Printf("  Dashboard:     invalid (%v)\n", err)
		}
		if ep, err := sprintpulse.NotificationEndpoint(s.BaseURL, tenant); err == nil {
			fmt.Printf("  Notifications: %s\n", ep.Primary)
		}

		if s.Token == "" || s.Project == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := sprintpulse.NewClient(sprintpulse.StaticSession{AccessToken: s.Token, TenantID: s.Tenant},
			sprintpulse.WithBaseURL(s.BaseURL))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		summary, err := client.Summary(ctx, s.Project)
		if err != nil {
			fmt.Printf("  Error fetching summary: %v\n", err)
			return nil
		}
		printSummary(summary, "  ")
		return nil
	},
}

func tokenStatus(s settings) string {
	if s.Token == "" {
		return "none"
	}
	masked := maskToken(s.Token)
	if s.TokenExpires == "" {
		return masked + " (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, s.TokenExpires)
	if err != nil {
		return fmt.Sprintf("%s (unparseable expiry: %s)", masked, s.TokenExpires)
	}
	if time.Now().Before(expires) {
		return fmt.Sprintf("%s (valid, expires %s)", masked, expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s (EXPIRED %s)", masked, expires.Format(time.RFC3339))
}
