package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	sprintpulse "github.com/sprintpulse/sprintpulse-go"
)

// envOverrides are read after the config file and win over it.
type envOverrides struct {
	BaseURL    string `env:"SPRINTPULSE_BASE_URL"`
	Token      string `env:"SPRINTPULSE_TOKEN"`
	Tenant     string `env:"SPRINTPULSE_TENANT"`
	Project    string `env:"SPRINTPULSE_PROJECT"`
	DirectPort int    `env:"SPRINTPULSE_DIRECT_PORT"`
}

// settings is the effective configuration for one command run.
type settings struct {
	BaseURL      string
	Token        string
	TokenExpires string
	Tenant       string
	Project      string
	DirectPort   int
}

// loadDotEnv loads ./.env into the process environment if present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
		}
		return
	}
	slog.Debug("Loaded environment from .env")
}

func parseEnvOverrides() (envOverrides, error) {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return envOverrides{}, fmt.Errorf("parse env: %w", err)
	}
	return ov, nil
}

// mergeSettings layers env overrides on top of the file config.
func mergeSettings(cfg *Config, ov envOverrides) settings {
	s := settings{
		BaseURL:      valueOrDefault(cfg.Default.BaseURL, sprintpulse.DefaultBaseURL),
		Token:        cfg.Auth.Token,
		TokenExpires: cfg.Auth.TokenExpires,
		Tenant:       cfg.Default.Tenant,
		Project:      cfg.Default.Project,
		DirectPort:   cfg.Default.DirectPort,
	}
	if ov.BaseURL != "" {
		s.BaseURL = ov.BaseURL
	}
	if ov.Token != "" {
		s.Token = ov.Token
		s.TokenExpires = ""
	}
	if ov.Tenant != "" {
		s.Tenant = ov.Tenant
	}
	if ov.Project != "" {
		s.Project = ov.Project
	}
	if ov.DirectPort != 0 {
		s.DirectPort = ov.DirectPort
	}
	if s.DirectPort == 0 {
		s.DirectPort = sprintpulse.DefaultDirectPort
	}
	return s
}

// loadSettingsFrom reads the config file at path and applies the environment.
func loadSettingsFrom(path string) (settings, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return settings{}, err
	}
	ov, err := parseEnvOverrides()
	if err != nil {
		return settings{}, err
	}
	return mergeSettings(cfg, ov), nil
}

func loadSettings() (settings, error) {
	loadDotEnv()
	path, err := configPath()
	if err != nil {
		return settings{}, err
	}
	return loadSettingsFrom(path)
}

// getClient creates a SprintPulse client authenticated with the configured
// token. The returned store can be updated in place when the token changes.
func getClient() (*sprintpulse.Client, *sprintpulse.SessionStore, settings, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	if s.Token == "" {
		return nil, nil, settings{}, errors.New("no auth token. Run 'sprintpulse init <token>' or set SPRINTPULSE_TOKEN")
	}
	session := sprintpulse.NewSessionStore(s.Token, s.Tenant)
	client := sprintpulse.NewClient(session,
		sprintpulse.WithBaseURL(s.BaseURL),
		sprintpulse.WithLogger(slog.Default()),
	)
	return client, session, s, nil
}

// projectFrom returns the project argument, falling back to the configured default.
func projectFrom(args []string, s settings) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if s.Project != "" {
		return s.Project, nil
	}
	return "", errors.New("no project given. Pass one or run 'sprintpulse config set default.project <id>'")
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
