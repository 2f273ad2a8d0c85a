// Package config loads the AgentSet process configuration from the
// environment. Collaborator URLs are host:port; callers add schemes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultHost               = "0.0.0.0"
	DefaultPort               = "9001"
	DefaultMaxAgents          = 250
	DefaultCheckpointInterval = 15 * time.Minute
	DefaultHealthInterval     = 60 * time.Second
	DefaultSweepInterval      = 60 * time.Second
	DefaultDelegationTimeout  = 60 * time.Second
)

// Config holds everything the process needs to start.
type Config struct {
	Host string
	Port string

	PostOfficeURL      string
	BrainURL           string
	CapabilitiesURL    string
	LibrarianURL       string
	TrafficManagerURL  string
	MissionControlURL  string
	SecurityManagerURL string
	RabbitMQURL        string

	ClientSecret string

	MaxAgents          int
	CheckpointInterval time.Duration
	HealthInterval     time.Duration
	SweepInterval      time.Duration
	DelegationTimeout  time.Duration
}

// LoadFromEnv builds a Config from the environment, applying defaults.
// It fails only on malformed numeric overrides; missing collaborator URLs are
// tolerated so components can run degraded in tests and local setups.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Host:               getEnv("HOST", DefaultHost),
		Port:               getEnv("PORT", DefaultPort),
		PostOfficeURL:      os.Getenv("POSTOFFICE_URL"),
		BrainURL:           os.Getenv("BRAIN_URL"),
		CapabilitiesURL:    os.Getenv("CAPABILITIESMANAGER_URL"),
		LibrarianURL:       os.Getenv("LIBRARIAN_URL"),
		TrafficManagerURL:  os.Getenv("TRAFFIC_MANAGER_URL"),
		MissionControlURL:  os.Getenv("MISSIONCONTROL_URL"),
		SecurityManagerURL: os.Getenv("SECURITYMANAGER_URL"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		ClientSecret:       os.Getenv("CLIENT_SECRET"),
		MaxAgents:          DefaultMaxAgents,
		CheckpointInterval: DefaultCheckpointInterval,
		HealthInterval:     DefaultHealthInterval,
		SweepInterval:      DefaultSweepInterval,
		DelegationTimeout:  DefaultDelegationTimeout,
	}

	if v := os.Getenv("MAX_AGENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_AGENTS %q", v)
		}
		cfg.MaxAgents = n
	}
	if v := os.Getenv("CHECKPOINT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid CHECKPOINT_INTERVAL %q", v)
		}
		cfg.CheckpointInterval = d
	}

	return cfg, nil
}

// URL returns the AgentSet's own externally reachable host:port.
func (c *Config) URL() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
