// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the meeting-sync-helper service.
type Config struct {
	// DatabaseURL is the Postgres connection string for the platform store.
	DatabaseURL string

	// Google Meet provider configuration.
	GmeetTokenEndpoint  string
	GmeetClientID       string
	GmeetClientSecret   string
	GmeetCalendarAPIURL string
	GmeetMeetAPIURL     string
	GmeetDriveAPIURL    string

	// Zoom provider configuration.
	ZoomTokenEndpoint string
	ZoomClientID      string
	ZoomClientSecret  string
	ZoomAPIBaseURL    string

	// SinkBaseURL is the internal endpoint that receives reconciled meeting
	// lists (POST {SinkBaseURL}/api/{platform}/setRetrievedMeetings).
	SinkBaseURL string

	// NATS configuration. NATSURL is optional; when empty the service is
	// triggered over HTTP only.
	NATSURL        string
	RunSubject     string
	SummarySubject string

	// MaxConcurrentAccounts bounds the batch fan-out across accounts.
	MaxConcurrentAccounts int

	// AuthFailureCooldown is how long an account is skipped after its token
	// refresh fails, before the batch tries it again.
	AuthFailureCooldown time.Duration

	// ProviderTimeout bounds every provider HTTP call.
	ProviderTimeout time.Duration

	// Server configuration
	Port string
	Bind string

	// Logging
	Debug bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		GmeetTokenEndpoint:    os.Getenv("GMEET_OAUTH_ENDPOINT"),
		GmeetClientID:         os.Getenv("GMEET_CLIENT_ID"),
		GmeetClientSecret:     os.Getenv("GMEET_CLIENT_SECRET"),
		GmeetCalendarAPIURL:   os.Getenv("GMEET_CALENDAR_API_URL"),
		GmeetMeetAPIURL:       os.Getenv("GMEET_MEET_API_URL"),
		GmeetDriveAPIURL:      os.Getenv("GMEET_DRIVE_API_URL"),
		ZoomTokenEndpoint:     os.Getenv("ZOOM_OAUTH_ENDPOINT"),
		ZoomClientID:          os.Getenv("ZOOM_CLIENT_ID"),
		ZoomClientSecret:      os.Getenv("ZOOM_CLIENT_SECRET"),
		ZoomAPIBaseURL:        os.Getenv("ZOOM_API_BASE_URL"),
		SinkBaseURL:           os.Getenv("SINK_BASE_URL"),
		NATSURL:               os.Getenv("NATS_URL"),
		RunSubject:            os.Getenv("RUN_SUBJECT"),
		SummarySubject:        os.Getenv("SUMMARY_SUBJECT"),
		MaxConcurrentAccounts: parseIntEnv("MAX_CONCURRENT_ACCOUNTS", 8),
		AuthFailureCooldown:   time.Duration(parseIntEnv("AUTH_FAILURE_COOLDOWN_MIN", 15)) * time.Minute,
		ProviderTimeout:       time.Duration(parseIntEnv("PROVIDER_TIMEOUT_SEC", 30)) * time.Second,
		Port:                  os.Getenv("PORT"),
		Bind:                  os.Getenv("BIND"),
		Debug:                 parseBooleanEnv("DEBUG"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.SinkBaseURL == "" {
		return nil, fmt.Errorf("SINK_BASE_URL environment variable is required")
	}
	cfg.SinkBaseURL = strings.TrimSuffix(cfg.SinkBaseURL, "/")

	if cfg.GmeetTokenEndpoint == "" {
		cfg.GmeetTokenEndpoint = "https://oauth2.googleapis.com/token"
	}
	if cfg.GmeetCalendarAPIURL == "" {
		cfg.GmeetCalendarAPIURL = "https://www.googleapis.com/calendar/v3"
	}
	if cfg.GmeetMeetAPIURL == "" {
		cfg.GmeetMeetAPIURL = "https://meet.googleapis.com/v2"
	}
	if cfg.GmeetDriveAPIURL == "" {
		cfg.GmeetDriveAPIURL = "https://www.googleapis.com/drive/v3"
	}
	if cfg.ZoomTokenEndpoint == "" {
		cfg.ZoomTokenEndpoint = "https://zoom.us/oauth/token"
	}
	if cfg.ZoomAPIBaseURL == "" {
		cfg.ZoomAPIBaseURL = "https://api.zoom.us/v2"
	}
	if cfg.RunSubject == "" {
		cfg.RunSubject = "meeting-sync.run"
	}
	if cfg.SummarySubject == "" {
		cfg.SummarySubject = "meeting-sync.summary"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Bind == "" {
		cfg.Bind = "*"
	}

	return cfg, nil
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
}

// parseIntEnv parses an integer environment variable with a default value.
func parseIntEnv(envVar string, defaultVal int) int {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
