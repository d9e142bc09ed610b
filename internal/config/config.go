/*
 *    Copyright 2025 blockarchitech
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
)

const (
	UserCookieName           = "elitescore_uid"
	InternalSyncSecretHeader = "x-internal-sync-secret"
	DefaultRefreshCooldown   = 60 * time.Second
)

// ProviderConfig holds the OAuth client settings of one learning provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// OAuth2Config builds the oauth2.Config that redirects back to redirectURL.
func (p ProviderConfig) OAuth2Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}
}

// Config holds the application configuration values.
type Config struct {
	Port                 string
	AppBaseURL           string
	IntegrationsPageURL  string
	CORSAllowedOrigins   string
	EncryptionPassphrase string
	InternalSyncSecret   string
	StorageType          string
	GCPProjectID         string
	DatabaseURL          string
	OtelExporterEndpoint string
	Version              string
	LogLevel             string
	SyncConcurrency      int
	RefreshCooldown      time.Duration
	UdemyBusiness        ProviderConfig
	Coursera             ProviderConfig
}

// CallbackURL is the redirect target registered with a provider.
func (c *Config) CallbackURL(provider string) string {
	return strings.TrimRight(c.AppBaseURL, "/") + "/api/integrations/" + provider + "/callback"
}

// LoadConfig loads configuration from environment variables, after an optional .env file.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		AppBaseURL:           getEnv("APP_BASE_URL", "http://localhost:8080"),
		IntegrationsPageURL:  getEnv("INTEGRATIONS_PAGE_URL", "http://localhost:3000/settings/integrations"),
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		EncryptionPassphrase: getEnv("INTEGRATIONS_ENCRYPTION_KEY", ""),
		InternalSyncSecret:   getEnv("INTERNAL_SYNC_SECRET", ""),
		StorageType:          getEnv("STORAGE_TYPE", "inmemory"),
		GCPProjectID:         getEnv("GCP_PROJECT_ID", ""),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		OtelExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", ""),
		Version:              getEnv("VERSION", "dev"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		UdemyBusiness: ProviderConfig{
			ClientID:     getEnv("UDEMY_BUSINESS_CLIENT_ID", "elitescore-dev"),
			ClientSecret: getEnv("UDEMY_BUSINESS_CLIENT_SECRET", ""),
			AuthURL:      getEnv("UDEMY_BUSINESS_AUTH_URL", "https://www.udemy.com/oauth2/authorize"),
			TokenURL:     getEnv("UDEMY_BUSINESS_TOKEN_URL", "https://www.udemy.com/oauth2/token"),
			Scopes:       []string{"courses:read", "progress:read"},
		},
		Coursera: ProviderConfig{
			ClientID:     getEnv("COURSERA_CLIENT_ID", "elitescore-dev"),
			ClientSecret: getEnv("COURSERA_CLIENT_SECRET", ""),
			AuthURL:      getEnv("COURSERA_AUTH_URL", "https://accounts.coursera.org/oauth2/v1/auth"),
			TokenURL:     getEnv("COURSERA_TOKEN_URL", "https://accounts.coursera.org/oauth2/v1/token"),
			Scopes:       []string{"view_profile", "access_business_api"},
		},
	}

	var err error
	if cfg.SyncConcurrency, err = getEnvInt("SYNC_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	if cfg.SyncConcurrency < 1 {
		return nil, fmt.Errorf("SYNC_CONCURRENCY must be at least 1, got %d", cfg.SyncConcurrency)
	}

	cooldownSeconds, err := getEnvInt("REFRESH_COOLDOWN_SECONDS", int(DefaultRefreshCooldown/time.Second))
	if err != nil {
		return nil, err
	}
	if cooldownSeconds < 1 {
		return nil, fmt.Errorf("REFRESH_COOLDOWN_SECONDS must be positive, got %d", cooldownSeconds)
	}
	cfg.RefreshCooldown = time.Duration(cooldownSeconds) * time.Second

	switch cfg.StorageType {
	case "inmemory":
	case "firestore":
		if cfg.GCPProjectID == "" {
			return nil, fmt.Errorf("STORAGE_TYPE is 'firestore' but GCP_PROJECT_ID is not set")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("STORAGE_TYPE is 'postgres' but DATABASE_URL is not set")
		}
	default:
		return nil, fmt.Errorf("invalid STORAGE_TYPE: %s", cfg.StorageType)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
