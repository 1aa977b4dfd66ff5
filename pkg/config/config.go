// Package config loads and validates the migration configuration. Values
// come from, in increasing priority: built in defaults, a YAML file and
// MIGRATE_* environment variables (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. MIGRATE_SOURCE_TOKEN.
const EnvPrefix = "MIGRATE"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults returns the configuration used for anything not set elsewhere.
func Defaults() models.Config {
	return models.Config{
		LogLevel: "info",
		Timeout:  30 * time.Second,
		Source: models.Source{
			Driver:   models.DriverVaultKV,
			Scheme:   "https",
			Port:     "8200",
			Metadata: "metadata",
		},
		Destination: models.Destination{
			APIPath:        "/v1/teams/{team}",
			TokenEndpoint:  "/service_token",
			JWKSEndpoint:   "/vault/jwks.json",
			SecretEndpoint: "/secrets",
			FolderEndpoint: "/secret_folders",
			Description:    "Migrated from HashiCorp Vault",
		},
		Retry: models.Retry{
			Max:     3,
			WaitMin: time.Second,
			WaitMax: 10 * time.Second,
		},
		Metrics: models.Metrics{
			Job: "vault-migrate",
		},
	}
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. A missing file is allowed so that a run can be
// configured from the environment alone.
func Load(path string) (models.Config, error) {
	cfg := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
				return cfg, fmt.Errorf("%w: parsing %s: %w", ErrInvalidConfig, path, err)
			}
		case os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: environment: %w", ErrInvalidConfig, err)
	}

	normalize(&cfg)

	return cfg, Validate(cfg)
}

func normalize(cfg *models.Config) {
	for i, e := range cfg.Source.Engines {
		cfg.Source.Engines[i] = strings.Trim(strings.TrimSpace(e), "/")
	}
	cfg.Source.Metadata = strings.Trim(strings.TrimSpace(cfg.Source.Metadata), "/")
	cfg.Source.Driver = strings.ToLower(strings.TrimSpace(cfg.Source.Driver))
	cfg.Destination.Host = strings.TrimRight(strings.TrimSpace(cfg.Destination.Host), "/")
}

// Validate checks everything a run needs before it talks to either vault.
func Validate(cfg models.Config) error {
	var problems []string

	s := cfg.Source
	if len(s.Engines) == 0 {
		problems = append(problems, "source.engines must not be empty")
	}
	for i, e := range s.Engines {
		if e == "" {
			problems = append(problems, fmt.Sprintf("source.engines[%d] is blank", i))
		}
	}
	if s.Host == "" {
		problems = append(problems, "source.host is required")
	}
	if s.Token == "" {
		problems = append(problems, "source.token is required")
	}
	if s.Metadata == "" {
		problems = append(problems, "source.metadata is required")
	}
	if s.Scheme != "http" && s.Scheme != "https" {
		problems = append(problems, fmt.Sprintf("source.scheme %q must be http or https", s.Scheme))
	}
	if s.Driver != models.DriverVaultKV && s.Driver != models.DriverVaultAPI {
		problems = append(problems, fmt.Sprintf("source.driver %q is not supported", s.Driver))
	}

	d := cfg.Destination
	for _, f := range []struct{ name, value string }{
		{"destination.host", d.Host},
		{"destination.client_id", d.ClientID},
		{"destination.client_secret", d.ClientSecret},
		{"destination.resource_group_id", d.ResourceGroupID},
		{"destination.project_id", d.ProjectID},
		{"destination.parent_folder_id", d.ParentFolderID},
	} {
		if f.value == "" {
			problems = append(problems, f.name+" is required")
		}
	}
	if strings.Contains(d.APIPath, "{team}") && d.Team == "" {
		problems = append(problems, "destination.team is required by destination.api_path")
	}
	if d.Host != "" {
		if _, err := BuildEndpoints(d); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil || cfg.LogLevel == "" {
		problems = append(problems, fmt.Sprintf("log_level %q is not a level", cfg.LogLevel))
	}
	if cfg.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if cfg.Retry.Max < 0 {
		problems = append(problems, "retry.max must not be negative")
	}
	if cfg.Retry.WaitMax < cfg.Retry.WaitMin {
		problems = append(problems, "retry.wait_max must not be less than retry.wait_min")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Endpoints are the absolute URLs of the four destination calls.
type Endpoints struct {
	Token  string
	JWKS   string
	Secret string
	Folder string
}

// BuildEndpoints composes host, API path and endpoint fragments into
// absolute URLs. Secret and folder endpoints live under the configured
// resource group and project.
func BuildEndpoints(d models.Destination) (Endpoints, error) {
	base := d.Host + strings.ReplaceAll(d.APIPath, "{team}", url.PathEscape(d.Team))
	project := fmt.Sprintf("/resource_groups/%s/projects/%s",
		url.PathEscape(d.ResourceGroupID), url.PathEscape(d.ProjectID))

	e := Endpoints{
		Token:  base + d.TokenEndpoint,
		JWKS:   base + d.JWKSEndpoint,
		Secret: base + project + d.SecretEndpoint,
		Folder: base + project + d.FolderEndpoint,
	}

	for name, raw := range map[string]string{
		"token_endpoint":  e.Token,
		"jwks_endpoint":   e.JWKS,
		"secret_endpoint": e.Secret,
		"folder_endpoint": e.Folder,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return e, fmt.Errorf("destination.%s does not compose into a valid URL: %w", name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return e, fmt.Errorf("destination.%s does not compose into an absolute URL: %q", name, raw)
		}
	}

	return e, nil
}
