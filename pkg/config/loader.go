package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

const (
	// DefaultFileName is read when no configuration file is named.
	DefaultFileName = "wsdeploy.yaml"

	// EnvPrefix prefixes every wsdeploy environment variable.
	EnvPrefix = "WSDEPLOY_"
)

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Repository: RepositoryConfig{Root: "."},
		Platform: PlatformConfig{
			RequestsPerSecond: 10,
			Burst:             5,
			Timeout:           2 * time.Minute,
		},
		Retry:      engine.DefaultRetryPolicy(),
		Poll:       engine.DefaultPollPolicy(),
		Resolver:   engine.DefaultResolverOptions(),
		Reconciler: engine.DefaultReconcilerOptions(),
		Policy: PolicyConfig{
			Enabled:      true,
			Mode:         "enforcing",
			MaxDeletions: -1,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
			Metrics: MetricsConfig{
				ListenAddress: ":9090",
				Path:          "/metrics",
				Namespace:     "wsdeploy",
			},
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
			},
		},
	}
}

// Load reads path (or DefaultFileName when path is empty and the file
// exists), applies the process environment and the deployment profile,
// and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("failed to parse %s", path), err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.applyProfile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envBinding maps environment variables onto a configuration field. The
// first variable that is set wins.
type envBinding struct {
	keys []string
	set  func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

var envBindings = []envBinding{
	{[]string{EnvPrefix + "WORKSPACE_NAME", "workspaceName"}, str(func(c *Config) *string { return &c.Workspace.Name })},
	{[]string{EnvPrefix + "CAPACITY_ID"}, str(func(c *Config) *string { return &c.Workspace.CapacityID })},
	{[]string{EnvPrefix + "REPOSITORY_ROOT", "artifact_path"}, str(func(c *Config) *string { return &c.Repository.Root })},
	{[]string{EnvPrefix + "TARGET_FOLDER"}, str(func(c *Config) *string { return &c.Repository.TargetFolder })},
	{[]string{EnvPrefix + "BASE_URL"}, str(func(c *Config) *string { return &c.Platform.BaseURL })},
	{[]string{EnvPrefix + "TENANT_ID", "tenant_id"}, str(func(c *Config) *string { return &c.Platform.TenantID })},
	{[]string{EnvPrefix + "CLIENT_ID", "client_id"}, str(func(c *Config) *string { return &c.Platform.ClientID })},
	{[]string{EnvPrefix + "CLIENT_SECRET", "client_secret"}, str(func(c *Config) *string { return &c.Platform.ClientSecret })},
	{[]string{EnvPrefix + "TOKEN"}, str(func(c *Config) *string { return &c.Platform.Token })},
	{[]string{EnvPrefix + "PROFILE_PATH"}, str(func(c *Config) *string { return &c.Profile.Path })},
	{[]string{EnvPrefix + "DEPLOYMENT_ENV", "deployment_env"}, str(func(c *Config) *string { return &c.Profile.DeploymentEnv })},
	{[]string{EnvPrefix + "ENVIRONMENT_TYPE", "environment_type"}, str(func(c *Config) *string { return &c.Profile.EnvironmentType })},
	{[]string{EnvPrefix + "TRANSFORMATION_LAYER"}, str(func(c *Config) *string { return &c.Profile.TransformationLayer })},
	{[]string{EnvPrefix + "PRINCIPALS"}, str(func(c *Config) *string { return &c.Access.Principals })},
	{[]string{EnvPrefix + "BUILD_NUMBER", "build_number"}, str(func(c *Config) *string { return &c.BuildNumber })},
	{[]string{EnvPrefix + "LEDGER_PATH"}, str(func(c *Config) *string { return &c.Ledger.Path })},
	{[]string{EnvPrefix + "LOG_LEVEL", "LOG_LEVEL"}, func(c *Config, v string) error {
		c.Telemetry.LogLevel = strings.ToLower(v)
		return nil
	}},
	{[]string{EnvPrefix + "LOOKUP_MODE"}, func(c *Config, v string) error {
		mode, err := engine.ParseLookupMode(v)
		if err != nil {
			return err
		}
		c.Reconciler.LookupMode = mode
		return nil
	}},
	{[]string{EnvPrefix + "PARALLELISM"}, func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parallelism: %w", err)
		}
		c.Reconciler.Parallelism = n
		return nil
	}},
	{[]string{EnvPrefix + "MAX_DELETIONS"}, func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("max deletions: %w", err)
		}
		c.Policy.MaxDeletions = n
		return nil
	}},
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	for _, b := range envBindings {
		for _, key := range b.keys {
			v, ok := lookup(key)
			if !ok || strings.TrimSpace(v) == "" {
				continue
			}
			if err := b.set(c, strings.TrimSpace(v)); err != nil {
				return engine.NewValidationError("invalid environment variable "+key, err)
			}
			break
		}
	}
	return nil
}

// applyProfile fills the workspace, capacity, principals and target folder
// from the selected deployment profile. Values already set take precedence.
func (c *Config) applyProfile() error {
	if c.Profile.Path == "" {
		return nil
	}
	profiles, err := LoadProfiles(c.Profile.Path)
	if err != nil {
		return err
	}
	p, err := SelectProfile(profiles, c.Profile)
	if err != nil {
		return err
	}
	if c.Workspace.Name == "" {
		c.Workspace.Name = p.WorkspaceName
	}
	if c.Workspace.CapacityID == "" {
		c.Workspace.CapacityID = p.CapacityID
	}
	if c.Access.Principals == "" {
		c.Access.Principals = p.Principals
	}
	if c.Repository.TargetFolder == "" {
		c.Repository.TargetFolder = p.TargetFolder()
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags and the engine policies.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return engine.NewValidationError("invalid configuration", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Poll.Validate(); err != nil {
		return err
	}
	if c.Reconciler.Parallelism < 1 {
		return engine.NewValidationError("reconciler parallelism must be at least 1", nil)
	}
	if c.Reconciler.DeleteBatchSize < 1 {
		return engine.NewValidationError("delete batch size must be at least 1", nil)
	}
	if _, err := engine.ParseLookupMode(string(c.Reconciler.LookupMode)); err != nil {
		return err
	}
	return nil
}

// Principals parses the configured membership.
func (c *Config) Principals() ([]engine.Principal, error) {
	return engine.ParsePrincipals(c.Access.Principals)
}
