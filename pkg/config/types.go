package config

import (
	"time"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// Config is the complete wsdeploy configuration, read from wsdeploy.yaml and
// overridden from the environment.
type Config struct {
	// Workspace names the deployment target.
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Repository locates the artifact folders.
	Repository RepositoryConfig `yaml:"repository"`

	// Platform configures the REST client and its credentials.
	Platform PlatformConfig `yaml:"platform"`

	// Profile selects a row of the deployment profile CSV. When Path is set
	// the row supplies workspace name, capacity and principals.
	Profile ProfileSelector `yaml:"profile"`

	// Access holds the desired workspace membership.
	Access AccessConfig `yaml:"access"`

	// Environment, when set, is published and made the workspace default.
	Environment *engine.EnvironmentSettings `yaml:"environment,omitempty"`

	Retry      engine.RetryPolicy       `yaml:"retry"`
	Poll       engine.PollPolicy        `yaml:"poll"`
	Resolver   engine.ResolverOptions   `yaml:"resolver"`
	Reconciler engine.ReconcilerOptions `yaml:"reconciler"`

	// Policy configures the plan guard.
	Policy PolicyConfig `yaml:"policy"`

	// Ledger configures run persistence.
	Ledger LedgerConfig `yaml:"ledger"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// BuildNumber tags the run, usually with the CI build id.
	BuildNumber string `yaml:"build_number,omitempty"`
}

// WorkspaceConfig names the target workspace.
type WorkspaceConfig struct {
	Name       string `yaml:"name" validate:"required,max=256"`
	CapacityID string `yaml:"capacity_id,omitempty"`
}

// RepositoryConfig locates the artifact folders.
type RepositoryConfig struct {
	// Root is the repository checkout.
	Root string `yaml:"root" validate:"required"`

	// TargetFolder is the folder below Root holding the artifact folders.
	TargetFolder string `yaml:"target_folder,omitempty"`
}

// PlatformConfig configures the REST client.
type PlatformConfig struct {
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	TenantID     string `yaml:"tenant_id,omitempty" validate:"required_without=Token"`
	ClientID     string `yaml:"client_id,omitempty" validate:"required_without=Token"`
	ClientSecret string `yaml:"client_secret,omitempty" validate:"required_without=Token"`

	// Token is a pre-acquired bearer token used instead of client credentials.
	Token string `yaml:"token,omitempty"`

	// RequestsPerSecond caps the request rate; zero disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`

	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// ProfileSelector selects a deployment profile row.
type ProfileSelector struct {
	Path                string `yaml:"path,omitempty"`
	DeploymentEnv       string `yaml:"deployment_env,omitempty" validate:"required_with=Path"`
	EnvironmentType     string `yaml:"environment_type,omitempty" validate:"required_with=Path"`
	TransformationLayer string `yaml:"transformation_layer,omitempty"`
}

// AccessConfig holds the desired workspace membership.
type AccessConfig struct {
	// Principals is a "|"-separated list of principal JSON objects.
	Principals string `yaml:"principals,omitempty"`
}

// PolicyConfig configures the plan guard.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists rego files or directories loaded next to the built-ins.
	Paths []string `yaml:"paths,omitempty"`

	// Bundle is a JSON file holding a named, versioned set of policies.
	Bundle string `yaml:"bundle,omitempty"`

	// Disabled names policies, built-in or loaded, that are not evaluated.
	Disabled []string `yaml:"disabled,omitempty"`

	// Mode is "enforcing" (deny blocks the run) or "advisory" (deny is logged).
	Mode string `yaml:"mode" validate:"oneof=advisory enforcing"`

	// MaxDeletions caps the deletions a plan may contain; negative disables.
	MaxDeletions int `yaml:"max_deletions"`

	// Watch reloads policy files when they change.
	Watch bool `yaml:"watch"`
}

// LedgerConfig configures run persistence.
type LedgerConfig struct {
	// Path is the SQLite database file; empty disables the ledger.
	Path string `yaml:"path,omitempty"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`
	// LogOutput is stderr, stdout or a file the log is appended to.
	LogOutput string `yaml:"log_output,omitempty"`

	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
	// Headers are sent with every OTLP export, e.g. collector API keys.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DeployRequest builds the engine request described by the configuration.
func (c *Config) DeployRequest(principals []engine.Principal) engine.DeployRequest {
	return engine.DeployRequest{
		WorkspaceName:  c.Workspace.Name,
		CapacityID:     c.Workspace.CapacityID,
		RepositoryRoot: c.Repository.Root,
		TargetFolder:   c.Repository.TargetFolder,
		Principals:     principals,
		Environment:    c.Environment,
	}
}
