// Package config loads and validates the daemon's YAML configuration,
// following the teacher's yaml.v3-decoder pattern with ${ENV_VAR}
// interpolation walked over the raw document before typed decoding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Error is returned for any invalid or missing configuration. Per spec.md
// §7 it only ever surfaces at startup and is always fatal.
type Error struct {
	cause error
}

func newError(format string, args ...interface{}) *Error {
	return &Error{cause: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string { return e.cause.Error() }
func (e *Error) Unwrap() error { return e.cause }

// AzureConfig selects and scopes the Azure discovery client.
type AzureConfig struct {
	SubscriptionID string   `yaml:"subscription_id"`
	ResourceGroups []string `yaml:"resource_groups"`
}

// AWSConfig selects and scopes the AWS discovery client.
type AWSConfig struct {
	Region             string `yaml:"region"`
	AccountID          string `yaml:"account_id"`
	CredentialProfile  string `yaml:"credential_profile"`
}

// TagsConfig names the tags the pipeline reads and the allow/deny rules
// TagFilter applies.
type TagsConfig struct {
	ServiceNameTag  string            `yaml:"service_name_tag"`
	ServicePortTag  string            `yaml:"service_port_tag"`
	InstancePortTag string            `yaml:"instance_port_tag"`
	AZWeightTag     string            `yaml:"az_weight_tag"`
	Allowlist       map[string]string `yaml:"allowlist"`
	Denylist        map[string]string `yaml:"denylist"`
}

// BackendConfig controls how backend names and bodies are built.
type BackendConfig struct {
	NamePrefix    string `yaml:"name_prefix"`
	NameSeparator string `yaml:"name_separator"`
	Balance       string `yaml:"balance"`
	Mode          string `yaml:"mode"`
}

// ServerSlotsConfig parameterizes SlotAllocator.
type ServerSlotsConfig struct {
	Base          int     `yaml:"base"`
	GrowthFactor  float64 `yaml:"growth_factor"`
	GrowthType    string  `yaml:"growth_type"`
}

// HAProxyConfig is everything the Dataplane client and Reconciler need.
type HAProxyConfig struct {
	BaseURL          string                    `yaml:"base_url"`
	APIVersion       string                    `yaml:"api_version"`
	Username         string                    `yaml:"username"`
	Password         string                    `yaml:"password"`
	TimeoutSeconds   int                       `yaml:"timeout_seconds"`
	VerifySSL        bool                      `yaml:"verify_ssl"`
	Backend          BackendConfig             `yaml:"backend"`
	ServerSlots      ServerSlotsConfig         `yaml:"server_slots"`
	AvailabilityZone *string                   `yaml:"availability_zone"`
	BackendOptions   map[string]map[string]any `yaml:"backend_options"`
}

// Timeout returns the per-request Dataplane client timeout. yaml.v3 has no
// special handling for time.Duration (it would decode "timeout: 10" as
// 10ns, not 10 seconds), so the config field is a plain int like the
// original's integer-seconds settings, converted here.
func (c HAProxyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollingConfig drives the DaemonLoop's timing.
type PollingConfig struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	JitterSeconds      int `yaml:"jitter_seconds"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	MaxBackoffSeconds  int `yaml:"max_backoff_seconds"`
}

// LoggingConfig controls the loggo root logger's level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is the fully parsed, validated, immutable-by-convention
// configuration. Construct it once at startup with Load, then pass it by
// reference down the pipeline; do not mutate it (Design Note "Frozen
// configuration objects").
type AppConfig struct {
	Azure   *AzureConfig  `yaml:"azure"`
	AWS     *AWSConfig    `yaml:"aws"`
	Tags    TagsConfig    `yaml:"tags"`
	HAProxy HAProxyConfig `yaml:"haproxy"`
	Polling PollingConfig `yaml:"polling"`
	Logging LoggingConfig `yaml:"logging"`
}

func defaults() AppConfig {
	return AppConfig{
		Tags: TagsConfig{
			ServiceNameTag:  "HAProxy:Service:Name",
			ServicePortTag:  "HAProxy:Service:Port",
			InstancePortTag: "HAProxy:Instance:Port",
			AZWeightTag:     "HAProxy:Instance:AZperc",
		},
		HAProxy: HAProxyConfig{
			BaseURL:        "http://localhost:5555",
			APIVersion:     "v2",
			Username:       "admin",
			TimeoutSeconds: 10,
			VerifySSL:      true,
			Backend: BackendConfig{
				NamePrefix:    "azure",
				NameSeparator: "-",
				Balance:       "roundrobin",
				Mode:          "http",
			},
			ServerSlots: ServerSlotsConfig{
				Base:         10,
				GrowthFactor: 1.5,
				GrowthType:   "linear",
			},
		},
		Polling: PollingConfig{
			IntervalSeconds:    30,
			JitterSeconds:      5,
			BackoffBaseSeconds: 5,
			MaxBackoffSeconds:  300,
		},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads, interpolates, decodes and validates the YAML config file at
// path.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError("configuration file not found: %s", path)
		}
		return nil, errors.Trace(newError("reading configuration file: %v", err))
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, newError("configuration file is not valid YAML: %v", err)
	}

	var interpErr error
	interpolateNode(&doc, &interpErr)
	if interpErr != nil {
		return nil, errors.Trace(interpErr)
	}

	cfg := defaults()
	if len(doc.Content) > 0 {
		if err := doc.Content[0].Decode(&cfg); err != nil {
			return nil, newError("decoding configuration: %v", err)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, errors.Trace(err)
	}
	return &cfg, nil
}

// interpolateNode recursively substitutes ${ENV_VAR} in every scalar
// string node of the YAML document, generalizing the original's
// _walk_and_interpolate over a raw nested dict/list structure to yaml.v3's
// node tree.
func interpolateNode(node *yaml.Node, firstErr *error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!str" {
		replaced := envPattern.ReplaceAllStringFunc(node.Value, func(match string) string {
			key := match[2 : len(match)-1]
			val, ok := os.LookupEnv(key)
			if !ok {
				if *firstErr == nil {
					*firstErr = newError("environment variable %q is not set", key)
				}
				return match
			}
			return val
		})
		node.Value = replaced
		return
	}
	for _, child := range node.Content {
		interpolateNode(child, firstErr)
	}
}

// HasAzure reports whether the Azure section is configured enough to build
// a client from it. An empty `azure: {}` block with no subscription_id
// does not count, so that a config carrying both an empty azure section
// and a real aws section is unambiguously AWS-only.
func (c *AppConfig) HasAzure() bool {
	return c.Azure != nil && c.Azure.SubscriptionID != ""
}

// HasAWS reports whether the AWS section is configured enough to build a
// client from it, mirroring HasAzure.
func (c *AppConfig) HasAWS() bool {
	return c.AWS != nil && c.AWS.Region != ""
}

// Validate enforces spec.md §6.3's configuration rules: exactly one cloud
// provider, a sane slot base, a recognized growth type, a sane polling
// interval and backend mode. The availability zone is not checked here; a
// numeric YAML value decodes into its string form.
func Validate(cfg *AppConfig) error {
	hasAzure := cfg.HasAzure()
	hasAWS := cfg.HasAWS()

	if hasAzure && hasAWS {
		return newError("both 'azure' and 'aws' sections are configured — only one cloud provider may be active at a time")
	}
	if !hasAzure && !hasAWS {
		return newError("no cloud provider configured: add an 'azure' section (with subscription_id) or an 'aws' section (with region)")
	}

	if cfg.HAProxy.ServerSlots.Base < 10 {
		return newError("haproxy.server_slots.base must be >= 10")
	}
	if cfg.HAProxy.ServerSlots.GrowthType != "linear" && cfg.HAProxy.ServerSlots.GrowthType != "exponential" {
		return newError("haproxy.server_slots.growth_type must be 'linear' or 'exponential'")
	}
	if cfg.Polling.IntervalSeconds < 5 {
		return newError("polling.interval_seconds must be >= 5")
	}
	if cfg.HAProxy.Backend.Mode != "http" && cfg.HAProxy.Backend.Mode != "tcp" {
		return newError("haproxy.backend.mode must be 'http' or 'tcp'")
	}
	return nil
}
