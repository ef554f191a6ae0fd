// ABOUTME: Configuration loading and parsing for the skillbot gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultLanguage      = "ja"
	DefaultIntent        = "input.unknown"
	DefaultSkill         = "builtin_default"
	DefaultParallelEvent = ParallelEventIgnore
	DefaultRetention     = 600 * time.Second
	DefaultMetricsPath   = "/metrics"
)

// Parallel event policies.
const (
	ParallelEventIgnore = "ignore"
	ParallelEventAllow  = "allow"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config represents the complete skillbot configuration
type Config struct {
	Environment                   string `yaml:"environment" toml:"environment"`
	Language                      string `yaml:"language" toml:"language"`
	DefaultIntent                 string `yaml:"default_intent" toml:"default_intent"`
	ModifyPreviousParameterIntent string `yaml:"modify_previous_parameter_intent" toml:"modify_previous_parameter_intent"`
	ParallelEvent                 string `yaml:"parallel_event" toml:"parallel_event"`

	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Skill      SkillConfig      `yaml:"skill" toml:"skill"`
	Memory     MemoryConfig     `yaml:"memory" toml:"memory"`
	NLU        NLUConfig        `yaml:"nlu" toml:"nlu"`
	Translator TranslatorConfig `yaml:"translator" toml:"translator"`
	Messenger  MessengerConfig  `yaml:"messenger" toml:"messenger"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr enables the gRPC health service when set.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public webhook endpoint over HTTPS
}

// AuthConfig holds authentication configuration for the push API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SkillConfig maps events without free text to the skills that handle them
type SkillConfig struct {
	Default  string            `yaml:"default" toml:"default"`
	Follow   string            `yaml:"follow" toml:"follow"`
	Unfollow string            `yaml:"unfollow" toml:"unfollow"`
	Join     string            `yaml:"join" toml:"join"`
	Leave    string            `yaml:"leave" toml:"leave"`
	Beacon   BeaconSkillConfig `yaml:"beacon" toml:"beacon"`

	// Dir holds declarative YAML skills loaded at startup.
	Dir string `yaml:"dir" toml:"dir"`

	// Fallback is replied by the builtin default skill when the NLU gave no response.
	Fallback string `yaml:"fallback" toml:"fallback"`
}

// BeaconSkillConfig names the skills for beacon enter and leave events
type BeaconSkillConfig struct {
	Enter string `yaml:"enter" toml:"enter"`
	Leave string `yaml:"leave" toml:"leave"`
}

// ForEvent returns the skill configured for a fixed-intent event type, or "".
// beaconType is only consulted for beacon events.
func (s SkillConfig) ForEvent(eventType, beaconType string) string {
	switch eventType {
	case "follow":
		return s.Follow
	case "unfollow":
		return s.Unfollow
	case "join":
		return s.Join
	case "leave":
		return s.Leave
	case "beacon":
		switch beaconType {
		case "enter":
			return s.Beacon.Enter
		case "leave":
			return s.Beacon.Leave
		}
	}
	return ""
}

// Memory store types.
const (
	MemoryTypeMemory = "memory"
	MemoryTypeSQLite = "sqlite"
	MemoryTypeNATS   = "nats"
)

// MemoryConfig holds context store configuration
type MemoryConfig struct {
	Type      string        `yaml:"type" toml:"type"`
	Retention time.Duration `yaml:"-" toml:"-"`
	Path      string        `yaml:"path" toml:"path"`
	URL       string        `yaml:"url" toml:"url"`
	Bucket    string        `yaml:"bucket" toml:"bucket"`

	// Raw string values for unmarshaling
	RetentionRaw string `yaml:"retention" toml:"retention"`
}

// NLU types.
const (
	NLUTypeRules  = "rules"
	NLUTypeGemini = "gemini"
)

// NLUConfig holds intent classification configuration
type NLUConfig struct {
	Type      string       `yaml:"type" toml:"type"`
	RulesFile string       `yaml:"rules_file" toml:"rules_file"`
	Intents   []IntentRule `yaml:"intents" toml:"intents"`
	Entities  []EntityRule `yaml:"entities" toml:"entities"`
	Gemini    GeminiConfig `yaml:"gemini" toml:"gemini"`
}

// IntentRule describes one intent. Patterns drive the rules classifier;
// Description and Parameters are given to the Gemini classifier.
type IntentRule struct {
	Name        string   `yaml:"name" toml:"name"`
	Description string   `yaml:"description" toml:"description"`
	Patterns    []string `yaml:"patterns" toml:"patterns"`
	Parameters  []string `yaml:"parameters" toml:"parameters"`
	Response    string   `yaml:"response" toml:"response"`
	Language    string   `yaml:"language" toml:"language"`
}

// EntityRule extracts a named parameter from any sentence.
type EntityRule struct {
	Name     string   `yaml:"name" toml:"name"`
	Patterns []string `yaml:"patterns" toml:"patterns"`
}

// GeminiConfig holds Google GenAI client settings
type GeminiConfig struct {
	APIKey string `yaml:"api_key" toml:"api_key"`
	Model  string `yaml:"model" toml:"model"`
}

// Translator types.
const (
	TranslatorTypeNone   = "none"
	TranslatorTypeGemini = "gemini"
)

// TranslatorConfig holds language detection and translation configuration
type TranslatorConfig struct {
	Type                string       `yaml:"type" toml:"type"`
	EnableLangDetection bool         `yaml:"enable_lang_detection" toml:"enable_lang_detection"`
	EnableTranslation   bool         `yaml:"enable_translation" toml:"enable_translation"`
	Gemini              GeminiConfig `yaml:"gemini" toml:"gemini"`
}

// MessengerConfig holds configuration for all messaging platforms
type MessengerConfig struct {
	Line   LineConfig   `yaml:"line" toml:"line"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// LineConfig holds LINE Messaging API configuration
type LineConfig struct {
	Enabled            bool   `yaml:"enabled" toml:"enabled"`
	ChannelSecret      string `yaml:"channel_secret" toml:"channel_secret"`
	ChannelAccessToken string `yaml:"channel_access_token" toml:"channel_access_token"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	AllowedUsers []string `yaml:"allowed_users" toml:"allowed_users"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// IsDevelopment reports whether webhook responses should carry results and errors.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}

	// Relative rules and skill paths are resolved against the config file.
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes, defaults and validates raw configuration content.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvProduction
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.DefaultIntent == "" {
		c.DefaultIntent = DefaultIntent
	}
	if c.ParallelEvent == "" {
		c.ParallelEvent = DefaultParallelEvent
	}
	if c.Skill.Default == "" {
		c.Skill.Default = DefaultSkill
	}
	if c.Memory.Type == "" {
		c.Memory.Type = MemoryTypeMemory
	}
	if c.Memory.Retention == 0 {
		c.Memory.Retention = DefaultRetention
	}
	if c.Memory.Type == MemoryTypeNATS && c.Memory.Bucket == "" {
		c.Memory.Bucket = "skillbot_context"
	}
	if c.NLU.Type == "" {
		c.NLU.Type = NLUTypeRules
	}
	if c.Translator.Type == "" {
		c.Translator.Type = TranslatorTypeNone
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.NLU.RulesFile = resolve(c.NLU.RulesFile)
	c.Skill.Dir = resolve(c.Skill.Dir)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !slices.Contains([]string{EnvDevelopment, EnvProduction}, c.Environment) {
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	if !slices.Contains([]string{ParallelEventIgnore, ParallelEventAllow}, c.ParallelEvent) {
		return fmt.Errorf("parallel_event must be %q or %q, got %q", ParallelEventIgnore, ParallelEventAllow, c.ParallelEvent)
	}

	switch c.Memory.Type {
	case MemoryTypeMemory:
	case MemoryTypeSQLite:
		if c.Memory.Path == "" {
			return fmt.Errorf("memory.path is required for the sqlite memory store")
		}
	case MemoryTypeNATS:
		if c.Memory.URL == "" {
			return fmt.Errorf("memory.url is required for the nats memory store")
		}
	default:
		return fmt.Errorf("unsupported memory.type %q", c.Memory.Type)
	}

	switch c.NLU.Type {
	case NLUTypeRules:
	case NLUTypeGemini:
		if c.NLU.Gemini.APIKey == "" {
			return fmt.Errorf("nlu.gemini.api_key is required for the gemini nlu")
		}
	default:
		return fmt.Errorf("unsupported nlu.type %q", c.NLU.Type)
	}

	switch c.Translator.Type {
	case TranslatorTypeNone:
		if c.Translator.EnableLangDetection || c.Translator.EnableTranslation {
			return fmt.Errorf("translator.type is required when detection or translation is enabled")
		}
	case TranslatorTypeGemini:
		if c.Translator.Gemini.APIKey == "" {
			return fmt.Errorf("translator.gemini.api_key is required for the gemini translator")
		}
	default:
		return fmt.Errorf("unsupported translator.type %q", c.Translator.Type)
	}

	if line := c.Messenger.Line; line.Enabled {
		if line.ChannelSecret == "" || line.ChannelAccessToken == "" {
			return fmt.Errorf("messenger.line requires channel_secret and channel_access_token")
		}
	}
	if m := c.Messenger.Matrix; m.Enabled {
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" {
			return fmt.Errorf("messenger.matrix requires homeserver, user_id and access_token")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Memory.RetentionRaw != "" {
		d, err := time.ParseDuration(cfg.Memory.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing memory.retention %q: %w", cfg.Memory.RetentionRaw, err)
		}
		if d <= 0 {
			return fmt.Errorf("memory.retention must be positive, got %s", d)
		}
		cfg.Memory.Retention = d
	}
	return nil
}
