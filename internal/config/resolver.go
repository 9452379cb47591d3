// Package config resolves pestmap settings from defaults, a YAML file, the
// environment (including a .env file) and command-line flags, in that order
// of increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// Built-in defaults.
const (
	DefaultLLM        = "openai/gpt-4o-mini"
	DefaultResultsDir = "results"
	DefaultWorkers    = 1
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "console"
	DefaultEnvFile    = ".env"
	envPrefix         = "PESTMAP_"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath string
	// EnvFile is loaded into the process environment before env lookups.
	// Missing files are ignored. Empty means DefaultEnvFile.
	EnvFile    string
	CLILLM     string
	CLIDBPath  string
	CLIPest    string
	CLIWorkers int
}

// Settings are the typed values a run needs. Zero values mean "use the
// package default" wherever the consuming package has one.
type Settings struct {
	Pest struct {
		Name         string `yaml:"name" json:"name"`
		Abbreviation string `yaml:"abbreviation" json:"abbreviation"`
		Scope        string `yaml:"scope" json:"scope"`
	} `yaml:"pest" json:"pest"`

	LLM struct {
		Provider     string        `yaml:"provider" json:"provider"`
		APIKey       string        `yaml:"api_key" json:"-"`
		BaseURL      string        `yaml:"base_url" json:"base_url,omitempty"`
		Temperature  float64       `yaml:"temperature" json:"temperature"`
		MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
		RetryDelay   time.Duration `yaml:"retry_delay" json:"retry_delay"`
		Timeout      time.Duration `yaml:"timeout" json:"timeout"`
		TokenCeiling int           `yaml:"token_ceiling" json:"token_ceiling"`
		Tokenizer    string        `yaml:"tokenizer" json:"tokenizer,omitempty"`
	} `yaml:"llm" json:"llm"`

	Geocoder struct {
		Disabled  bool          `yaml:"disabled" json:"disabled"`
		URL       string        `yaml:"url" json:"url,omitempty"`
		UserAgent string        `yaml:"user_agent" json:"user_agent,omitempty"`
		Interval  time.Duration `yaml:"interval" json:"interval"`
		Attempts  int           `yaml:"attempts" json:"attempts"`
	} `yaml:"geocoder" json:"geocoder"`

	Years struct {
		Earliest    int `yaml:"earliest" json:"earliest"`
		Latest      int `yaml:"latest" json:"latest"`
		LatestStart int `yaml:"latest_start" json:"latest_start"`
		MaxSpan     int `yaml:"max_span" json:"max_span"`
	} `yaml:"years" json:"years"`

	Paths struct {
		DB        string `yaml:"db" json:"db"`
		Results   string `yaml:"results" json:"results"`
		Prompts   string `yaml:"prompts" json:"prompts,omitempty"`
		Overrides string `yaml:"overrides" json:"overrides,omitempty"`
	} `yaml:"paths" json:"paths"`

	Run struct {
		Workers     int    `yaml:"workers" json:"workers"`
		MaxFiles    int    `yaml:"max_files" json:"max_files"`
		MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr,omitempty"`
	} `yaml:"run" json:"run"`

	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

// ResolvedConfig is the merged configuration. The string values most often
// overridden carry where they came from.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`
	LLM    ResolvedValue `json:"llm"`
	Pest   ResolvedValue `json:"pest"`

	LLMKeys map[string]ResolvedValue `json:"-"`

	Settings Settings `json:"settings"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pestmap", "config.yaml")
}

func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pestmap", "pestmap.db")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}
	out := ResolvedConfig{
		ConfigPath: path,
		DBPath:     ResolvedValue{Value: DefaultDBPath(), Source: SourceDefault, From: "built-in default"},
		LLM:        ResolvedValue{Value: DefaultLLM, Source: SourceDefault, From: "built-in default"},
		Pest:       ResolvedValue{Source: SourceDefault, From: "prompts file"},
		LLMKeys:    map[string]ResolvedValue{},
	}
	out.Settings.Paths.Results = DefaultResultsDir
	out.Settings.Run.Workers = DefaultWorkers
	out.Settings.Log.Level = DefaultLogLevel
	out.Settings.Log.Format = DefaultLogFormat

	if err := loadEnvFile(opts.EnvFile); err != nil {
		return out, err
	}

	cfg, err := loadConfig(path, out.Settings)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		out.Settings = *cfg
		apply(&out.DBPath, cfg.Paths.DB, SourceConfig, path)
		apply(&out.LLM, cfg.LLM.Provider, SourceConfig, path)
		apply(&out.Pest, cfg.Pest.Name, SourceConfig, path)
		if key := strings.TrimSpace(cfg.LLM.APIKey); key != "" {
			p := providerOf(out.LLM.Value)
			if p == "" {
				p = "default"
			}
			out.LLMKeys[p] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	applyEnv(&out.DBPath, envPrefix+"DB")
	applyEnv(&out.LLM, envPrefix+"LLM")
	applyEnv(&out.Pest, envPrefix+"PEST")
	for env, provider := range map[string]string{
		"OPENROUTER_API_KEY": "openrouter",
		"OPENAI_API_KEY":     "openai",
		"GEMINI_API_KEY":     "google",
		"GOOGLE_API_KEY":     "google",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}
	s := &out.Settings
	envString(&s.Paths.Results, envPrefix+"RESULTS_DIR")
	envString(&s.Geocoder.UserAgent, envPrefix+"USER_AGENT")
	envString(&s.Log.Level, envPrefix+"LOG_LEVEL")
	envString(&s.Run.MetricsAddr, envPrefix+"METRICS_ADDR")
	if err := envInt(&s.Run.Workers, envPrefix+"WORKERS"); err != nil {
		return out, err
	}
	if err := envInt(&s.Run.MaxFiles, envPrefix+"MAX_FILES"); err != nil {
		return out, err
	}

	apply(&out.LLM, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Pest, opts.CLIPest, SourceCLI, "--pest")
	if opts.CLIWorkers > 0 {
		s.Run.Workers = opts.CLIWorkers
	}

	out.DBPath.Value = expandUserPath(out.DBPath.Value)
	s.Paths.DB = out.DBPath.Value
	s.LLM.Provider = out.LLM.Value
	s.Pest.Name = out.Pest.Value
	s.Paths.Results = expandUserPath(s.Paths.Results)
	s.Paths.Prompts = expandUserPath(s.Paths.Prompts)
	s.Paths.Overrides = expandUserPath(s.Paths.Overrides)
	s.LLM.Tokenizer = expandUserPath(s.LLM.Tokenizer)

	return out, out.validate()
}

func (r ResolvedConfig) validate() error {
	s := r.Settings
	if s.Run.Workers < 1 {
		return eris.Errorf("config: workers must be at least 1, got %d", s.Run.Workers)
	}
	if s.Run.MaxFiles < 0 {
		return eris.Errorf("config: max_files must not be negative, got %d", s.Run.MaxFiles)
	}
	if s.LLM.Temperature < 0 || s.LLM.Temperature > 2 {
		return eris.Errorf("config: llm temperature %.2f outside 0-2", s.LLM.Temperature)
	}
	if providerOf(r.LLM.Value) == "" || !strings.Contains(r.LLM.Value, "/") {
		return eris.Errorf("config: llm %q: expected provider/model", r.LLM.Value)
	}
	return nil
}

// APIKeyForProvider returns the configured key for the provider of
// providerOrModel, falling back to the provider-less config key.
func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.LLMKeys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	if v, ok := r.LLMKeys["default"]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func envString(dst *string, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, envKey string) error {
	v := strings.TrimSpace(os.Getenv(envKey))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return eris.Wrapf(err, "config: %s", envKey)
	}
	*dst = n
	return nil
}

// loadEnvFile loads KEY=value pairs without overriding variables already set.
func loadEnvFile(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	err := godotenv.Load(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return eris.Wrapf(err, "config: loading %s", path)
}

// loadConfig decodes path over defaults. A missing file returns nil.
func loadConfig(path string, defaults Settings) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "config: reading %s", path)
	}
	cfg := defaults
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, eris.Wrapf(err, "config: parsing %s", path)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
