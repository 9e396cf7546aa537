package codegen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/ticketsmith/internal/workspace"
)

type ModelsConfig struct {
	Architect string `json:"architect" yaml:"architect" validate:"required"`
	Spec      string `json:"spec" yaml:"spec" validate:"required"`
	Review    string `json:"review" yaml:"review" validate:"required"`
	Code      string `json:"code" yaml:"code" validate:"required"`
	App       string `json:"app" yaml:"app" validate:"required"`
}

type LLMConfig struct {
	BaseURL           string       `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	Models            ModelsConfig `json:"models" yaml:"models"`
	MaxTokens         int          `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	Temperature       *float32     `json:"temperature,omitempty" yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	RequestsPerSecond float64      `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	MaxAttempts       int          `json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`

	// APIKey only ever comes from OPENAI_API_KEY.
	APIKey string `json:"-" yaml:"-"`
}

type TrackerConfig struct {
	BaseURL     string `json:"base_url" yaml:"base_url" validate:"required,url"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty" validate:"omitempty,email"`
	BoardID     int    `json:"board_id" yaml:"board_id" validate:"gte=0"`
	TimeoutMS   int    `json:"timeout_ms" yaml:"timeout_ms" validate:"gte=0"`
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`

	// Token only ever comes from JIRA_API_TOKEN.
	Token string `json:"-" yaml:"-"`
}

type TestsConfig struct {
	Command     []string `json:"command" yaml:"command" validate:"min=1"`
	SyntaxCheck []string `json:"syntax_check,omitempty" yaml:"syntax_check,omitempty"`
	TimeoutMS   int      `json:"timeout_ms" yaml:"timeout_ms" validate:"gte=0"`
}

type PipelineConfig struct {
	StepBudget        int `json:"step_budget" yaml:"step_budget" validate:"gte=1"`
	NodeTimeoutMS     int `json:"node_timeout_ms" yaml:"node_timeout_ms" validate:"gte=0"`
	ArchCeiling       int `json:"arch_ceiling" yaml:"arch_ceiling" validate:"gte=1"`
	TestFixCeiling    int `json:"test_fix_ceiling" yaml:"test_fix_ceiling" validate:"gte=1"`
	AppFixCeiling     int `json:"app_fix_ceiling" yaml:"app_fix_ceiling" validate:"gte=1"`
	StuckRepeatLimit  int `json:"stuck_repeat_limit" yaml:"stuck_repeat_limit"`
	ModuleConcurrency int `json:"module_concurrency" yaml:"module_concurrency" validate:"gte=1,lte=32"`
}

type RunConfigFile struct {
	Version    int    `json:"version" yaml:"version" validate:"eq=1"`
	ProjectKey string `json:"project_key,omitempty" yaml:"project_key,omitempty" validate:"omitempty,projectkey"`
	LogsRoot   string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`

	Workspace struct {
		Root  string   `json:"root" yaml:"root" validate:"required"`
		Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	} `json:"workspace" yaml:"workspace"`

	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Tracker  TrackerConfig  `json:"tracker" yaml:"tracker"`
	Tests    TestsConfig    `json:"tests" yaml:"tests"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
}

var projectKeyRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,19}$`)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = configValidate.RegisterValidation("projectkey", func(fl validator.FieldLevel) bool {
		return projectKeyRE.MatchString(fl.Field().String())
	})
}

// LoadRunConfigFile reads YAML, or JSON by extension, rejecting unknown
// fields. Secrets are taken from the environment.
func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if cfg.Workspace.Root != "" && !filepath.IsAbs(cfg.Workspace.Root) {
		cfg.Workspace.Root = filepath.Join(filepath.Dir(path), cfg.Workspace.Root)
	}
	applyConfigDefaults(&cfg)
	ApplyEnv(&cfg, os.Getenv)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.ProjectKey = strings.ToUpper(strings.TrimSpace(cfg.ProjectKey))
	if len(cfg.Workspace.Allow) == 0 {
		cfg.Workspace.Allow = append([]string{}, workspace.DefaultAllow...)
	}

	m := &cfg.LLM.Models
	if m.Architect == "" {
		m.Architect = "o1"
	}
	if m.Spec == "" {
		m.Spec = "o1"
	}
	if m.Review == "" {
		m.Review = "gpt-4o"
	}
	if m.Code == "" {
		m.Code = "gpt-4o"
	}
	if m.App == "" {
		m.App = "gpt-4o-mini"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4000
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}

	if cfg.Tracker.TimeoutMS == 0 {
		cfg.Tracker.TimeoutMS = 30_000
	}
	if cfg.Tracker.MaxAttempts == 0 {
		cfg.Tracker.MaxAttempts = 4
	}

	if len(cfg.Tests.Command) == 0 {
		cfg.Tests.Command = []string{"python", "-m", "pytest"}
	}
	if cfg.Tests.TimeoutMS == 0 {
		cfg.Tests.TimeoutMS = 300_000
	}

	p := &cfg.Pipeline
	if p.StepBudget == 0 {
		p.StepBudget = 50
	}
	if p.ArchCeiling == 0 {
		p.ArchCeiling = 3
	}
	if p.TestFixCeiling == 0 {
		p.TestFixCeiling = 5
	}
	if p.AppFixCeiling == 0 {
		p.AppFixCeiling = 3
	}
	if p.StuckRepeatLimit == 0 {
		p.StuckRepeatLimit = 2
	}
	if p.ModuleConcurrency == 0 {
		p.ModuleConcurrency = 4
	}
}

// ApplyEnv fills secrets and empty connection settings from the environment.
func ApplyEnv(cfg *RunConfigFile, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("OPENAI_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(getenv("JIRA_API_TOKEN")); v != "" {
		cfg.Tracker.Token = v
	}
	if v := strings.TrimSpace(getenv("JIRA_EMAIL")); v != "" && cfg.Tracker.Email == "" {
		cfg.Tracker.Email = v
	}
	if v := strings.TrimSpace(getenv("JIRA_BASE_URL")); v != "" && cfg.Tracker.BaseURL == "" {
		cfg.Tracker.BaseURL = v
	}
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := configValidate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if strings.TrimSpace(cfg.Tests.Command[0]) == "" {
		return fmt.Errorf("invalid config: tests.command[0] is empty")
	}
	if cfg.Pipeline.StuckRepeatLimit < -1 {
		return fmt.Errorf("invalid config: pipeline.stuck_repeat_limit must be >= -1")
	}
	if cfg.Pipeline.StepBudget < minimumStepBudget(cfg.Pipeline) {
		return fmt.Errorf("invalid config: pipeline.step_budget %d cannot cover loop ceilings (need >= %d)",
			cfg.Pipeline.StepBudget, minimumStepBudget(cfg.Pipeline))
	}
	return nil
}

// minimumStepBudget is the longest path through the pipeline when every
// loop runs to its ceiling.
func minimumStepBudget(p PipelineConfig) int {
	linear := 15
	return linear + 2*(p.ArchCeiling-1) + 3*(p.TestFixCeiling-1) + 2*(p.AppFixCeiling-1)
}

// RequireSecrets reports missing credentials needed for a real run.
func (cfg *RunConfigFile) RequireSecrets() error {
	var missing []string
	if cfg.LLM.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if cfg.Tracker.Token == "" {
		missing = append(missing, "JIRA_API_TOKEN")
	}
	if cfg.Tracker.Email == "" {
		missing = append(missing, "JIRA_EMAIL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (cfg *RunConfigFile) NodeTimeout() time.Duration {
	return time.Duration(cfg.Pipeline.NodeTimeoutMS) * time.Millisecond
}
