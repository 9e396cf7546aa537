package codegen

import (
	"encoding/json"

	"github.com/danshapiro/ticketsmith/internal/pipeline/graph"
	"github.com/danshapiro/ticketsmith/internal/pipeline/loopguard"
)

// State keys of the ticket-to-app pipeline.
const (
	KeyProjectKey = "project_key"
	KeyTicketKeys = "ticket_keys"

	KeyHealth               = "health"
	KeyTickets              = "tickets"
	KeyEpicDescription      = "epic_description"
	KeyAppGoal              = "app_goal"
	KeyArchitecturePlan     = "architecture_plan"
	KeyModules              = "modules"
	KeyArchitectureApproved = "architecture_approved"
	KeyRequirementsAnalysis = "requirements_analysis"
	KeySpecs                = "specs"
	KeySpecReviews          = "spec_reviews"
	KeyTestFiles            = "test_files"
	KeyCodeFiles            = "code_files"
	KeyMissingFunctions     = "missing_functions"
	KeyTestResults          = "test_results"
	KeyPassed               = "passed"
	KeyFailed               = "failed"
	KeyCollected            = "collected"
	KeyTestsMisconfigured   = "tests_misconfigured"
	KeyFixedModules         = "fixed_modules"
	KeyUIDesign             = "ui_design"
	KeyUIPattern            = "ui_pattern"
	KeyAppPath              = "app_path"
	KeyAppErrors            = "app_errors"
	KeyAppFixed             = "app_fixed"
	KeyQualityReport        = "quality_report"
)

// Node names.
const (
	NodeHealthCheck          = "health_check"
	NodeJiraReader           = "jira_reader"
	NodeSystemArchitect      = "system_architect"
	NodeRequirementsAnalyzer = "requirements_analyzer"
	NodeSpecAgent            = "spec_agent"
	NodeSpecReviewer         = "spec_reviewer"
	NodeGenerateTests        = "generate_tests"
	NodeGenerateCode         = "generate_code"
	NodeValidateModules      = "validate_modules"
	NodeRunTests             = "run_tests"
	NodeFixAnalyzer          = "fix_analyzer"
	NodeFixerAgent           = "fixer_agent"
	NodeUIDesigner           = "ui_designer"
	NodeGenerateMainApp      = "generate_main_app"
	NodeValidateApp          = "validate_app"
	NodeFixApp               = "fix_app"
	NodeQualityReview        = "quality_review"
)

// Loop names; their state keys live under loop.<name>.
const (
	LoopArch    = "arch"
	LoopTestFix = "test_fix"
	LoopAppFix  = "app_fix"
)

const (
	UIButtonGrid = "button_grid"
	UISidebarNav = "sidebar_nav"
	UITabs       = "tabs"
	UIForm       = "form"
)

type Ticket struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type Module struct {
	Purpose   string   `json:"purpose"`
	Tickets   []string `json:"tickets"`
	Functions []string `json:"functions"`
}

type ModuleTestResult struct {
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Collected int    `json:"collected"`
	Output    string `json:"output"`
}

func loops(cfg *RunConfigFile) (arch, testFix, appFix loopguard.Loop) {
	p := cfg.Pipeline
	arch = loopguard.Loop{Name: LoopArch, Ceiling: p.ArchCeiling, RepeatLimit: p.StuckRepeatLimit}
	testFix = loopguard.Loop{Name: LoopTestFix, Ceiling: p.TestFixCeiling, RepeatLimit: p.StuckRepeatLimit}
	appFix = loopguard.Loop{Name: LoopAppFix, Ceiling: p.AppFixCeiling, RepeatLimit: p.StuckRepeatLimit}
	return arch, testFix, appFix
}

var keySchemas = map[string]string{
	KeyTicketKeys: `{"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}`,
	KeyTickets: `{"type": "array", "items": {"type": "object", "required": ["key", "title"],
		"properties": {"key": {"type": "string", "minLength": 1}, "title": {"type": "string"}, "description": {"type": "string"}}}}`,
	KeyModules: `{"type": "object", "additionalProperties": {"type": "object",
		"properties": {"purpose": {"type": "string"}, "tickets": {"type": "array", "items": {"type": "string"}},
		"functions": {"type": "array", "items": {"type": "string"}}}}}`,
	KeySpecs:     `{"type": "object", "additionalProperties": {"type": "string"}}`,
	KeyTestFiles: `{"type": "object", "additionalProperties": {"type": "string", "minLength": 1}}`,
	KeyCodeFiles: `{"type": "object", "additionalProperties": {"type": "string", "minLength": 1}}`,
	KeyTestResults: `{"type": "object", "additionalProperties": {"type": "object", "required": ["passed", "failed", "collected"],
		"properties": {"passed": {"type": "integer", "minimum": 0}, "failed": {"type": "integer", "minimum": 0}, "collected": {"type": "integer", "minimum": 0}}}}`,
	KeyPassed:    `{"type": "integer", "minimum": 0}`,
	KeyFailed:    `{"type": "integer", "minimum": 0}`,
	KeyCollected: `{"type": "integer", "minimum": 0}`,
	KeyUIPattern: `{"enum": ["button_grid", "sidebar_nav", "tabs", "form"]}`,
	KeyAppErrors: `{"type": "array", "items": {"type": "string"}}`,
}

func registerSchemas(b *graph.Builder) error {
	for key, doc := range keySchemas {
		var schema map[string]any
		if err := json.Unmarshal([]byte(doc), &schema); err != nil {
			return err
		}
		if err := b.KeySchema(key, schema); err != nil {
			return err
		}
	}
	return nil
}

// jsonValue converts typed node output into plain JSON data so the state
// stays cloneable and checkpointable.
func jsonValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
