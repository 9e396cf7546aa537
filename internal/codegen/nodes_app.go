package codegen

import (
	"context"

	"github.com/danshapiro/ticketsmith/internal/pipeline/loopguard"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
)

const appFile = "app.py"

const placeholderApp = "import streamlit as st\n\n\ndef main():\n    st.title(\"App\")\n\n\nif __name__ == \"__main__\":\n    main()\n"

func (p *pipeline) uiDesigner(ctx context.Context, s runtime.State) (map[string]any, error) {
	code, err := decodeState[map[string]string](s, KeyCodeFiles)
	if err != nil {
		return nil, err
	}
	specs, err := decodeState[map[string]string](s, KeySpecs)
	if err != nil {
		return nil, err
	}
	design, err := p.complete(ctx, p.cfg.LLM.Models.Review, "", uiDesignPrompt(s.GetString(KeyEpicDescription, ""), p.readFunctions(code), specs), 600)
	if err != nil {
		return nil, err
	}
	pattern := parseUIPattern(design)
	p.log.Info("ui designed", "pattern", pattern)
	return map[string]any{KeyUIDesign: design, KeyUIPattern: pattern}, nil
}

func (p *pipeline) generateMainApp(ctx context.Context, s runtime.State) (map[string]any, error) {
	code, err := decodeState[map[string]string](s, KeyCodeFiles)
	if err != nil {
		return nil, err
	}
	modules, err := decodeState[map[string]Module](s, KeyModules)
	if err != nil {
		return nil, err
	}
	prompt := appPrompt(
		s.GetString(KeyUIPattern, UISidebarNav),
		s.GetString(KeyUIDesign, ""),
		s.GetString(KeyArchitecturePlan, ""),
		modules,
		p.readFunctions(code),
	)
	raw, err := p.complete(ctx, p.cfg.LLM.Models.App, systemPython, prompt, 0)
	if err != nil {
		return nil, err
	}
	kept, err := p.writeChecked(ctx, appFile, stripFences(raw), placeholderApp)
	if err != nil {
		return nil, err
	}
	update := p.appFix.Init()
	update[KeyAppPath] = appFile
	if !kept {
		for k, v := range runtime.WithWarning(s, "generated app did not parse; wrote a placeholder") {
			update[k] = v
		}
	}
	return update, nil
}

// validateApp runs the static app checks and records the app-fix loop's
// decision.
func (p *pipeline) validateApp(ctx context.Context, s runtime.State) (map[string]any, error) {
	code, err := decodeState[map[string]string](s, KeyCodeFiles)
	if err != nil {
		return nil, err
	}
	path := s.GetString(KeyAppPath, appFile)
	var problems []string
	if !p.deps.Files.Exists(path) {
		problems = []string{"App file not found"}
	} else {
		src, err := p.deps.Files.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if p.deps.Syntax != nil {
			if serr := p.deps.Syntax.CheckSyntax(ctx, path); serr != nil {
				problems = append(problems, "Syntax error: "+serr.Error())
			}
		}
		problems = append(problems, appProblems(src, code)...)
	}
	d, update := p.appFix.Evaluate(s, loopguard.FromReasons(problems...), len(problems) == 0)
	p.log.Info("app validated", "problems", len(problems), "exit", d.Exit, "iteration", d.Iteration)
	if problems == nil {
		problems = []string{}
	}
	update[KeyAppErrors] = problems
	return update, nil
}

func (p *pipeline) fixApp(ctx context.Context, s runtime.State) (map[string]any, error) {
	code, err := decodeState[map[string]string](s, KeyCodeFiles)
	if err != nil {
		return nil, err
	}
	path := s.GetString(KeyAppPath, appFile)
	current := ""
	if p.deps.Files.Exists(path) {
		if current, err = p.deps.Files.ReadFile(path); err != nil {
			return nil, err
		}
	}
	raw, err := p.complete(ctx, p.cfg.LLM.Models.App, systemPython, appFixPrompt(current, s.GetStrings(KeyAppErrors), p.readFunctions(code)), 0)
	if err != nil {
		return nil, err
	}
	fallback := ""
	if current == "" {
		fallback = placeholderApp
	}
	kept, err := p.writeChecked(ctx, path, stripFences(raw), fallback)
	if err != nil {
		return nil, err
	}
	update := map[string]any{KeyAppFixed: kept}
	if !kept {
		for k, v := range runtime.WithWarning(s, "app fix did not parse; kept the previous app") {
			update[k] = v
		}
	}
	return update, nil
}

func (p *pipeline) qualityReview(ctx context.Context, s runtime.State) (map[string]any, error) {
	path := s.GetString(KeyAppPath, appFile)
	app := ""
	if p.deps.Files.Exists(path) {
		src, err := p.deps.Files.ReadFile(path)
		if err != nil {
			return nil, err
		}
		app = src
	}
	report, err := p.complete(ctx, p.cfg.LLM.Models.Review, "", qualityPrompt(truncate(app, 12_000), s.GetInt(KeyPassed, 0), s.GetInt(KeyFailed, 0), s.Warnings()), 600)
	if err != nil {
		return nil, err
	}
	return map[string]any{KeyQualityReport: report}, nil
}
