package codegen

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/danshapiro/ticketsmith/internal/pipeline/loopguard"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
	"github.com/danshapiro/ticketsmith/internal/workspace"
)

func testPath(module string) string { return path.Join("generated_tests", "test_"+module+".py") }
func codePath(module string) string { return path.Join("modules", module+".py") }

func (p *pipeline) generateTests(ctx context.Context, s runtime.State) (map[string]any, error) {
	specs, err := decodeState[map[string]string](s, KeySpecs)
	if err != nil {
		return nil, err
	}
	var n notes
	files, err := p.forEachModule(ctx, sortedKeys(specs), func(ctx context.Context, name string) (string, error) {
		raw, err := p.complete(ctx, p.cfg.LLM.Models.Code, systemPython, testsPrompt(name, specs[name]), 3000)
		if err != nil {
			return "", err
		}
		src := stripFences(raw)
		header := "import pytest\nfrom modules." + name + " import *\n\n"
		if !strings.Contains(src, "modules."+name) {
			src = header + src
		}
		placeholder := header + "def test_placeholder():\n    assert True\n"
		kept, err := p.writeChecked(ctx, testPath(name), src, placeholder)
		if err != nil {
			return "", err
		}
		if !kept {
			n.add("generated tests for module %s did not parse; wrote a placeholder", name)
		}
		return testPath(name), nil
	})
	if err != nil {
		return nil, err
	}
	return n.into(s, map[string]any{KeyTestFiles: jsonValue(files)}), nil
}

func (p *pipeline) generateCode(ctx context.Context, s runtime.State) (map[string]any, error) {
	specs, err := decodeState[map[string]string](s, KeySpecs)
	if err != nil {
		return nil, err
	}
	tests, err := decodeState[map[string]string](s, KeyTestFiles)
	if err != nil {
		return nil, err
	}
	var n notes
	files, err := p.forEachModule(ctx, sortedKeys(specs), func(ctx context.Context, name string) (string, error) {
		testSrc := ""
		if tp, ok := tests[name]; ok && p.deps.Files.Exists(tp) {
			src, err := p.deps.Files.ReadFile(tp)
			if err != nil {
				return "", err
			}
			testSrc = src
		}
		raw, err := p.complete(ctx, p.cfg.LLM.Models.Code, systemPython, codePrompt(specs[name], testSrc), 3000)
		if err != nil {
			return "", err
		}
		placeholder := fmt.Sprintf("\"\"\"Module %s\"\"\"\n\n\ndef placeholder():\n    pass\n", name)
		kept, err := p.writeChecked(ctx, codePath(name), stripFences(raw), placeholder)
		if err != nil {
			return "", err
		}
		if !kept {
			n.add("generated code for module %s did not parse; wrote a placeholder", name)
		}
		return codePath(name), nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := p.deps.Files.WriteFiles([]workspace.File{{Path: "modules/__init__.py", Content: ""}}); err != nil {
		return nil, err
	}
	return n.into(s, map[string]any{KeyCodeFiles: jsonValue(files)}), nil
}

// validateModules compares each module with its spec. Missing functions
// are reported, not fatal: the test-fix loop is where they get repaired.
func (p *pipeline) validateModules(ctx context.Context, s runtime.State) (map[string]any, error) {
	code, err := decodeState[map[string]string](s, KeyCodeFiles)
	if err != nil {
		return nil, err
	}
	specs, err := decodeState[map[string]string](s, KeySpecs)
	if err != nil {
		return nil, err
	}
	var n notes
	missing := map[string][]string{}
	for _, name := range sortedKeys(code) {
		if !p.deps.Files.Exists(code[name]) {
			n.add("module %s: %s was not written", name, code[name])
			continue
		}
		src, err := p.deps.Files.ReadFile(code[name])
		if err != nil {
			return nil, err
		}
		if m := missingFunctions(specFunctions(specs[name]), src); len(m) > 0 {
			missing[name] = m
			n.add("module %s is missing functions: %s", name, strings.Join(m, ", "))
		}
	}
	update := p.testFix.Init()
	update[KeyMissingFunctions] = jsonValue(missing)
	return n.into(s, update), nil
}

func (p *pipeline) runTests(ctx context.Context, s runtime.State) (map[string]any, error) {
	tests, err := decodeState[map[string]string](s, KeyTestFiles)
	if err != nil {
		return nil, err
	}
	results := map[string]ModuleTestResult{}
	var passed, failed, collected int
	for _, name := range sortedKeys(tests) {
		res, err := p.deps.Tests.RunTests(ctx, tests[name])
		if err != nil {
			return nil, err
		}
		results[name] = ModuleTestResult{Passed: res.Passed, Failed: res.Failed, Collected: res.Collected, Output: truncate(res.RawOutput, 20_000)}
		passed += res.Passed
		failed += res.Failed
		collected += res.Collected
		p.log.Info("module tests", "module", name, "passed", res.Passed, "failed", res.Failed, "collected", res.Collected)
	}
	return map[string]any{
		KeyTestResults: jsonValue(results),
		KeyPassed:      passed,
		KeyFailed:      failed,
		KeyCollected:   collected,
	}, nil
}

// fixAnalyzer decides whether the test-fix loop goes around again. Zero
// collected tests is a configuration problem, so the loop is left alone
// and the pipeline moves on with a warning.
func (p *pipeline) fixAnalyzer(ctx context.Context, s runtime.State) (map[string]any, error) {
	if s.GetInt(KeyCollected, 0) == 0 {
		update := runtime.WithWarning(s, "no tests were collected; check the test runner configuration")
		update[KeyTestsMisconfigured] = true
		return update, nil
	}
	results, err := decodeState[map[string]ModuleTestResult](s, KeyTestResults)
	if err != nil {
		return nil, err
	}
	fp := loopguard.Fingerprint{}
	for name, r := range results {
		if r.Failed > 0 {
			fp[name] = r.Failed
		}
	}
	d, update := p.testFix.Evaluate(s, fp, s.GetInt(KeyFailed, 0) == 0)
	p.log.Info("test results evaluated", "failed", s.GetInt(KeyFailed, 0), "exit", d.Exit, "iteration", d.Iteration, "repeats", d.Repeats)
	update[KeyTestsMisconfigured] = false
	return update, nil
}

func (p *pipeline) routeAfterTests(s runtime.State) string {
	if s.GetBool(KeyTestsMisconfigured, false) {
		return "continue"
	}
	return p.testFix.Route("fix", "continue")(s)
}

func (p *pipeline) fixerAgent(ctx context.Context, s runtime.State) (map[string]any, error) {
	results, err := decodeState[map[string]ModuleTestResult](s, KeyTestResults)
	if err != nil {
		return nil, err
	}
	code, err := decodeState[map[string]string](s, KeyCodeFiles)
	if err != nil {
		return nil, err
	}
	tests, err := decodeState[map[string]string](s, KeyTestFiles)
	if err != nil {
		return nil, err
	}
	specs, err := decodeState[map[string]string](s, KeySpecs)
	if err != nil {
		return nil, err
	}

	var failing []string
	for _, name := range sortedKeys(results) {
		if results[name].Failed > 0 && code[name] != "" && tests[name] != "" {
			failing = append(failing, name)
		}
	}
	var n notes
	outcome, err := p.forEachModule(ctx, failing, func(ctx context.Context, name string) (string, error) {
		current, err := p.deps.Files.ReadFile(code[name])
		if err != nil {
			return "", err
		}
		testSrc, err := p.deps.Files.ReadFile(tests[name])
		if err != nil {
			return "", err
		}
		raw, err := p.complete(ctx, p.cfg.LLM.Models.Code, systemPython, fixPrompt(specs[name], current, testSrc, results[name].Output), 0)
		if err != nil {
			return "", err
		}
		kept, err := p.writeChecked(ctx, code[name], stripFences(raw), "")
		if err != nil {
			return "", err
		}
		if !kept {
			n.add("fix for module %s did not parse; kept the previous code", name)
			return "", nil
		}
		return name, nil
	})
	if err != nil {
		return nil, err
	}
	fixed := []string{}
	for _, name := range sortedKeys(outcome) {
		if outcome[name] != "" {
			fixed = append(fixed, name)
		}
	}
	return n.into(s, map[string]any{KeyFixedModules: fixed}), nil
}
