package codegen

import (
	"fmt"
	"sort"
	"strings"
)

const (
	systemJSON   = "Output only valid JSON. No markdown, no explanations."
	systemPython = "Output only valid Python code. No markdown."
)

func ticketsSummary(tickets []Ticket) string {
	var b strings.Builder
	for _, t := range tickets {
		fmt.Fprintf(&b, "- %s: %s\n", t.Key, t.Title)
	}
	return b.String()
}

func goalPrompt(tickets []Ticket) string {
	return "Based on these Jira tickets, what is the overall application goal?\n\n" +
		"TICKETS:\n" + ticketsSummary(tickets) + "\n" +
		"OUTPUT: One sentence describing the application purpose.\n"
}

func architecturePrompt(goal string, tickets []Ticket, previous string) string {
	var b strings.Builder
	b.WriteString("You are a software architect. Design a unified Streamlit application structure.\n\n")
	b.WriteString(`Return JSON shaped as {"app_name": "...", "modules": [{"name": "...", "purpose": "...", "tickets": ["KEY-1"], "functions": ["fn"]}]}.` + "\n\n")
	b.WriteString("REQUIREMENTS:\n- Group tickets by functionality into modules\n- Module names are descriptive identifiers, not ticket IDs\n- Keep it simple\n\n")
	if previous != "" {
		b.WriteString("A previous design was rejected as over-engineered:\n" + previous + "\nProduce a simpler design.\n\n")
	}
	b.WriteString("APPLICATION GOAL:\n" + goal + "\n\nTICKET DETAILS:\n")
	for _, t := range tickets {
		fmt.Fprintf(&b, "\n%s: %s\n%s\n", t.Key, t.Title, truncate(t.Description, 200))
	}
	return b.String()
}

func requirementsPrompt(epic, plan string, modules map[string]Module) string {
	return "Analyze EPIC requirements and reject over-engineering.\n\n" +
		"Check for banned patterns: FSM, state machines, observers, factories, strategies.\n\n" +
		"OUTPUT FORMAT:\nCONSTRAINTS: [...]\nBANNED_PATTERNS_FOUND: [comma separated or None]\nSIMPLICITY_LEVEL: [too complex/appropriate/too simple]\nAPPROVED: [YES or NO]\n\n" +
		"EPIC REQUIREMENTS:\n" + epic + "\n\nPROPOSED ARCHITECTURE:\n" + plan + "\n\nMODULES: " + strings.Join(sortedKeys(modules), ", ") + "\n"
}

func specPrompt(name string, mod Module, tickets []Ticket) string {
	var b strings.Builder
	b.WriteString("Extract an implementation spec for this module from its tickets.\n\n")
	b.WriteString(`Return JSON shaped as {"module": "...", "problem": "...", "functions": [{"name": "...", "inputs": ["a: float"], "output": "float", "purpose": "..."}], "edge_cases": [], "acceptance": []}.` + "\n")
	b.WriteString("Use simple functions, no classes or state machines.\n\n")
	fmt.Fprintf(&b, "MODULE: %s\nPURPOSE: %s\nTICKETS:\n", name, mod.Purpose)
	for _, t := range tickets {
		fmt.Fprintf(&b, "%s: %s\n%s\n", t.Key, t.Title, t.Description)
	}
	return b.String()
}

func reviewPrompt(name, spec string) string {
	return "Review spec completeness.\n\nMODULE: " + name + "\nSPEC:\n" + spec +
		"\n\nOUTPUT FORMAT:\nSPEC_QUALITY: [1-10]\nMISSING: [...]\nREADY: [YES or NO]\n"
}

func testsPrompt(name, spec string) string {
	return "Create pytest tests for this module.\n\nREQUIREMENTS:\n" +
		"- Import from modules." + name + "\n- Test business logic only, not UI\n- Cover normal, edge and error cases\n- Use pytest.approx() for floats\n\n" +
		"SPEC:\n" + spec + "\n"
}

func codePrompt(spec, tests string) string {
	return "Implement the module so that the tests pass.\n\nREQUIREMENTS:\n- Implement every function listed under SPEC\n- Type hints and docstrings\n- No UI code\n\n" +
		"SPEC:\n" + spec + "\n\nTESTS:\n" + tests + "\n"
}

func fixPrompt(spec, code, tests, failures string) string {
	return "Fix the code so that all tests pass. Keep function signatures unchanged.\n\n" +
		"SPEC:\n" + spec + "\n\nCURRENT CODE:\n" + code + "\n\nTESTS:\n" + tests + "\n\nTEST FAILURES:\n" + truncate(failures, 6000) + "\n"
}

func uiDesignPrompt(epic string, functions map[string][]string, specs map[string]string) string {
	return "Design the best Streamlit layout for these functions.\n\n" +
		"OUTPUT FORMAT:\nUI_PATTERN: [button_grid | sidebar_nav | tabs | form]\nLAYOUT: [...]\nREASONING: [...]\n\n" +
		"EPIC CONTEXT:\n" + epic + "\n\nAVAILABLE FUNCTIONS:\n" + functionsText(functions) + "\nSPECS:\n" + specsText(specs)
}

func appPrompt(pattern, design, plan string, modules map[string]Module, functions map[string][]string) string {
	var mods strings.Builder
	for _, name := range sortedKeys(modules) {
		fmt.Fprintf(&mods, "- %s: %s\n", name, modules[name].Purpose)
	}
	return "Create the main Streamlit app (app.py) that integrates all modules.\n\n" +
		"RULES:\n- Call st.rerun() after updating st.session_state in button handlers\n- Display session_state with st.markdown()\n- Import only functions that exist\n- Use unique widget keys\n" +
		"- Use the " + pattern + " layout\n\n" +
		"UI DESIGN:\n" + design + "\n\nARCHITECTURE:\n" + plan + "\n\nMODULES:\n" + mods.String() +
		"\nACTUAL FUNCTIONS (use these exact names):\n" + functionsText(functions)
}

func appFixPrompt(app string, problems []string, functions map[string][]string) string {
	return "Fix the Streamlit app.\n\nERRORS TO FIX:\n- " + strings.Join(problems, "\n- ") +
		"\n\nAVAILABLE MODULES:\n" + functionsText(functions) + "\nCURRENT APP:\n" + app + "\n"
}

func qualityPrompt(app string, passed, failed int, warnings []string) string {
	return fmt.Sprintf("Review the generated application for release readiness in at most ten lines.\n\n"+
		"TESTS: %d passed, %d failed\nPIPELINE WARNINGS:\n- %s\n\nAPP:\n%s\n", passed, failed, strings.Join(warnings, "\n- "), app)
}

func functionsText(functions map[string][]string) string {
	var b strings.Builder
	for _, name := range sortedKeys(functions) {
		fmt.Fprintf(&b, "modules.%s: %s\n", name, strings.Join(functions[name], ", "))
	}
	return b.String()
}

func specsText(specs map[string]string) string {
	var b strings.Builder
	for _, name := range sortedKeys(specs) {
		fmt.Fprintf(&b, "%s:\n%s\n", name, specs[name])
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
