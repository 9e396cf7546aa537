package codegen

import (
	"regexp"
	"sort"
	"strings"
)

var (
	fenceOpenRE  = regexp.MustCompile("^```[a-zA-Z0-9_+-]*\\s*\n?")
	fenceCloseRE = regexp.MustCompile("\n?```\\s*$")
	defRE        = regexp.MustCompile(`(?m)^def (\w+)\(`)
	moduleImpRE  = regexp.MustCompile(`(?m)^\s*from modules\.(\w+) import`)
	widgetKeyRE  = regexp.MustCompile(`st\.session_state\.(\w+)\s*=\s*st\.\w+\([^)]*key=['"](\w+)['"]`)
)

// stripFences removes a surrounding markdown code fence from model output.
func stripFences(src string) string {
	src = strings.TrimSpace(src)
	src = fenceOpenRE.ReplaceAllString(src, "")
	src = fenceCloseRE.ReplaceAllString(src, "")
	return strings.TrimSpace(src) + "\n"
}

// topLevelFunctions lists module-level def names in source order.
func topLevelFunctions(src string) []string {
	var out []string
	for _, m := range defRE.FindAllStringSubmatch(src, -1) {
		out = append(out, m[1])
	}
	return out
}

func missingFunctions(expected []string, src string) []string {
	have := map[string]bool{}
	for _, f := range topLevelFunctions(src) {
		have[f] = true
	}
	var missing []string
	for _, f := range expected {
		if !have[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

// appProblems finds Streamlit patterns known to break generated apps.
func appProblems(src string, modules map[string]string) []string {
	var problems []string
	if strings.Contains(src, "on_click=lambda") {
		problems = append(problems, "Buttons use 'on_click=lambda'; use the 'if st.button(...):' pattern instead.")
	}
	if strings.Contains(src, "st.session_state") && strings.Contains(src, "if st.button(") && !strings.Contains(src, "st.rerun()") {
		problems = append(problems, "Buttons update session_state but never call st.rerun().")
	}
	if strings.Contains(src, "disabled=True") && strings.Contains(src, "st.session_state") {
		problems = append(problems, "A disabled text_input is used as a display; use st.markdown() instead.")
	}
	for _, m := range widgetKeyRE.FindAllStringSubmatch(src, -1) {
		if m[1] == m[2] {
			problems = append(problems, "Cannot assign to st.session_state."+m[1]+" while a widget uses key='"+m[1]+"'.")
			break
		}
	}
	available := make([]string, 0, len(modules))
	for name := range modules {
		available = append(available, name)
	}
	sort.Strings(available)
	for _, m := range moduleImpRE.FindAllStringSubmatch(src, -1) {
		if _, ok := modules[m[1]]; !ok {
			problems = append(problems, "Import error: modules."+m[1]+" does not exist. Available: "+strings.Join(available, ", "))
		}
	}
	return problems
}

// parseUIPattern picks the layout named in a design answer.
func parseUIPattern(design string) string {
	lower := strings.ToLower(design)
	switch {
	case strings.Contains(lower, UIButtonGrid):
		return UIButtonGrid
	case strings.Contains(lower, UITabs):
		return UITabs
	case strings.Contains(lower, UIForm):
		return UIForm
	default:
		return UISidebarNav
	}
}

// approved reads the verdict line of a requirements analysis.
func approved(analysis string) bool {
	up := strings.ToUpper(analysis)
	return strings.Contains(up, "APPROVED: YES") || strings.Contains(up, "APPROVED: [YES]")
}

// rejectionReasons extracts the banned-pattern list from an analysis so
// repeated rejections for the same reason fingerprint identically.
func rejectionReasons(analysis string) []string {
	for _, line := range strings.Split(analysis, "\n") {
		line = strings.TrimSpace(line)
		up := strings.ToUpper(line)
		if !strings.HasPrefix(up, "BANNED_PATTERNS_FOUND:") {
			continue
		}
		rest := strings.Trim(strings.TrimSpace(line[len("BANNED_PATTERNS_FOUND:"):]), "[]")
		var out []string
		for _, p := range strings.Split(rest, ",") {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" && p != "none" {
				out = append(out, "banned: "+p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{"rejected"}
}
