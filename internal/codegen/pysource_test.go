package codegen

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"```python\nx = 1\n```": "x = 1\n",
		"```\nx = 1\n```\n":     "x = 1\n",
		"x = 1":                 "x = 1\n",
		"  ```json\n{}\n```  ":  "{}\n",
	}
	for in, want := range cases {
		if got := stripFences(in); got != want {
			t.Errorf("stripFences(%q)=%q want %q", in, got, want)
		}
	}
}

func TestMissingFunctions(t *testing.T) {
	src := "import math\n\ndef add(a, b):\n    return a + b\n\n    def nested():\n        pass\n\ndef sub(a, b):\n    return a - b\n"
	if diff := cmp.Diff([]string{"add", "sub"}, topLevelFunctions(src)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"mul", "nested"}, missingFunctions([]string{"add", "mul", "nested"}, src)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestAppProblems(t *testing.T) {
	modules := map[string]string{"calculator": "modules/calculator.py", "memory": "modules/memory.py"}
	cases := []struct {
		name string
		src  string
		want []string
	}{
		{"clean", cleanApp, nil},
		{"lambda", `st.button("x", on_click=lambda: go())`, []string{
			"Buttons use 'on_click=lambda'; use the 'if st.button(...):' pattern instead.",
		}},
		{"no rerun", "if st.button(\"+\"):\n    st.session_state.total += 1\n", []string{
			"Buttons update session_state but never call st.rerun().",
		}},
		{"disabled display", "st.text_input(\"Total\", st.session_state.total, disabled=True)\n", []string{
			"A disabled text_input is used as a display; use st.markdown() instead.",
		}},
		{"widget key", "st.session_state.total = st.number_input(\"Total\", key='total')\n", []string{
			"Cannot assign to st.session_state.total while a widget uses key='total'.",
		}},
		{"unknown import", "from modules.graphing import plot\n", []string{
			"Import error: modules.graphing does not exist. Available: calculator, memory",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, appProblems(tc.src, modules)); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseUIPattern(t *testing.T) {
	cases := map[string]string{
		"UI_PATTERN: button_grid\nLAYOUT: 4x4": UIButtonGrid,
		"UI_PATTERN: Tabs":                     UITabs,
		"UI_PATTERN: form":                     UIForm,
		"something else entirely":              UISidebarNav,
	}
	for in, want := range cases {
		if got := parseUIPattern(in); got != want {
			t.Errorf("parseUIPattern(%q)=%q want %q", in, got, want)
		}
	}
}

func TestApprovalAndRejectionReasons(t *testing.T) {
	if !approved("CONSTRAINTS: none\napproved: yes") || approved("APPROVED: NO") {
		t.Fatalf("approved misread")
	}
	got := rejectionReasons("CONSTRAINTS: x\nBANNED_PATTERNS_FOUND: [FSM, Observers]\nAPPROVED: NO")
	if diff := cmp.Diff([]string{"banned: fsm", "banned: observers"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rejected"}, rejectionReasons("BANNED_PATTERNS_FOUND: None\nAPPROVED: NO")); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestParseArchitecture(t *testing.T) {
	tickets := []Ticket{{Key: "CALC-1"}, {Key: "CALC-2"}}
	got := parseArchitecture(archJSON, tickets)
	want := map[string]Module{"calculator": {Purpose: "Arithmetic", Tickets: []string{"CALC-1"}, Functions: []string{"add"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	unnamed := parseArchitecture(`{"modules":[{"name":" ","purpose":"?","tickets":["CALC-2"]},{"name":"Calculator","purpose":"Arithmetic","tickets":["CALC-1"],"functions":["add"]}]}`, tickets)
	want = map[string]Module{"calculator": {Purpose: "Arithmetic", Tickets: []string{"CALC-1"}, Functions: []string{"add"}}}
	if diff := cmp.Diff(want, unnamed); diff != "" {
		t.Fatalf("unnamed module not skipped (-want +got):\n%s", diff)
	}
	fallback := parseArchitecture("not json", tickets)
	want = map[string]Module{"main": {Purpose: "Main module", Tickets: []string{"CALC-1", "CALC-2"}, Functions: []string{}}}
	if diff := cmp.Diff(want, fallback); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestModuleIdent(t *testing.T) {
	cases := map[string]string{
		"Calculator":     "calculator",
		"Memory Store!":  "memory_store",
		"2fa":            "m_2fa",
		"  ":             "",
		"!!!":            "",
		"already_snake1": "already_snake1",
	}
	for in, want := range cases {
		if got := moduleIdent(in); got != want {
			t.Errorf("moduleIdent(%q)=%q want %q", in, got, want)
		}
	}
}
