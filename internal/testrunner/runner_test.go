package testrunner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeTestFile(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "test_calc.py")
	require.NoError(t, os.WriteFile(p, []byte("def test_ok():\n    assert True\n"), 0o644))
	return "test_calc.py"
}

func TestRunTests_MissingFile(t *testing.T) {
	r := New(Config{Dir: t.TempDir()})
	res, err := r.RunTests(context.Background(), "generated_tests/test_missing.py")
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 0, res.Collected)
	require.True(t, res.ZeroCollected())
	require.Contains(t, res.RawOutput, "not found")
}

func TestRunTests_ReadsJSONReport(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	path := writeTestFile(t, dir)
	// sh -c receives the test path as $0 and the report flag as $2.
	script := `f="${2#--json-report-file=}"; printf '{"summary": {"passed": 3, "failed": 1, "total": 4}}' > "$f"; exit 1`
	r := New(Config{Dir: dir, Command: []string{"sh", "-c", script}})

	res, err := r.RunTests(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 3, res.Passed)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 4, res.Collected)
	require.False(t, res.AllPassed())
}

func TestRunTests_FallsBackToOutputCounting(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	path := writeTestFile(t, dir)
	script := `echo "test_calc.py::test_add PASSED"; echo "test_calc.py::test_sub PASSED"; echo "test_calc.py::test_div FAILED"`
	r := New(Config{Dir: dir, Command: []string{"sh", "-c", script}})

	res, err := r.RunTests(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, Result{Passed: 2, Failed: 1, Collected: 3, RawOutput: res.RawOutput}, res)
}

func TestRunTests_ZeroCollected(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	path := writeTestFile(t, dir)
	r := New(Config{Dir: dir, Command: []string{"sh", "-c", `echo "no tests ran"; exit 5`}})

	res, err := r.RunTests(context.Background(), path)
	require.NoError(t, err)
	require.True(t, res.ZeroCollected())
	require.Equal(t, 0, res.Failed)
}

func TestRunTests_CommandNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir)
	r := New(Config{Dir: dir, Command: []string{"definitely-not-a-real-binary-xyz"}})

	_, err := r.RunTests(context.Background(), path)
	require.Error(t, err)
}

func TestParseReport(t *testing.T) {
	res, ok := parseReport([]byte(`{"summary": {"passed": 1, "error": 2, "total": 3}}`))
	require.True(t, ok)
	require.Equal(t, Result{Passed: 1, Failed: 2, Collected: 3}, res)

	_, ok = parseReport([]byte(`{"tests": []}`))
	require.False(t, ok)
	_, ok = parseReport([]byte(`not json`))
	require.False(t, ok)
}

func TestSyntaxChecker(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	ok := &SyntaxChecker{Dir: dir, Command: []string{"sh", "-c", "exit 0"}}
	require.NoError(t, ok.CheckSyntax(context.Background(), "app.py"))

	bad := &SyntaxChecker{Dir: dir, Command: []string{"sh", "-c", `echo "  File app.py, line 3"; echo "SyntaxError: invalid syntax"; exit 1`}}
	err := bad.CheckSyntax(context.Background(), "app.py")
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "app.py: SyntaxError: invalid syntax", err.Error())

	require.Error(t, (&SyntaxChecker{}).CheckSyntax(context.Background(), "app.py"))
}
