// Package workspace writes generated files under a single project root.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultAllow covers what the code-generation pipeline produces.
var DefaultAllow = []string{
	"modules/**/*.py",
	"generated_tests/**/*.py",
	"app.py",
	"specs/**",
	"docs/**",
}

var ErrOutsideRoot = errors.New("path escapes workspace root")

type File struct {
	Path    string
	Content string
}

type Writer struct {
	root   string
	allow  []string
	logger *slog.Logger
}

// NewWriter validates every allow glob up front. An empty allow list
// permits any path under root.
func NewWriter(root string, allow []string, logger *slog.Logger) (*Writer, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, g := range allow {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid allow glob %q", g)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{root: abs, allow: append([]string(nil), allow...), logger: logger}, nil
}

func (w *Writer) Root() string { return w.root }

// Resolve maps a workspace-relative path to an absolute one.
func (w *Writer) Resolve(rel string) (string, error) {
	clean, err := w.clean(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.root, filepath.FromSlash(clean)), nil
}

// WriteFiles creates parent directories and overwrites existing files. It
// checks every path before writing any, so a rejected batch leaves the
// workspace untouched.
func (w *Writer) WriteFiles(files []File) ([]string, error) {
	targets := make([]string, len(files))
	for i, f := range files {
		clean, err := w.clean(f.Path)
		if err != nil {
			return nil, err
		}
		if !w.allowed(clean) {
			return nil, fmt.Errorf("write %s: path not in allow list", clean)
		}
		targets[i] = filepath.Join(w.root, filepath.FromSlash(clean))
	}
	written := make([]string, 0, len(files))
	for i, f := range files {
		if err := os.MkdirAll(filepath.Dir(targets[i]), 0o755); err != nil {
			return written, err
		}
		if err := os.WriteFile(targets[i], []byte(f.Content), 0o644); err != nil {
			return written, err
		}
		written = append(written, targets[i])
		w.logger.Debug("wrote file", "path", targets[i], "bytes", len(f.Content))
	}
	return written, nil
}

func (w *Writer) ReadFile(rel string) (string, error) {
	p, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (w *Writer) Exists(rel string) bool {
	p, err := w.Resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

func (w *Writer) clean(rel string) (string, error) {
	rel = strings.TrimSpace(filepath.ToSlash(rel))
	if rel == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	return clean, nil
}

func (w *Writer) allowed(clean string) bool {
	if len(w.allow) == 0 {
		return true
	}
	for _, g := range w.allow {
		if ok, _ := doublestar.Match(g, clean); ok {
			return true
		}
	}
	return false
}
