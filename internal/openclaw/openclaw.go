// Package openclaw is the optional file-mode collaborator: a bootstrap
// context read on session start and an append-only daily log. Everything
// here is best effort; callers treat failures as log lines, not errors.
package openclaw

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	bootstrapFile = "bootstrap.md"
	logsDir       = "logs"
)

// FileMode reads and writes OpenClaw workspace files under a single root.
type FileMode struct {
	root string
	now  func() time.Time
}

// Option configures a FileMode.
type Option func(*FileMode)

func WithClock(now func() time.Time) Option {
	return func(f *FileMode) {
		if now != nil {
			f.now = now
		}
	}
}

// New builds a file-mode collaborator rooted at dir.
func New(dir string, opts ...Option) *FileMode {
	f := &FileMode{root: dir, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFromEnv returns a collaborator when MEMORY_OPENCLAW_FILE_MODE_ENABLED
// is set, nil otherwise. The root defaults to ./openclaw under dataDir.
func NewFromEnv(dataDir string) *FileMode {
	enabled := strings.EqualFold(os.Getenv("MEMORY_OPENCLAW_FILE_MODE_ENABLED"), "true") ||
		os.Getenv("MEMORY_OPENCLAW_FILE_MODE_ENABLED") == "1"
	if !enabled {
		return nil
	}
	root := os.Getenv("MEMORY_OPENCLAW_DIR")
	if root == "" {
		root = filepath.Join(dataDir, "openclaw")
	}
	return New(root)
}

// BootstrapContext loads the workspace bootstrap file. ok is false when the
// file is absent, empty, or unreadable.
func (f *FileMode) BootstrapContext() (string, bool) {
	data, err := os.ReadFile(filepath.Join(f.root, bootstrapFile))
	if err != nil {
		return "", false
	}
	content := strings.TrimSpace(string(data))
	return content, content != ""
}

// AppendDailyLog appends a timestamped entry to today's log file and returns
// its path.
func (f *FileMode) AppendDailyLog(entry string) (string, error) {
	dir := filepath.Join(f.root, logsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("openclaw: create log dir: %w", err)
	}

	now := f.now().UTC()
	path := filepath.Join(dir, now.Format("2006-01-02")+".md")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("openclaw: open daily log: %w", err)
	}
	defer func() { _ = file.Close() }()

	line := fmt.Sprintf("- %s %s\n", now.Format("15:04:05"), strings.TrimSpace(entry))
	if _, err := file.WriteString(line); err != nil {
		return "", fmt.Errorf("openclaw: append daily log: %w", err)
	}
	return path, nil
}
