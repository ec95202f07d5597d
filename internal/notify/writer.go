// Package notify provides a cross-process capture channel: local agent
// tooling drops JSON files into {dataPath}/inbox/ and the service ingests
// them as memories via filesystem events.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Drop is the payload written to an inbox file. TenantID is required;
// routing follows the same rules as the MCP tools.
type Drop struct {
	TenantID  string   `json:"tenant_id"`
	ProjectID string   `json:"project_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Content   string   `json:"content"`
	Type      string   `json:"type,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Time      int64    `json:"time"`
}

// DropWriter writes capture files to {dataPath}/inbox/.
type DropWriter struct {
	dir string
}

// NewDropWriter creates a writer for the shared inbox directory.
func NewDropWriter(dataPath string) *DropWriter {
	return &DropWriter{dir: filepath.Join(dataPath, "inbox")}
}

// Write persists one drop. Safe to call concurrently; the timestamped
// filename keeps concurrent writers from colliding.
func (w *DropWriter) Write(drop Drop) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if drop.Time == 0 {
		drop.Time = time.Now().UnixNano()
	}
	data, err := json.Marshal(drop)
	if err != nil {
		return fmt.Errorf("notify: encode drop: %w", err)
	}

	filename := fmt.Sprintf("%d-%s.drop", drop.Time, sanitizeID(drop.TenantID))
	path := filepath.Join(w.dir, filename)

	// Write-then-rename so the watcher never sees a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write drop: %w", err)
	}
	return os.Rename(tmp, path)
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == '/' || id[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = id[i]
		}
	}
	return string(out)
}
