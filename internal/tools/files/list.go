package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
)

// maxListEntries caps one directory listing.
const maxListEntries = 500

// ListTool lists directory entries inside the workspace.
type ListTool struct {
	resolver Resolver
}

// NewListTool creates a list tool scoped to the workspace.
func NewListTool(cfg Config) *ListTool {
	return &ListTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ListTool) Name() string {
	return "list_files"
}

func (t *ListTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list (relative to workspace, default: workspace root)."}
		}
	}`)
}

type listEntry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Execute lists one directory, names sorted, capped at maxListEntries.
func (t *ListTool) Execute(ctx context.Context, input json.RawMessage, ec *agent.ExecContext) (json.RawMessage, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if params.Path == "" {
		params.Path = "."
	}

	resolved, err := t.resolver.Resolve(params.Path)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name() < dirents[j].Name() })

	truncated := false
	if len(dirents) > maxListEntries {
		dirents = dirents[:maxListEntries]
		truncated = true
	}

	entries := make([]listEntry, 0, len(dirents))
	for _, d := range dirents {
		entry := listEntry{Name: d.Name(), Dir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}

	return json.Marshal(map[string]any{
		"path":      params.Path,
		"entries":   entries,
		"truncated": truncated,
	})
}
