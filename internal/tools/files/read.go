package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
)

// defaultMaxReadBytes caps one read when the config does not say
// otherwise.
const defaultMaxReadBytes = 200000

// ReadTool reads files inside the workspace with offset and byte caps.
type ReadTool struct {
	resolver Resolver
	maxBytes int
}

// NewReadTool creates a read tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &ReadTool{
		resolver: Resolver{Root: cfg.Workspace},
		maxBytes: limit,
	}
}

func (t *ReadTool) Name() string {
	return "read_file"
}

func (t *ReadTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to the file (relative to workspace)."},
			"offset": {"type": "integer", "description": "Byte offset to start reading from (default: 0).", "minimum": 0},
			"max_bytes": {"type": "integer", "description": "Maximum bytes to read (capped by tool default).", "minimum": 0}
		},
		"required": ["path"]
	}`)
}

// Execute reads a file with safety limits. Errors surface as tool
// errors back to the model; they never fail the run.
func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, ec *agent.ExecContext) (json.RawMessage, error) {
	var params struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(params.Path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	if params.Offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0")
	}

	resolved, err := t.resolver.Resolve(params.Path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if params.Offset > 0 {
		if _, err := file.Seek(params.Offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek file: %w", err)
		}
	}

	limit := t.maxBytes
	if params.MaxBytes > 0 && params.MaxBytes < limit {
		limit = params.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	truncated := params.Offset+int64(len(buf)) < info.Size()

	return json.Marshal(map[string]any{
		"path":      params.Path,
		"content":   string(buf),
		"offset":    params.Offset,
		"bytes":     len(buf),
		"truncated": truncated,
	})
}
