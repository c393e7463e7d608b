package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolverBlocksEscape(t *testing.T) {
	r := Resolver{Root: t.TempDir()}

	if _, err := r.Resolve("../outside.txt"); err == nil {
		t.Error("expected escape error for ../outside.txt")
	}
	if _, err := r.Resolve(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := r.Resolve("inside/file.txt"); err != nil {
		t.Errorf("relative path rejected: %v", err)
	}
}

func TestReadTool(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello workspace"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadTool(Config{Workspace: dir})
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"notes.txt"}`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result struct {
		Content   string `json:"content"`
		Bytes     int    `json:"bytes"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Content != "hello workspace" || result.Truncated {
		t.Errorf("result = %+v", result)
	}
}

func TestReadToolCapsBytes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("x", 100)), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadTool(Config{Workspace: dir, MaxReadBytes: 10})
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"big.txt"}`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result struct {
		Bytes     int  `json:"bytes"`
		Truncated bool `json:"truncated"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Bytes != 10 || !result.Truncated {
		t.Errorf("result = %+v", result)
	}
}

func TestReadToolMissingFile(t *testing.T) {
	tool := NewReadTool(Config{Workspace: t.TempDir()})
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"absent.txt"}`), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWriteTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteTool(Config{Workspace: dir})

	input := json.RawMessage(`{"path":"out/new.txt","content":"first"}`)
	if _, err := tool.Execute(context.Background(), input, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out", "new.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q", data)
	}

	appendInput := json.RawMessage(`{"path":"out/new.txt","content":" second","append":true}`)
	if _, err := tool.Execute(context.Background(), appendInput, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "out", "new.txt"))
	if string(data) != "first second" {
		t.Errorf("after append = %q", data)
	}
}

func TestWriteToolBlocksEscape(t *testing.T) {
	tool := NewWriteTool(Config{Workspace: t.TempDir()})
	input := json.RawMessage(`{"path":"../evil.txt","content":"nope"}`)
	if _, err := tool.Execute(context.Background(), input, nil); err == nil {
		t.Error("expected escape error")
	}
}

func TestListTool(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "a-dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	tool := NewListTool(Config{Workspace: dir})
	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result struct {
		Entries []struct {
			Name string `json:"name"`
			Dir  bool   `json:"dir"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("entries = %+v", result.Entries)
	}
	if result.Entries[0].Name != "a-dir" || !result.Entries[0].Dir {
		t.Errorf("first entry = %+v", result.Entries[0])
	}
	if result.Entries[1].Name != "b.txt" || result.Entries[1].Dir {
		t.Errorf("second entry = %+v", result.Entries[1])
	}
}
