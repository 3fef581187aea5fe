package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/halcyonlabs/halcyon/internal/tool"
)

const (
	maxFileSize  = 1 << 20 // 1MB
	maxListItems = 200
)

// safeResolvePath confines relative paths to the workspace and rejects
// traversal out of it. Absolute paths are allowed as-is.
func safeResolvePath(path, workspaceDir string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	cleaned := filepath.Clean(filepath.Join(workspaceDir, path))
	if workspaceDir != "" {
		rel, err := filepath.Rel(workspaceDir, cleaned)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path escapes workspace: %s", path)
		}
	}
	return cleaned, nil
}

// FileReadTool reads one file. Read-only by design; the gateway's core tool
// set has no write access to the host.
type FileReadTool struct {
	workspaceDir string
}

func NewFileReadTool(workspaceDir string) *FileReadTool {
	return &FileReadTool{workspaceDir: workspaceDir}
}

func (t *FileReadTool) Name() string           { return "file_read" }
func (t *FileReadTool) Description() string    { return "Read the contents of a file" }
func (t *FileReadTool) Core() bool             { return true }
func (t *FileReadTool) RequiresInternet() bool { return false }

func (t *FileReadTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "File path, absolute or workspace-relative", Required: true},
	)
}

type filePathArgs struct {
	Path string `json:"path"`
}

func (t *FileReadTool) Execute(_ context.Context, args json.RawMessage) (tool.Result, error) {
	var a filePathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.Result{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}

	path, err := safeResolvePath(a.Path, t.workspaceDir)
	if err != nil {
		return tool.Result{Error: err.Error()}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return tool.Result{Error: fmt.Sprintf("file not found: %s", path)}, nil
	}
	if info.IsDir() {
		return tool.Result{Error: "path is a directory, use file_list"}, nil
	}
	if info.Size() > maxFileSize {
		return tool.Result{Error: fmt.Sprintf("file too large (%d bytes, limit %d)", info.Size(), maxFileSize)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tool.Result{Error: fmt.Sprintf("read failed: %v", err)}, nil
	}
	return tool.Result{Output: string(data)}, nil
}

// FileListTool lists a directory's entries.
type FileListTool struct {
	workspaceDir string
}

func NewFileListTool(workspaceDir string) *FileListTool {
	return &FileListTool{workspaceDir: workspaceDir}
}

func (t *FileListTool) Name() string           { return "file_list" }
func (t *FileListTool) Description() string    { return "List the entries of a directory" }
func (t *FileListTool) Core() bool             { return true }
func (t *FileListTool) RequiresInternet() bool { return false }

func (t *FileListTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "Directory path, absolute or workspace-relative", Required: true},
	)
}

func (t *FileListTool) Execute(_ context.Context, args json.RawMessage) (tool.Result, error) {
	var a filePathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.Result{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}

	path, err := safeResolvePath(a.Path, t.workspaceDir)
	if err != nil {
		return tool.Result{Error: err.Error()}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return tool.Result{Error: fmt.Sprintf("list failed: %v", err)}, nil
	}

	var sb strings.Builder
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		if i >= maxListItems {
			fmt.Fprintf(&sb, "... and %d more entries\n", len(names)-maxListItems)
			break
		}
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	return tool.Result{Output: strings.TrimRight(sb.String(), "\n")}, nil
}
