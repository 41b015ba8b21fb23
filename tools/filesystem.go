package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"factotum/config"
	"factotum/errors"
	"factotum/session"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file."
}

func (t *ReadFileTool) Category() Category { return CategoryRead }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path of the file to read."},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, ok := args["path"].(string)
	if !ok {
		return "", errors.NewKind(errors.KindValidation, "missing or invalid 'path' argument")
	}
	if err := checkHidden(path, t.fsAccess); err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file %q", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Parent directories are created as needed."
}

func (t *WriteFileTool) Category() Category { return CategoryWrite }

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path of the file to write."},
			"content": map[string]any{"type": "string", "description": "Full new file content."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return "", errors.NewKind(errors.KindValidation, "missing or invalid 'path' or 'content' arguments")
	}
	if err := checkHidden(path, t.fsAccess); err != nil {
		return "", err
	}
	readOnly, err := isPathRestricted(path, t.fsAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path %q is read-only", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", errors.Wrapf(err, "failed to create directory %q", dir)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file %q", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

func (t *WriteFileTool) Artifacts(args map[string]any) []session.Artifact {
	path, ok := args["path"].(string)
	if !ok {
		return nil
	}
	return []session.Artifact{{
		Path:      path,
		Name:      filepath.Base(path),
		Type:      "file",
		CreatedAt: time.Now(),
	}}
}

// ListDirTool lists a directory's entries, one per line, directories with a
// trailing slash. Hidden patterns filter both the listed path and each entry.
type ListDirTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "Lists the entries of a directory."
}

func (t *ListDirTool) Category() Category { return CategoryRead }

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory to list. Defaults to the current directory."},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	if err := checkHidden(path, t.fsAccess); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list directory %q", path)
	}

	var names []string
	for _, e := range entries {
		full := filepath.Join(path, e.Name())
		hidden, err := isPathRestricted(full, t.fsAccess.Hidden)
		if err != nil {
			return "", err
		}
		if hidden {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}

func checkHidden(path string, fs *config.FilesystemAccess) error {
	hidden, err := isPathRestricted(path, fs.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path %q is hidden", path)
	}
	return nil
}
