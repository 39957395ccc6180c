package agentrt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cuemby/tsbx/internal/errs"
	"github.com/cuemby/tsbx/internal/plan"
)

// validatePath rejects empty segments, "..", NUL bytes, and absolute
// paths, then joins the path under workDir (§6 "File paths").
func validatePath(workDir, p string) (string, error) {
	if p == "" || strings.Contains(p, "\x00") || strings.HasPrefix(p, "/") {
		return "", errs.New(errs.KindInvalidPath, "invalid path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == ".." {
			return "", errs.New(errs.KindInvalidPath, "invalid path")
		}
	}
	return filepath.Join(workDir, p), nil
}

const maxFileReadBytes = 25 * 1024 * 1024

// ── run_bash ──

type ShellTool struct {
	WorkDir string
	EnvDir  string
}

func (t *ShellTool) Name() string        { return "run_bash" }
func (t *ShellTool) Description() string { return "Runs a bash command line in the sandbox working directory." }
func (t *ShellTool) ParametersSchema() string {
	return `{"type":"object","properties":{"exec_dir":{"type":"string"},"commands":{"type":"string"},"commentary":{"type":"string"}},"required":["commands","commentary"]}`
}

type shellArgs struct {
	ExecDir    string `json:"exec_dir"`
	Commands   string `json:"commands"`
	Commentary string `json:"commentary"`
}

// sourceEnvFiles auto-sources any *.env files under the sandbox env
// directory before executing, per §4.6's run_bash contract.
func (t *ShellTool) sourceEnvFiles() string {
	if t.EnvDir == "" {
		return ""
	}
	entries, err := os.ReadDir(t.EnvDir)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".env") {
			b.WriteString(fmt.Sprintf("set -a; source %q; set +a\n", filepath.Join(t.EnvDir, e.Name())))
		}
	}
	return b.String()
}

func (t *ShellTool) Execute(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args shellArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}

	dir := t.WorkDir
	if args.ExecDir != "" {
		resolved, err := validatePath(t.WorkDir, args.ExecDir)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	script := t.sourceEnvFiles() + args.Commands
	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	cmd.Dir = dir

	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	output := out.String()
	preview := truncateForPreview(output)

	result := map[string]any{"output": preview, "exit_code": exitCode(runErr)}
	if len(output) > len(preview) {
		result["truncated"] = true
	}
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// ── open_file / create_file / str_replace / insert / remove_str ──

type OpenFileTool struct{ WorkDir string }

func (t *OpenFileTool) Name() string        { return "open_file" }
func (t *OpenFileTool) Description() string { return "Reads a file, optionally a line range." }
func (t *OpenFileTool) ParametersSchema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"start_line":{"type":"integer"},"end_line":{"type":"integer"},"commentary":{"type":"string"}},"required":["path","commentary"]}`
}

type openFileArgs struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

func (t *OpenFileTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args openFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	full, err := validatePath(t.WorkDir, args.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, err)
	}
	if info.Size() > maxFileReadBytes {
		return nil, errs.New(errs.KindTooLarge, fmt.Sprintf("%s exceeds %d bytes", args.Path, maxFileReadBytes))
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}

	if args.StartLine == 0 && args.EndLine == 0 {
		return map[string]any{"content": string(data)}, nil
	}

	lines := strings.Split(string(data), "\n")
	start := args.StartLine - 1
	if start < 0 {
		start = 0
	}
	end := args.EndLine
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		start = end
	}
	return map[string]any{"content": strings.Join(lines[start:end], "\n")}, nil
}

type CreateFileTool struct{ WorkDir string }

func (t *CreateFileTool) Name() string        { return "create_file" }
func (t *CreateFileTool) Description() string { return "Creates a new file with the given content." }
func (t *CreateFileTool) ParametersSchema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"},"commentary":{"type":"string"}},"required":["path","content","commentary"]}`
}

type createFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *CreateFileTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args createFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	full, err := validatePath(t.WorkDir, args.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}
	if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}
	return map[string]any{"path": args.Path}, nil
}

type StrReplaceTool struct{ WorkDir string }

func (t *StrReplaceTool) Name() string        { return "str_replace" }
func (t *StrReplaceTool) Description() string { return "Replaces an exact substring in a file." }
func (t *StrReplaceTool) ParametersSchema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"old":{"type":"string"},"new":{"type":"string"},"many":{"type":"boolean"},"commentary":{"type":"string"}},"required":["path","old","new","commentary"]}`
}

type strReplaceArgs struct {
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
	Many bool   `json:"many"`
}

func (t *StrReplaceTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args strReplaceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	full, err := validatePath(t.WorkDir, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, err)
	}
	content := string(data)
	count := strings.Count(content, args.Old)
	if count == 0 {
		return nil, errs.New(errs.KindNotFound, "old string not found")
	}
	if count > 1 && !args.Many {
		return nil, errs.New(errs.KindInvalidPath, "old string is not unique; pass many=true to replace all occurrences")
	}
	replaced := strings.ReplaceAll(content, args.Old, args.New)
	if err := os.WriteFile(full, []byte(replaced), 0o644); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}
	return map[string]any{"replacements": count}, nil
}

type InsertTool struct{ WorkDir string }

func (t *InsertTool) Name() string        { return "insert" }
func (t *InsertTool) Description() string { return "Inserts content at a given line number." }
func (t *InsertTool) ParametersSchema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"line":{"type":"integer"},"content":{"type":"string"},"commentary":{"type":"string"}},"required":["path","line","content","commentary"]}`
}

type insertArgs struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

func (t *InsertTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args insertArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	full, err := validatePath(t.WorkDir, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, err)
	}
	lines := strings.Split(string(data), "\n")
	idx := args.Line - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(lines) {
		idx = len(lines)
	}
	out := append([]string{}, lines[:idx]...)
	out = append(out, args.Content)
	out = append(out, lines[idx:]...)
	if err := os.WriteFile(full, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}
	return map[string]any{"line": args.Line}, nil
}

type RemoveStrTool struct{ WorkDir string }

func (t *RemoveStrTool) Name() string        { return "remove_str" }
func (t *RemoveStrTool) Description() string { return "Removes an exact substring from a file." }
func (t *RemoveStrTool) ParametersSchema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"},"many":{"type":"boolean"},"commentary":{"type":"string"}},"required":["path","content","commentary"]}`
}

type removeStrArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Many    bool   `json:"many"`
}

func (t *RemoveStrTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args removeStrArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	full, err := validatePath(t.WorkDir, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, err)
	}
	content := string(data)
	count := strings.Count(content, args.Content)
	if count == 0 {
		return nil, errs.New(errs.KindNotFound, "content not found")
	}
	if count > 1 && !args.Many {
		return nil, errs.New(errs.KindInvalidPath, "content is not unique; pass many=true to remove all occurrences")
	}
	removed := strings.ReplaceAll(content, args.Content, "")
	if err := os.WriteFile(full, []byte(removed), 0o644); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}
	return map[string]any{"removals": count}, nil
}

// ── find_filename / find_filecontent ──

type FindFilenameTool struct{ WorkDir string }

func (t *FindFilenameTool) Name() string        { return "find_filename" }
func (t *FindFilenameTool) Description() string { return "Finds files under path matching a glob pattern." }
func (t *FindFilenameTool) ParametersSchema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"glob":{"type":"string"},"commentary":{"type":"string"}},"required":["glob","commentary"]}`
}

type findFilenameArgs struct {
	Path string `json:"path"`
	Glob string `json:"glob"`
}

func (t *FindFilenameTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args findFilenameArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	root := t.WorkDir
	if args.Path != "" {
		resolved, err := validatePath(t.WorkDir, args.Path)
		if err != nil {
			return nil, err
		}
		root = resolved
	}

	var matches []string
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if ok, _ := filepath.Match(args.Glob, filepath.Base(p)); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	return map[string]any{"matches": matches}, nil
}

type FindFilecontentTool struct{ WorkDir string }

func (t *FindFilecontentTool) Name() string { return "find_filecontent" }
func (t *FindFilecontentTool) Description() string {
	return "Searches file contents under path for a regular expression."
}
func (t *FindFilecontentTool) ParametersSchema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"regex":{"type":"string"},"commentary":{"type":"string"}},"required":["regex","commentary"]}`
}

type findFilecontentArgs struct {
	Path  string `json:"path"`
	Regex string `json:"regex"`
}

type fileMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *FindFilecontentTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args findFilecontentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	re, err := regexp.Compile(args.Regex)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidPath, err)
	}
	root := t.WorkDir
	if args.Path != "" {
		resolved, err := validatePath(t.WorkDir, args.Path)
		if err != nil {
			return nil, err
		}
		root = resolved
	}

	var matches []fileMatch
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		rel, _ := filepath.Rel(root, p)
		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				matches = append(matches, fileMatch{Path: rel, Line: lineNo, Text: scanner.Text()})
			}
		}
		return nil
	})
	return map[string]any{"matches": matches}, nil
}

// ── update_plan ──

type UpdatePlanTool struct{ Manager *plan.Manager }

func (t *UpdatePlanTool) Name() string        { return "update_plan" }
func (t *UpdatePlanTool) Description() string { return "Overwrites the plan checklist file atomically." }
func (t *UpdatePlanTool) ParametersSchema() string {
	return `{"type":"object","properties":{"content":{"type":"string"},"commentary":{"type":"string"}},"required":["content","commentary"]}`
}

type updatePlanArgs struct {
	Content string `json:"content"`
}

func (t *UpdatePlanTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args updatePlanArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	if err := t.Manager.Write(args.Content); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}
	return map[string]any{}, nil
}

// ── output ──

// OutputTool is terminal for the task; its plan-gating invariant is
// enforced by the Agent Loop before this Execute call is even reached.
type OutputTool struct{}

func (t *OutputTool) Name() string        { return "output" }
func (t *OutputTool) Description() string { return "Finalizes the task with user-visible content." }
func (t *OutputTool) ParametersSchema() string {
	return `{"type":"object","properties":{"items":{"type":"array"},"commentary":{"type":"string"}},"required":["items","commentary"]}`
}

func (t *OutputTool) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	return map[string]any{}, nil
}
