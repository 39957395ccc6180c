package requestworker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tsbx/internal/errs"
	"github.com/cuemby/tsbx/internal/model"
	"github.com/cuemby/tsbx/internal/runtime"
)

const maxFileReadBytes = 25 * 1024 * 1024

// validatePath rejects empty segments, "..", NUL bytes, and absolute
// paths (§6 "File paths"). Deliberately duplicated from agentrt's
// validatePath: these two packages run in different processes (control
// plane vs. in-sandbox agent) against different filesystems and share no
// common internal dependency suitable for both.
func validatePath(p string) error {
	if p == "" || strings.Contains(p, "\x00") || strings.HasPrefix(p, "/") {
		return errs.New(errs.KindInvalidPath, "invalid path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == ".." {
			return errs.New(errs.KindInvalidPath, "invalid path")
		}
	}
	return nil
}

// writeFile uploads a single file's content into the sandbox's working
// directory via a minimal single-entry tar stream.
func (h *handlers) writeFile(ctx context.Context, sandboxID, name, content string) error {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: name, Mode: 0o644, Size: int64(len(content)), ModTime: time.Now(),
	}); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return h.runtime.UploadTar(ctx, sandboxID, buf, workDir)
}

// restoreSnapshot tars up a previously extracted snapshot tree from local
// disk and uploads it into the sandbox's working directory.
func (h *handlers) restoreSnapshot(ctx context.Context, sandboxID, snapshotID string) error {
	root := filepath.Join(h.config.SnapshotsRoot, snapshotID)
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return tw.WriteHeader(&tar.Header{Name: rel + "/", Mode: 0o755, ModTime: info.ModTime(), Typeflag: tar.TypeDir})
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{Name: rel, Mode: 0o644, Size: int64(len(data)), ModTime: info.ModTime()}); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("walking snapshot tree %s: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return h.runtime.UploadTar(ctx, sandboxID, buf, workDir)
}

// createSnapshotBestEffort downloads the sandbox's working directory as a
// tar stream and extracts it under {snapshots_root}/{snapshot_id}/,
// stripping the archive's single root entry regardless of its name (the
// root may be named "workspace" or something else depending on engine).
func (h *handlers) createSnapshotBestEffort(ctx context.Context, sandboxID, snapshotID, _ string) error {
	stream, err := h.runtime.DownloadTar(ctx, sandboxID, workDir)
	if err != nil {
		return err
	}
	defer stream.Close()

	dest := filepath.Join(h.config.SnapshotsRoot, snapshotID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := stripRootComponent(hdr.Name)
		if name == "" {
			continue
		}
		target := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

func stripRootComponent(name string) string {
	name = strings.TrimPrefix(name, "/")
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}

type filePayload struct {
	Path   string `json:"path"`
	Offset *int   `json:"offset,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

func (h *handlers) parseFilePayload(req *model.Request) (filePayload, error) {
	var p filePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return p, fmt.Errorf("parsing file request payload: %w", err)
	}
	if err := validatePath(p.Path); err != nil {
		return p, err
	}
	return p, nil
}

func (h *handlers) exec(ctx context.Context, sandboxID string, argv []string) (*runtime.ExecResult, error) {
	if err := h.requireResponsive(ctx, sandboxID); err != nil {
		return nil, err
	}
	res, err := h.runtime.ExecCollect(ctx, sandboxID, argv, runtime.ExecOptions{WorkDir: workDir})
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}
	return res, nil
}

// fileRead implements §4.4 file_read: stat size, refuse if over 25 MiB,
// cat and base64-encode the bytes, guess a content type.
func (h *handlers) fileRead(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	p, err := h.parseFilePayload(req)
	if err != nil {
		return nil, err
	}

	statRes, err := h.exec(ctx, req.SandboxID, []string{"stat", "-c", "%s|%F", p.Path})
	if err != nil {
		return nil, err
	}
	if statRes.ExitCode != 0 {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("path %s not found", p.Path))
	}
	fields := strings.SplitN(strings.TrimSpace(string(statRes.Stdout)), "|", 2)
	size, _ := strconv.ParseInt(fields[0], 10, 64)
	if len(fields) > 1 && !strings.Contains(fields[1], "regular") {
		return nil, errs.New(errs.KindKind, fmt.Sprintf("%s is not a regular file", p.Path))
	}
	if size > maxFileReadBytes {
		return nil, errs.New(errs.KindTooLarge, fmt.Sprintf("%s exceeds %d bytes", p.Path, maxFileReadBytes))
	}

	catRes, err := h.exec(ctx, req.SandboxID, []string{"cat", p.Path})
	if err != nil {
		return nil, err
	}
	if catRes.ExitCode != 0 {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("path %s not found", p.Path))
	}

	contentType := mime.TypeByExtension(filepath.Ext(p.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return json.Marshal(map[string]any{
		"content_base64": base64.StdEncoding.EncodeToString(catRes.Stdout),
		"content_type":   contentType,
		"size":           size,
	})
}

// fileMetadata implements §4.4 file_metadata via a single stat call.
func (h *handlers) fileMetadata(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	p, err := h.parseFilePayload(req)
	if err != nil {
		return nil, err
	}
	res, err := h.exec(ctx, req.SandboxID, []string{"stat", "-c", "%F|%s|%a|%Y|%N", p.Path})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("path %s not found", p.Path))
	}
	fields := strings.SplitN(strings.TrimSpace(string(res.Stdout)), "|", 5)
	if len(fields) < 5 {
		return nil, errs.Newf(errs.KindRuntime, "unexpected stat output for %s", p.Path)
	}

	kind := "file"
	switch {
	case strings.Contains(fields[0], "directory"):
		kind = "dir"
	case strings.Contains(fields[0], "symbolic link"):
		kind = "symlink"
	}
	size, _ := strconv.ParseInt(fields[1], 10, 64)
	mtime, _ := strconv.ParseInt(fields[3], 10, 64)

	out := map[string]any{
		"kind": kind, "size": size, "mode": fields[2], "mtime": mtime,
	}
	if kind == "symlink" {
		if linkTarget, ok := parseSymlinkTarget(fields[4]); ok {
			out["link_target"] = linkTarget
		}
	}
	return json.Marshal(out)
}

// parseSymlinkTarget extracts the target from stat -c %N's
// "'name' -> 'target'" quoting.
func parseSymlinkTarget(n string) (string, bool) {
	idx := strings.Index(n, "-> ")
	if idx < 0 {
		return "", false
	}
	target := strings.Trim(n[idx+3:], "'\"")
	return target, target != ""
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// fileList implements §4.4 file_list via find -maxdepth 1, sorted
// case-insensitively by name and paginated.
func (h *handlers) fileList(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	p, err := h.parseFilePayload(req)
	if err != nil {
		return nil, err
	}
	dir := p.Path
	if dir == "" {
		dir = "."
	}

	res, err := h.exec(ctx, req.SandboxID, []string{
		"find", dir, "-maxdepth", "1", "-mindepth", "1", "-printf", `%f|%y|%s|%m|%T@\n`,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("path %s not found", p.Path))
	}

	type entry struct {
		Name  string `json:"name"`
		Kind  string `json:"kind"`
		Size  int64  `json:"size"`
		Mode  string `json:"mode"`
		Mtime float64 `json:"mtime"`
	}
	var entries []entry
	for _, line := range strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 5)
		if len(fields) < 5 {
			continue
		}
		kind := "file"
		switch fields[1] {
		case "d":
			kind = "dir"
		case "l":
			kind = "symlink"
		}
		size, _ := strconv.ParseInt(fields[2], 10, 64)
		mtime, _ := strconv.ParseFloat(fields[4], 64)
		entries = append(entries, entry{Name: fields[0], Kind: kind, Size: size, Mode: fields[3], Mtime: mtime})
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	total := len(entries)
	offset := 0
	if p.Offset != nil {
		offset = *p.Offset
	}
	limit := defaultListLimit
	if p.Limit != nil {
		limit = *p.Limit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := entries[offset:end]
	nextOffset := end
	if end >= total {
		nextOffset = total
	}

	return json.Marshal(map[string]any{"entries": page, "next_offset": nextOffset, "total": total})
}

// fileDelete implements §4.4 file_delete: refuses directories, rm -f otherwise.
func (h *handlers) fileDelete(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	p, err := h.parseFilePayload(req)
	if err != nil {
		return nil, err
	}

	statRes, err := h.exec(ctx, req.SandboxID, []string{"stat", "-c", "%F", p.Path})
	if err != nil {
		return nil, err
	}
	if statRes.ExitCode != 0 {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("path %s not found", p.Path))
	}
	if !strings.Contains(string(statRes.Stdout), "regular") {
		return nil, errs.New(errs.KindKind, fmt.Sprintf("%s is not a regular file", p.Path))
	}

	rmRes, err := h.exec(ctx, req.SandboxID, []string{"rm", "-f", p.Path})
	if err != nil {
		return nil, err
	}
	if rmRes.ExitCode != 0 {
		return nil, errs.Newf(errs.KindRuntime, "rm -f %s exited %d", p.Path, rmRes.ExitCode)
	}
	return json.Marshal(map[string]any{"deleted": p.Path})
}
