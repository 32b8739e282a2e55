package tools

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/cireilclaw/cireilclaw/internal/session"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

const maxImageDimension = 1568

// ReadTool reads a file's bytes. Image files are decoded, resized if
// oversized, and re-encoded as JPEG quality 90 (see DESIGN.md for why JPEG
// substitutes for WebP output here), then queued as pending image content
// instead of being returned as text.
var ReadTool = &Tool{
	Name:        "read",
	Description: "Read a file from the sandbox filesystem.",
	Schema: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"path"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		path, _ := input["path"].(string)
		real, err := tc.Resolver.Resolve(path)
		if err != nil {
			return failure(err.Error()), nil
		}
		data, err := os.ReadFile(real)
		if err != nil {
			if os.IsNotExist(err) {
				return failure(fmt.Sprintf("file not found: %s", path)), nil
			}
			return nil, fmt.Errorf("read %s: %w", real, err)
		}

		ext := strings.ToLower(filepath.Ext(real))
		if imageExts[ext] {
			jpegBytes, err := reencodeAsJPEG(data)
			if err != nil {
				return failure(fmt.Sprintf("could not decode image: %v", err)), nil
			}
			tc.Session.Lock()
			tc.Session.PendingImages = append(tc.Session.PendingImages, session.ImageContent{
				MediaType: "image/jpeg",
				Data:      jpegBytes,
			})
			tc.Session.Unlock()
			return ok(map[string]interface{}{
				"path":      path,
				"mediaType": "image/jpeg",
				"size":      len(jpegBytes),
			}), nil
		}

		return ok(map[string]interface{}{
			"content": string(data),
			"path":    path,
			"size":    len(data),
		}), nil
	},
}

func reencodeAsJPEG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() > maxImageDimension || b.Dy() > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// OpenFileTool pins a path into the session's always-injected set.
var OpenFileTool = &Tool{
	Name:        "open-file",
	Description: "Pin a file's contents into the system prompt until closed.",
	Schema: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"path"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		path, _ := input["path"].(string)
		real, err := tc.Resolver.Resolve(path)
		if err != nil {
			return failure(err.Error()), nil
		}
		if _, err := os.Stat(real); err != nil {
			if os.IsNotExist(err) {
				return failure(fmt.Sprintf("file not found: %s", path)), nil
			}
			return nil, fmt.Errorf("stat %s: %w", real, err)
		}
		tc.Session.Lock()
		tc.Session.Pin(path)
		pinned := append([]string(nil), tc.Session.PinnedFiles...)
		tc.Session.Unlock()
		return ok(map[string]interface{}{"pinned": pinned}), nil
	},
}

// CloseFileTool unpins a path.
var CloseFileTool = &Tool{
	Name:        "close-file",
	Description: "Unpin a previously opened file.",
	Schema: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"path"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		path, _ := input["path"].(string)
		tc.Session.Lock()
		removed := tc.Session.Unpin(path)
		pinned := append([]string(nil), tc.Session.PinnedFiles...)
		tc.Session.Unlock()
		return ok(map[string]interface{}{"pinned": pinned, "removed": removed}), nil
	},
}

// dirEntryKind is the type of one entry returned by list-dir.
type dirEntryKind string

const (
	dirEntryFile      dirEntryKind = "file"
	dirEntryDirectory dirEntryKind = "directory"
	dirEntrySymlink   dirEntryKind = "symlink"
)

// ListDirTool lists immediate children of a directory.
var ListDirTool = &Tool{
	Name:        "list-dir",
	Description: "List the immediate children of a sandbox directory.",
	Schema: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"path"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		path, _ := input["path"].(string)
		real, err := tc.Resolver.Resolve(path)
		if err != nil {
			return failure(err.Error()), nil
		}
		entries, err := os.ReadDir(real)
		if err != nil {
			if os.IsNotExist(err) {
				return failure(fmt.Sprintf("directory not found: %s", path)), nil
			}
			return nil, fmt.Errorf("readdir %s: %w", real, err)
		}
		var items []map[string]interface{}
		for _, e := range entries {
			kind := dirEntryFile
			info, err := e.Info()
			if err == nil && info.Mode()&os.ModeSymlink != 0 {
				kind = dirEntrySymlink
			} else if e.IsDir() {
				kind = dirEntryDirectory
			}
			items = append(items, map[string]interface{}{"name": e.Name(), "type": string(kind)})
		}
		return ok(map[string]interface{}{"entries": items}), nil
	},
}

// WriteTool writes content to a file, creating parent directories.
var WriteTool = &Tool{
	Name:        "write",
	Description: "Write content to a file in the sandbox filesystem.",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"path", "content"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		path, _ := input["path"].(string)
		content, _ := input["content"].(string)
		if strings.HasPrefix(path, "/blocks/") && strings.ToLower(filepath.Ext(path)) != ".md" {
			return failure("only .md files may be written under /blocks/"), nil
		}
		real, err := tc.Resolver.Resolve(path)
		if err != nil {
			return failure(err.Error()), nil
		}
		if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for %s: %w", real, err)
		}
		if err := os.WriteFile(real, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", real, err)
		}
		return ok(map[string]interface{}{"path": path, "size": len(content)}), nil
	},
}

const strReplaceContext = 80

// StrReplaceTool replaces a unique occurrence of old_text with new_text.
var StrReplaceTool = &Tool{
	Name:        "str-replace",
	Description: "Replace a unique occurrence of text within a file.",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":     map[string]interface{}{"type": "string"},
			"old_text": map[string]interface{}{"type": "string"},
			"new_text": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"path", "old_text", "new_text"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		path, _ := input["path"].(string)
		oldText, _ := input["old_text"].(string)
		newText, _ := input["new_text"].(string)

		real, err := tc.Resolver.Resolve(path)
		if err != nil {
			return failure(err.Error()), nil
		}
		data, err := os.ReadFile(real)
		if err != nil {
			if os.IsNotExist(err) {
				return failure(fmt.Sprintf("file not found: %s", path)), nil
			}
			return nil, fmt.Errorf("read %s: %w", real, err)
		}
		content := string(data)
		count := strings.Count(content, oldText)
		if count == 0 {
			return failure("old_text not found in file"), nil
		}
		if count > 1 {
			return failure(fmt.Sprintf("old_text is not unique: found %d occurrences", count)), nil
		}
		idx := strings.Index(content, oldText)
		updated := content[:idx] + newText + content[idx+len(oldText):]
		if err := os.WriteFile(real, []byte(updated), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", real, err)
		}

		start := idx - strReplaceContext
		if start < 0 {
			start = 0
		}
		end := idx + len(newText) + strReplaceContext
		if end > len(updated) {
			end = len(updated)
		}
		return ok(map[string]interface{}{"path": path, "excerpt": updated[start:end]}), nil
	},
}
