// Package pathresolver maps virtual sandbox paths under /workspace,
// /memories, /blocks, /skills to real per-agent filesystem paths, rejecting
// traversal and symlink-escape attempts.
package pathresolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
)

// Root is one of the four virtual roots a sandbox path may begin with.
type Root string

const (
	RootWorkspace Root = "workspace"
	RootMemories Root = "memories"
	RootBlocks Root = "blocks"
	RootSkills Root = "skills"
)

var roots = map[string]Root{
	"/workspace/": RootWorkspace,
	"/memories/": RootMemories,
	"/blocks/": RootBlocks,
	"/skills/": RootSkills,
}

// Resolver resolves virtual paths for one agent.
type Resolver struct {
	agentRoot string
}

// New builds a Resolver rooted at agentRoot ({root}/agents/{slug}).
func New(agentRoot string) *Resolver {
	return &Resolver{agentRoot: agentRoot}
}

const sanitizedToken = "<sandbox>"

func (r *Resolver) sanitize(msg string) string {
	return strings.ReplaceAll(msg, r.agentRoot, sanitizedToken)
}

func (r *Resolver) denied(format string, args ...interface{}) error {
	return cerrors.New(cerrors.KindAccessDenied, r.sanitize(fmt.Sprintf(format, args...)), nil)
}

// Resolve maps a virtual path p to a real path, or fails with AccessDenied.
func (r *Resolver) Resolve(p string) (string, error) {
	root, sub, err := splitRoot(p)
	if err != nil {
		return "", r.denied("%v", err)
	}

	rootDir := filepath.Join(r.agentRoot, string(root))

	// Step 1: lexically normalize and reject a relative path that climbs
	// above the root via "..".
	cleanSub := filepath.Clean(sub)
	joined := filepath.Join(rootDir, cleanSub)
	rel, err := filepath.Rel(rootDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", r.denied("path escapes sandbox root: %s", p)
	}

	// Step 2: confirm the relative path still lies under the root subdir
	// (redundant with step 1's prefix check but kept as an explicit,
	// separately testable check).
	if !isPathInside(joined, rootDir) {
		return "", r.denied("path escapes %s area", root)
	}

	// Step 3: walk upward to an existing ancestor, canonicalize it, and
	// reattach the remaining suffix.
	real, err := resolveThroughExistingAncestors(joined)
	if err != nil {
		return "", r.denied("cannot resolve path: %v", err)
	}

	// Reject hardlinked regular files: a hardlink can point outside the
	// sandbox while living at an in-sandbox path.
	if err := checkHardlink(real); err != nil {
		return "", r.denied("%v", err)
	}

	// Reject any symlink component whose parent directory is writable by
	// others, a TOCTOU vector.
	if hasMutableSymlinkParent(real) {
		return "", r.denied("path traverses a mutable symlink")
	}

	// Step 4: canonicalize the agent root and verify the real path still
	// lies under the canonical root subdirectory.
	rootReal, err := canonicalize(rootDir)
	if err != nil {
		return "", r.denied("cannot resolve sandbox root: %v", err)
	}
	if !isPathInside(real, rootReal) {
		return "", r.denied("resolved path escapes %s area", root)
	}

	return real, nil
}

// splitRoot validates the path begins with one of the four virtual roots
// and returns the root and the tail following it.
func splitRoot(p string) (Root, string, error) {
	for prefix, root := range roots {
		if p == strings.TrimSuffix(prefix, "/") {
			return root, "", nil
		}
		if strings.HasPrefix(p, prefix) {
			return root, strings.TrimPrefix(p, prefix), nil
		}
	}
	return "", "", fmt.Errorf("path %q does not begin with a recognized sandbox root", p)
}

// isPathInside reports whether child is parent or a descendant of parent,
// both assumed to already be cleaned/absolute.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughExistingAncestors walks p upward until it finds a path
// component chain that exists, canonicalizes that existing prefix via
// EvalSymlinks, then reattaches the non-existent suffix.
func resolveThroughExistingAncestors(p string) (string, error) {
	if _, err := os.Lstat(p); err == nil {
		return canonicalizeLeaf(p)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(p)
	base := filepath.Base(p)
	if parent == p {
		return "", fmt.Errorf("reached filesystem root while resolving %s", p)
	}
	realParent, err := resolveThroughExistingAncestors(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, base), nil
}

// canonicalizeLeaf resolves symlinks for an existing path. If p itself is a
// symlink (possibly broken), it resolves the parent and rejoins the link
// target when the link is broken; otherwise defers to EvalSymlinks.
func canonicalizeLeaf(p string) (string, error) {
	real, err := filepath.EvalSymlinks(p)
	if err == nil {
		return real, nil
	}
	// Broken symlink: EvalSymlinks fails because the target doesn't
	// exist. Resolve through the link's own target textually.
	fi, lerr := os.Lstat(p)
	if lerr != nil {
		return "", err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return "", err
	}
	target, rerr := os.Readlink(p)
	if rerr != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(p), target)
	}
	return resolveThroughExistingAncestors(target)
}

func canonicalize(p string) (string, error) {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real, nil
	}
	return resolveThroughExistingAncestors(p)
}

// checkHardlink rejects regular files with more than one hardlink: such a
// file could be linked to a path outside the sandbox.
func checkHardlink(real string) error {
	fi, err := os.Lstat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !fi.Mode().IsRegular() {
		return nil
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if st.Nlink > 1 {
		return fmt.Errorf("refusing to access hardlinked file")
	}
	return nil
}

// hasMutableSymlinkParent walks every ancestor directory of real and
// rejects if any ancestor is itself a symlink whose parent directory is
// writable by group or other (a TOCTOU vector: the symlink could be
// repointed between resolution and use).
func hasMutableSymlinkParent(real string) bool {
	dir := filepath.Dir(real)
	for {
		fi, err := os.Lstat(dir)
		if err != nil {
			return false
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			parent := filepath.Dir(dir)
			if pi, err := os.Stat(parent); err == nil {
				if pi.Mode().Perm()&0o022 != 0 {
					return true
				}
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}
