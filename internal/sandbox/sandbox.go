// Package sandbox runs an allowlisted binary inside a bubblewrap
// (bwrap) user-namespace jail: fresh PID/IPC/UTS/mount namespaces, a
// read-write bind of the agent's workspace/memories/skills directories, a
// private tmpfs /tmp, a fresh /proc and /dev, read-only resolver files and
// CA bundles, and a cleared environment. bwrap's own --die-with-parent flag
// kills the child if the supervisor process dies first.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
)

// disallowedChars matches any shell-metacharacter or whitespace forbidden
// in a bare command name.
var disallowedChars = regexp.MustCompile(`[\s'"|&;$` + "`" + `\\]`)

// Request describes one sandboxed invocation.
type Request struct {
	Command string
	Args []string
	AllowedBinaries []string
	TimeoutMs int
	AgentSlug string

	// AgentRoot is {root}/agents/{slug}; its workspace/memories/skills
	// subdirectories are the ones bound into the jail.
	AgentRoot string
}

// Output is the successful result of a sandboxed run.
type Output struct {
	ExitCode int
	Stdout string
	Stderr string
}

// bwrapPath is overridable in tests.
var bwrapPath = "bwrap"

// Run executes req inside a bwrap jail and returns its output, or a
// *cerrors.Error of kind SandboxError on precondition/jail failure.
func Run(ctx context.Context, req Request) (*Output, error) {
	if err := validateCommand(req.Command, req.AllowedBinaries); err != nil {
		return nil, err
	}

	binPath, err := exec.LookPath(req.Command)
	if err != nil {
		return nil, cerrors.New(cerrors.KindSandbox, fmt.Sprintf("cannot locate binary %q on PATH", req.Command), err)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args, err := buildBwrapArgs(req, binPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(runCtx, bwrapPath, args...)
	cmd.Env = buildEnv(req.AgentRoot)
	cmd.Dir = filepath.Join(req.AgentRoot, "workspace")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return &Output{
			ExitCode: -1,
			Stdout: stdout.String(),
			Stderr: stderr.String() + "\n[sandbox] command timed out after " + timeout.String(),
		}, nil
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, cerrors.New(cerrors.KindSandbox, "failed to start sandboxed process", runErr)
		}
	}

	return &Output{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func validateCommand(command string, allowed []string) error {
	if command == "" {
		return cerrors.New(cerrors.KindSandbox, "command must not be empty", nil)
	}
	if disallowedChars.MatchString(command) {
		return cerrors.New(cerrors.KindSandbox, fmt.Sprintf("command %q contains disallowed characters", command), nil)
	}
	for _, a := range allowed {
		if a == command {
			return nil
		}
	}
	return cerrors.New(cerrors.KindSandbox, fmt.Sprintf("Command '%s' is not in the allowed binaries list.", command), nil)
}

// buildBwrapArgs assembles the bwrap invocation mount plan.
func buildBwrapArgs(req Request, binPath string) ([]string, error) {
	root := req.AgentRoot
	args := []string{
		"--die-with-parent",
		"--unshare-user",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-cgroup-try",
	}

	bind := func(src, dst string) {
		if _, err := os.Stat(src); err == nil {
			args = append(args, "--bind", src, dst)
		}
	}
	bindRO := func(src, dst string) {
		if _, err := os.Stat(src); err == nil {
			args = append(args, "--ro-bind", src, dst)
		}
	}

	bind(filepath.Join(root, "workspace"), "/workspace")
	bind(filepath.Join(root, "memories"), "/memories")
	bind(filepath.Join(root, "skills"), "/skills")

	args = append(args, "--size", strconv.Itoa(64*1024*1024), "--tmpfs", "/tmp")
	args = append(args, "--proc", "/proc", "--dev", "/dev")

	for _, f := range []string{"/etc/passwd", "/etc/group", "/etc/nsswitch.conf", "/etc/resolv.conf"} {
		bindRO(f, f)
	}
	for _, f := range []string{"/etc/ssl/certs", "/etc/pki/tls/certs", "/usr/share/ca-certificates"} {
		bindRO(f, f)
	}

	if isStoreLayout(binPath) {
		storeRoot := storePrefix(binPath)
		bindRO(storeRoot, storeRoot)
		args = append(args, "--symlink", binPath, "/bin/"+filepath.Base(binPath))
	} else {
		for _, d := range []string{"/usr", "/bin", "/lib", "/lib64"} {
			bindRO(d, d)
		}
	}

	args = append(args, "--chdir", "/workspace")
	args = append(args, "--setenv", "HOME", "/workspace")
	args = append(args, "--setenv", "LANG", "C.UTF-8")
	args = append(args, "--setenv", "LC_ALL", "C.UTF-8")
	args = append(args, "--setenv", "PATH", hostPath())
	for k, v := range parseDotEnv(filepath.Join(root, "workspace", ".env")) {
		args = append(args, "--setenv", k, v)
	}

	args = append(args, "--", req.Command)
	args = append(args, req.Args...)
	return args, nil
}

// isStoreLayout reports whether binPath lives under a content-addressed
// derivation store (e.g. /nix/store/<hash>-name/bin/foo).
func isStoreLayout(binPath string) bool {
	return strings.HasPrefix(binPath, "/nix/store/") || strings.HasPrefix(binPath, "/gnu/store/")
}

// storePrefix returns the top-level store directory (e.g. /nix/store) for a
// binary resolved inside it.
func storePrefix(binPath string) string {
	parts := strings.SplitN(binPath, string(filepath.Separator), 4)
	if len(parts) < 3 {
		return filepath.Dir(binPath)
	}
	return "/" + filepath.Join(parts[1], parts[2])
}

func hostPath() string {
	if p := os.Getenv("PATH"); p != "" {
		return p
	}
	return "/usr/bin:/bin:/usr/sbin:/sbin"
}

func buildEnv(agentRoot string) []string {
	env := []string{
		"HOME=/workspace",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"PATH=" + hostPath(),
	}
	for k, v := range parseDotEnv(filepath.Join(agentRoot, "workspace", ".env")) {
		env = append(env, k+"="+v)
	}
	return env
}

// parseDotEnv reads KEY=VALUE lines from path, ignoring comments and
// malformed lines.
func parseDotEnv(path string) map[string]string {
	out := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		out[key] = val
	}
	return out
}
