package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/thiago95macedo/webhost/internal/shell"
)

// Client provides the version-control queries the deployer depends on
type Client interface {
	// ListTracked returns every path tracked under repoDir, relative to repoDir
	ListTracked(ctx context.Context, repoDir string) ([]string, error)
	// DiffNames returns the paths under repoDir that differ between from and
	// to, relative to repoDir like ListTracked
	DiffNames(ctx context.Context, repoDir, from, to string) ([]string, error)
	// Head resolves the current HEAD commit
	Head(ctx context.Context, repoDir string) (string, error)
}

// Error reports a failed git invocation
type Error struct {
	Op     string
	Output string
	Err    error
}

func (e *Error) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("git %s failed: %v: %s", e.Op, e.Err, out)
}

func (e *Error) Unwrap() error { return e.Err }

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	runner         shell.Runner
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(runner shell.Runner, sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		runner:         runner,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// ListTracked runs git ls-files
func (c *ShellClient) ListTracked(ctx context.Context, repoDir string) ([]string, error) {
	out, err := c.output(ctx, "ls-files", "-C", repoDir, "ls-files", "-z")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// DiffNames runs git diff --name-only between two revisions. --relative keeps
// paths rooted at repoDir when it is a subdirectory of the work tree.
func (c *ShellClient) DiffNames(ctx context.Context, repoDir, from, to string) ([]string, error) {
	out, err := c.output(ctx, "diff", "-C", repoDir, "diff", "--relative", "--name-only", "-z", from, to, "--")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// Head runs git rev-parse HEAD
func (c *ShellClient) Head(ctx context.Context, repoDir string) (string, error) {
	out, err := c.output(ctx, "rev-parse", "-C", repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	// Check if repo already exists
	exists := false
	if _, err := os.Stat(filepath.Join(destDir, ".git")); err == nil {
		exists = true
	}

	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd := shell.Command{Name: "git", Args: []string{"clone", "--no-checkout", url, destDir}}
		if err := c.configureAuth(&cmd, url); err != nil {
			return "", err
		}
		if err := c.run(ctx, "clone", cmd); err != nil {
			return "", err
		}
	} else {
		cmd := shell.Command{Name: "git", Args: []string{"-C", destDir, "fetch", "origin"}}
		if err := c.configureAuth(&cmd, url); err != nil {
			return "", err
		}
		if err := c.run(ctx, "fetch", cmd); err != nil {
			return "", err
		}
	}

	// Try the ref directly first (local branches, tags, commit hashes), then
	// as a remote branch.
	checkout := shell.Command{Name: "git", Args: []string{"-C", destDir, "checkout", "-f", ref}}
	if err := c.run(ctx, "checkout", checkout); err != nil {
		remote := shell.Command{Name: "git", Args: []string{"-C", destDir, "checkout", "-f", "origin/" + ref}}
		if err := c.run(ctx, "checkout", remote); err != nil {
			return "", fmt.Errorf("checkout of ref %q failed (tried both direct and remote): %w", ref, err)
		}
	}

	// The local branch may be stale after fetch. No-op for fresh clones,
	// ignored for tags and hashes.
	if exists {
		reset := shell.Command{Name: "git", Args: []string{"-C", destDir, "reset", "--hard", "origin/" + ref}}
		_ = c.run(ctx, "reset", reset)
	}

	return c.Head(ctx, destDir)
}

// configureAuth sets up authentication for git operations that reach the remote
func (c *ShellClient) configureAuth(cmd *shell.Command, url string) error {
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shell.Quote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and a credential helper reads
		// it back, so it never appears in the argument list.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0", "SITEDEPLOY_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$SITEDEPLOY_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags puts global flags ahead of the subcommand
func insertGitFlags(args []string, flags ...string) []string {
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, flags...)
	result = append(result, args...)
	return result
}

func (c *ShellClient) run(ctx context.Context, op string, cmd shell.Command) error {
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return &Error{Op: op, Output: res.Combined(), Err: err}
	}
	return nil
}

// output runs "git args..." and returns stdout only
func (c *ShellClient) output(ctx context.Context, op string, args ...string) ([]byte, error) {
	res, err := c.runner.Run(ctx, shell.Command{Name: "git", Args: args})
	if err != nil {
		return nil, &Error{Op: op, Output: string(res.Stderr), Err: err}
	}
	return res.Stdout, nil
}

// splitNUL splits -z output into paths, dropping the empty tail
func splitNUL(out []byte) []string {
	var paths []string
	for _, p := range bytes.Split(out, []byte{0}) {
		if len(p) == 0 {
			continue
		}
		paths = append(paths, string(p))
	}
	return paths
}
