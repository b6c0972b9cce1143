package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"

	"github.com/thiago95macedo/webhost/internal/shell"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// initRepo creates a local repo on the given branch with a committer identity.
func initRepo(t *testing.T, dir, branch string) {
	t.Helper()
	cmds := [][]string{
		{"git", "init", "-b", branch, dir},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

// commitFiles writes the given files and commits them.
func commitFiles(t *testing.T, repoDir string, files map[string]string, msg string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(repoDir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	for _, args := range [][]string{
		{"git", "-C", repoDir, "add", "-A"},
		{"git", "-C", repoDir, "commit", "-m", msg},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

func removeAndCommit(t *testing.T, repoDir, name, msg string) {
	t.Helper()
	for _, args := range [][]string{
		{"git", "-C", repoDir, "rm", "-q", name},
		{"git", "-C", repoDir, "commit", "-m", msg},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

func newClient() *ShellClient {
	return NewShellClient(shell.NewExecRunner(), "", "")
}

func TestListTracked(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	repo := t.TempDir()
	initRepo(t, repo, "main")
	commitFiles(t, repo, map[string]string{
		"a.txt":            "a",
		"deployment/x.php": "<?php",
		"README.md":        "# readme",
		"dir with space/b": "b",
	}, "initial")

	got, err := newClient().ListTracked(ctx, repo)
	if err != nil {
		t.Fatalf("ListTracked() error = %v", err)
	}
	sort.Strings(got)
	want := []string{"README.md", "a.txt", "deployment/x.php", "dir with space/b"}
	if len(got) != len(want) {
		t.Fatalf("ListTracked() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListTracked()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiffNamesAndHead(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	client := newClient()

	repo := t.TempDir()
	initRepo(t, repo, "main")
	commitFiles(t, repo, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"}, "initial")

	first, err := client.Head(ctx, repo)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if len(first) != 40 {
		t.Errorf("Head() = %q, expected a full commit hash", first)
	}

	t.Run("no changes", func(t *testing.T) {
		got, err := client.DiffNames(ctx, repo, first, "HEAD")
		if err != nil {
			t.Fatalf("DiffNames() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("DiffNames() = %v, want empty", got)
		}
	})

	commitFiles(t, repo, map[string]string{"b.txt": "b2", "d/e.txt": "e"}, "modify and add")
	removeAndCommit(t, repo, "c.txt", "delete")

	t.Run("added modified and deleted", func(t *testing.T) {
		got, err := client.DiffNames(ctx, repo, first, "HEAD")
		if err != nil {
			t.Fatalf("DiffNames() error = %v", err)
		}
		sort.Strings(got)
		want := []string{"b.txt", "c.txt", "d/e.txt"}
		if len(got) != len(want) {
			t.Fatalf("DiffNames() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("DiffNames()[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("unknown revision", func(t *testing.T) {
		_, err := client.DiffNames(ctx, repo, "0123456789abcdef0123456789abcdef01234567", "HEAD")
		if err == nil {
			t.Fatal("expected error for unknown revision")
		}
		var gitErr *Error
		if !errors.As(err, &gitErr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if gitErr.Op != "diff" {
			t.Errorf("Op = %q, want diff", gitErr.Op)
		}
	})
}

func TestQueries_ProjectSubdirectory(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	client := newClient()

	top := t.TempDir()
	initRepo(t, top, "main")
	commitFiles(t, top, map[string]string{
		"sites/php/casthi/a.txt": "a",
		"sites/php/other/b.txt":  "b",
		"README.md":              "# readme",
	}, "initial")

	project := filepath.Join(top, "sites", "php", "casthi")
	first, err := client.Head(ctx, project)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}

	tracked, err := client.ListTracked(ctx, project)
	if err != nil {
		t.Fatalf("ListTracked() error = %v", err)
	}
	if len(tracked) != 1 || tracked[0] != "a.txt" {
		t.Errorf("ListTracked() = %v, want [a.txt]", tracked)
	}

	commitFiles(t, top, map[string]string{
		"sites/php/casthi/a.txt": "a2",
		"sites/php/other/b.txt":  "b2",
		"README.md":              "# readme 2",
	}, "update")

	changed, err := client.DiffNames(ctx, project, first, "HEAD")
	if err != nil {
		t.Fatalf("DiffNames() error = %v", err)
	}
	if len(changed) != 1 || changed[0] != "a.txt" {
		t.Errorf("DiffNames() = %v, want [a.txt] rooted like ListTracked", changed)
	}
}

func TestHead_NotARepository(t *testing.T) {
	requireGit(t)
	_, err := newClient().Head(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("expected error outside a repository")
	}
}

func TestEnsureCheckout_UpdatesLocalBranch(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	remoteDir := t.TempDir()
	initRepo(t, remoteDir, "main")
	commitFiles(t, remoteDir, map[string]string{"index.php": "version1\n"}, "Initial commit")

	cloneDir := filepath.Join(t.TempDir(), "repo")
	client := newClient()
	commit1, err := client.EnsureCheckout(ctx, remoteDir, "main", cloneDir)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(cloneDir, "index.php"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "version1\n" {
		t.Fatalf("expected version1, got %q", string(got))
	}

	commitFiles(t, remoteDir, map[string]string{"index.php": "version2\n"}, "Update")

	commit2, err := client.EnsureCheckout(ctx, remoteDir, "main", cloneDir)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if commit1 == commit2 {
		t.Error("expected different commit after update, but got the same")
	}

	got, err = os.ReadFile(filepath.Join(cloneDir, "index.php"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "version2\n" {
		t.Errorf("expected version2 after update, got %q", string(got))
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before clone",
			args:  []string{"clone", "--no-checkout", "url", "dest"},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value", "clone", "--no-checkout", "url", "dest"},
		},
		{
			name:  "insert before -C",
			args:  []string{"-C", "/dir", "fetch", "origin"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"-c", "cred=helper", "-C", "/dir", "fetch", "origin"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if len(got) != len(tt.want) {
				t.Fatalf("insertGitFlags() length = %d, want %d\ngot:  %v\nwant: %v", len(got), len(tt.want), got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("insertGitFlags()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestConfigureAuth_SSH(t *testing.T) {
	client := NewShellClient(shell.NewExecRunner(), "/keys/deploy key", "")
	cmd := shell.Command{Name: "git", Args: []string{"fetch"}}
	if err := client.configureAuth(&cmd, "git@github.com:org/site.git"); err != nil {
		t.Fatal(err)
	}
	want := "GIT_SSH_COMMAND=ssh -i '/keys/deploy key' -o StrictHostKeyChecking=accept-new -F /dev/null"
	if len(cmd.Env) != 1 || cmd.Env[0] != want {
		t.Errorf("Env = %v, want [%s]", cmd.Env, want)
	}
}

func TestSplitNUL(t *testing.T) {
	got := splitNUL([]byte("a.txt\x00b c.txt\x00\x00"))
	if len(got) != 2 || got[0] != "a.txt" || got[1] != "b c.txt" {
		t.Errorf("splitNUL() = %q", got)
	}
	if splitNUL(nil) != nil {
		t.Error("splitNUL(nil) should be nil")
	}
}
