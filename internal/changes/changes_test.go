package changes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiago95macedo/webhost/internal/git"
	"github.com/thiago95macedo/webhost/internal/registry"
)

// fakeVCS is a scripted git.Client
type fakeVCS struct {
	head    string
	headErr error
	tracked []string
	listErr error
	diffs   map[string][]string
	diffErr error

	listCalls int
	diffCalls [][2]string
}

func (f *fakeVCS) ListTracked(_ context.Context, _ string) ([]string, error) {
	f.listCalls++
	return f.tracked, f.listErr
}

func (f *fakeVCS) DiffNames(_ context.Context, _ string, from, to string) ([]string, error) {
	f.diffCalls = append(f.diffCalls, [2]string{from, to})
	if f.diffErr != nil {
		return nil, f.diffErr
	}
	return f.diffs[from], nil
}

func (f *fakeVCS) Head(_ context.Context, _ string) (string, error) {
	return f.head, f.headErr
}

func TestDetect_FullWithoutCheckpoint(t *testing.T) {
	vcs := &fakeVCS{head: "c0ffee", tracked: []string{"a.txt", "deployment/x.php", "README.md"}}
	d := NewDetector(vcs, "/repo")

	got, err := d.Detect(context.Background(), registry.Target{Key: "acme"})
	require.NoError(t, err)

	assert.Equal(t, ModeFull, got.Mode)
	assert.Equal(t, []string{"a.txt", "deployment/x.php", "README.md"}, got.Files)
	assert.Equal(t, "c0ffee", got.Revision)
	assert.Empty(t, got.Since)
	assert.Empty(t, vcs.diffCalls)
}

func TestDetect_IncrementalFromCheckpoint(t *testing.T) {
	vcs := &fakeVCS{
		head:  "r2",
		diffs: map[string][]string{"r1": {"index.php", "gone.txt"}},
	}
	d := NewDetector(vcs, "/repo")

	got, err := d.Detect(context.Background(), registry.Target{Key: "acme", LastCommit: "r1", LastDeploy: "2024-01-01 10:00:00"})
	require.NoError(t, err)

	assert.Equal(t, ModeIncremental, got.Mode)
	assert.Equal(t, []string{"index.php", "gone.txt"}, got.Files)
	assert.Equal(t, "r1", got.Since)
	assert.Equal(t, "r2", got.Revision)
	assert.Equal(t, [][2]string{{"r1", "r2"}}, vcs.diffCalls, "diff must run against the resolved HEAD")
	assert.Zero(t, vcs.listCalls)
}

func TestDetect_EmptyDiff(t *testing.T) {
	vcs := &fakeVCS{head: "r1", diffs: map[string][]string{}}
	d := NewDetector(vcs, "/repo")

	got, err := d.Detect(context.Background(), registry.Target{LastCommit: "r1"})
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, got.Mode)
	assert.Empty(t, got.Files)
}

func TestDetect_Deterministic(t *testing.T) {
	vcs := &fakeVCS{head: "r2", diffs: map[string][]string{"r1": {"b", "a", "c"}}}
	d := NewDetector(vcs, "/repo")
	target := registry.Target{LastCommit: "r1"}

	first, err := d.Detect(context.Background(), target)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetect_VCSErrors(t *testing.T) {
	gitErr := &git.Error{Op: "diff", Output: "fatal: bad revision 'r1'", Err: errors.New("exit status 128")}

	tests := []struct {
		name   string
		vcs    *fakeVCS
		target registry.Target
	}{
		{name: "head", vcs: &fakeVCS{headErr: gitErr}},
		{name: "list", vcs: &fakeVCS{head: "r2", listErr: gitErr}},
		{name: "diff", vcs: &fakeVCS{head: "r2", diffErr: gitErr}, target: registry.Target{LastCommit: "r1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector(tt.vcs, "/repo").Detect(context.Background(), tt.target)
			assert.ErrorIs(t, err, ErrVCS)

			var ge *git.Error
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, "diff", ge.Op)
		})
	}
}
